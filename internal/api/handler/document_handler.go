package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/struktr-app/parser/internal/api/dto"
	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

// ListDocuments handles GET /api/v1/documents
// Lists the caller's documents newest first with cursor pagination
func (h *Handler) ListDocuments(c *gin.Context) {
	var req dto.ListDocumentsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.fail(c, apperr.InvalidRequest("invalid query parameters").WithDetail("reason", err.Error()))
		return
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.Valid() {
		h.fail(c, apperr.InvalidRequest("unknown status %q", req.Status))
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.fail(c, apperr.InvalidRequest("invalid cursor"))
		return
	}

	filter := store.JobFilter{
		AccountID: CurrentAccount(c).ID,
		Status:    status,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	}
	jobs, more, err := h.scheduler.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := dto.ListDocumentsResponse{
		Documents: make([]dto.DocumentDTO, len(jobs)),
		HasMore:   more,
	}
	for i, job := range jobs {
		resp.Documents[i] = dto.FromJob(job)
	}
	if more && len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	c.JSON(http.StatusOK, resp)
}

// GetDocument handles GET /api/v1/documents/:id
func (h *Handler) GetDocument(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.FromJob(job))
}

// CancelDocument handles POST /api/v1/documents/:id/cancel
// Pending jobs fail with reason cancelled; running jobs are interrupted on a best
// effort basis; terminal jobs are returned unchanged.
func (h *Handler) CancelDocument(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	job, err := h.scheduler.Cancel(c.Request.Context(), job.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("Cancel requested",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ownedJob loads the :id job and hides jobs of other accounts as not found.
func (h *Handler) ownedJob(c *gin.Context) (*domain.Job, bool) {
	id := c.Param("id")
	job, err := h.scheduler.Get(c.Request.Context(), id)
	if err == nil && job.AccountID != CurrentAccount(c).ID {
		err = apperr.NotFound("document %s not found", id)
	}
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return job, true
}
