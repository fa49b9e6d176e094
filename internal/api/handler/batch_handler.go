package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/struktr-app/parser/internal/api/dto"
	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/batch"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// SubmitBatch handles POST /api/v1/batch
// Accepts JSON documents or a multipart form with repeated files and urls fields.
func (h *Handler) SubmitBatch(c *gin.Context) {
	req, err := h.readBatchRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	snap, err := h.batches.SubmitBatch(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.Accepted(snap))
}

// GetBatch handles GET /api/v1/batch/:id
func (h *Handler) GetBatch(c *gin.Context) {
	snap, ok := h.ownedBatch(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.FromSnapshot(snap))
}

// ExportBatch handles GET /api/v1/batch/:id/export
func (h *Handler) ExportBatch(c *gin.Context) {
	snap, ok := h.ownedBatch(c)
	if !ok {
		return
	}
	data, err := h.batches.Export(c.Request.Context(), snap.Batch.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.xlsx"`, snap.Batch.ID))
	c.Data(http.StatusOK, xlsxContentType, data)
}

func (h *Handler) ownedBatch(c *gin.Context) (*batch.Snapshot, bool) {
	id := c.Param("id")
	snap, err := h.batches.GetBatch(c.Request.Context(), id)
	if err == nil && snap.Batch.AccountID != CurrentAccount(c).ID {
		err = apperr.NotFound("batch %s not found", id)
	}
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return snap, true
}

func (h *Handler) readBatchRequest(c *gin.Context) (batch.Request, error) {
	req := batch.Request{AccountID: CurrentAccount(c).ID}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBatch)

	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		form, err := c.MultipartForm()
		if err != nil {
			return req, formError(err)
		}
		for _, fh := range form.File["files"] {
			data, err := readFile(fh, h.maxUpload)
			if err != nil {
				return req, err
			}
			req.Sources = append(req.Sources, batch.Source{Document: data, Filename: fh.Filename})
		}
		for _, u := range form.Value["urls"] {
			req.Sources = append(req.Sources, batch.Source{URL: u})
		}
		req.WebhookURL = c.PostForm("webhook_url")
		opts, err := formOptions(c.PostForm("options"))
		if err != nil {
			return req, err
		}
		req.Options = opts
		return req, nil
	}

	var body dto.BatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return req, formError(err)
	}
	for _, d := range body.Documents {
		req.Sources = append(req.Sources, batch.Source{Document: d.File, Filename: d.Filename, URL: d.URL})
	}
	req.Options = body.Options.ToOptions()
	req.WebhookURL = body.WebhookURL
	return req, nil
}
