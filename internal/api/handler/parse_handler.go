package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/struktr-app/parser/internal/api/dto"
	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/scheduler"
)

// Parse handles POST /api/v1/parse
// Runs extraction synchronously. A job still running at the sync timeout is
// returned with 202 so the caller can poll it.
func (h *Handler) Parse(c *gin.Context) {
	req, err := h.readParseRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	job, err := h.scheduler.SubmitAndWait(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		c.JSON(http.StatusOK, dto.FromJob(job))
	case domain.JobStatusFailed:
		h.fail(c, &apperr.Error{
			Code:    job.Error.Code,
			Reason:  job.Error.Reason,
			Message: job.Error.Message,
			Details: map[string]any{"id": job.ID},
		})
	default:
		c.JSON(http.StatusAccepted, dto.FromJob(job))
	}
}

// ParseAsync handles POST /api/v1/parse/async
func (h *Handler) ParseAsync(c *gin.Context) {
	req, err := h.readParseRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	job, err := h.scheduler.Submit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.AcceptedResponse{
		ID:        job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// readParseRequest accepts multipart uploads, raw application/pdf bodies and JSON.
func (h *Handler) readParseRequest(c *gin.Context) (scheduler.Request, error) {
	acct := CurrentAccount(c)
	req := scheduler.Request{AccountID: acct.ID}

	// Base64 in JSON inflates documents by a third.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload*4/3+64<<10)

	switch c.ContentType() {
	case gin.MIMEMultipartPOSTForm:
		fh, err := c.FormFile("file")
		switch {
		case err == nil:
			data, err := readFile(fh, h.maxUpload)
			if err != nil {
				return req, err
			}
			req.Document, req.Filename = data, fh.Filename
		case !errors.Is(err, http.ErrMissingFile):
			return req, formError(err)
		}
		req.URL = c.PostForm("url")
		req.WebhookURL = c.PostForm("webhook_url")
		opts, err := formOptions(c.PostForm("options"))
		if err != nil {
			return req, err
		}
		req.Options = opts

	case "application/pdf", "application/octet-stream":
		var q dto.RawParseQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			return req, apperr.InvalidRequest("invalid query parameters").WithDetail("reason", err.Error())
		}
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxUpload+1))
		if err != nil {
			return req, formError(err)
		}
		req.Document, req.Filename = data, q.Filename
		req.WebhookURL = q.WebhookURL
		req.Options = q.OptionsDTO.ToOptions()

	default:
		var body dto.ParseRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			return req, formError(err)
		}
		req.Document, req.Filename, req.URL = body.File, body.Filename, body.URL
		req.WebhookURL = body.WebhookURL
		req.Options = body.Options.ToOptions()
	}

	h.logger.Debug("Parse request decoded",
		slog.String("account_id", acct.ID),
		slog.Int("bytes", len(req.Document)),
		slog.Bool("url", req.URL != ""),
	)
	return req, nil
}

// readFile reads at most max+1 bytes so the scheduler can report the size violation.
func readFile(fh *multipart.FileHeader, max int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, apperr.InvalidRequest("could not read uploaded file")
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, max+1))
}

func formOptions(raw string) (domain.Options, error) {
	if raw == "" {
		return domain.DefaultOptions(), nil
	}
	var o dto.OptionsDTO
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return domain.Options{}, apperr.InvalidRequest("options must be a JSON object").WithDetail("reason", err.Error())
	}
	return o.ToOptions(), nil
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return apperr.InvalidRequest("invalid request body").WithDetail("reason", err.Error())
}
