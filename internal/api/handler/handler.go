package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/struktr-app/parser/internal/account"
	"github.com/struktr-app/parser/internal/admission"
	"github.com/struktr-app/parser/internal/api/dto"
	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/batch"
	"github.com/struktr-app/parser/internal/scheduler"
	"github.com/struktr-app/parser/internal/webhook"
)

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Scheduler *scheduler.Scheduler
	Batches   *batch.Coordinator
	Webhooks  *webhook.Dispatcher
	Accounts  *account.Registry
	Limiter   admission.Limiter
	Database  HealthChecker
	// MaxUploadSize bounds document bytes per request.
	MaxUploadSize int64
	// MaxBatchUploadSize bounds the whole body of a batch request.
	MaxBatchUploadSize int64
}

// Handler serves the document, batch and webhook endpoints.
type Handler struct {
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	batches   *batch.Coordinator
	webhooks  *webhook.Dispatcher
	database  HealthChecker
	maxUpload int64
	maxBatch  int64
}

// NewHandler creates a new Handler instance
func NewHandler(deps *Dependencies) *Handler {
	maxUpload := deps.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = scheduler.DefaultMaxFileSize
	}
	maxBatch := deps.MaxBatchUploadSize
	if maxBatch <= 0 {
		maxBatch = 10 * maxUpload
	}
	return &Handler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
		batches:   deps.Batches,
		webhooks:  deps.Webhooks,
		database:  deps.Database,
		maxUpload: maxUpload,
		maxBatch:  maxBatch,
	}
}

const accountKey = "account"

// SetAccount stores the authenticated account on the request context.
func SetAccount(c *gin.Context, acct *account.Account) {
	c.Set(accountKey, acct)
}

// CurrentAccount returns the account set by the auth middleware.
func CurrentAccount(c *gin.Context) *account.Account {
	v, ok := c.Get(accountKey)
	if !ok {
		return nil
	}
	acct, _ := v.(*account.Account)
	return acct
}

// RespondError writes the error envelope and aborts the request.
func RespondError(c *gin.Context, logger *slog.Logger, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		err = apperr.New(apperr.CodeFileTooLarge, "request body exceeds %d bytes", tooLarge.Limit).
			WithDetail("max_bytes", tooLarge.Limit)
	}

	ae := apperr.From(err)
	status := apperr.HTTPStatus(ae.Code)
	msg := ae.Message
	if ae.Code == apperr.CodeInternal {
		msg = "internal server error"
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("code", string(ae.Code)),
			slog.Any("error", err),
		)
	}

	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: dto.ErrorBody{
		Code:    string(ae.Code),
		Reason:  string(ae.Reason),
		Message: msg,
		Details: ae.Details,
	}})
}

func (h *Handler) fail(c *gin.Context, err error) {
	RespondError(c, h.logger, err)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": "parser-api-service",
		"queue":   h.scheduler.QueueLen(),
	}
	if h.database != nil {
		if err := h.database.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("Database health check failed", slog.Any("error", err))
			body["status"] = "unhealthy"
			body["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}
