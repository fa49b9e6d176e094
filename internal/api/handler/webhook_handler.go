package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

type listDeliveriesRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
}

// ListDeliveries handles GET /api/v1/webhooks/deliveries
func (h *Handler) ListDeliveries(c *gin.Context) {
	var req listDeliveriesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.fail(c, apperr.InvalidRequest("invalid query parameters").WithDetail("reason", err.Error()))
		return
	}

	deliveries, err := h.webhooks.List(c.Request.Context(), store.DeliveryFilter{
		AccountID: CurrentAccount(c).ID,
		Status:    domain.DeliveryStatus(req.Status),
		PageSize:  req.PageSize,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

// DeliveryAttempts handles GET /api/v1/webhooks/deliveries/:id/attempts
func (h *Handler) DeliveryAttempts(c *gin.Context) {
	id := c.Param("id")
	delivery, err := h.webhooks.Get(c.Request.Context(), id)
	if err == nil && delivery.AccountID != CurrentAccount(c).ID {
		err = apperr.NotFound("delivery %s not found", id)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	attempts, err := h.webhooks.Attempts(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": delivery, "attempts": attempts})
}
