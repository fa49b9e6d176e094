package router

import (
	"github.com/gin-gonic/gin"

	"github.com/struktr-app/parser/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	h := handler.NewHandler(deps)

	// Health check endpoint
	r.GET("/health", h.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.Accounts, deps.Logger))
	v1.Use(RateLimitMiddleware(deps.Limiter, deps.Logger))
	{
		// POST /api/v1/parse - Parse a document synchronously
		v1.POST("/parse", h.Parse)

		// POST /api/v1/parse/async - Queue a document and return immediately
		v1.POST("/parse/async", h.ParseAsync)

		documents := v1.Group("/documents")
		{
			documents.GET("", h.ListDocuments)
			documents.GET("/:id", h.GetDocument)
			documents.POST("/:id/cancel", h.CancelDocument)
		}

		batches := v1.Group("/batch")
		{
			batches.POST("", h.SubmitBatch)
			batches.GET("/:id", h.GetBatch)
			batches.GET("/:id/export", h.ExportBatch)
		}

		webhooks := v1.Group("/webhooks")
		{
			webhooks.GET("/deliveries", h.ListDeliveries)
			webhooks.GET("/deliveries/:id/attempts", h.DeliveryAttempts)
		}
	}

	return r
}
