package router

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/struktr-app/parser/internal/account"
	"github.com/struktr-app/parser/internal/admission"
	"github.com/struktr-app/parser/internal/api/handler"
	"github.com/struktr-app/parser/internal/apperr"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderAPIKey    = "X-API-Key"

	apiKeyContextKey    = "api_key"
	requestIDContextKey = "request_id"
)

// RequestIDMiddleware propagates or assigns X-Request-ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDContextKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Calculate latency
		latency := time.Since(start)

		attrs := []any{
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
			slog.String("request_id", c.GetString(requestIDContextKey)),
		}
		if acct := handler.CurrentAccount(c); acct != nil {
			attrs = append(attrs, slog.String("account_id", acct.ID))
		}
		logger.Info("HTTP Request", attrs...)

		// Log errors if any
		if len(c.Errors) > 0 {
			for _, e := range c.Errors {
				logger.Error("Request error",
					slog.String("error", e.Error()),
					slog.Uint64("type", uint64(e.Type)),
				)
			}
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// AuthMiddleware resolves the API key from "Authorization: Bearer" or X-API-Key.
func AuthMiddleware(accounts *account.Registry, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderAPIKey)
		if auth := c.GetHeader("Authorization"); key == "" && auth != "" {
			scheme, token, ok := strings.Cut(auth, " ")
			if ok && strings.EqualFold(scheme, "Bearer") {
				key = strings.TrimSpace(token)
			}
		}

		acct, ok := accounts.Authenticate(key)
		if !ok {
			handler.RespondError(c, logger, apperr.New(apperr.CodeAuthenticationFailed, "missing or invalid API key"))
			return
		}

		handler.SetAccount(c, acct)
		c.Set(apiKeyContextKey, key)
		c.Next()
	}
}

// RateLimitMiddleware admits requests against the account's plan quota. It never
// queues: requests over quota are rejected with 429. Limiter failures let the
// request through.
func RateLimitMiddleware(limiter admission.Limiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		acct := handler.CurrentAccount(c)
		if acct == nil {
			c.Next()
			return
		}

		d, err := limiter.Admit(c.Request.Context(), c.GetString(apiKeyContextKey), acct.Plan)
		if err != nil {
			logger.Warn("Rate limiter unavailable, admitting request",
				slog.String("account_id", acct.ID),
				slog.Any("error", err),
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))

		if !d.Allowed {
			retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			handler.RespondError(c, logger,
				apperr.New(apperr.CodeRateLimitExceeded, "rate limit of %d requests exceeded", d.Limit).
					WithDetail("retry_after", retryAfter).
					WithDetail("limit", d.Limit).
					WithDetail("plan", string(acct.Plan)),
			)
			return
		}

		c.Next()
	}
}
