package router

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/booking-queue/internal/api/handler"
)

// Identity headers forwarded by the authenticating gateway
const (
	HeaderPatientID = "X-Patient-ID"
	HeaderUserRole  = "X-User-Role"
)

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

		// Log request details
		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
		)

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
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Patient-ID, X-User-Role")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// IdentityMiddleware reads the caller identity from gateway headers. The
// bearer credential is kept on the context for the matching engine and never logged.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		patientID := strings.TrimSpace(c.GetHeader(HeaderPatientID))
		if patientID == "" {
			handler.AbortWithError(c, http.StatusUnauthorized, "unauthorized", "missing patient identity")
			return
		}

		c.Set(handler.ContextPatientID, patientID)
		c.Set(handler.ContextRole, strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole))))

		auth := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			c.Set(handler.ContextCredential, strings.TrimSpace(token))
		}

		c.Next()
	}
}

// RequireRole rejects callers without the given role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(handler.ContextRole) != role {
			handler.AbortWithError(c, http.StatusForbidden, "forbidden", "insufficient privileges")
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware limits requests per patient
func RateLimitMiddleware(limiter *PatientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.GetString(handler.ContextPatientID)) {
			c.Header("Retry-After", "60")
			handler.AbortWithError(c, http.StatusTooManyRequests, "rate_limited", "too many booking requests, try again later")
			return
		}
		c.Next()
	}
}
