package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/booking-queue/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "booking-api-service"
	}

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": serviceName,
					"error":   "queue store unreachable",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Initialize booking handler
	bookingHandler := handler.NewBookingHandler(deps)
	limiter := NewPatientLimiter(deps.SubmitPerMinute, deps.SubmitBurst)

	appointments := r.Group("/appointments", IdentityMiddleware())
	{
		// POST /appointments/booking - Queue a booking request
		appointments.POST("/booking", RateLimitMiddleware(limiter), bookingHandler.SubmitBooking)

		status := appointments.Group("/booking-status/:job_id")
		{
			// GET /appointments/booking-status/:job_id - Current job status
			status.GET("", bookingHandler.GetBookingStatus)

			// GET /appointments/booking-status/:job_id/ws - Live progress stream
			status.GET("/ws", bookingHandler.StreamBookingStatus)

			// POST /appointments/booking-status/:job_id/cancel - Cancel a job
			status.POST("/cancel", bookingHandler.CancelBooking)

			// POST /appointments/booking-status/:job_id/retry - Retry a failed job
			status.POST("/retry", bookingHandler.RetryBooking)
		}

		admin := appointments.Group("/queue", RequireRole(handler.RoleAdmin))
		{
			// GET /appointments/queue/stats - Queue statistics
			admin.GET("/stats", bookingHandler.QueueStats)

			// GET /appointments/queue/ws - Every progress event
			admin.GET("/ws", bookingHandler.StreamQueue)
		}
	}

	return r
}
