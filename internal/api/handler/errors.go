package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/booking-queue/internal/api/dto"
	"github.com/cuongbtq/booking-queue/internal/domain"
)

// ErrorStatus maps an error to its HTTP status and error code
func ErrorStatus(err error) (int, string) {
	var (
		transitionErr *domain.InvalidStatusTransitionError
		maxRetriesErr *domain.MaxRetriesExceededError
		validationErr *domain.ValidationError
		bookingErr    *domain.BookingError
		timeoutErr    *domain.WorkerTimeoutError
	)

	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &transitionErr):
		return http.StatusBadRequest, "invalid_status_transition"
	case errors.As(err, &maxRetriesErr):
		return http.StatusBadRequest, "max_retries_exceeded"
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "validation_error"
	case errors.As(err, &bookingErr):
		return http.StatusUnprocessableEntity, "booking_failed"
	case errors.Is(err, domain.ErrQueueUnavailable):
		return http.StatusServiceUnavailable, "queue_unavailable"
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, "worker_timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError replies with the mapped status. Server-side failures get a
// generic message so store internals are not exposed.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := ErrorStatus(err)

	message := err.Error()
	if errors.Is(err, domain.ErrJobNotFound) {
		message = "booking job not found"
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.Int("status", status),
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			message = "An internal error occurred"
		} else {
			message = http.StatusText(status)
		}
	}

	AbortWithError(c, status, code, message)
}

// AbortWithError replies in the common error format and stops the chain
func AbortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error: dto.ErrorBody{Code: code, Message: message},
	})
}
