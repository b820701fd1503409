package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/booking-queue/internal/api/dto"
	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/notify"
)

// SubmitBooking handles POST /appointments/booking
// Queues a booking request and returns how to track it
func (h *BookingHandler) SubmitBooking(c *gin.Context) {
	credential := c.GetString(ContextCredential)
	if credential == "" {
		AbortWithError(c, http.StatusUnauthorized, "unauthorized", "missing bearer credential")
		return
	}

	var req domain.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		AbortWithError(c, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	resp, err := h.submitter.Submit(c.Request.Context(), patientID(c), req, credential)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// GetBookingStatus handles GET /appointments/booking-status/:job_id
func (h *BookingHandler) GetBookingStatus(c *gin.Context) {
	job, err := h.loadOwnedJob(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewBookingStatusResponse(job, h.now()))
}

// CancelBooking handles POST /appointments/booking-status/:job_id/cancel
// A job already being processed is marked cancelled and abandoned by its
// worker at the next stage boundary.
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	job, err := h.loadOwnedJob(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	ctx := c.Request.Context()
	cancelled, err := h.store.UpdateStatus(ctx, job.ID, domain.JobStatusCancelled, "cancelled by patient")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Info("Booking job cancelled",
		slog.String("job_id", job.ID),
		slog.String("previous_status", string(job.Status)),
	)
	h.notifier.Publish(ctx, notify.Update{
		JobID:   job.ID,
		Status:  domain.JobStatusCancelled,
		Message: "Your booking request was cancelled",
	})
	h.notifier.Close(job.ID)

	c.JSON(http.StatusOK, dto.NewBookingStatusResponse(cancelled, h.now()))
}

// RetryBooking handles POST /appointments/booking-status/:job_id/retry
// Re-queues a failed job that has retries left.
// A failed job with no retries left answers 400 max_retries_exceeded. A job in
// any other status answers 400 invalid_status_transition, whatever its retry
// count, since only failed jobs can be retried.
func (h *BookingHandler) RetryBooking(c *gin.Context) {
	job, err := h.loadOwnedJob(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	ctx := c.Request.Context()
	retried, err := h.store.Retry(ctx, job.ID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Info("Booking job re-queued by patient",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", retried.RetryCount),
		slog.Int("max_retries", retried.MaxRetries),
	)
	h.notifier.Open(job.ID)
	h.notifier.Publish(ctx, notify.Update{
		JobID:   job.ID,
		Status:  domain.JobStatusRetrying,
		Message: "Your booking request was queued again",
	})

	c.JSON(http.StatusAccepted, dto.NewBookingStatusResponse(retried, h.now()))
}

// QueueStats handles GET /appointments/queue/stats (admin only)
func (h *BookingHandler) QueueStats(c *gin.Context) {
	depths, err := h.store.QueueDepths(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.QueueStatsResponse{
		QueueStats:      h.store.Stats(),
		PendingDepth:    depths.Pending,
		ProcessingDepth: depths.Processing,
		DelayedRetries:  depths.Delayed,
		OpenChannels:    len(h.notifier.ActiveIDs()),
	})
}
