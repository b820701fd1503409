package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/notify"
	"github.com/cuongbtq/booking-queue/internal/queue"
)

// Identity keys set on the gin context by the identity middleware
const (
	ContextPatientID  = "patient_id"
	ContextRole       = "user_role"
	ContextCredential = "credential"
)

// RoleAdmin is the privileged role allowed to read queue statistics
const RoleAdmin = "admin"

// Submitter accepts new booking requests
type Submitter interface {
	Submit(ctx context.Context, patientID string, req domain.BookingRequest, credential string) (*domain.TrackingResponse, error)
}

// JobStore is the part of the queue store the API reads and mutates
type JobStore interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) (*domain.Job, error)
	Retry(ctx context.Context, id string) (*domain.Job, error)
	Stats() domain.QueueStats
	QueueDepths(ctx context.Context) (queue.Depths, error)
}

// Notifier publishes and streams progress events
type Notifier interface {
	Open(jobID string)
	Publish(ctx context.Context, u notify.Update)
	Close(jobID string)
	Subscribe(jobID string) *notify.Subscription
	SubscribeGlobal() *notify.Subscription
	ActiveIDs() []string
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Submitter Submitter
	Store     JobStore
	Notifier  Notifier
	// HealthCheck reports whether the queue store is reachable
	HealthCheck func(ctx context.Context) error
	// SubmitPerMinute and SubmitBurst bound submissions per patient; zero disables
	SubmitPerMinute int
	SubmitBurst     int
	ServiceName     string
}

// BookingHandler handles booking-related HTTP requests
type BookingHandler struct {
	logger    *slog.Logger
	submitter Submitter
	store     JobStore
	notifier  Notifier
	now       func() time.Time
}

// NewBookingHandler creates a new BookingHandler instance
func NewBookingHandler(deps *Dependencies) *BookingHandler {
	return &BookingHandler{
		logger:    deps.Logger.With(slog.String("component", "booking_handler")),
		submitter: deps.Submitter,
		store:     deps.Store,
		notifier:  deps.Notifier,
		now:       time.Now,
	}
}

func patientID(c *gin.Context) string {
	return c.GetString(ContextPatientID)
}

// loadOwnedJob returns the job when it belongs to the caller. Jobs owned by
// someone else are reported as not found.
func (h *BookingHandler) loadOwnedJob(c *gin.Context) (*domain.Job, error) {
	jobID := c.Param("job_id")
	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if job.PatientID != patientID(c) {
		h.logger.Warn("Job requested by a different patient",
			slog.String("job_id", jobID),
			slog.String("patient_id", patientID(c)),
		)
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}
