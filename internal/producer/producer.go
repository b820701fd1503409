package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/metrics"
	"github.com/cuongbtq/booking-queue/internal/notify"
)

// JobQueue persists new jobs
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.Job) error
}

// Notifier opens progress channels and publishes the initial event
type Notifier interface {
	Open(jobID string)
	Publish(ctx context.Context, u notify.Update)
}

// Config holds producer settings
type Config struct {
	MaxRetries int
}

// Producer turns booking requests into queued jobs
type Producer struct {
	queue      JobQueue
	notifier   Notifier
	validate   *validator.Validate
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a producer
func New(queue JobQueue, notifier Notifier, cfg *Config, logger *slog.Logger) *Producer {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Producer{
		queue:      queue,
		notifier:   notifier,
		validate:   v,
		maxRetries: cfg.MaxRetries,
		logger:     logger.With(slog.String("component", "producer")),
		now:        time.Now,
	}
}

// Submit validates a booking request, enqueues it and returns how to track it.
// Enqueue failures are returned as-is.
func (p *Producer) Submit(ctx context.Context, patientID string, req domain.BookingRequest, credential string) (*domain.TrackingResponse, error) {
	if patientID == "" {
		return nil, &domain.ValidationError{Field: "patient_id", Message: "is required"}
	}
	if req.PatientID != "" && req.PatientID != patientID {
		return nil, &domain.ValidationError{Field: "patient_id", Message: "does not match the authenticated patient"}
	}
	req.PatientID = patientID
	req.ApplyDefaults()

	if err := p.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}

	now := p.now()
	job := domain.NewJob(patientID, req, credential, p.maxRetries, now)

	if err := p.queue.Enqueue(ctx, job); err != nil {
		p.logger.Error("Failed to enqueue booking job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to enqueue booking job: %w", err)
	}
	metrics.JobsEnqueued.Inc()

	p.notifier.Open(job.ID)
	p.notifier.Publish(ctx, notify.Update{
		JobID:   job.ID,
		Status:  domain.JobStatusQueued,
		Message: "Your booking request is queued",
	})

	p.logger.Info("Booking job submitted",
		slog.String("job_id", job.ID),
		slog.String("patient_id", patientID),
		slog.String("specialty", req.Specialty),
	)

	return &domain.TrackingResponse{
		JobID:                   job.ID,
		Status:                  job.Status,
		EstimatedCompletionTime: domain.EstimateCompletion(job.Status, now),
		NotificationChannelName: domain.ChannelName(job.ID),
		TrackingPath:            domain.TrackingPath(job.ID),
		RetryCount:              job.RetryCount,
		MaxRetries:              job.MaxRetries,
	}, nil
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &domain.ValidationError{Message: err.Error()}
	}

	fe := fieldErrs[0]
	msg := "failed " + fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return &domain.ValidationError{Field: fe.Field(), Message: msg}
}
