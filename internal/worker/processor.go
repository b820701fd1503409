package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/metrics"
	"github.com/cuongbtq/booking-queue/internal/notify"
)

var stageMessages = map[domain.JobStatus]string{
	domain.JobStatusDoctorMatching:        "Matching doctors to your request",
	domain.JobStatusAvailabilityCheck:     "Checking availability",
	domain.JobStatusSlotSelection:         "Selecting a time slot",
	domain.JobStatusAppointmentCreation:   "Booking your appointment",
	domain.JobStatusAlternativeGeneration: "Looking for alternative slots",
}

// pipelineState carries stage outputs to the following stages
type pipelineState struct {
	doctors      []domain.DoctorCandidate
	slots        []domain.TimeSlot
	selected     domain.TimeSlot
	appointment  domain.Appointment
	alternatives []domain.TimeSlot
}

// processJob drives a claimed job through every pipeline stage
func (w *Worker) processJob(ctx context.Context, job *domain.Job) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	// bookkeeping writes must land even when the job itself was canceled
	storeCtx := context.WithoutCancel(ctx)

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
	)
	w.notifier.Publish(storeCtx, notify.Update{
		JobID:   job.ID,
		Status:  domain.JobStatusProcessing,
		Message: "Your booking is being processed",
	})

	started := w.now()
	perf := domain.NewPerformanceMetrics()
	state := &pipelineState{}

	for _, stage := range domain.PipelineStages {
		if _, err := w.store.UpdateStatus(storeCtx, job.ID, stage, ""); err != nil {
			w.handleFailure(storeCtx, job, stage, err)
			return
		}
		w.notifier.Publish(storeCtx, notify.Update{
			JobID:   job.ID,
			Status:  stage,
			Message: stageMessages[stage],
		})

		stageStart := w.now()
		err := w.runStage(ctx, job, stage, state)
		elapsed := w.now().Sub(stageStart)
		perf.Record(stage, elapsed)

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.StageDuration.WithLabelValues(string(stage), outcome).Observe(elapsed.Seconds())

		if err != nil {
			w.handleFailure(storeCtx, job, stage, err)
			return
		}
	}

	perf.TotalDurationMs = w.now().Sub(started).Milliseconds()
	result := &domain.MatchResult{
		Doctor:       chosenDoctor(state),
		Appointment:  state.appointment,
		Alternatives: state.alternatives,
		Metrics:      perf,
	}

	if _, err := w.store.Complete(storeCtx, job.ID, result); err != nil {
		w.handleFailure(storeCtx, job, domain.JobStatusCompleted, err)
		return
	}
	metrics.JobsFinished.WithLabelValues(string(domain.JobStatusCompleted)).Inc()

	w.logger.Info("Job completed successfully",
		slog.String("job_id", job.ID),
		slog.Int64("duration_ms", perf.TotalDurationMs),
	)
	w.notifier.Publish(storeCtx, notify.Update{
		JobID:   job.ID,
		Status:  domain.JobStatusCompleted,
		Message: "Your appointment is booked",
		Result:  result,
	})
	w.notifier.Close(job.ID)
}

// runStage calls the engine for one stage under the job timeout
func (w *Worker) runStage(ctx context.Context, job *domain.Job, stage domain.JobStatus, state *pipelineState) error {
	stageCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	var err error
	switch stage {
	case domain.JobStatusDoctorMatching:
		state.doctors, err = w.engine.FindDoctors(stageCtx, job)
	case domain.JobStatusAvailabilityCheck:
		state.slots, err = w.engine.CheckAvailability(stageCtx, job, state.doctors)
	case domain.JobStatusSlotSelection:
		state.selected, err = w.engine.SelectSlot(stageCtx, job, state.slots)
	case domain.JobStatusAppointmentCreation:
		state.appointment, err = w.engine.CreateAppointment(stageCtx, job, state.selected)
	case domain.JobStatusAlternativeGeneration:
		state.alternatives, err = w.engine.GenerateAlternatives(stageCtx, job, state.selected, state.slots)
	default:
		return &domain.ProcessingError{Message: fmt.Sprintf("unknown pipeline stage %q", stage)}
	}

	if err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &domain.WorkerTimeoutError{TimeoutSeconds: int(w.jobTimeout.Seconds())}
	}
	return err
}

// handleFailure records a stage failure and either schedules a retry or
// finalizes the job
func (w *Worker) handleFailure(ctx context.Context, job *domain.Job, stage domain.JobStatus, cause error) {
	if w.abandoned(job.ID, cause) {
		return
	}

	w.logger.Error("Job stage failed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.String("error", cause.Error()),
	)

	// Fail refuses to overwrite a job cancelled while the stage ran
	failed, err := w.store.Fail(ctx, job.ID, cause.Error())
	if err != nil {
		if w.abandoned(job.ID, err) {
			return
		}
		w.logger.Error("Failed to update job status to FAILED",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.JobsFinished.WithLabelValues(string(domain.JobStatusFailed)).Inc()

	if failed.CanRetry() {
		at := w.now().Add(w.retryDelay)
		if err := w.store.ScheduleRetry(ctx, job.ID, at); err != nil {
			w.logger.Error("Failed to schedule retry",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			w.logger.Info("Job will be retried",
				slog.String("job_id", job.ID),
				slog.Int("retry_count", failed.RetryCount),
				slog.Int("max_retries", failed.MaxRetries),
				slog.Time("retry_at", at),
			)
			w.notifier.Publish(ctx, notify.Update{
				JobID:        job.ID,
				Status:       domain.JobStatusFailed,
				Message:      fmt.Sprintf("Booking attempt failed, retrying in %s", w.retryDelay),
				ErrorDetails: cause.Error(),
			})
			return
		}
	}

	w.logger.Warn("Job failed permanently",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", failed.RetryCount),
		slog.Int("max_retries", failed.MaxRetries),
	)
	w.notifier.Publish(ctx, notify.Update{
		JobID:        job.ID,
		Status:       domain.JobStatusFailed,
		Message:      "Booking failed",
		ErrorDetails: cause.Error(),
	})
	w.notifier.Close(job.ID)
}

func chosenDoctor(state *pipelineState) domain.DoctorCandidate {
	for _, d := range state.doctors {
		if d.DoctorID == state.selected.DoctorID {
			return d
		}
	}
	return domain.DoctorCandidate{DoctorID: state.selected.DoctorID}
}

// abandoned reports whether err shows the job already left the pipeline,
// e.g. it was cancelled while in flight
func (w *Worker) abandoned(jobID string, err error) bool {
	var transitionErr *domain.InvalidStatusTransitionError
	if !errors.As(err, &transitionErr) || !transitionErr.From.IsTerminal() {
		return false
	}
	w.logger.Info("Job left the pipeline while processing, abandoning",
		slog.String("job_id", jobID),
		slog.String("status", string(transitionErr.From)),
	)
	return true
}
