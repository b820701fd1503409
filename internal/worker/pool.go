package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/metrics"
	"github.com/cuongbtq/booking-queue/internal/notify"
)

// dispatch is the claim loop. A semaphore slot is taken before each claim so
// no more than concurrency jobs run at once.
func (w *Worker) dispatch(ctx context.Context) {
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		w.promoteDueRetries(ctx)

		job, err := w.store.Claim(ctx, w.workerID)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to claim job",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.errorBackoff):
			}
			continue
		}

		if job == nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		metrics.JobsClaimed.Inc()
		w.logger.Info("Worker claimed job",
			slog.String("job_id", job.ID),
			slog.Int("retry_count", job.RetryCount),
		)

		w.wg.Add(1)
		go func(job *domain.Job) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.processJob(w.jobsCtx, job)
		}(job)
	}
}

// promoteDueRetries moves failed jobs whose retry delay elapsed back to pending
func (w *Worker) promoteDueRetries(ctx context.Context) {
	jobs, err := w.store.PromoteDue(ctx)
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("Failed to promote scheduled retries",
			slog.String("error", err.Error()),
		)
	}

	for _, job := range jobs {
		metrics.JobsRetried.Inc()
		w.logger.Info("Job re-queued for retry",
			slog.String("job_id", job.ID),
			slog.Int("retry_count", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
		)
		w.notifier.Publish(ctx, notify.Update{
			JobID:   job.ID,
			Status:  domain.JobStatusRetrying,
			Message: fmt.Sprintf("Retrying booking (attempt %d of %d)", job.RetryCount, job.MaxRetries),
		})
	}
}
