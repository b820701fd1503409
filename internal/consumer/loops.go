package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/metrics"
)

func (c *Consumer) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Consumer) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

// checkHealth logs a stats snapshot, exports gauges and reports stuck jobs
func (c *Consumer) checkHealth(ctx context.Context) {
	stats := c.store.Stats()

	attrs := []any{
		slog.Int64("queued", stats.Queued),
		slog.Int64("processing", stats.Processing),
		slog.Int64("completed_today", stats.CompletedToday),
		slog.Int64("failed_today", stats.FailedToday),
		slog.Float64("avg_processing_ms", stats.AvgProcessingTimeMs),
		slog.Int("active_workers", stats.ActiveWorkers),
	}
	switch stats.Health.Level {
	case domain.HealthCritical:
		metrics.HealthLevel.Set(2)
		c.logger.Error("Queue health critical", append(attrs, slog.String("reason", stats.Health.Reason))...)
	case domain.HealthDegraded:
		metrics.HealthLevel.Set(1)
		c.logger.Warn("Queue health degraded", append(attrs, slog.String("reason", stats.Health.Reason))...)
	default:
		metrics.HealthLevel.Set(0)
		c.logger.Info("Queue health", attrs...)
	}

	if depths, err := c.store.QueueDepths(ctx); err != nil {
		c.logger.Warn("Failed to read queue depths", slog.String("error", err.Error()))
	} else {
		metrics.QueueDepth.WithLabelValues("pending").Set(float64(depths.Pending))
		metrics.QueueDepth.WithLabelValues("processing").Set(float64(depths.Processing))
		metrics.QueueDepth.WithLabelValues("delayed").Set(float64(depths.Delayed))
	}

	stuck := c.findStuckJobs(ctx)
	metrics.StuckJobs.Set(float64(len(stuck)))

	for _, job := range stuck {
		if job.Status.IsPending() {
			c.requeueStranded(ctx, job.ID)
		}
	}
}

// findStuckJobs returns jobs held in one processing state longer than the
// job timeout, plus jobs whose id sits in the processing list while they are
// still Queued or Retrying. The latter are only reported once two consecutive
// checks saw them, so a claim in progress is not mistaken for one.
func (c *Consumer) findStuckJobs(ctx context.Context) []*domain.Job {
	if c.stuckAfter <= 0 {
		return nil
	}

	ids, err := c.store.ProcessingIDs(ctx)
	if err != nil {
		c.logger.Warn("Failed to list processing jobs", slog.String("error", err.Error()))
		return nil
	}

	now := c.now()
	stranded := make(map[string]struct{})
	var stuck []*domain.Job
	for _, id := range ids {
		job, err := c.store.Get(ctx, id)
		if err != nil {
			continue
		}

		switch {
		case job.Status.IsPending():
			stranded[id] = struct{}{}
			if _, seen := c.stranded[id]; !seen {
				continue
			}
			c.logger.Warn("Job stranded in processing list",
				slog.String("job_id", job.ID),
				slog.String("status", string(job.Status)),
			)
			stuck = append(stuck, job)
		case job.Status.IsActive():
			if idle := now.Sub(job.UpdatedAt); idle > c.stuckAfter {
				c.logger.Warn("Job appears stuck",
					slog.String("job_id", job.ID),
					slog.String("status", string(job.Status)),
					slog.Duration("idle", idle),
				)
				stuck = append(stuck, job)
			}
		}
	}
	c.stranded = stranded
	return stuck
}

// requeueStranded returns a stranded id to the pending list
func (c *Consumer) requeueStranded(ctx context.Context, id string) {
	moved, err := c.store.RequeueStranded(ctx, id)
	if err != nil {
		c.logger.Error("Failed to requeue stranded job",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if moved {
		delete(c.stranded, id)
		c.logger.Info("Requeued stranded job", slog.String("job_id", id))
	}
}

// cleanup removes expired records and orphaned notification channels
func (c *Consumer) cleanup(ctx context.Context) {
	deleted, err := c.store.CleanupExpired(ctx)
	if err != nil {
		c.logger.Error("Failed to clean up expired jobs", slog.String("error", err.Error()))
	} else if deleted > 0 {
		c.logger.Info("Cleaned up expired jobs", slog.Int("deleted", deleted))
	}

	if closed := c.sweepOrphans(ctx); closed > 0 {
		c.logger.Info("Closed orphaned notification channels", slog.Int("closed", closed))
	}
}

// sweepOrphans closes channels whose job is gone or already terminal
func (c *Consumer) sweepOrphans(ctx context.Context) int {
	closed := 0
	for _, id := range c.channels.ActiveIDs() {
		job, err := c.store.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
		case err != nil:
			continue
		case !job.Status.IsTerminal():
			continue
		case job.CanRetry():
			// failed but still due a retry
			continue
		}
		c.channels.Close(id)
		closed++
	}
	return closed
}
