package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuongbtq/booking-queue/internal/domain"
)

func TestStats_Counters(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newStats(HealthConfig{}, func() time.Time { return now })

	s.onEnqueue()
	s.onEnqueue()
	s.onClaim()
	s.onTerminal(domain.JobStatusAlternativeGeneration, domain.JobStatusCompleted, 200*time.Millisecond)
	s.onTerminal(domain.JobStatusQueued, domain.JobStatusCancelled, 0)

	snap := s.snapshot()
	assert.EqualValues(t, 0, snap.Queued)
	assert.EqualValues(t, 0, snap.Processing)
	assert.EqualValues(t, 1, snap.CompletedToday)
	assert.EqualValues(t, 0, snap.FailedToday)
	assert.InDelta(t, 200, snap.AvgProcessingTimeMs, 0.001)
}

func TestStats_LatencyWindow(t *testing.T) {
	s := newStats(HealthConfig{}, time.Now)

	for i := 0; i < latencyWindow; i++ {
		s.onTerminal(domain.JobStatusProcessing, domain.JobStatusCompleted, time.Second)
	}
	for i := 0; i < latencyWindow; i++ {
		s.onTerminal(domain.JobStatusProcessing, domain.JobStatusCompleted, 3*time.Second)
	}

	assert.InDelta(t, 3000, s.snapshot().AvgProcessingTimeMs, 0.001)
}

func TestStats_DayRollover(t *testing.T) {
	now := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	s := newStats(HealthConfig{}, func() time.Time { return now })

	s.onTerminal(domain.JobStatusProcessing, domain.JobStatusFailed, 0)
	assert.EqualValues(t, 1, s.snapshot().FailedToday)

	now = now.Add(2 * time.Minute)
	assert.EqualValues(t, 0, s.snapshot().FailedToday)
}

func TestEvaluateHealth(t *testing.T) {
	cfg := HealthConfig{
		DegradedQueueDepth:   10,
		CriticalQueueDepth:   50,
		DegradedFailureRatio: 0.5,
		RequireWorkers:       true,
	}

	tests := []struct {
		name  string
		stats domain.QueueStats
		want  domain.HealthLevel
	}{
		{"idle", domain.QueueStats{ActiveWorkers: 4}, domain.HealthHealthy},
		{"no workers", domain.QueueStats{Queued: 1}, domain.HealthCritical},
		{"deep queue", domain.QueueStats{Queued: 60, ActiveWorkers: 4}, domain.HealthCritical},
		{"growing queue", domain.QueueStats{Queued: 12, ActiveWorkers: 4}, domain.HealthDegraded},
		{"failing", domain.QueueStats{CompletedToday: 4, FailedToday: 8, ActiveWorkers: 4}, domain.HealthDegraded},
		{"few failures", domain.QueueStats{CompletedToday: 1, FailedToday: 2, ActiveWorkers: 4}, domain.HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health := evaluateHealth(tt.stats, cfg)
			assert.Equal(t, tt.want, health.Level)
			if tt.want != domain.HealthHealthy {
				assert.NotEmpty(t, health.Reason)
			}
		})
	}
}
