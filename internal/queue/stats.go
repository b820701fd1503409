package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/booking-queue/internal/domain"
)

// latencyWindow is the number of recent completions averaged into the latency figure
const latencyWindow = 100

// HealthConfig holds the thresholds used to grade queue health
type HealthConfig struct {
	DegradedQueueDepth   int64
	CriticalQueueDepth   int64
	DegradedFailureRatio float64
	// RequireWorkers marks the queue critical when jobs wait and no worker runs
	RequireWorkers bool
}

// stats holds in-memory counters; they are not persisted and reset on restart
type stats struct {
	mu  sync.RWMutex
	cfg HealthConfig
	now func() time.Time

	queued         int64
	processing     int64
	completedToday int64
	failedToday    int64
	day            string

	latencies    [latencyWindow]time.Duration
	latencyCount int
	latencyNext  int

	activeWorkers int
}

func newStats(cfg HealthConfig, now func() time.Time) *stats {
	return &stats{
		cfg: cfg,
		now: now,
		day: dayOf(now()),
	}
}

func dayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// rollDay resets the daily counters after midnight UTC. Caller holds mu.
func (s *stats) rollDay() {
	today := dayOf(s.now())
	if today != s.day {
		s.day = today
		s.completedToday = 0
		s.failedToday = 0
	}
}

func (s *stats) onEnqueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued++
}

func (s *stats) onClaim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = max(s.queued-1, 0)
	s.processing++
}

// onTerminal records a job leaving the pending or processing category
func (s *stats) onTerminal(prev, next domain.JobStatus, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay()

	switch {
	case prev.IsPending():
		s.queued = max(s.queued-1, 0)
	case prev.IsActive():
		s.processing = max(s.processing-1, 0)
	}

	if prev == next {
		return
	}

	switch next {
	case domain.JobStatusCompleted:
		s.completedToday++
		if latency > 0 {
			s.latencies[s.latencyNext] = latency
			s.latencyNext = (s.latencyNext + 1) % latencyWindow
			s.latencyCount = min(s.latencyCount+1, latencyWindow)
		}
	case domain.JobStatusFailed:
		s.failedToday++
	}
}

func (s *stats) setActiveWorkers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeWorkers = n
}

func (s *stats) snapshot() domain.QueueStats {
	s.mu.Lock()
	s.rollDay()
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var avg float64
	if s.latencyCount > 0 {
		var total time.Duration
		for i := 0; i < s.latencyCount; i++ {
			total += s.latencies[i]
		}
		avg = float64(total.Milliseconds()) / float64(s.latencyCount)
	}

	snap := domain.QueueStats{
		Queued:              s.queued,
		Processing:          s.processing,
		CompletedToday:      s.completedToday,
		FailedToday:         s.failedToday,
		AvgProcessingTimeMs: avg,
		ActiveWorkers:       s.activeWorkers,
	}
	snap.Health = evaluateHealth(snap, s.cfg)
	return snap
}

// evaluateHealth grades a stats snapshot against the configured thresholds
func evaluateHealth(s domain.QueueStats, cfg HealthConfig) domain.Health {
	if cfg.RequireWorkers && s.Queued > 0 && s.ActiveWorkers == 0 {
		return domain.Health{Level: domain.HealthCritical, Reason: "jobs queued with no active workers"}
	}

	if cfg.CriticalQueueDepth > 0 && s.Queued >= cfg.CriticalQueueDepth {
		return domain.Health{
			Level:  domain.HealthCritical,
			Reason: fmt.Sprintf("queue depth %d exceeds %d", s.Queued, cfg.CriticalQueueDepth),
		}
	}

	if cfg.DegradedQueueDepth > 0 && s.Queued >= cfg.DegradedQueueDepth {
		return domain.Health{
			Level:  domain.HealthDegraded,
			Reason: fmt.Sprintf("queue depth %d exceeds %d", s.Queued, cfg.DegradedQueueDepth),
		}
	}

	finished := s.CompletedToday + s.FailedToday
	if cfg.DegradedFailureRatio > 0 && finished >= 10 {
		ratio := float64(s.FailedToday) / float64(finished)
		if ratio >= cfg.DegradedFailureRatio {
			return domain.Health{
				Level:  domain.HealthDegraded,
				Reason: fmt.Sprintf("failure ratio %.2f today", ratio),
			}
		}
	}

	return domain.Health{Level: domain.HealthHealthy}
}
