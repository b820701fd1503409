package domain

// HealthLevel is the coarse health of the queue
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

// Health is a health level with the reason it was assigned
type Health struct {
	Level  HealthLevel `json:"level"`
	Reason string      `json:"reason,omitempty"`
}

// QueueStats is a point-in-time snapshot of queue activity
type QueueStats struct {
	Queued              int64   `json:"queued"`
	Processing          int64   `json:"processing"`
	CompletedToday      int64   `json:"completed_today"`
	FailedToday         int64   `json:"failed_today"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	ActiveWorkers       int     `json:"active_workers"`
	Health              Health  `json:"health"`
}
