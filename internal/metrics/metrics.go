package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_jobs_enqueued_total",
		Help: "Total number of booking jobs submitted",
	})

	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_jobs_claimed_total",
		Help: "Total number of booking jobs claimed by a worker",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_jobs_finished_total",
		Help: "Total number of booking jobs that reached a terminal status",
	}, []string{"status"})

	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_jobs_retried_total",
		Help: "Total number of booking jobs re-entered into the pending list",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "booking_queue_depth",
		Help: "Number of job ids held in each queue list",
	}, []string{"list"})

	StuckJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_stuck_jobs",
		Help: "Jobs held by a worker longer than the job timeout",
	})

	// Worker metrics
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_worker_active",
		Help: "Jobs currently being processed",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_stage_duration_seconds",
		Help:    "Duration of each pipeline stage call",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "outcome"})

	// Notification metrics
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_notifications_dropped_total",
		Help: "Progress events not delivered to a subscriber",
	}, []string{"reason"})

	OpenChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_notification_channels_open",
		Help: "Per-job notification channels currently registered",
	})

	// Health as 0 healthy, 1 degraded, 2 critical
	HealthLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_queue_health_level",
		Help: "Queue health level (0 healthy, 1 degraded, 2 critical)",
	})
)
