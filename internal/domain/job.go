package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is used when a job is created without an explicit limit
const DefaultMaxRetries = 3

// Job is the durable record of one booking request moving through the pipeline
type Job struct {
	ID           string         `json:"id"`
	PatientID    string         `json:"patient_id"`
	Request      BookingRequest `json:"request"`
	Credential   string         `json:"credential"`
	Status       JobStatus      `json:"status"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	WorkerID     *string        `json:"worker_id,omitempty"`
	Result       *MatchResult   `json:"result,omitempty"`
}

// NewJob builds a queued job with a fresh identifier
func NewJob(patientID string, req BookingRequest, credential string, maxRetries int, now time.Time) *Job {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	now = now.UTC()
	return &Job{
		ID:         uuid.New().String(),
		PatientID:  patientID,
		Request:    req,
		Credential: credential,
		Status:     JobStatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CanRetry reports whether a failed job still has retries left
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// etaOffsets is the fixed forward offset from now for each non-terminal status
var etaOffsets = map[JobStatus]time.Duration{
	JobStatusQueued:                30 * time.Second,
	JobStatusRetrying:              30 * time.Second,
	JobStatusProcessing:            20 * time.Second,
	JobStatusDoctorMatching:        15 * time.Second,
	JobStatusAvailabilityCheck:     10 * time.Second,
	JobStatusSlotSelection:         8 * time.Second,
	JobStatusAppointmentCreation:   5 * time.Second,
	JobStatusAlternativeGeneration: 3 * time.Second,
}

// EstimateCompletion returns the expected completion time of a job given its status
func EstimateCompletion(status JobStatus, now time.Time) time.Time {
	return now.Add(etaOffsets[status])
}
