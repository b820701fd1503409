package domain

// JobStatus is the lifecycle state of a booking job
type JobStatus string

// Pipeline states, in processing order
const (
	JobStatusQueued                JobStatus = "queued"
	JobStatusProcessing            JobStatus = "processing"
	JobStatusDoctorMatching        JobStatus = "doctor_matching"
	JobStatusAvailabilityCheck     JobStatus = "availability_check"
	JobStatusSlotSelection         JobStatus = "slot_selection"
	JobStatusAppointmentCreation   JobStatus = "appointment_creation"
	JobStatusAlternativeGeneration JobStatus = "alternative_generation"
	JobStatusCompleted             JobStatus = "completed"
)

// Side states
const (
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every known status
var AllStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusDoctorMatching,
	JobStatusAvailabilityCheck,
	JobStatusSlotSelection,
	JobStatusAppointmentCreation,
	JobStatusAlternativeGeneration,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusRetrying,
	JobStatusCancelled,
}

// PipelineStages are the states a worker drives a claimed job through, after Processing
var PipelineStages = []JobStatus{
	JobStatusDoctorMatching,
	JobStatusAvailabilityCheck,
	JobStatusSlotSelection,
	JobStatusAppointmentCreation,
	JobStatusAlternativeGeneration,
}

// pipelineNext maps each pipeline state to its only successor
var pipelineNext = map[JobStatus]JobStatus{
	JobStatusQueued:                JobStatusProcessing,
	JobStatusProcessing:            JobStatusDoctorMatching,
	JobStatusDoctorMatching:        JobStatusAvailabilityCheck,
	JobStatusAvailabilityCheck:     JobStatusSlotSelection,
	JobStatusSlotSelection:         JobStatusAppointmentCreation,
	JobStatusAppointmentCreation:   JobStatusAlternativeGeneration,
	JobStatusAlternativeGeneration: JobStatusCompleted,
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further work happens for a job in this status
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsPending reports whether a job in this status waits in the pending list
func (s JobStatus) IsPending() bool {
	return s == JobStatusQueued || s == JobStatusRetrying
}

// IsActive reports whether a job in this status is held by a worker
func (s JobStatus) IsActive() bool {
	return !s.IsTerminal() && !s.IsPending()
}

// CanTransition reports whether moving a job from one status to another is allowed.
//
// Allowed moves: each pipeline edge, any status to Failed, any non-terminal
// status to Cancelled, Failed to Retrying and Retrying to Processing.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}

	switch to {
	case JobStatusFailed:
		return true
	case JobStatusCancelled:
		return !from.IsTerminal()
	case JobStatusRetrying:
		return from == JobStatusFailed
	}

	if from == JobStatusRetrying && to == JobStatusProcessing {
		return true
	}

	next, ok := pipelineNext[from]
	return ok && next == to
}
