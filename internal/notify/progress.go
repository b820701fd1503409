package notify

import (
	"time"

	"github.com/cuongbtq/booking-queue/internal/domain"
)

// ProgressEvent is the wire message sent to subscribers
type ProgressEvent struct {
	JobID                     string              `json:"job_id"`
	Status                    domain.JobStatus    `json:"status"`
	Message                   string              `json:"message"`
	ProgressPercentage        int                 `json:"progress_percentage"`
	CurrentStep               string              `json:"current_step,omitempty"`
	EstimatedRemainingSeconds *int                `json:"estimated_remaining_seconds,omitempty"`
	ErrorDetails              string              `json:"error_details,omitempty"`
	Result                    *domain.MatchResult `json:"result,omitempty"`
	Timestamp                 time.Time           `json:"timestamp"`
}

var progressByStatus = map[domain.JobStatus]int{
	domain.JobStatusQueued:                0,
	domain.JobStatusRetrying:              5,
	domain.JobStatusProcessing:            10,
	domain.JobStatusDoctorMatching:        25,
	domain.JobStatusAvailabilityCheck:     40,
	domain.JobStatusSlotSelection:         60,
	domain.JobStatusAppointmentCreation:   80,
	domain.JobStatusAlternativeGeneration: 90,
	domain.JobStatusCompleted:             100,
	domain.JobStatusFailed:                100,
	domain.JobStatusCancelled:             100,
}

var stepByStatus = map[domain.JobStatus]string{
	domain.JobStatusDoctorMatching:        "Finding doctors that match your needs",
	domain.JobStatusAvailabilityCheck:     "Checking doctor availability",
	domain.JobStatusSlotSelection:         "Selecting the best time slot",
	domain.JobStatusAppointmentCreation:   "Creating your appointment",
	domain.JobStatusAlternativeGeneration: "Preparing alternative options",
}

// remainingByStatus is a rough countdown shown to clients, independent of the job ETA
var remainingByStatus = map[domain.JobStatus]int{
	domain.JobStatusQueued:                45,
	domain.JobStatusRetrying:              50,
	domain.JobStatusProcessing:            40,
	domain.JobStatusDoctorMatching:        30,
	domain.JobStatusAvailabilityCheck:     22,
	domain.JobStatusSlotSelection:         14,
	domain.JobStatusAppointmentCreation:   7,
	domain.JobStatusAlternativeGeneration: 3,
}

// ProgressPercentage returns the fixed progress figure for a status
func ProgressPercentage(status domain.JobStatus) int {
	return progressByStatus[status]
}

// CurrentStep returns a readable description for mid-pipeline statuses and "" otherwise
func CurrentStep(status domain.JobStatus) string {
	return stepByStatus[status]
}

// RemainingSeconds returns the estimated seconds left, or nil once the job is terminal
func RemainingSeconds(status domain.JobStatus) *int {
	if status.IsTerminal() {
		return nil
	}
	secs, ok := remainingByStatus[status]
	if !ok {
		return nil
	}
	return &secs
}

// NewEvent builds the wire message for an update
func NewEvent(u Update, now time.Time) ProgressEvent {
	return ProgressEvent{
		JobID:                     u.JobID,
		Status:                    u.Status,
		Message:                   u.Message,
		ProgressPercentage:        ProgressPercentage(u.Status),
		CurrentStep:               CurrentStep(u.Status),
		EstimatedRemainingSeconds: RemainingSeconds(u.Status),
		ErrorDetails:              u.ErrorDetails,
		Result:                    u.Result,
		Timestamp:                 now.UTC(),
	}
}
