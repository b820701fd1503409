package dto

import (
	"time"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/notify"
)

// BookingStatusResponse is the client view of a job. The caller credential is never included.
type BookingStatusResponse struct {
	JobID                   string              `json:"job_id"`
	PatientID               string              `json:"patient_id"`
	Status                  domain.JobStatus    `json:"status"`
	ProgressPercentage      int                 `json:"progress_percentage"`
	CurrentStep             string              `json:"current_step,omitempty"`
	RetryCount              int                 `json:"retry_count"`
	MaxRetries              int                 `json:"max_retries"`
	CreatedAt               string              `json:"created_at"`
	UpdatedAt               string              `json:"updated_at"`
	CompletedAt             string              `json:"completed_at,omitempty"`
	EstimatedCompletionTime string              `json:"estimated_completion_time"`
	ErrorMessage            string              `json:"error_message,omitempty"`
	NotificationChannelName string              `json:"notification_channel_name"`
	Result                  *domain.MatchResult `json:"result,omitempty"`
}

// NewBookingStatusResponse maps a job record to its client view
func NewBookingStatusResponse(job *domain.Job, now time.Time) BookingStatusResponse {
	resp := BookingStatusResponse{
		JobID:                   job.ID,
		PatientID:               job.PatientID,
		Status:                  job.Status,
		ProgressPercentage:      notify.ProgressPercentage(job.Status),
		CurrentStep:             notify.CurrentStep(job.Status),
		RetryCount:              job.RetryCount,
		MaxRetries:              job.MaxRetries,
		CreatedAt:               job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:               job.UpdatedAt.Format(time.RFC3339),
		EstimatedCompletionTime: domain.EstimateCompletion(job.Status, now).Format(time.RFC3339),
		NotificationChannelName: domain.ChannelName(job.ID),
		Result:                  job.Result,
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	if job.ErrorMessage != nil {
		resp.ErrorMessage = *job.ErrorMessage
	}
	return resp
}

// QueueStatsResponse is returned by the privileged stats endpoint
type QueueStatsResponse struct {
	domain.QueueStats
	PendingDepth    int64 `json:"pending_depth"`
	ProcessingDepth int64 `json:"processing_depth"`
	DelayedRetries  int64 `json:"delayed_retries"`
	OpenChannels    int   `json:"open_channels"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes an error
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
