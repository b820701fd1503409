package domain

import "time"

// BookingRequest is the caller's booking intent
type BookingRequest struct {
	PatientID          string   `json:"patient_id,omitempty"`
	Specialty          string   `json:"specialty" validate:"required,max=100"`
	Symptoms           []string `json:"symptoms,omitempty" validate:"max=20,dive,max=200"`
	PreferredDate      string   `json:"preferred_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PreferredTimeSlots []string `json:"preferred_time_slots,omitempty" validate:"max=10"`
	Urgency            string   `json:"urgency,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	ConsultationType   string   `json:"consultation_type,omitempty" validate:"omitempty,oneof=in_person video"`
	Notes              string   `json:"notes,omitempty" validate:"max=1000"`
}

// ApplyDefaults fills optional fields left empty by the caller
func (r *BookingRequest) ApplyDefaults() {
	if r.Urgency == "" {
		r.Urgency = "normal"
	}
	if r.ConsultationType == "" {
		r.ConsultationType = "in_person"
	}
}

// DoctorCandidate is a doctor proposed by the matching engine
type DoctorCandidate struct {
	DoctorID  string  `json:"doctor_id"`
	Name      string  `json:"name"`
	Specialty string  `json:"specialty"`
	Score     float64 `json:"score"`
}

// TimeSlot is a bookable interval in a doctor's calendar
type TimeSlot struct {
	DoctorID string    `json:"doctor_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// Appointment is the booking created for the selected slot
type Appointment struct {
	AppointmentID string    `json:"appointment_id"`
	DoctorID      string    `json:"doctor_id"`
	PatientID     string    `json:"patient_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Status        string    `json:"status"`
}

// PerformanceMetrics records how long each pipeline stage took
type PerformanceMetrics struct {
	StageDurationsMs map[JobStatus]int64 `json:"stage_durations_ms"`
	ExternalCalls    map[JobStatus]int   `json:"external_calls"`
	TotalDurationMs  int64               `json:"total_duration_ms"`
}

// NewPerformanceMetrics returns empty metrics ready to record into
func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{
		StageDurationsMs: make(map[JobStatus]int64),
		ExternalCalls:    make(map[JobStatus]int),
	}
}

// Record adds one stage measurement
func (m *PerformanceMetrics) Record(stage JobStatus, d time.Duration) {
	m.StageDurationsMs[stage] += d.Milliseconds()
	m.ExternalCalls[stage]++
	m.TotalDurationMs += d.Milliseconds()
}

// MatchResult is the outcome of a completed booking job
type MatchResult struct {
	Doctor       DoctorCandidate     `json:"doctor"`
	Appointment  Appointment         `json:"appointment"`
	Alternatives []TimeSlot          `json:"alternatives"`
	Metrics      *PerformanceMetrics `json:"metrics,omitempty"`
}

// TrackingResponse is returned to the caller after a booking is accepted
type TrackingResponse struct {
	JobID                   string    `json:"job_id"`
	Status                  JobStatus `json:"status"`
	EstimatedCompletionTime time.Time `json:"estimated_completion_time"`
	NotificationChannelName string    `json:"notification_channel_name"`
	TrackingPath            string    `json:"tracking_path"`
	RetryCount              int       `json:"retry_count"`
	MaxRetries              int       `json:"max_retries"`
}

// ChannelName is the notification channel name for a job
func ChannelName(jobID string) string {
	return "booking_" + jobID
}

// TrackingPath is the status path clients poll for a job
func TrackingPath(jobID string) string {
	return "/appointments/booking-status/" + jobID
}
