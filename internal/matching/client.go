package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cuongbtq/booking-queue/internal/domain"
)

// Config holds matching engine client settings
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryCount    int
	RetryWaitTime time.Duration
}

// Client calls the remote booking-matching engine on behalf of the caller
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a matching engine client
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.RetryWaitTime > 0 {
		client.SetRetryWaitTime(cfg.RetryWaitTime)
	}

	return &Client{
		http:   client,
		logger: logger.With(slog.String("component", "matching_client")),
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type doctorsResponse struct {
	Doctors []domain.DoctorCandidate `json:"doctors"`
}

type slotsResponse struct {
	Slots []domain.TimeSlot `json:"slots"`
}

type slotResponse struct {
	Slot domain.TimeSlot `json:"slot"`
}

type appointmentResponse struct {
	Appointment domain.Appointment `json:"appointment"`
}

type alternativesResponse struct {
	Alternatives []domain.TimeSlot `json:"alternatives"`
}

// FindDoctors returns doctors ranked for the booking request
func (c *Client) FindDoctors(ctx context.Context, job *domain.Job) ([]domain.DoctorCandidate, error) {
	var out doctorsResponse
	body := map[string]any{
		"patient_id": job.PatientID,
		"request":    job.Request,
	}
	if err := c.post(ctx, job, "/v1/match/doctors", body, &out); err != nil {
		return nil, err
	}
	if len(out.Doctors) == 0 {
		return nil, &domain.BookingError{Code: "no_doctors", Message: "no doctors match the request"}
	}
	return out.Doctors, nil
}

// CheckAvailability returns the open slots of the candidate doctors
func (c *Client) CheckAvailability(ctx context.Context, job *domain.Job, doctors []domain.DoctorCandidate) ([]domain.TimeSlot, error) {
	ids := make([]string, 0, len(doctors))
	for _, d := range doctors {
		ids = append(ids, d.DoctorID)
	}

	var out slotsResponse
	body := map[string]any{
		"doctor_ids":           ids,
		"preferred_date":       job.Request.PreferredDate,
		"preferred_time_slots": job.Request.PreferredTimeSlots,
	}
	if err := c.post(ctx, job, "/v1/match/availability", body, &out); err != nil {
		return nil, err
	}
	if len(out.Slots) == 0 {
		return nil, &domain.BookingError{Code: "no_availability", Message: "no matching doctor has an open slot"}
	}
	return out.Slots, nil
}

// SelectSlot picks the best slot for the patient
func (c *Client) SelectSlot(ctx context.Context, job *domain.Job, slots []domain.TimeSlot) (domain.TimeSlot, error) {
	var out slotResponse
	body := map[string]any{
		"slots":                slots,
		"preferred_time_slots": job.Request.PreferredTimeSlots,
		"urgency":              job.Request.Urgency,
	}
	if err := c.post(ctx, job, "/v1/match/slot", body, &out); err != nil {
		return domain.TimeSlot{}, err
	}
	return out.Slot, nil
}

// CreateAppointment books the selected slot
func (c *Client) CreateAppointment(ctx context.Context, job *domain.Job, slot domain.TimeSlot) (domain.Appointment, error) {
	var out appointmentResponse
	body := map[string]any{
		"patient_id":        job.PatientID,
		"doctor_id":         slot.DoctorID,
		"start":             slot.Start,
		"end":               slot.End,
		"consultation_type": job.Request.ConsultationType,
		"notes":             job.Request.Notes,
	}
	if err := c.post(ctx, job, "/v1/match/appointments", body, &out); err != nil {
		return domain.Appointment{}, err
	}
	return out.Appointment, nil
}

// GenerateAlternatives proposes other slots in case the patient wants to reschedule
func (c *Client) GenerateAlternatives(ctx context.Context, job *domain.Job, booked domain.TimeSlot, slots []domain.TimeSlot) ([]domain.TimeSlot, error) {
	var out alternativesResponse
	body := map[string]any{
		"specialty":  job.Request.Specialty,
		"booked":     booked,
		"candidates": slots,
	}
	if err := c.post(ctx, job, "/v1/match/alternatives", body, &out); err != nil {
		return nil, err
	}
	return out.Alternatives, nil
}

func (c *Client) post(ctx context.Context, job *domain.Job, path string, body, result any) error {
	var apiErr apiError
	req := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		SetError(&apiErr)
	if job.Credential != "" {
		req.SetAuthToken(job.Credential)
	}

	resp, err := req.Post(path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return &domain.ProcessingError{Message: "matching engine unreachable", Err: err}
	}

	if !resp.IsError() {
		return nil
	}

	c.logger.Warn("Matching engine returned an error",
		slog.String("job_id", job.ID),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode()),
	)

	if resp.StatusCode() >= http.StatusInternalServerError {
		return &domain.ProcessingError{
			Message: fmt.Sprintf("matching engine returned %d", resp.StatusCode()),
		}
	}

	code := apiErr.Code
	if code == "" {
		code = http.StatusText(resp.StatusCode())
	}
	msg := apiErr.Message
	if msg == "" {
		msg = resp.Status()
	}
	return &domain.BookingError{Code: code, Message: msg}
}
