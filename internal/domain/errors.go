package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job record does not exist or has expired
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueUnavailable is the sentinel behind every TransportError
	ErrQueueUnavailable = errors.New("queue store unavailable")
)

// QueueError is a generic store failure for one operation
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// TransportError wraps store connectivity failures
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "queue transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrQueueUnavailable, e.Err}
}

// SerializationError wraps job (de)serialization failures
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return "serialization: " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// InvalidStatusTransitionError is returned when a status change violates the state machine
type InvalidStatusTransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// MaxRetriesExceededError is returned when a job has used all of its retries
type MaxRetriesExceededError struct {
	JobID      string
	MaxRetries int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("job %s exceeded max retries (%d)", e.JobID, e.MaxRetries)
}

// WorkerTimeoutError is returned when a pipeline stage runs past the job timeout
type WorkerTimeoutError struct {
	TimeoutSeconds int
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("worker timed out after %d seconds", e.TimeoutSeconds)
}

// BookingError is a business failure reported by the matching engine
type BookingError struct {
	Code    string
	Message string
}

func (e *BookingError) Error() string {
	if e.Code == "" {
		return "booking failed: " + e.Message
	}
	return fmt.Sprintf("booking failed (%s): %s", e.Code, e.Message)
}

// ValidationError is returned for malformed booking requests
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// ProcessingError wraps an unexpected failure inside the pipeline
type ProcessingError struct {
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return "processing: " + e.Message
	}
	return fmt.Sprintf("processing: %s: %v", e.Message, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
