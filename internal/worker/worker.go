package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/notify"
)

// Engine runs the individual booking-matching stages
type Engine interface {
	FindDoctors(ctx context.Context, job *domain.Job) ([]domain.DoctorCandidate, error)
	CheckAvailability(ctx context.Context, job *domain.Job, doctors []domain.DoctorCandidate) ([]domain.TimeSlot, error)
	SelectSlot(ctx context.Context, job *domain.Job, slots []domain.TimeSlot) (domain.TimeSlot, error)
	CreateAppointment(ctx context.Context, job *domain.Job, slot domain.TimeSlot) (domain.Appointment, error)
	GenerateAlternatives(ctx context.Context, job *domain.Job, booked domain.TimeSlot, slots []domain.TimeSlot) ([]domain.TimeSlot, error)
}

// JobStore is the part of the queue store the worker needs
type JobStore interface {
	Claim(ctx context.Context, workerID string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) (*domain.Job, error)
	Fail(ctx context.Context, id string, errMsg string) (*domain.Job, error)
	Complete(ctx context.Context, id string, result *domain.MatchResult) (*domain.Job, error)
	ScheduleRetry(ctx context.Context, id string, at time.Time) error
	PromoteDue(ctx context.Context) ([]*domain.Job, error)
	SetActiveWorkers(n int)
}

// Notifier publishes job progress
type Notifier interface {
	Publish(ctx context.Context, u notify.Update)
	Close(jobID string)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             JobStore
	Notifier          Notifier
	Engine            Engine
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	RetryDelay        time.Duration
	ShutdownTimeout   time.Duration
	// ErrorBackoff is the pause after a failed claim
	ErrorBackoff time.Duration
}

// Worker claims booking jobs and drives them through the pipeline with
// at most MaxConcurrentJobs in flight
type Worker struct {
	logger          *slog.Logger
	store           JobStore
	notifier        Notifier
	engine          Engine
	workerID        string
	concurrency     int
	sem             *semaphore.Weighted
	jobTimeout      time.Duration
	retryDelay      time.Duration
	shutdownTimeout time.Duration
	errorBackoff    time.Duration

	// jobsCtx outlives the dispatcher so in-flight jobs can finish during shutdown
	jobsCtx    context.Context
	cancelJobs context.CancelFunc

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.MaxConcurrentJobs, 1)

	errorBackoff := cfg.ErrorBackoff
	if errorBackoff <= 0 {
		errorBackoff = time.Second
	}

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	jobsCtx, cancelJobs := context.WithCancel(context.Background())

	return &Worker{
		logger:          cfg.Logger.With(slog.String("component", "worker"), slog.String("worker_id", workerID)),
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		engine:          cfg.Engine,
		workerID:        workerID,
		concurrency:     concurrency,
		sem:             semaphore.NewWeighted(int64(concurrency)),
		jobTimeout:      cfg.JobTimeout,
		retryDelay:      cfg.RetryDelay,
		shutdownTimeout: cfg.ShutdownTimeout,
		errorBackoff:    errorBackoff,
		jobsCtx:         jobsCtx,
		cancelJobs:      cancelJobs,
		stopChan:        make(chan struct{}),
		now:             time.Now,
	}
}

// ID returns the identifier this worker claims jobs under
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the claim loop until ctx is canceled or Stop is called.
// In-flight jobs keep running after Start returns; Stop waits for them.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("max_concurrent_jobs", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("retry_delay", w.retryDelay),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.store.SetActiveWorkers(w.concurrency)
	defer w.store.SetActiveWorkers(0)

	w.dispatch(ctx)

	w.logger.Info("Worker stopped claiming jobs")
	return nil
}

// Stop stops claiming and waits up to the shutdown timeout for in-flight jobs.
// Jobs still running after that are canceled.
func (w *Worker) Stop() error {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timeout := w.shutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		w.cancelJobs()
		w.logger.Info("Worker stopped")
		return nil
	case <-time.After(timeout):
		w.cancelJobs()
		w.logger.Warn("Worker shutdown timeout exceeded, canceling in-flight jobs",
			slog.Duration("timeout", timeout),
		)
		<-done
		return fmt.Errorf("worker shutdown timed out after %s", timeout)
	}
}
