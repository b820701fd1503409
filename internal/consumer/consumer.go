package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/queue"
)

// State is the lifecycle state of the consumer
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "stopped"
	}
}

// errLoopExited is returned when a loop ends without being asked to
var errLoopExited = errors.New("loop exited unexpectedly")

// Store is the part of the queue store the consumer supervises
type Store interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	Stats() domain.QueueStats
	CleanupExpired(ctx context.Context) (int, error)
	ProcessingIDs(ctx context.Context) ([]string, error)
	RequeueStranded(ctx context.Context, id string) (bool, error)
	QueueDepths(ctx context.Context) (queue.Depths, error)
}

// Pool is the worker pool run by the consumer
type Pool interface {
	Start(ctx context.Context) error
	Stop() error
}

// Channels is the notification registry swept for orphans
type Channels interface {
	ActiveIDs() []string
	Close(jobID string)
	CloseAll()
}

// Config holds consumer configuration
type Config struct {
	Logger              *slog.Logger
	Store               Store
	Pool                Pool
	Channels            Channels
	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration
	// StuckAfter is how long a job may sit in one processing state
	StuckAfter time.Duration
}

// Consumer supervises the worker pool, the health monitor and the expiry
// cleanup. All three share one cancellation owned by the consumer; the first
// loop to end stops the others.
type Consumer struct {
	logger              *slog.Logger
	store               Store
	pool                Pool
	channels            Channels
	healthCheckInterval time.Duration
	cleanupInterval     time.Duration
	stuckAfter          time.Duration
	now                 func() time.Time

	// stranded holds the ids found stranded by the previous health check;
	// owned by the monitor loop
	stranded map[string]struct{}

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a consumer
func New(cfg *Config) *Consumer {
	health := cfg.HealthCheckInterval
	if health <= 0 {
		health = 30 * time.Second
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Hour
	}

	return &Consumer{
		logger:              cfg.Logger.With(slog.String("component", "consumer")),
		store:               cfg.Store,
		pool:                cfg.Pool,
		channels:            cfg.Channels,
		healthCheckInterval: health,
		cleanupInterval:     cleanup,
		stuckAfter:          cfg.StuckAfter,
		now:                 time.Now,
	}
}

// State returns the current lifecycle state
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run starts the loops and blocks until ctx is canceled, Shutdown is called or
// a loop exits. It then shuts the consumer down. Calling Run while already
// running logs a warning and returns immediately.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Consumer already started, ignoring start request",
			slog.String("state", state.String()),
		)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.state = StateRunning
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	c.logger.Info("Consumer started",
		slog.Duration("health_check_interval", c.healthCheckInterval),
		slog.Duration("cleanup_interval", c.cleanupInterval),
	)

	g, gctx := errgroup.WithContext(runCtx)
	c.goLoop(g, gctx, "worker_pool", c.pool.Start)
	c.goLoop(g, gctx, "monitor", c.monitorLoop)
	c.goLoop(g, gctx, "cleanup", c.cleanupLoop)

	runErr := g.Wait()
	if runErr != nil {
		c.logger.Error("Consumer loop failed, shutting down",
			slog.String("error", runErr.Error()),
		)
	}

	c.shutdown()
	return runErr
}

// goLoop runs fn in the group and turns an unrequested return into an error
// so the group cancels the other loops
func (c *Consumer) goLoop(g *errgroup.Group, ctx context.Context, name string, fn func(context.Context) error) {
	g.Go(func() error {
		err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errLoopExited
		}
		return fmt.Errorf("%s: %w", name, err)
	})
}

// Shutdown requests the loops to stop and waits for the consumer to finish
// shutting down or for ctx to expire
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer shutdown: %w", ctx.Err())
	}
}

func (c *Consumer) shutdown() {
	c.mu.Lock()
	c.state = StateShuttingDown
	c.mu.Unlock()

	c.logger.Info("Consumer shutting down")

	if err := c.pool.Stop(); err != nil {
		c.logger.Warn("Worker pool did not stop cleanly",
			slog.String("error", err.Error()),
		)
	}
	c.channels.CloseAll()

	c.mu.Lock()
	c.state = StateStopped
	c.cancel = nil
	c.mu.Unlock()

	c.logger.Info("Consumer stopped")
}
