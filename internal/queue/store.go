package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/booking-queue/internal/domain"
)

const (
	// JobTTL is how long a job record lives after creation
	JobTTL = 7 * 24 * time.Hour

	defaultKeyPrefix    = "booking"
	defaultPollInterval = time.Second
	scanBatch           = 200
	promoteBatch        = 100
)

// Record hash fields
const (
	fieldData      = "data"
	fieldStatus    = "status"
	fieldCreatedAt = "created_at"
	fieldPatientID = "patient_id"
)

// Config holds queue store settings
type Config struct {
	KeyPrefix    string
	PollInterval time.Duration
	Health       HealthConfig
}

// Store persists booking jobs in Redis.
//
// Each job is a hash <prefix>:job:<id> expiring JobTTL after creation. Job ids
// move through the lists <prefix>:pending and <prefix>:processing. Failed jobs
// waiting for an automatic retry sit in the sorted set <prefix>:delayed scored
// by due time. Jobs are pushed on the left and claimed from the right, so the
// pending list is FIFO.
type Store struct {
	rdb          *redis.Client
	logger       *slog.Logger
	prefix       string
	pollInterval time.Duration
	stats        *stats
	now          func() time.Time
}

// NewStore creates a queue store over a shared Redis client
func NewStore(rdb *redis.Client, cfg *Config, logger *slog.Logger) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	now := func() time.Time { return time.Now().UTC() }
	return &Store{
		rdb:          rdb,
		logger:       logger.With(slog.String("component", "queue_store")),
		prefix:       prefix,
		pollInterval: poll,
		stats:        newStats(cfg.Health, now),
		now:          now,
	}
}

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }
func (s *Store) pendingKey() string      { return s.prefix + ":pending" }
func (s *Store) processingKey() string   { return s.prefix + ":processing" }
func (s *Store) delayedKey() string      { return s.prefix + ":delayed" }

// Enqueue stores a new job record and appends its id to the pending list
func (s *Store) Enqueue(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return &domain.SerializationError{Err: err}
	}

	key := s.jobKey(job.ID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		fieldData, data,
		fieldStatus, string(job.Status),
		fieldCreatedAt, job.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldPatientID, job.PatientID,
	)
	pipe.Expire(ctx, key, JobTTL)
	pipe.LPush(ctx, s.pendingKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("enqueue", err)
	}

	s.stats.onEnqueue()

	s.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("patient_id", job.PatientID),
	)
	return nil
}

// Claim atomically moves the oldest pending id into the processing list and
// marks the job Processing for workerID. It blocks for at most the poll
// interval and returns a nil job when nothing is pending. If the job cannot be
// marked Processing after the pop, the id goes back to the pending list.
func (s *Store) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	id, err := s.rdb.BRPopLPush(ctx, s.pendingKey(), s.processingKey(), s.pollInterval).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("claim", err)
	}

	now := s.now()
	job, _, err := s.update(ctx, "claim", id, func(job *domain.Job) error {
		if !domain.CanTransition(job.Status, domain.JobStatusProcessing) {
			return &domain.InvalidStatusTransitionError{From: job.Status, To: domain.JobStatusProcessing}
		}
		job.Status = domain.JobStatusProcessing
		job.WorkerID = &workerID
		job.StartedAt = &now
		job.UpdatedAt = now
		return nil
	}, nil)

	var transitionErr *domain.InvalidStatusTransitionError
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrJobNotFound):
		s.logger.Warn("Claimed id has no job record, dropping",
			slog.String("job_id", id),
		)
		s.rdb.LRem(ctx, s.processingKey(), 0, id)
		return nil, nil
	case errors.As(err, &transitionErr):
		s.logger.Info("Skipping claimed job that is no longer pending",
			slog.String("job_id", id),
			slog.String("status", string(transitionErr.From)),
		)
		s.rdb.LRem(ctx, s.processingKey(), 0, id)
		return nil, nil
	default:
		s.requeue(ctx, id, err)
		return nil, err
	}

	s.stats.onClaim()
	return job, nil
}

// requeue hands a claimed id back to the pending list. Unreadable records go
// to the back so they cannot block the ids behind them.
func (s *Store) requeue(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)

	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, s.processingKey(), 0, id)
	var serErr *domain.SerializationError
	if errors.As(cause, &serErr) {
		pipe.LPush(ctx, s.pendingKey(), id)
	} else {
		pipe.RPush(ctx, s.pendingKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to return claimed job to pending",
			slog.String("job_id", id),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Warn("Returned claimed job to pending",
		slog.String("job_id", id),
		slog.String("cause", cause.Error()),
	)
}

// Get loads a job record
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.load(ctx, s.rdb, id)
}

// UpdateStatus moves a job to a new status, validating the transition.
// Terminal statuses remove the id from both lists and set completed_at.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) (*domain.Job, error) {
	return s.transition(ctx, id, status, errMsg, nil, false)
}

// Fail marks a job Failed unless it already reached a terminal status, in
// which case it returns an InvalidStatusTransitionError from that status.
// Workers use it so a failing stage never overwrites a cancellation.
func (s *Store) Fail(ctx context.Context, id string, errMsg string) (*domain.Job, error) {
	return s.transition(ctx, id, domain.JobStatusFailed, errMsg, nil, true)
}

// Complete marks a job Completed and stores its result
func (s *Store) Complete(ctx context.Context, id string, result *domain.MatchResult) (*domain.Job, error) {
	return s.transition(ctx, id, domain.JobStatusCompleted, "", result, false)
}

func (s *Store) transition(ctx context.Context, id string, status domain.JobStatus, errMsg string, result *domain.MatchResult, fromActive bool) (*domain.Job, error) {
	var dequeue func(pipe redis.Pipeliner)
	if status.IsTerminal() {
		dequeue = func(pipe redis.Pipeliner) {
			pipe.LRem(ctx, s.processingKey(), 0, id)
			pipe.LRem(ctx, s.pendingKey(), 0, id)
		}
	}

	now := s.now()
	job, prev, err := s.update(ctx, "update status", id, func(job *domain.Job) error {
		if (fromActive && job.Status.IsTerminal()) || !domain.CanTransition(job.Status, status) {
			return &domain.InvalidStatusTransitionError{From: job.Status, To: status}
		}
		job.Status = status
		job.UpdatedAt = now
		if errMsg != "" {
			job.ErrorMessage = &errMsg
		}
		if result != nil {
			job.Result = result
		}
		if status.IsTerminal() && job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		return nil
	}, dequeue)
	if err != nil {
		return nil, err
	}

	if status.IsTerminal() {
		var latency time.Duration
		if status == domain.JobStatusCompleted && job.StartedAt != nil {
			latency = now.Sub(*job.StartedAt)
		}
		s.stats.onTerminal(prev, status, latency)
	}

	return job, nil
}

// Retry re-queues a failed job that still has retries left.
//
// A job that is not Failed returns an InvalidStatusTransitionError to
// Retrying, even when its retries are used up; MaxRetriesExceededError is
// only returned for Failed jobs.
func (s *Store) Retry(ctx context.Context, id string) (*domain.Job, error) {
	job, _, err := s.update(ctx, "retry", id, func(job *domain.Job) error {
		if job.Status != domain.JobStatusFailed {
			return &domain.InvalidStatusTransitionError{From: job.Status, To: domain.JobStatusRetrying}
		}
		if !job.CanRetry() {
			return &domain.MaxRetriesExceededError{JobID: job.ID, MaxRetries: job.MaxRetries}
		}

		job.RetryCount++
		job.Status = domain.JobStatusRetrying
		job.ErrorMessage = nil
		job.WorkerID = nil
		job.CompletedAt = nil
		job.UpdatedAt = s.now()
		return nil
	}, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, s.delayedKey(), id)
		pipe.LPush(ctx, s.pendingKey(), id)
	})
	if err != nil {
		return nil, err
	}

	s.stats.onEnqueue()
	return job, nil
}

// ScheduleRetry records that a failed job should be retried at the given time
func (s *Store) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, s.delayedKey(), redis.Z{Score: float64(at.Unix()), Member: id}).Err()
	if err != nil {
		return wrapErr("schedule retry", err)
	}
	return nil
}

// PromoteDue retries every scheduled job whose due time has passed and
// returns the jobs moved back to pending
func (s *Store) PromoteDue(ctx context.Context) ([]*domain.Job, error) {
	now := s.now()
	ids, err := s.rdb.ZRangeByScore(ctx, s.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return nil, wrapErr("promote due", err)
	}

	var promoted []*domain.Job
	for _, id := range ids {
		// ZREM decides which process owns the promotion
		removed, err := s.rdb.ZRem(ctx, s.delayedKey(), id).Result()
		if err != nil {
			return promoted, wrapErr("promote due", err)
		}
		if removed == 0 {
			continue
		}

		job, err := s.Retry(ctx, id)
		if err != nil {
			var transportErr *domain.TransportError
			if errors.As(err, &transportErr) {
				s.rdb.ZAdd(ctx, s.delayedKey(), redis.Z{Score: float64(now.Unix()), Member: id})
				return promoted, err
			}
			s.logger.Warn("Dropping scheduled retry",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		promoted = append(promoted, job)
	}

	return promoted, nil
}

// CleanupExpired deletes job records created more than JobTTL ago and purges
// their ids from every list. It returns the number of records deleted.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-JobTTL)
	match := s.prefix + ":job:*"
	keyPrefixLen := len(s.prefix + ":job:")

	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return deleted, wrapErr("cleanup", err)
		}

		for _, key := range keys {
			raw, err := s.rdb.HGet(ctx, key, fieldCreatedAt).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return deleted, wrapErr("cleanup", err)
			}

			createdAt, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				s.logger.Warn("Job record has unparseable created_at",
					slog.String("key", key),
				)
				continue
			}
			if !createdAt.Before(cutoff) {
				continue
			}

			id := key[keyPrefixLen:]
			pipe := s.rdb.TxPipeline()
			pipe.Del(ctx, key)
			pipe.LRem(ctx, s.pendingKey(), 0, id)
			pipe.LRem(ctx, s.processingKey(), 0, id)
			pipe.ZRem(ctx, s.delayedKey(), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return deleted, wrapErr("cleanup", err)
			}
			deleted++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}

// ProcessingIDs lists the ids currently held by workers
func (s *Store) ProcessingIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, s.processingKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("list processing", err)
	}
	return ids, nil
}

// RequeueStranded moves an id that sits in the processing list while its job
// is still Queued or Retrying back to the pending list. It reports whether the
// id was moved; it does nothing if the job or the list changed meanwhile.
func (s *Store) RequeueStranded(ctx context.Context, id string) (bool, error) {
	moved := false
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !job.Status.IsPending() {
			return nil
		}
		if _, err := tx.LPos(ctx, s.processingKey(), id, redis.LPosArgs{}).Result(); err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, s.processingKey(), 0, id)
			pipe.RPush(ctx, s.pendingKey(), id)
			return nil
		})
		if err != nil {
			return err
		}
		moved = true
		return nil
	}, s.jobKey(id), s.processingKey())

	switch {
	case err == nil:
		return moved, nil
	case errors.Is(err, redis.TxFailedErr):
		return false, nil
	case isDomainErr(err):
		return false, err
	default:
		return false, wrapErr("requeue stranded", err)
	}
}

// Depths reports the length of the pending, processing and delayed structures
type Depths struct {
	Pending    int64
	Processing int64
	Delayed    int64
}

// QueueDepths reads the current list sizes from Redis
func (s *Store) QueueDepths(ctx context.Context) (Depths, error) {
	pipe := s.rdb.Pipeline()
	pending := pipe.LLen(ctx, s.pendingKey())
	processing := pipe.LLen(ctx, s.processingKey())
	delayed := pipe.ZCard(ctx, s.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, wrapErr("depths", err)
	}
	return Depths{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
	}, nil
}

// Stats returns a snapshot of the in-memory counters
func (s *Store) Stats() domain.QueueStats {
	return s.stats.snapshot()
}

// SetActiveWorkers records how many worker slots are running
func (s *Store) SetActiveWorkers(n int) {
	s.stats.setActiveWorkers(n)
}

const maxWatchAttempts = 5

// hashReader is satisfied by both the client and a watched transaction
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, r hashReader, id string) (*domain.Job, error) {
	data, err := r.HGet(ctx, s.jobKey(id), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, wrapErr("get", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, &domain.SerializationError{Err: err}
	}
	return &job, nil
}

// update loads a job under WATCH, lets edit validate and change it, then
// writes it back together with any list operations from extra in one
// MULTI/EXEC. A concurrent write to the record restarts the whole cycle.
func (s *Store) update(ctx context.Context, op, id string, edit func(job *domain.Job) error, extra func(pipe redis.Pipeliner)) (*domain.Job, domain.JobStatus, error) {
	var (
		job  *domain.Job
		prev domain.JobStatus
		err  error
	)
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			prev = current.Status
			if err := edit(current); err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if err := s.save(ctx, pipe, current); err != nil {
					return err
				}
				if extra != nil {
					extra(pipe)
				}
				return nil
			})
			if err != nil {
				return err
			}
			job = current
			return nil
		}, s.jobKey(id))

		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil:
		return job, prev, nil
	case isDomainErr(err):
		return nil, "", err
	default:
		return nil, "", wrapErr(op, err)
	}
}

// save queues a full write of the job record. The expiry is re-applied from
// created_at, so a record that lapsed during an update is not recreated
// without one; a record already past its lifetime is removed.
func (s *Store) save(ctx context.Context, pipe redis.Pipeliner, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return &domain.SerializationError{Err: err}
	}

	key := s.jobKey(job.ID)
	pipe.HSet(ctx, key,
		fieldData, data,
		fieldStatus, string(job.Status),
		fieldCreatedAt, job.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldPatientID, job.PatientID,
	)
	pipe.ExpireAt(ctx, key, job.CreatedAt.Add(JobTTL))
	return nil
}

// isDomainErr reports whether err already belongs to the queue error taxonomy
func isDomainErr(err error) bool {
	var (
		queueErr      *domain.QueueError
		transportErr  *domain.TransportError
		serErr        *domain.SerializationError
		transitionErr *domain.InvalidStatusTransitionError
		maxErr        *domain.MaxRetriesExceededError
	)
	return errors.Is(err, domain.ErrJobNotFound) ||
		errors.As(err, &queueErr) ||
		errors.As(err, &transportErr) ||
		errors.As(err, &serErr) ||
		errors.As(err, &transitionErr) ||
		errors.As(err, &maxErr)
}

// wrapErr classifies a Redis error into the queue error taxonomy
func wrapErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransportError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return &domain.QueueError{Op: op, Err: err}
}
