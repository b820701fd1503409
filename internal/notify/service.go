package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/booking-queue/internal/domain"
	"github.com/cuongbtq/booking-queue/internal/metrics"
)

// DefaultCapacity is the per-subscriber buffer size
const DefaultCapacity = 100

// GlobalChannelName names the monitoring channel that receives every update
const GlobalChannelName = "booking_updates"

// sinkCloseTimeout bounds forwarding a channel close to the sink
const sinkCloseTimeout = 5 * time.Second

// Update is a status change to fan out
type Update struct {
	JobID        string
	Status       domain.JobStatus
	Message      string
	ErrorDetails string
	Result       *domain.MatchResult
}

// GlobalSink forwards serialized messages to other processes, e.g. through a
// message broker exchange. kind is RemoteEvent or RemoteClosed.
type GlobalSink interface {
	Forward(ctx context.Context, kind string, body []byte) error
}

// Config holds notification service settings
type Config struct {
	Capacity int
	Sink     GlobalSink
}

// Service fans progress events out to per-job and global subscribers.
//
// Delivery is best-effort: each subscriber has a bounded buffer and a full
// buffer drops the event for that subscriber only. Subscribers only see events
// published after they subscribed.
type Service struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	global   *topic
	capacity int
	sink     GlobalSink
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a notification service
func NewService(cfg *Config, logger *slog.Logger) *Service {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Service{
		topics:   make(map[string]*topic),
		global:   newTopic(GlobalChannelName),
		capacity: capacity,
		sink:     cfg.Sink,
		logger:   logger.With(slog.String("component", "notify")),
		now:      time.Now,
	}
}

// Open registers the per-job channel if it does not exist yet
func (s *Service) Open(jobID string) {
	s.topicFor(jobID)
}

func (s *Service) topicFor(jobID string) *topic {
	s.mu.RLock()
	t, ok := s.topics[jobID]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.topics[jobID]; ok {
		return t
	}
	t = newTopic(domain.ChannelName(jobID))
	s.topics[jobID] = t
	metrics.OpenChannels.Set(float64(len(s.topics)))
	return t
}

// Subscribe attaches a new subscriber to a job's channel, opening it if needed
func (s *Service) Subscribe(jobID string) *Subscription {
	return s.topicFor(jobID).subscribe(s.capacity)
}

// SubscribeGlobal attaches a subscriber to the global monitoring channel
func (s *Service) SubscribeGlobal() *Subscription {
	return s.global.subscribe(s.capacity)
}

// Publish delivers an update to the job's subscribers, the global channel and the sink.
// It never fails; delivery problems are logged and counted.
func (s *Service) Publish(ctx context.Context, u Update) {
	event := NewEvent(u, s.now())
	s.deliver(event)

	if s.sink == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Failed to serialize progress event",
			slog.String("job_id", u.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.forward(ctx, RemoteEvent, u.JobID, body)
}

// deliver sends an event to the job's local subscribers and the global channel
func (s *Service) deliver(event ProgressEvent) {
	s.mu.RLock()
	t, ok := s.topics[event.JobID]
	s.mu.RUnlock()

	if !ok {
		s.logger.Debug("No channel open for job, dropping event",
			slog.String("job_id", event.JobID),
			slog.String("status", string(event.Status)),
		)
		metrics.NotificationsDropped.WithLabelValues("no_channel").Inc()
	} else if delivered, dropped := t.broadcast(event); delivered == 0 {
		s.logger.Debug("No subscriber received event",
			slog.String("job_id", event.JobID),
			slog.String("status", string(event.Status)),
			slog.Int("dropped", dropped),
		)
		metrics.NotificationsDropped.WithLabelValues("no_subscriber").Inc()
	}

	if _, dropped := s.global.broadcast(event); dropped > 0 {
		metrics.NotificationsDropped.WithLabelValues("global_full").Add(float64(dropped))
	}
}

func (s *Service) forward(ctx context.Context, kind, jobID string, body []byte) {
	if err := s.sink.Forward(ctx, kind, body); err != nil {
		s.logger.Warn("Failed to forward message to global sink",
			slog.String("job_id", jobID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		metrics.NotificationsDropped.WithLabelValues("sink_error").Inc()
	}
}

// Close removes a job's channel and ends all of its subscriptions, here and
// in every process reached through the sink
func (s *Service) Close(jobID string) {
	s.closeLocal(jobID)

	if s.sink == nil {
		return
	}
	body, err := json.Marshal(closedMessage{JobID: jobID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkCloseTimeout)
	defer cancel()
	s.forward(ctx, RemoteClosed, jobID, body)
}

func (s *Service) closeLocal(jobID string) {
	s.mu.Lock()
	t, ok := s.topics[jobID]
	delete(s.topics, jobID)
	metrics.OpenChannels.Set(float64(len(s.topics)))
	s.mu.Unlock()

	if ok {
		t.close()
	}
}

// ActiveIDs lists the jobs with an open channel
func (s *Service) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.topics))
	for id := range s.topics {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every per-job channel. The global channel stays open.
func (s *Service) CloseAll() {
	s.mu.Lock()
	topics := s.topics
	s.topics = make(map[string]*topic)
	metrics.OpenChannels.Set(0)
	s.mu.Unlock()

	for _, t := range topics {
		t.close()
	}
}
