package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/booking-queue/internal/domain"
)

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	kinds  []string
	bodies [][]byte
	err    error
}

func (r *recordingSink) Forward(_ context.Context, kind string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.bodies = append(r.bodies, body)
	return r.err
}

func newTestService(capacity int, sink GlobalSink) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(&Config{Capacity: capacity, Sink: sink}, logger)
}

func TestProgressPercentage(t *testing.T) {
	want := map[domain.JobStatus]int{
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

	for _, status := range domain.AllStatuses {
		t.Run(string(status), func(t *testing.T) {
			assert.Equal(t, want[status], ProgressPercentage(status))
		})
	}
}

func TestCurrentStepAndRemaining(t *testing.T) {
	for _, status := range domain.AllStatuses {
		t.Run(string(status), func(t *testing.T) {
			isStage := false
			for _, stage := range domain.PipelineStages {
				if stage == status {
					isStage = true
				}
			}
			assert.Equal(t, isStage, CurrentStep(status) != "")

			remaining := RemainingSeconds(status)
			if status.IsTerminal() {
				assert.Nil(t, remaining)
			} else {
				require.NotNil(t, remaining)
				assert.Positive(t, *remaining)
			}
		})
	}
}

func TestEvent_JSONOmitsEmptyFields(t *testing.T) {
	event := NewEvent(Update{JobID: "job-1", Status: domain.JobStatusCompleted, Message: "done"}, fixedNow)

	body, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "job-1", decoded["job_id"])
	assert.Equal(t, "completed", decoded["status"])
	assert.EqualValues(t, 100, decoded["progress_percentage"])
	assert.NotContains(t, decoded, "current_step")
	assert.NotContains(t, decoded, "estimated_remaining_seconds")
	assert.NotContains(t, decoded, "error_details")
	assert.NotContains(t, decoded, "result")
}

func TestService_PublishOrderedToSubscriber(t *testing.T) {
	svc := newTestService(10, nil)
	sub := svc.Subscribe("job-1")
	defer sub.Close()

	assert.Equal(t, "booking_job-1", sub.Channel)

	statuses := []domain.JobStatus{
		domain.JobStatusProcessing,
		domain.JobStatusDoctorMatching,
		domain.JobStatusAvailabilityCheck,
	}
	for _, status := range statuses {
		svc.Publish(context.Background(), Update{JobID: "job-1", Status: status})
	}

	for _, status := range statuses {
		event := <-sub.C
		assert.Equal(t, status, event.Status)
		assert.Equal(t, ProgressPercentage(status), event.ProgressPercentage)
	}
}

func TestService_FullBufferDropsWithoutBlocking(t *testing.T) {
	svc := newTestService(2, nil)
	sub := svc.Subscribe("job-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		svc.Publish(context.Background(), Update{JobID: "job-1", Status: domain.JobStatusProcessing})
	}

	assert.Len(t, sub.C, 2)
}

func TestService_LateSubscriberMissesEarlierEvents(t *testing.T) {
	svc := newTestService(10, nil)
	svc.Open("job-1")

	svc.Publish(context.Background(), Update{JobID: "job-1", Status: domain.JobStatusQueued})
	sub := svc.Subscribe("job-1")
	svc.Publish(context.Background(), Update{JobID: "job-1", Status: domain.JobStatusProcessing})

	event := <-sub.C
	assert.Equal(t, domain.JobStatusProcessing, event.Status)
	assert.Empty(t, sub.C)
}

func TestService_GlobalAndSinkReceiveEverything(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	svc := newTestService(10, sink)
	global := svc.SubscribeGlobal()
	defer global.Close()

	svc.Publish(context.Background(), Update{JobID: "no-subscribers", Status: domain.JobStatusQueued})
	svc.Publish(context.Background(), Update{JobID: "other", Status: domain.JobStatusFailed, ErrorDetails: "boom"})

	first := <-global.C
	second := <-global.C
	assert.Equal(t, "no-subscribers", first.JobID)
	assert.Equal(t, "other", second.JobID)
	assert.Equal(t, "boom", second.ErrorDetails)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.bodies, 2)
}

func TestService_CloseEndsSubscriptions(t *testing.T) {
	svc := newTestService(10, nil)
	sub := svc.Subscribe("job-1")
	svc.Open("job-2")

	assert.ElementsMatch(t, []string{"job-1", "job-2"}, svc.ActiveIDs())

	svc.Close("job-1")
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, []string{"job-2"}, svc.ActiveIDs())

	sub.Close()
	svc.Publish(context.Background(), Update{JobID: "job-1", Status: domain.JobStatusCompleted})

	svc.CloseAll()
	assert.Empty(t, svc.ActiveIDs())
}

func TestService_ConcurrentPublishAndClose(t *testing.T) {
	svc := newTestService(DefaultCapacity, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := svc.Subscribe("job-1")
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			svc.Publish(context.Background(), Update{JobID: "job-1", Status: domain.JobStatusProcessing})
		}()
	}
	svc.Close("job-1")
	wg.Wait()
}

func TestService_CloseIsForwarded(t *testing.T) {
	sink := &recordingSink{}
	svc := newTestService(10, sink)
	svc.Open("job-1")

	svc.Close("job-1")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []string{RemoteClosed}, sink.kinds)
	assert.JSONEq(t, `{"job_id":"job-1"}`, string(sink.bodies[0]))
}

func TestService_HandleRemote(t *testing.T) {
	// a remote publisher and a local relay joined by the recorded sink messages
	sink := &recordingSink{}
	remote := newTestService(10, sink)
	local := newTestService(10, nil)

	sub := local.Subscribe("job-1")
	global := local.SubscribeGlobal()
	defer global.Close()

	remote.Open("job-1")
	remote.Publish(context.Background(), Update{JobID: "job-1", Status: domain.JobStatusSlotSelection, Message: "Selecting"})
	remote.Close("job-1")

	sink.mu.Lock()
	kinds, bodies := sink.kinds, sink.bodies
	sink.mu.Unlock()
	require.Equal(t, []string{RemoteEvent, RemoteClosed}, kinds)

	for i := range kinds {
		require.NoError(t, local.HandleRemote(kinds[i], bodies[i]))
	}

	event, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusSlotSelection, event.Status)
	assert.Equal(t, 60, event.ProgressPercentage)

	_, open := <-sub.C
	assert.False(t, open)
	assert.Empty(t, local.ActiveIDs())

	relayed := <-global.C
	assert.Equal(t, "job-1", relayed.JobID)
}

func TestService_HandleRemoteRejectsGarbage(t *testing.T) {
	svc := newTestService(10, nil)

	tests := []struct {
		name    string
		kind    string
		body    string
		wantErr bool
	}{
		{name: "invalid event json", kind: RemoteEvent, body: `{`, wantErr: true},
		{name: "event without job", kind: RemoteEvent, body: `{"status":"queued"}`, wantErr: true},
		{name: "invalid close json", kind: RemoteClosed, body: `[`, wantErr: true},
		{name: "unknown kind ignored", kind: "heartbeat", body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.HandleRemote(tt.kind, []byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
