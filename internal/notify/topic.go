package notify

import "sync"

// topic is one publish point with its current subscribers
type topic struct {
	name string

	mu     sync.Mutex
	subs   map[uint64]chan ProgressEvent
	nextID uint64
	closed bool
}

func newTopic(name string) *topic {
	return &topic{
		name: name,
		subs: make(map[uint64]chan ProgressEvent),
	}
}

func (t *topic) subscribe(capacity int) *Subscription {
	ch := make(chan ProgressEvent, capacity)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		close(ch)
		return &Subscription{Channel: t.name, C: ch, cancel: func() {}}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return &Subscription{
		Channel: t.name,
		C:       ch,
		cancel:  func() { t.unsubscribe(id) },
	}
}

func (t *topic) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

// broadcast sends without blocking and reports how many subscribers got the event
func (t *topic) broadcast(event ProgressEvent) (delivered, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

func (t *topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Subscription receives events from one channel until it is closed
type Subscription struct {
	Channel string
	C       <-chan ProgressEvent

	once   sync.Once
	cancel func()
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}
