package progress

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one progress update as delivered to SSE subscribers.
type Event struct {
	RunID       string             `json:"run_id"`
	Phase       string             `json:"phase,omitempty"`
	Message     string             `json:"message,omitempty"`
	CurrentStep int                `json:"current_step,omitempty"`
	TotalSteps  int                `json:"total_steps,omitempty"`
	Percentage  float64            `json:"percentage"`
	ETASeconds  *float64           `json:"eta_seconds,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Broker manages per-run progress event streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected run volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a new progress event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives progress events for the given run
// and an unsubscribe function. If the run has already finished (Close was
// called), the returned channel is immediately closed.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a progress event to all subscribers of the given run.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(runID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the training task.
		}
	}
}

// Close signals that no more events will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[runID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
