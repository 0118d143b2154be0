// Package pubsub carries per-user settlement progress events.
// Delivery is at-most-once best-effort; the job store stays the source
// of truth and clients reconcile via the status endpoint after
// reconnecting.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies a settlement event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one message on a user's settlement topic.
type Event struct {
	Type    EventType       `json:"type"`
	JobID   string          `json:"job_id"`
	TokenID string          `json:"token_id"`
	Stage   string          `json:"stage,omitempty"`
	Percent int             `json:"percent,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	At      time.Time       `json:"at"`
}

// Publisher pushes events onto a user's topic.
type Publisher interface {
	Publish(ctx context.Context, userID string, ev Event) error
}

// Subscriber attaches to a user's topic. The returned stop function
// detaches the subscription and closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan Event, func(), error)
}

// Stream is a combined publish/subscribe endpoint.
type Stream interface {
	Publisher
	Subscriber
}

// Broker is an in-process Stream used in tests and single-binary runs.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Publish delivers ev to every current subscriber of userID's topic.
// Slow subscribers are skipped, not blocked on.
func (b *Broker) Publish(_ context.Context, userID string, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[userID] {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; drop. The store is authoritative.
		}
	}
	return nil
}

// Subscribe attaches to userID's topic.
func (b *Broker) Subscribe(_ context.Context, userID string) (<-chan Event, func(), error) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan Event]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, stop, nil
}
