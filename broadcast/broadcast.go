// Package broadcast fans committed board changes out to every subscriber of a
// board. Delivery is at-least-once while a subscription is open; there is no
// replay, so a subscriber that disconnects or falls behind must reload the
// board before resubscribing.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

// Event types.
const (
	CardMoved        = "card_moved"
	StageDeactivated = "stage_deactivated"
)

const defaultBuffer = 64

var (
	// ErrLagged closes a subscription whose buffer overflowed.
	ErrLagged = errors.New("subscriber lagged behind")
	// ErrSubscriptionClosed closes a subscription whose transport went away.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Event is the payload published for a committed change.
type Event struct {
	Type             string  `json:"type"`
	BoardKey         string  `json:"board_key"`
	CardID           string  `json:"card_id,omitempty"`
	StageKey         string  `json:"stage_key"`
	Position         float64 `json:"position"`
	FallbackStageKey string  `json:"fallback_stage_key,omitempty"`
	Timestamp        int64   `json:"timestamp"`
}

// Topic returns the channel name for a board of an account.
func Topic(accountID, boardKey string) string {
	return "kanban:" + accountID + ":" + boardKey
}

// Publisher delivers events to the subscribers of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// Subscriber opens event streams for a topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

// Channel is a transport able to both publish and subscribe.
type Channel interface {
	Publisher
	Subscriber
}

// Subscription is an open stream of events for one topic. Events is closed
// when the subscription ends; Err then reports why (nil after Close).
type Subscription struct {
	events chan Event
	cancel func()

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSubscription(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Subscription{events: make(chan Event, buffer)}
}

// Events returns the receive side of the stream.
func (s *Subscription) Events() <-chan Event { return s.events }

// Err reports the reason the subscription ended.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// offer hands ev to the consumer without blocking.
func (s *Subscription) offer(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// finish closes the stream. Callers must guarantee no offer runs concurrently.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}
