package broadcast

import (
	"context"
	"sync"
)

// Hub is an in-process channel. Publishing never blocks: a subscriber whose
// buffer is full is dropped with ErrLagged.
type Hub struct {
	buffer int

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscription on topic. It ends when ctx is
// cancelled or Close is called.
func (h *Hub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(h.buffer)
	h.mu.Lock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[topic] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { h.remove(topic, sub, nil) })
	sub.cancel = func() {
		stop()
		h.remove(topic, sub, nil)
	}
	return sub, nil
}

// Publish delivers ev to every current subscriber of topic.
func (h *Hub) Publish(_ context.Context, topic string, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[topic] {
		if !sub.offer(ev) {
			h.removeLocked(topic, sub, ErrLagged)
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

func (h *Hub) remove(topic string, sub *Subscription, err error) {
	h.mu.Lock()
	h.removeLocked(topic, sub, err)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(topic string, sub *Subscription, err error) {
	set, ok := h.subs[topic]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, topic)
	}
	sub.finish(err)
}
