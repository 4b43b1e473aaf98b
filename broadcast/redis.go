package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Redis carries events over Redis pub/sub so every API instance sees every
// commit.
type Redis struct {
	client *redis.Client
	buffer int
	logger *log.Logger
}

// NewRedis creates a Redis backed channel.
func NewRedis(client *redis.Client, buffer int, logger *log.Logger) *Redis {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Redis{client: client, buffer: buffer, logger: logger}
}

// Publish sends ev to the topic's Redis channel.
func (r *Redis) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis subscription on topic. It returns once Redis has
// confirmed the subscription, so events published afterwards are delivered.
func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	sub := newSubscription(r.buffer)
	subCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				sub.finish(nil)
				return
			case msg, ok := <-ch:
				if !ok {
					r.logger.WithField("topic", topic).Warn("redis subscription channel closed")
					sub.finish(ErrSubscriptionClosed)
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					r.logger.WithError(err).WithField("topic", topic).Error("unable to parse board event")
					continue
				}
				if !sub.offer(ev) {
					r.logger.WithField("topic", topic).Warn("board subscriber lagged, closing")
					sub.finish(ErrLagged)
					return
				}
			}
		}
	}()
	return sub, nil
}
