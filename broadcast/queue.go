package broadcast

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

type enqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink copies every published event into an Azure storage queue for
// downstream consumers that need a durable record. It cannot be subscribed to.
type QueueSink struct {
	queue enqueuer
}

// queueEnvelope is the message body written to the queue.
type queueEnvelope struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// NewQueueSink wraps an Azure queue client.
func NewQueueSink(queue *azqueue.QueueClient) *QueueSink {
	return &QueueSink{queue: queue}
}

// Publish enqueues ev together with its topic.
func (q *QueueSink) Publish(ctx context.Context, topic string, ev Event) error {
	data, err := sonic.Marshal(queueEnvelope{Topic: topic, Event: ev})
	if err != nil {
		return fmt.Errorf("encode queue envelope: %w", err)
	}
	if _, err := q.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("enqueue board event: %w", err)
	}
	return nil
}
