package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/mq"
)

// Queue publishes alerts as JSON documents to a RabbitMQ queue and waits
// for the broker confirmation.
type Queue struct {
	client mq.ClientInterface
}

// NewQueue wraps an MQ client.
func NewQueue(client mq.ClientInterface) (*Queue, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &Queue{client: client}, nil
}

func (q *Queue) Name() string { return "amqp" }

func (q *Queue) Send(ctx context.Context, msg Message) error {
	if err := q.client.PushJSON(ctx, msg); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}
