package channels

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Publisher enqueues a message body with attributes and returns the queue's message id.
type Publisher interface {
	Publish(ctx context.Context, body string, attributes map[string]string) (string, error)
}

// OutboxMessage is the payload a QueueSender writes for the transport worker.
type OutboxMessage struct {
	ID      string  `json:"id"`
	Channel Channel `json:"channel"`
	To      string  `json:"to"`
	Message Message `json:"message"`
}

// QueueSender hands messages to a per-channel transport queue. Success means the
// message was durably enqueued; the transport worker owns the actual delivery.
type QueueSender struct {
	channel   Channel
	publisher Publisher
	newID     func() string
}

// NewQueueSender returns a QueueSender for channel c.
func NewQueueSender(c Channel, p Publisher) *QueueSender {
	return &QueueSender{channel: c, publisher: p, newID: uuid.NewString}
}

// Send implements Sender.
func (s *QueueSender) Send(ctx context.Context, address string, msg Message) (string, error) {
	out := OutboxMessage{ID: s.newID(), Channel: s.channel, To: address, Message: msg}
	body, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal outbox message: %w", err)
	}
	if _, err := s.publisher.Publish(ctx, string(body), map[string]string{
		"channel":    string(s.channel),
		"message_id": out.ID,
	}); err != nil {
		return "", fmt.Errorf("%s outbox: %w", s.channel, err)
	}
	return out.ID, nil
}
