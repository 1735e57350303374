package queue

import (
	"context"
	"errors"
)

// ErrUnavailable wraps transport failures talking to the queue backend. A
// submission is not accepted until Send returns nil.
var ErrUnavailable = errors.New("queue unavailable")

// Message is one queued payload as handed to a consumer. The body doubles as
// the receipt: Ack and Nack identify the in-flight message by it.
type Message struct {
	Body []byte
}

// Queue is an at-least-once message queue. A received message stays invisible
// to other consumers until acked (removed) or nacked (returned for
// redelivery). Consumers must tolerate duplicates; persistence downstream is
// an idempotent overwrite, so redelivery is safe.
type Queue interface {
	// Send enqueues body. Failure means the message was not accepted.
	Send(ctx context.Context, body []byte) error
	// Receive returns up to max pending messages without blocking. An empty
	// slice means nothing is waiting.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Ack removes a received message permanently.
	Ack(ctx context.Context, m Message) error
	// Nack returns a received message to the queue for redelivery.
	Nack(ctx context.Context, m Message) error
}

// Recoverer is implemented by backends that can return messages a crashed
// consumer left in flight. Called once at consumer startup.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}
