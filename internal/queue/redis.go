package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a pair of redis lists. Send pushes onto the
// pending list; Receive atomically moves entries onto a processing list where
// they stay until acked. Nack and Recover move entries back, which is what
// makes delivery at-least-once: a message only disappears on explicit Ack.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
}

// NewRedisQueue connects to url and namespaces the list pair under name.
// The connection is verified before returning.
func NewRedisQueue(url, name string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if name == "" {
		name = "symptoms"
	}
	return &RedisQueue{
		client:     client,
		pending:    name + ":pending",
		processing: name + ":processing",
	}, nil
}

// Send implements Queue.Send.
func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	if err := q.client.LPush(ctx, q.pending, body).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Receive implements Queue.Receive. Each returned message has been moved to
// the processing list and must be acked or nacked.
func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	var out []Message
	for i := 0; i < max; i++ {
		body, err := q.client.LMove(ctx, q.pending, q.processing, "RIGHT", "LEFT").Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return out, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, Message{Body: body})
	}
	return out, nil
}

// Ack implements Queue.Ack. Removes one matching entry from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, m Message) error {
	if err := q.client.LRem(ctx, q.processing, 1, m.Body).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Nack implements Queue.Nack. Returns the message to the back of the pending
// list so a persistently failing message does not hot-loop the consumer.
func (q *RedisQueue) Nack(ctx context.Context, m Message) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, m.Body)
	pipe.LPush(ctx, q.pending, m.Body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Recover moves everything left on the processing list back to pending.
// Call once at consumer startup to redeliver messages a crashed consumer
// received but never acked.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "LEFT").Err()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return n, nil
			}
			return n, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		n++
	}
}

// Depth returns the number of pending messages. Used for health reporting.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}

// Ping checks if redis is reachable. Used for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the redis client. Call during shutdown.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
