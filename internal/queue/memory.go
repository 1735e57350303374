package queue

import (
	"bytes"
	"context"
	"sync"
)

// MemoryQueue implements Queue in process memory. Suitable for dev and tests;
// shared deployments use RedisQueue. Delivery semantics match the redis
// backend: received messages sit in a processing set until acked or nacked.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    [][]byte
	processing [][]byte
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Send implements Queue.Send.
func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, append([]byte(nil), body...))
	return nil
}

// Receive implements Queue.Receive.
func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for len(out) < max && len(q.pending) > 0 {
		body := q.pending[0]
		q.pending = q.pending[1:]
		q.processing = append(q.processing, body)
		out = append(out, Message{Body: body})
	}
	return out, nil
}

// Ack implements Queue.Ack.
func (q *MemoryQueue) Ack(ctx context.Context, m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing = removeFirst(q.processing, m.Body)
	return nil
}

// Nack implements Queue.Nack.
func (q *MemoryQueue) Nack(ctx context.Context, m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing = removeFirst(q.processing, m.Body)
	q.pending = append(q.pending, m.Body)
	return nil
}

// Depth returns the number of pending messages.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of received but unacked messages.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

func removeFirst(list [][]byte, body []byte) [][]byte {
	for i, b := range list {
		if bytes.Equal(b, body) {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
