package ingest

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/nbakker/envpulse/internal/lifecycle"
	"github.com/nbakker/envpulse/internal/models"
	"github.com/nbakker/envpulse/internal/observability"
	"github.com/nbakker/envpulse/internal/queue"
	"github.com/nbakker/envpulse/internal/store"
)

// Consumer drains queued symptom messages and persists them durably. Multiple
// consumers may run concurrently; persistence is an idempotent overwrite per
// (owner, id), so duplicate delivery and races are safe. Redelivery via the
// queue is the only retry mechanism, there is no consumer-level backoff.
type Consumer struct {
	queue        queue.Queue
	store        store.LogStore
	batchSize    int
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewConsumer returns a Consumer reading batches of up to batchSize from q
// every pollInterval and writing to s.
func NewConsumer(q queue.Queue, s store.LogStore, batchSize int, pollInterval time.Duration, logger *zap.Logger) *Consumer {
	if batchSize <= 0 {
		batchSize = 10
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Consumer{
		queue:        q,
		store:        s,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run polls the queue until ctx is cancelled. Messages a previous consumer
// left in flight are recovered first when the backend supports it.
func (c *Consumer) Run(ctx context.Context) error {
	if r, ok := c.queue.(queue.Recoverer); ok {
		n, err := r.Recover(ctx)
		if err != nil {
			c.logger.Warn("queue recovery failed", zap.Error(err))
		} else if n > 0 {
			c.logger.Info("recovered in-flight messages", zap.Int("count", n))
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if lifecycle.IsShuttingDown() {
				return nil
			}
			if err := c.DrainOnce(ctx); err != nil {
				c.logger.Warn("queue receive failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce receives and processes one batch. Exposed separately so tests and
// the dev loop can step the consumer deterministically.
func (c *Consumer) DrainOnce(ctx context.Context) error {
	msgs, err := c.queue.Receive(ctx, c.batchSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	start := time.Now()
	for _, msg := range msgs {
		c.process(ctx, msg)
	}
	observability.ConsumerBatchDurationSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// process handles one message: persist and ack, drop poison, or return the
// message for redelivery on store failure.
func (c *Consumer) process(ctx context.Context, msg queue.Message) {
	var log models.SymptomLog
	if err := json.Unmarshal(msg.Body, &log); err != nil {
		c.dropPoison(ctx, msg, "unparseable body", err)
		return
	}
	if log.UserID == "" || log.ID == "" {
		c.dropPoison(ctx, msg, "missing identity keys", nil)
		return
	}

	if err := c.store.Put(ctx, log); err != nil {
		// Not acked: the queue redelivers after a Nack, which is the sole
		// retry path.
		observability.SymptomsRequeuedTotal.Inc()
		c.logger.Warn("persist failed, message requeued",
			zap.String("owner", log.UserID),
			zap.String("id", log.ID),
			zap.Error(err))
		if err := c.queue.Nack(ctx, msg); err != nil {
			c.logger.Error("nack failed", zap.String("id", log.ID), zap.Error(err))
		}
		return
	}

	observability.SymptomsPersistedTotal.Inc()
	c.logger.Info("saved", zap.String("owner", log.UserID), zap.String("id", log.ID))
	if err := c.queue.Ack(ctx, msg); err != nil {
		// The record is persisted; a failed ack only risks a redundant
		// overwrite on redelivery.
		c.logger.Warn("ack failed", zap.String("id", log.ID), zap.Error(err))
	}
}

// dropPoison acknowledges a message that can never be processed so it leaves
// the retry cycle deliberately.
func (c *Consumer) dropPoison(ctx context.Context, msg queue.Message, reason string, err error) {
	observability.SymptomsPoisonTotal.Inc()
	c.logger.Error("poison message dropped",
		zap.String("reason", reason),
		zap.ByteString("body", msg.Body),
		zap.Error(err))
	if ackErr := c.queue.Ack(ctx, msg); ackErr != nil {
		c.logger.Error("poison ack failed", zap.Error(ackErr))
	}
}
