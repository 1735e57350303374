package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nbakker/envpulse/internal/auth"
	"github.com/nbakker/envpulse/internal/models"
	"github.com/nbakker/envpulse/internal/observability"
	"github.com/nbakker/envpulse/internal/queue"
)

// ErrMissingID is returned when a delete is requested without a record id.
var ErrMissingID = errors.New("missing record id")

// Producer accepts symptom submissions and enqueues them for asynchronous
// persistence. Success means accepted-for-processing, not durably persisted:
// a caller must not expect read-after-write consistency against Access.
type Producer struct {
	queue  queue.Queue
	logger *zap.Logger
}

// NewProducer returns a Producer writing to q.
func NewProducer(q queue.Queue, logger *zap.Logger) *Producer {
	return &Producer{queue: q, logger: logger}
}

// Submit stamps identity and creation time onto the caller-supplied fields
// and enqueues the record. The generated id is unique per record, so queue
// redelivery collapses into one row downstream. Reserved keys in fields are
// overwritten by the stamp, never trusted. Returns the generated id.
func (p *Producer) Submit(ctx context.Context, owner string, fields map[string]interface{}) (string, error) {
	if owner == "" {
		return "", auth.ErrNoIdentity
	}

	msg := models.SymptomLog{
		UserID:    owner,
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Fields:    fields,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	if err := p.queue.Send(ctx, body); err != nil {
		if p.logger != nil {
			p.logger.Error("enqueue failed", zap.String("owner", owner), zap.Error(err))
		}
		return "", err
	}

	observability.SymptomsEnqueuedTotal.Inc()
	if p.logger != nil {
		p.logger.Debug("symptom queued", zap.String("owner", owner), zap.String("id", msg.ID))
	}
	return msg.ID, nil
}
