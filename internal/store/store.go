package store

import (
	"context"
	"errors"

	"github.com/nbakker/envpulse/internal/models"
)

// ErrUnavailable wraps transport failures talking to the store backend.
var ErrUnavailable = errors.New("store unavailable")

// LogStore is the durable keyed store for symptom records. Identity is the
// (owner, id) composite: Put is an idempotent overwrite on that key, which is
// what makes queue redelivery safe. List and Delete are scoped strictly to
// one owner; there is no cross-owner access path.
type LogStore interface {
	Put(ctx context.Context, log models.SymptomLog) error
	// List returns all records for owner. Unknown owners yield an empty
	// slice, not an error.
	List(ctx context.Context, owner string) ([]models.SymptomLog, error)
	// Delete removes one record. Deleting an id that was never persisted
	// succeeds.
	Delete(ctx context.Context, owner, id string) error
}
