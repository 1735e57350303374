package ingest

import (
	"context"

	"github.com/nbakker/envpulse/internal/auth"
	"github.com/nbakker/envpulse/internal/models"
	"github.com/nbakker/envpulse/internal/store"
)

// Access serves reads and deletes over persisted symptom records, scoped
// strictly per owner. Every persisted record arrived via the queue; Access
// never writes.
type Access struct {
	store store.LogStore
}

// NewAccess returns an Access over s.
func NewAccess(s store.LogStore) *Access {
	return &Access{store: s}
}

// List returns all records for owner. An empty slice is a valid, non-error
// result for an owner with no records.
func (a *Access) List(ctx context.Context, owner string) ([]models.SymptomLog, error) {
	if owner == "" {
		return nil, auth.ErrNoIdentity
	}
	return a.store.List(ctx, owner)
}

// Remove deletes one record by id. Deleting an id that was never persisted is
// not an error.
func (a *Access) Remove(ctx context.Context, owner, id string) error {
	if owner == "" {
		return auth.ErrNoIdentity
	}
	if id == "" {
		return ErrMissingID
	}
	return a.store.Delete(ctx, owner, id)
}
