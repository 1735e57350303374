package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nbakker/envpulse/internal/models"
)

// MemoryStore implements LogStore in process memory. Suitable for dev and
// tests; shared deployments use RedisStore.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]models.SymptomLog // owner -> id -> record
}

// NewMemoryStore creates an empty in-memory log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]models.SymptomLog),
	}
}

// Put implements LogStore.Put.
func (s *MemoryStore) Put(ctx context.Context, log models.SymptomLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := s.data[log.UserID]
	if owner == nil {
		owner = make(map[string]models.SymptomLog)
		s.data[log.UserID] = owner
	}
	owner[log.ID] = log
	return nil
}

// List implements LogStore.List.
func (s *MemoryStore) List(ctx context.Context, owner string) ([]models.SymptomLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := make([]models.SymptomLog, 0, len(s.data[owner]))
	for _, log := range s.data[owner] {
		logs = append(logs, log)
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].CreatedAt != logs[j].CreatedAt {
			return logs[i].CreatedAt < logs[j].CreatedAt
		}
		return logs[i].ID < logs[j].ID
	})
	return logs, nil
}

// Delete implements LogStore.Delete.
func (s *MemoryStore) Delete(ctx context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if records, ok := s.data[owner]; ok {
		delete(records, id)
	}
	return nil
}
