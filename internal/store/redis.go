package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nbakker/envpulse/internal/models"
)

// RedisStore implements LogStore on one redis hash per owner: field = record
// id, value = the JSON record. HSET gives the composite-key overwrite, HGETALL
// the per-owner scan, HDEL the idempotent delete.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url and namespaces owner hashes under prefix
// (default "symptoms"). The connection is verified before returning.
func NewRedisStore(url, prefix string) (*RedisStore, error) {
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

	if prefix == "" {
		prefix = "symptoms"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(owner string) string {
	return s.prefix + ":" + owner
}

// Put implements LogStore.Put.
func (s *RedisStore) Put(ctx context.Context, log models.SymptomLog) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.HSet(ctx, s.key(log.UserID), log.ID, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// List implements LogStore.List. Records come back ordered by creation time,
// then id, for a stable response.
func (s *RedisStore) List(ctx context.Context, owner string) ([]models.SymptomLog, error) {
	vals, err := s.client.HVals(ctx, s.key(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	logs := make([]models.SymptomLog, 0, len(vals))
	for _, v := range vals {
		var log models.SymptomLog
		if err := json.Unmarshal([]byte(v), &log); err != nil {
			return nil, fmt.Errorf("parse stored record: %w", err)
		}
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
func (s *RedisStore) Delete(ctx context.Context, owner, id string) error {
	if err := s.client.HDel(ctx, s.key(owner), id).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping checks if redis is reachable. Used for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client. Call during shutdown.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
