package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nbakker/envpulse/internal/cache"
	"github.com/nbakker/envpulse/internal/models"
	"github.com/nbakker/envpulse/internal/observability"
)

// Source values reported alongside a successful lookup.
const (
	SourceCache = "cache"
	SourceLive  = "live"
)

// Merger produces a fresh aggregated report for a city. Implemented by
// aggregate.Aggregator.
type Merger interface {
	Merge(ctx context.Context, city string) (models.EnvReport, error)
}

// EnvironmentService orchestrates environment lookups using the cache-aside
// pattern: check the cache, fall back to a full aggregation on miss, and
// write the result back with a TTL.
type EnvironmentService struct {
	aggregator      Merger
	cache           cache.Cache
	ttl             time.Duration
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // Optional request coalescing (nil if disabled)
}

// NewEnvironmentService creates an EnvironmentService. ttl is the cache
// expiration for aggregated reports. coalesceEnabled and coalesceTimeout
// configure request coalescing (disabled if timeout 0): at most one
// aggregation in flight per key, with waiters proceeding independently once
// the timeout elapses rather than blocking indefinitely.
func NewEnvironmentService(aggregator Merger, cache cache.Cache, ttl time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *EnvironmentService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &EnvironmentService{
		aggregator:      aggregator,
		cache:           cache,
		ttl:             ttl,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetEnvironment retrieves the environment report for city using cache-aside.
// A fresh cache entry is the only path that avoids upstream; on miss the
// aggregation result is written back with the configured TTL before
// returning. A failed write-back is logged but does not fail the read:
// returning live data takes priority over cache durability. The returned
// source is SourceCache or SourceLive.
func (s *EnvironmentService) GetEnvironment(ctx context.Context, city string) (models.EnvReport, string, error) {
	key := normalizeCity(city)
	start := time.Now()
	logger := loggerFromContext(ctx)
	observability.RecordEnvQuery(key)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("environment").Inc()
		if logger != nil {
			logger.Debug("cache hit", zap.String("city", key))
			logger.Debug("environment served", zap.String("city", key), zap.String("source", SourceCache), zap.Duration("duration", time.Since(start)))
		}
		return cached, SourceCache, nil
	}

	concurrentMisses := s.stampedeTracker.RecordMiss(key)
	defer s.stampedeTracker.RecordHit(key)
	cityLabel := observability.MetricCityLabel(key)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(cityLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(cityLabel).Observe(float64(concurrentMisses))
	}

	if logger != nil {
		logger.Debug("cache miss, aggregating upstream", zap.String("city", key))
	}

	// Use coalescer if enabled to prevent concurrent aggregations for same key
	var report models.EnvReport
	var upstreamErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		report, upstreamErr = s.coalescer.GetOrDo(ctx, key, func() (models.EnvReport, error) {
			return s.aggregator.Merge(ctx, key)
		})
		coalesceWait := time.Since(coalesceStart)
		if upstreamErr == nil {
			// Check if we waited (coalesced) vs initiated the request
			// If wait time > 0, we likely coalesced (approximate)
			if coalesceWait > 10*time.Millisecond {
				observability.RequestCoalescingHitsTotal.WithLabelValues(cityLabel).Inc()
			}
			observability.RequestCoalescingWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		report, upstreamErr = s.aggregator.Merge(ctx, key)
	}
	if upstreamErr != nil {
		return models.EnvReport{}, "", fmt.Errorf("aggregate environment for %s: %w", key, upstreamErr)
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, report, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("cache set failed", zap.String("city", key), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	if logger != nil {
		logger.Debug("environment served", zap.String("city", key), zap.String("source", SourceLive), zap.Duration("duration", time.Since(start)))
	}
	return report, SourceLive, nil
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}

// normalizeCity normalizes city strings by trimming whitespace and converting
// to lowercase. Ensures a case-insensitive cache identity regardless of input
// format.
func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
