package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nbakker/envpulse/internal/auth"
	"github.com/nbakker/envpulse/internal/client"
	"github.com/nbakker/envpulse/internal/degraded"
	"github.com/nbakker/envpulse/internal/idle"
	"github.com/nbakker/envpulse/internal/ingest"
	"github.com/nbakker/envpulse/internal/lifecycle"
	"github.com/nbakker/envpulse/internal/models"
	"github.com/nbakker/envpulse/internal/overload"
	"github.com/nbakker/envpulse/internal/service"
	"github.com/nbakker/envpulse/internal/validation"
)

// HealthConfig holds lifecycle thresholds and dependency probes for the
// health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// UpstreamPing, when set, checks the geocode provider's reachability.
	UpstreamPing func(ctx context.Context) error
	// CachePing, when set, checks cache reachability. Used when backend is memcached.
	CachePing func() error
	// StorePing and QueuePing, when set, check the durable store and queue.
	StorePing func(ctx context.Context) error
	QueuePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	envService       *service.EnvironmentService
	producer         *ingest.Producer
	access           *ingest.Access
	identity         auth.Identity
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	cityMaxLength    int
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	envService *service.EnvironmentService,
	producer *ingest.Producer,
	access *ingest.Access,
	identity auth.Identity,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
	cityMaxLength int,
) *Handler {
	return &Handler{
		envService:    envService,
		producer:      producer,
		access:        access,
		identity:      identity,
		healthConfig:  healthConfig,
		logger:        logger,
		rateLimiter:   rateLimiter,
		cityMaxLength: cityMaxLength,
	}
}

// GetEnvironment handles GET /environment?city=X.
func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(r.URL.Query().Get("city"), h.cityMaxLength)
	if err != nil {
		if errors.Is(err, validation.ErrCityEmpty) {
			writeEnvError(w, http.StatusBadRequest, "Missing city name")
			return
		}
		writeEnvError(w, http.StatusBadRequest, err.Error())
		return
	}

	idle.RecordRequest()
	report, source, err := h.envService.GetEnvironment(r.Context(), city)
	if err != nil {
		if errors.Is(err, client.ErrCityNotFound) {
			writeEnvError(w, http.StatusNotFound, "City not found")
			return
		}
		degraded.RecordError()
		if logger := loggerFrom(r); logger != nil {
			logger.Error("environment lookup failed", zap.String("city", city), zap.Error(err))
		}
		writeEnvError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	degraded.RecordSuccess()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    report,
		"source":  source,
	})
}

// PostSymptom handles POST /symptoms. Returns 202: the record is accepted and
// queued, not yet durably persisted.
func (h *Handler) PostSymptom(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}

	idle.RecordRequest()
	id, err := h.producer.Submit(r.Context(), owner, fields)
	if err != nil {
		if logger := loggerFrom(r); logger != nil {
			logger.Error("symptom submit failed", zap.String("owner", owner), zap.Error(err))
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Symptom entry queued",
		"id":      id,
	})
}

// GetSymptoms handles GET /symptoms. Returns the caller's records, possibly
// an empty array.
func (h *Handler) GetSymptoms(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	idle.RecordRequest()
	logs, err := h.access.List(r.Context(), owner)
	if err != nil {
		if logger := loggerFrom(r); logger != nil {
			logger.Error("symptom list failed", zap.String("owner", owner), zap.Error(err))
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	if logs == nil {
		logs = []models.SymptomLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// DeleteSymptom handles DELETE /symptoms/{id}. Deleting an id that was never
// persisted still succeeds.
func (h *Handler) DeleteSymptom(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.resolveOwner(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	idle.RecordRequest()
	if err := h.access.Remove(r.Context(), owner, id); err != nil {
		if errors.Is(err, ingest.ErrMissingID) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing ID for deletion"})
			return
		}
		if logger := loggerFrom(r); logger != nil {
			logger.Error("symptom delete failed", zap.String("owner", owner), zap.String("id", id), zap.Error(err))
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Deleted log " + id})
}

// MethodNotAllowed answers requests for known paths with unsupported methods.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
}

// resolveOwner extracts the caller identity or writes a 401 and returns false.
func (h *Handler) resolveOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, err := h.identity.Resolve(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Missing user identity"})
		return "", false
	}
	return owner, true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.reason == "upstream_unreachable" {
		checks["upstream"] = "unhealthy"
	} else {
		checks["upstream"] = "healthy"
	}
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			checks["cache"] = pingLabel(h.healthConfig.CachePing() == nil)
		}
		if h.healthConfig.StorePing != nil {
			checks["store"] = pingLabel(h.healthConfig.StorePing(r.Context()) == nil)
		}
		if h.healthConfig.QueuePing != nil {
			checks["queue"] = pingLabel(h.healthConfig.QueuePing(r.Context()) == nil)
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "envpulse",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

func pingLabel(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order: shutting-down > upstream unreachable >
// overloaded > idle > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.UpstreamPing != nil {
		if err := h.healthConfig.UpstreamPing(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "upstream_unreachable"}
		}
	}
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if float64(overload.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if idle.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errors, total := degraded.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errors) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeEnvError writes the environment endpoint's error envelope.
func writeEnvError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// loggerFrom extracts the request-scoped logger placed by CorrelationIDMiddleware.
func loggerFrom(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok {
		return logger
	}
	return nil
}
