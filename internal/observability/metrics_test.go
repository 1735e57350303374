package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across client, http, service, and cache packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses path template to avoid cardinality (e.g. /symptoms/{id} not /symptoms/abc)
	HTTPRequestsTotal.WithLabelValues("GET", "/environment", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/symptoms/{id}").Observe(0.01)
	UpstreamCallsTotal.WithLabelValues("openweather", "success").Inc()
	UpstreamCallsTotal.WithLabelValues("openmeteo", "error").Inc()
	UpstreamDuration.WithLabelValues("openweather", "success").Observe(0.1)
	UpstreamRetriesTotal.WithLabelValues("openweather").Inc()
	CacheHitsTotal.WithLabelValues("environment").Inc()
	EnvQueriesTotal.Inc()
	EnvQueriesByCityTotal.WithLabelValues("london").Inc()
	EnvQueriesByCityTotal.WithLabelValues("other").Inc()
	SymptomsEnqueuedTotal.Inc()
	SymptomsPersistedTotal.Inc()
	SymptomsPoisonTotal.Inc()
	SymptomsRequeuedTotal.Inc()
	ConsumerBatchDurationSeconds.Observe(0.02)
}

// TestSetTrackedCities_and_RecordEnvQuery verifies that SetTrackedCities
// configures the city allow-list and RecordEnvQuery labels tracked vs "other" cities.
func TestSetTrackedCities_and_RecordEnvQuery(t *testing.T) {
	SetTrackedCities([]string{"london", "paris"})
	RecordEnvQuery("London")
	RecordEnvQuery("unknown-city")
	if got := MetricCityLabel("London"); got != "london" {
		t.Errorf("MetricCityLabel(London) = %q, want london", got)
	}
	if got := MetricCityLabel("unknown-city"); got != "other" {
		t.Errorf("MetricCityLabel(unknown-city) = %q, want other", got)
	}
	SetTrackedCities(nil) // reset for other tests
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
