package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nbakker/envpulse/internal/circuitbreaker"
	"github.com/nbakker/envpulse/internal/models"
	"github.com/nbakker/envpulse/internal/observability"
)

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrCityNotFound    = errors.New("city not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// Location is a geocoded city: coordinates plus the canonical name and country
// reported by the resolver.
type Location struct {
	Name    string
	Country string
	Lat     float64
	Lon     float64
}

// Components holds the pollutant concentrations one provider reports for a
// coordinate pair. Any field the provider omitted is left unavailable.
type Components struct {
	PM25 models.Reading
	PM10 models.Reading
	CO   models.Reading
	NO2  models.Reading
	O3   models.Reading
	SO2  models.Reading
}

// Geocoder resolves a city name to coordinates. The one mandatory upstream
// step; everything downstream is keyed by the resolved coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, city string) (Location, error)
}

// PollutionSource fetches pollutant concentrations for a coordinate pair.
type PollutionSource interface {
	Pollution(ctx context.Context, lat, lon float64) (Components, error)
}

// UVSource fetches the current UV index for a coordinate pair.
type UVSource interface {
	UVIndex(ctx context.Context, lat, lon float64) (models.Reading, error)
}

// AQISource fetches the most recent composite air-quality index for a
// coordinate pair from an independent provider.
type AQISource interface {
	LatestAQI(ctx context.Context, lat, lon float64) (models.Reading, error)
}

// fetcher is the shared retrying HTTP GET used by both provider clients.
// Retries retryable failures (5xx, 429, timeouts) with exponential backoff
// plus jitter and records per-provider metrics.
type fetcher struct {
	provider       string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

func newFetcher(provider string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) fetcher {
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return fetcher{
		provider:       provider,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client:         &http.Client{Timeout: timeout},
	}
}

func (f *fetcher) getJSON(ctx context.Context, u string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < f.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(f.provider).Inc()
			delay := f.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := f.call(ctx, u)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (f *fetcher) call(ctx context.Context, u string) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(f.provider, "error").Inc()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamCallsTotal.WithLabelValues(f.provider, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(f.provider, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(f.provider, status).Inc()
	observability.UpstreamDuration.WithLabelValues(f.provider, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (f *fetcher) calculateBackoff(attempt int) time.Duration {
	delay := float64(f.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(f.retryMaxDelay) {
		delay = float64(f.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "context canceled")
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusNotFound:
		return ErrCityNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}

// OpenWeatherClient talks to the OpenWeather geocoding, air pollution, and UV
// endpoints. Geocode calls optionally run behind a circuit breaker since the
// whole aggregation fails when geocoding is down.
type OpenWeatherClient struct {
	apiKey  string
	baseURL string
	fetcher fetcher
	breaker *circuitbreaker.CircuitBreaker
}

const DefaultOpenWeatherBaseURL = "https://api.openweathermap.org"

// NewOpenWeatherClient validates the key and returns a client for baseURL
// (empty means the public API). Retry parameters apply per call.
func NewOpenWeatherClient(apiKey, baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if baseURL == "" {
		baseURL = DefaultOpenWeatherBaseURL
	}

	return &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: newFetcher("openweather", timeout, retryAttempts, retryBaseDelay, retryMaxDelay),
	}, nil
}

// SetCircuitBreaker wraps subsequent Geocode calls in cb.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type geocodeEntry struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Geocode resolves a city to coordinates. An empty result array from the
// provider means the city does not exist and maps to ErrCityNotFound.
func (c *OpenWeatherClient) Geocode(ctx context.Context, city string) (Location, error) {
	var loc Location
	do := func() error {
		params := url.Values{}
		params.Set("q", city)
		params.Set("limit", "1")
		params.Set("appid", c.apiKey)

		body, err := c.fetcher.getJSON(ctx, c.baseURL+"/geo/1.0/direct?"+params.Encode())
		if err != nil {
			return err
		}

		var entries []geocodeEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return fmt.Errorf("parse geocode response: %w", err)
		}
		if len(entries) == 0 {
			return ErrCityNotFound
		}

		loc = Location{
			Name:    entries[0].Name,
			Country: entries[0].Country,
			Lat:     entries[0].Lat,
			Lon:     entries[0].Lon,
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(do)
	} else {
		err = do()
	}
	return loc, err
}

// Pollution fetches pollutant concentrations for the coordinates. Fields the
// provider omitted stay unavailable; the shape of the payload is not trusted.
func (c *OpenWeatherClient) Pollution(ctx context.Context, lat, lon float64) (Components, error) {
	body, err := c.fetcher.getJSON(ctx, c.coordURL("/data/2.5/air_pollution", lat, lon))
	if err != nil {
		return Components{}, err
	}

	comps := gjson.GetBytes(body, "list.0.components")
	return Components{
		PM25: readingFrom(comps.Get("pm2_5")),
		PM10: readingFrom(comps.Get("pm10")),
		CO:   readingFrom(comps.Get("co")),
		NO2:  readingFrom(comps.Get("no2")),
		O3:   readingFrom(comps.Get("o3")),
		SO2:  readingFrom(comps.Get("so2")),
	}, nil
}

// UVIndex fetches the current UV index for the coordinates.
func (c *OpenWeatherClient) UVIndex(ctx context.Context, lat, lon float64) (models.Reading, error) {
	body, err := c.fetcher.getJSON(ctx, c.coordURL("/data/2.5/uvi", lat, lon))
	if err != nil {
		return models.Reading{}, err
	}
	return readingFrom(gjson.GetBytes(body, "value")), nil
}

// Ping checks upstream reachability by resolving a fixed city. Used by /health.
func (c *OpenWeatherClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.Geocode(ctx, "London")
	return err
}

func (c *OpenWeatherClient) coordURL(path string, lat, lon float64) string {
	params := url.Values{}
	params.Set("lat", fmt.Sprintf("%g", lat))
	params.Set("lon", fmt.Sprintf("%g", lon))
	params.Set("appid", c.apiKey)
	return c.baseURL + path + "?" + params.Encode()
}

// OpenMeteoClient talks to the Open-Meteo air-quality API. No key required.
type OpenMeteoClient struct {
	baseURL string
	fetcher fetcher
}

const DefaultOpenMeteoBaseURL = "https://air-quality-api.open-meteo.com"

// NewOpenMeteoClient returns a client for baseURL (empty means the public API).
func NewOpenMeteoClient(baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) *OpenMeteoClient {
	if baseURL == "" {
		baseURL = DefaultOpenMeteoBaseURL
	}
	return &OpenMeteoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: newFetcher("openmeteo", timeout, retryAttempts, retryBaseDelay, retryMaxDelay),
	}
}

// LatestAQI fetches the hourly US AQI series and returns the most recent
// value. The series arrives oldest-first, so the last element wins.
func (c *OpenMeteoClient) LatestAQI(ctx context.Context, lat, lon float64) (models.Reading, error) {
	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%g", lat))
	params.Set("longitude", fmt.Sprintf("%g", lon))
	params.Set("hourly", "us_aqi")

	body, err := c.fetcher.getJSON(ctx, c.baseURL+"/v1/air-quality?"+params.Encode())
	if err != nil {
		return models.Reading{}, err
	}

	series := gjson.GetBytes(body, "hourly.us_aqi").Array()
	for i := len(series) - 1; i >= 0; i-- {
		if r := readingFrom(series[i]); r.OK {
			return r, nil
		}
	}
	return models.Reading{}, nil
}

func readingFrom(res gjson.Result) models.Reading {
	if !res.Exists() || res.Type == gjson.Null {
		return models.Reading{}
	}
	return models.Avail(res.Float())
}
