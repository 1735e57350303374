package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FailsWhenNoAPIKey(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Unsetenv("OPENWEATHER_API_KEY")
	defer func() {
		if savedKey != "" {
			os.Setenv("OPENWEATHER_API_KEY", savedKey)
		}
	}()

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when no OPENWEATHER_API_KEY and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "OPENWEATHER_API_KEY") {
		t.Errorf("Load() error = %v, want message containing OPENWEATHER_API_KEY", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Unsetenv("OPENWEATHER_API_KEY")
	defer func() {
		if savedKey != "" {
			os.Setenv("OPENWEATHER_API_KEY", savedKey)
		}
	}()

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML)
	writeSecretsFile(t, dir, "openweather_api_key: key-from-secrets-file\n")
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenWeatherAPIKey != "key-from-secrets-file" {
		t.Errorf("OpenWeatherAPIKey = %q, want key from secrets file", cfg.OpenWeatherAPIKey)
	}
}

func TestLoad_EnvVarOverridesSecretsFile(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Setenv("OPENWEATHER_API_KEY", "key-from-env")
	defer restoreEnv("OPENWEATHER_API_KEY", savedKey)

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML)
	writeSecretsFile(t, dir, "openweather_api_key: key-from-secrets-file\n")
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenWeatherAPIKey != "key-from-env" {
		t.Errorf("OpenWeatherAPIKey = %q, want env var to win over secrets file", cfg.OpenWeatherAPIKey)
	}
}

func TestLoad_ConfigFileNotFound(t *testing.T) {
	resetLoadEnv(t)
	os.Setenv("ENV_NAME", "nonexistent")

	origWd, _ := os.Getwd()
	os.Chdir(t.TempDir())
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing config file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Setenv("OPENWEATHER_API_KEY", "test-key")
	defer restoreEnv("OPENWEATHER_API_KEY", savedKey)

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeConfigFile(t, dir, "not valid: yaml: [[[")
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Setenv("OPENWEATHER_API_KEY", "test-key")
	defer restoreEnv("OPENWEATHER_API_KEY", savedKey)

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML)
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Errorf("CacheTTL = %v, want 24h default", cfg.CacheTTL)
	}
	if cfg.CacheBackend != "in_memory" {
		t.Errorf("CacheBackend = %q, want in_memory default", cfg.CacheBackend)
	}
	if cfg.PipelineBackend != "memory" {
		t.Errorf("PipelineBackend = %q, want memory default", cfg.PipelineBackend)
	}
	if cfg.QueueName != "symptoms" {
		t.Errorf("QueueName = %q, want symptoms default", cfg.QueueName)
	}
	if cfg.StorePrefix != "symptoms" {
		t.Errorf("StorePrefix = %q, want symptoms default", cfg.StorePrefix)
	}
	if cfg.ConsumerBatchSize != 10 {
		t.Errorf("ConsumerBatchSize = %d, want 10 default", cfg.ConsumerBatchSize)
	}
	if cfg.ConsumerConcurrency != 2 {
		t.Errorf("ConsumerConcurrency = %d, want 2 default", cfg.ConsumerConcurrency)
	}
	if cfg.ConsumerPollInterval != 250*time.Millisecond {
		t.Errorf("ConsumerPollInterval = %v, want 250ms default", cfg.ConsumerPollInterval)
	}
	if cfg.CityMaxLength != 100 {
		t.Errorf("CityMaxLength = %d, want 100 default", cfg.CityMaxLength)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3 default", cfg.RetryAttempts)
	}
	if !cfg.CoalesceEnabled {
		t.Error("CoalesceEnabled = false, want true by default")
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s default", cfg.ShutdownTimeout)
	}
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Setenv("OPENWEATHER_API_KEY", "test-key")
	defer restoreEnv("OPENWEATHER_API_KEY", savedKey)

	fullYAML := `
server:
  port: "8080"
upstream:
  openweather_url: "https://api.example.com"
  openmeteo_url: "https://meteo.example.com"
  timeout: "2s"
request:
  timeout: "5s"
cache:
  backend: "memcached"
  ttl: "12h"
  memcached:
    addrs: "cache1:11211,cache2:11211"
    timeout: "750ms"
    max_idle_conns: 8
pipeline:
  backend: "redis"
  redis_url: "redis://queue-host:6379/1"
  queue_name: "telemetry"
  store_prefix: "tele"
  batch_size: 25
  concurrency: 4
  poll_interval: "500ms"
reliability:
  retry_max_attempts: 5
  retry_base_delay: "200ms"
  retry_max_delay: "4s"
  rate_limit_rps: 50
  rate_limit_burst: 100
  coalesce_enabled: false
  coalesce_timeout: "3s"
  circuit_breaker:
    enabled: true
    failure_threshold: 7
    success_threshold: 3
    timeout: "45s"
metrics:
  tracked_cities:
    - "london"
    - "tokyo"
warming:
  enabled: true
  interval: "30m"
`
	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeConfigFile(t, dir, fullYAML)
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheBackend != "memcached" {
		t.Errorf("CacheBackend = %q, want memcached", cfg.CacheBackend)
	}
	if cfg.CacheTTL != 12*time.Hour {
		t.Errorf("CacheTTL = %v, want 12h", cfg.CacheTTL)
	}
	if cfg.MemcachedAddrs != "cache1:11211,cache2:11211" {
		t.Errorf("MemcachedAddrs = %q", cfg.MemcachedAddrs)
	}
	if cfg.MemcachedMaxIdleConns != 8 {
		t.Errorf("MemcachedMaxIdleConns = %d, want 8", cfg.MemcachedMaxIdleConns)
	}
	if cfg.PipelineBackend != "redis" {
		t.Errorf("PipelineBackend = %q, want redis", cfg.PipelineBackend)
	}
	if cfg.RedisURL != "redis://queue-host:6379/1" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.QueueName != "telemetry" {
		t.Errorf("QueueName = %q, want telemetry", cfg.QueueName)
	}
	if cfg.ConsumerBatchSize != 25 {
		t.Errorf("ConsumerBatchSize = %d, want 25", cfg.ConsumerBatchSize)
	}
	if cfg.ConsumerPollInterval != 500*time.Millisecond {
		t.Errorf("ConsumerPollInterval = %v, want 500ms", cfg.ConsumerPollInterval)
	}
	if cfg.RetryAttempts != 5 {
		t.Errorf("RetryAttempts = %d, want 5", cfg.RetryAttempts)
	}
	if cfg.CoalesceEnabled {
		t.Error("CoalesceEnabled = true, want explicit false to be honored")
	}
	if cfg.CoalesceTimeout != 3*time.Second {
		t.Errorf("CoalesceTimeout = %v, want 3s", cfg.CoalesceTimeout)
	}
	if !cfg.CircuitBreakerEnabled {
		t.Error("CircuitBreakerEnabled = false, want true")
	}
	if cfg.CircuitBreakerFailureThreshold != 7 {
		t.Errorf("CircuitBreakerFailureThreshold = %d, want 7", cfg.CircuitBreakerFailureThreshold)
	}
	if len(cfg.TrackedCities) != 2 || cfg.TrackedCities[0] != "london" {
		t.Errorf("TrackedCities = %v, want [london tokyo]", cfg.TrackedCities)
	}
	if !cfg.WarmCache {
		t.Error("WarmCache = false, want true")
	}
	if cfg.WarmInterval != 30*time.Minute {
		t.Errorf("WarmInterval = %v, want 30m", cfg.WarmInterval)
	}
}

func TestLoad_RequestTimeoutAutoAdjusted(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Setenv("OPENWEATHER_API_KEY", "test-key")
	defer restoreEnv("OPENWEATHER_API_KEY", savedKey)

	// request timeout shorter than the upstream timeout would guarantee
	// in-flight upstream calls get cut off; Load bumps it instead.
	shortYAML := `
server:
  port: "8080"
upstream:
  openweather_url: "https://api.example.com"
  openmeteo_url: "https://meteo.example.com"
  timeout: "5s"
request:
  timeout: "1s"
`
	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeConfigFile(t, dir, shortYAML)
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestTimeout != 6*time.Second {
		t.Errorf("RequestTimeout = %v, want upstream timeout + 1s", cfg.RequestTimeout)
	}
}

func TestLoad_InvalidCacheBackend(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Setenv("OPENWEATHER_API_KEY", "test-key")
	defer restoreEnv("OPENWEATHER_API_KEY", savedKey)

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML+"\ncache:\n  backend: \"redis\"\n")
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid cache backend, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "cache.backend") {
		t.Errorf("Load() error = %v, want message about cache.backend", err)
	}
}

func TestLoad_InvalidPipelineBackend(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Setenv("OPENWEATHER_API_KEY", "test-key")
	defer restoreEnv("OPENWEATHER_API_KEY", savedKey)

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML+"\npipeline:\n  backend: \"kafka\"\n")
	os.Chdir(dir)
	defer os.Chdir(origWd)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid pipeline backend, got nil")
	}
	if !strings.Contains(err.Error(), "pipeline.backend") {
		t.Errorf("Load() error = %v, want message about pipeline.backend", err)
	}
}

func TestLoad_EnvOverridesBackends(t *testing.T) {
	resetLoadEnv(t)
	savedKey := os.Getenv("OPENWEATHER_API_KEY")
	os.Setenv("OPENWEATHER_API_KEY", "test-key")
	defer restoreEnv("OPENWEATHER_API_KEY", savedKey)

	os.Setenv("CACHE_BACKEND", "MEMCACHED")
	os.Setenv("MEMCACHED_ADDRS", "override:11211")
	os.Setenv("PIPELINE_BACKEND", "redis")
	os.Setenv("REDIS_URL", "redis://override:6379/0")

	origWd, _ := os.Getwd()
	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML+"\ncache:\n  backend: \"in_memory\"\npipeline:\n  backend: \"memory\"\n")
	os.Chdir(dir)
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheBackend != "memcached" {
		t.Errorf("CacheBackend = %q, want env override (lowercased) to win", cfg.CacheBackend)
	}
	if cfg.MemcachedAddrs != "override:11211" {
		t.Errorf("MemcachedAddrs = %q, want env override to win", cfg.MemcachedAddrs)
	}
	if cfg.PipelineBackend != "redis" {
		t.Errorf("PipelineBackend = %q, want env override to win", cfg.PipelineBackend)
	}
	if cfg.RedisURL != "redis://override:6379/0" {
		t.Errorf("RedisURL = %q, want env override to win", cfg.RedisURL)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultVal time.Duration
		want       time.Duration
	}{
		{"valid", "5s", time.Second, 5 * time.Second},
		{"empty falls back", "", time.Second, time.Second},
		{"garbage falls back", "not-a-duration", time.Second, time.Second},
		{"negative falls back", "-5s", time.Second, time.Second},
		{"zero falls back", "0s", time.Second, time.Second},
		{"whitespace trimmed", "  250ms  ", time.Second, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseDuration(tt.input, tt.defaultVal); got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseDurationOrZero_KeepsZero(t *testing.T) {
	if got := parseDurationOrZero("0s", time.Minute); got != 0 {
		t.Errorf("parseDurationOrZero(0s) = %v, want 0", got)
	}
}

const minimalYAML = `
server:
  port: "8080"
upstream:
  openweather_url: "https://api.example.com"
  openmeteo_url: "https://meteo.example.com"
  timeout: "2s"
request:
  timeout: "5s"
reliability:
  rate_limit_rps: 5
  rate_limit_burst: 10
`

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

func restoreEnv(key, saved string) {
	if saved != "" {
		os.Setenv(key, saved)
	} else {
		os.Unsetenv(key)
	}
}

// resetLoadEnv blanks the env vars Load consults so tests see only what they
// set themselves. t.Setenv restores the originals on cleanup.
func resetLoadEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ENV_NAME", "CACHE_BACKEND", "MEMCACHED_ADDRS", "PIPELINE_BACKEND", "REDIS_URL"} {
		t.Setenv(k, "")
	}
}
