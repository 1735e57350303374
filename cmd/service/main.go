package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nbakker/envpulse/internal/aggregate"
	"github.com/nbakker/envpulse/internal/auth"
	"github.com/nbakker/envpulse/internal/cache"
	"github.com/nbakker/envpulse/internal/circuitbreaker"
	"github.com/nbakker/envpulse/internal/client"
	"github.com/nbakker/envpulse/internal/config"
	httphandler "github.com/nbakker/envpulse/internal/http"
	"github.com/nbakker/envpulse/internal/ingest"
	"github.com/nbakker/envpulse/internal/lifecycle"
	"github.com/nbakker/envpulse/internal/observability"
	"github.com/nbakker/envpulse/internal/queue"
	"github.com/nbakker/envpulse/internal/service"
	"github.com/nbakker/envpulse/internal/store"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	openWeather, err := client.NewOpenWeatherClient(
		cfg.OpenWeatherAPIKey,
		cfg.OpenWeatherBaseURL,
		cfg.UpstreamTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("openweather client", zap.Error(err))
	}
	openMeteo := client.NewOpenMeteoClient(
		cfg.OpenMeteoBaseURL,
		cfg.UpstreamTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "openweather",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("openweather", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("openweather", float64(to))
			},
		})
		openWeather.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("openweather", 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	var symptomQueue queue.Queue
	var logStore store.LogStore
	var redisQueue *queue.RedisQueue
	var redisStore *store.RedisStore
	switch cfg.PipelineBackend {
	case "redis":
		rq, err := queue.NewRedisQueue(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			logger.Fatal("redis queue", zap.Error(err))
		}
		rs, err := store.NewRedisStore(cfg.RedisURL, cfg.StorePrefix)
		if err != nil {
			logger.Fatal("redis store", zap.Error(err))
		}
		redisQueue, redisStore = rq, rs
		symptomQueue, logStore = rq, rs
		logger.Info("pipeline backend: redis", zap.String("queue", cfg.QueueName))
	default:
		symptomQueue = queue.NewMemoryQueue()
		logStore = store.NewMemoryStore()
		logger.Info("pipeline backend: memory")
	}

	aggregator := aggregate.New(openWeather, openWeather, openWeather, openMeteo, logger)
	envService := service.NewEnvironmentService(aggregator, cacheSvc, cfg.CacheTTL, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	producer := ingest.NewProducer(symptomQueue, logger)
	access := ingest.NewAccess(logStore)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for i := 0; i < cfg.ConsumerConcurrency; i++ {
			i := i
			go func() {
				consumer := ingest.NewConsumer(symptomQueue, logStore, cfg.ConsumerBatchSize, cfg.ConsumerPollInterval, logger.With(zap.Int("worker", i)))
				if err := consumer.Run(consumerCtx); err != nil && err != context.Canceled {
					logger.Error("consumer stopped", zap.Error(err))
				}
			}()
		}
		<-consumerCtx.Done()
	}()

	identity := auth.HeaderIdentity{Header: cfg.IdentityHeader}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
		UpstreamPing:           openWeather.Ping,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	if redisQueue != nil {
		healthConfig.QueuePing = redisQueue.Ping
	}
	if redisStore != nil {
		healthConfig.StorePing = redisStore.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(envService, producer, access, identity, healthConfig, logger, limiter, cfg.CityMaxLength)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	if cfg.WarmCache && len(cfg.TrackedCities) > 0 {
		warmer := cache.NewWarmer(envService, logger)
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.TrackedCities); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(context.Background(), cfg.TrackedCities, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.RecoveryMiddleware(logger))
	router.Use(httphandler.CORSMiddleware)
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	apiRouter := router.PathPrefix("/").Subrouter()
	apiRouter.Use(httphandler.RateLimitMiddleware(limiter))
	apiRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	apiRouter.HandleFunc("/environment", handler.GetEnvironment).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/symptoms", handler.PostSymptom).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/symptoms", handler.GetSymptoms).Methods("GET")
	apiRouter.HandleFunc("/symptoms/{id}", handler.DeleteSymptom).Methods("DELETE", "OPTIONS")
	router.MethodNotAllowedHandler = http.HandlerFunc(httphandler.MethodNotAllowed)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	// Stop consumers, then flush one final batch so submissions accepted
	// during shutdown are not left pending. Anything beyond one batch is
	// recovered on next startup.
	consumerCancel()
	<-consumerDone
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	drainer := ingest.NewConsumer(symptomQueue, logStore, cfg.ConsumerBatchSize, cfg.ConsumerPollInterval, logger)
	if err := drainer.DrainOnce(drainCtx); err != nil {
		logger.Warn("final queue drain failed", zap.Error(err))
	}
	drainCancel()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if redisQueue != nil {
		if err := redisQueue.Close(); err != nil {
			logger.Error("redis queue close", zap.Error(err))
		}
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			logger.Error("redis store close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
