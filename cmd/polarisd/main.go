package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/polaris-platform/polaris-core/internal/api"
	"github.com/polaris-platform/polaris-core/internal/notify"
	"github.com/polaris-platform/polaris-core/internal/region"
	"github.com/polaris-platform/polaris-core/internal/store"
	"github.com/polaris-platform/polaris-core/pkg/config"
	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/health"
	"github.com/polaris-platform/polaris-core/pkg/logging"
	"github.com/polaris-platform/polaris-core/pkg/metrics"
	"github.com/polaris-platform/polaris-core/pkg/resilience"
	"github.com/polaris-platform/polaris-core/pkg/tracing"
)

var version = "dev"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "polaris",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	// The event bus carries every reliability event; metrics and alerting
	// subscribe to it rather than being called by components directly.
	bus := events.NewBus(logger)

	m := metrics.NewMetrics(metrics.DefaultConfig())
	m.Observe(bus)

	// Initialize tracing
	tracingConfig := tracing.DefaultConfig()
	tracingConfig.ServiceVersion = version
	if endpoint := os.Getenv("JAEGER_ENDPOINT"); endpoint != "" {
		tracingConfig.JaegerEndpoint = endpoint
	}
	if enabled, err := strconv.ParseBool(os.Getenv("TRACING_ENABLED")); err == nil {
		tracingConfig.Enabled = enabled
	}
	tracer, err := tracing.NewTracingService(tracingConfig)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize the persistence backend
	st, err := store.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	// Backends may still be coming up at boot, so the startup probe retries
	// with the configured backoff before giving up.
	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxRetries:         cfg.Retry.MaxRetries,
		Strategy:           resilience.BackoffStrategy(cfg.Retry.Strategy),
		BaseDelay:          cfg.Retry.BaseDelay,
		MaxDelay:           cfg.Retry.MaxDelay,
		JitterFactor:       cfg.Retry.JitterFactor,
		BudgetPerMinute:    cfg.Retry.BudgetPerMinute,
		NonRetryableErrors: cfg.Retry.NonRetryableErrors,
		RetryableErrors:    cfg.Retry.RetryableErrors,
	}, bus, logger)

	if hc, ok := st.(store.HealthChecker); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := retrier.Do(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, hc.Health(ctx)
		})
		cancel()
		if err != nil {
			log.Fatalf("Store health check failed: %v", err)
		}
		logger.Info("Store connection established", "backend", cfg.Storage.Backend)
	}

	// Region health probing
	checker := health.NewChecker(health.CheckerConfig{
		Interval:           cfg.Health.Interval,
		ProbeTimeout:       cfg.Health.ProbeTimeout,
		Path:               cfg.Health.Path,
		ExpectedStatus:     cfg.Health.ExpectedStatus,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		HealthyThreshold:   cfg.Health.HealthyThreshold,
	}, bus, logger)

	// Alerting with optional Slack delivery
	alerts := health.NewAlertManager(logger)
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		alerts.AddHandler(notify.NewSlackHandler(webhook, os.Getenv("SLACK_CHANNEL"), nil))
		logger.Info("Slack alerting enabled")
	}

	// Service-level health aggregation
	aggregator := health.NewAggregator(health.AggregatorConfig{
		DefaultTimeout: cfg.Health.ProbeTimeout,
		StaleThreshold: cfg.Health.StaleThreshold,
		Interval:       cfg.Health.Interval,
	}, alerts, bus, logger)

	mustRegister := func(sc health.ServiceConfig) {
		if err := aggregator.RegisterService(sc); err != nil {
			log.Fatalf("Failed to register health probe %s: %v", sc.ID, err)
		}
	}
	mustRegister(health.ServiceConfig{
		ID:       "store",
		Critical: true,
		Probe: func(ctx context.Context) (health.Status, string, error) {
			if hc, ok := st.(store.HealthChecker); ok {
				if err := hc.Health(ctx); err != nil {
					return health.StatusUnhealthy, "", err
				}
			}
			return health.StatusHealthy, "", nil
		},
	})
	mustRegister(health.ServiceConfig{
		ID:           "api",
		Dependencies: []string{"store"},
		Probe: func(ctx context.Context) (health.Status, string, error) {
			return health.StatusHealthy, "", nil
		},
	})

	// Multi-region coordination
	manager := region.NewManager(region.Config{
		RoutingStrategy:   region.RoutingStrategy(cfg.Region.RoutingStrategy),
		SyncInterval:      cfg.Region.SyncInterval,
		BatchSize:         cfg.Region.BatchSize,
		LagCritical:       cfg.Region.LagCritical,
		FailoverThreshold: cfg.Region.FailoverThreshold,
		AutoFailover:      cfg.Region.AutoFailover,
		RollbackOnFailure: cfg.Region.RollbackOnFailure,
		MaxFailoverEvents: cfg.Region.MaxFailoverEvents,
	}, st, nil, checker, bus, logger)

	// Shared circuit breakers for outbound dependencies
	registry := resilience.NewRegistry(resilience.CircuitBreakerConfig{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		SuccessThreshold:         cfg.Breaker.SuccessThreshold,
		Timeout:                  cfg.Breaker.Timeout,
		HalfOpenMaxCalls:         cfg.Breaker.HalfOpenMaxCalls,
		VolumeThreshold:          cfg.Breaker.VolumeThreshold,
		ErrorPercentageThreshold: cfg.Breaker.ErrorPercentageThreshold,
		RollingWindow:            cfg.Breaker.RollingWindow,
	}, bus, logger)

	// Background loops
	runCtx, stopLoops := context.WithCancel(context.Background())
	manager.Start(runCtx)
	aggregator.Start(runCtx)

	handlers := api.NewHandlers(manager, aggregator, registry, tracer)
	router := api.NewRouter(api.RouterDeps{
		Config:   cfg,
		Handlers: handlers,
		Metrics:  m,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	stopLoops()
	manager.Stop()
	aggregator.Stop()

	if err := tracer.Shutdown(ctx); err != nil {
		logger.Error("Tracer shutdown failed", "error", err)
	}
	if closer, ok := st.(store.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Store close failed", "error", err)
		}
	}

	logger.Info("Server exited")
}
