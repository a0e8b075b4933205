package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/solpos/service/config"
	"github.com/brojonat/solpos/service/db"
	"github.com/brojonat/solpos/service/dynamo"
	"github.com/brojonat/solpos/service/history"
	"github.com/brojonat/solpos/service/metrics"
	natspkg "github.com/brojonat/solpos/service/nats"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/brojonat/solpos/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)
	if cfg.TemporalHost == "" {
		logger.Error("TEMPORAL_HOST is required to run the worker")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Start metrics HTTP server
	metricsAddr := getEnv("METRICS_ADDR", ":9091")
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	tokens, err := solanasvc.NewTokenRegistryFromConfig(cfg)
	if err != nil {
		logger.Error("invalid token configuration", "error", err)
		os.Exit(1)
	}

	// Synced history must land where the API servers read it
	persisted, closeStore, err := openCache(ctx, cfg, metricsCollector)
	if err != nil {
		logger.Error("failed to open payment cache", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	if persisted == nil {
		logger.Warn("memory cache backend: synced history is not shared with API servers")
		persisted = history.NewMemoryStore()
	}

	// NATS is optional: without it new payments are only cached
	var publisher natspkg.Publisher
	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	// The workflow publishes new payments itself, so the reconciler does not notify
	reconciler := history.NewReconciler(
		tokens,
		history.NewMemoryStore(),
		persisted,
		nil,
		history.OptionsFromConfig(cfg.History),
		metricsCollector,
		logger,
	)
	reconciler.AddNetwork(config.NetworkMainnet,
		solanasvc.NewClient(solanasvc.NewRPCClient(cfg.SolanaMainnetRPCURL), config.NetworkMainnet, metricsCollector, logger))
	reconciler.AddNetwork(config.NetworkDevnet,
		solanasvc.NewClient(solanasvc.NewRPCClient(cfg.SolanaDevnetRPCURL), config.NetworkDevnet, metricsCollector, logger))

	// Initialize Temporal worker
	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Refresher:         reconciler,
		Publisher:         publisher,
		Metrics:           metricsCollector,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		if err != nil {
			logger.Error("temporal worker error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		logger.Info("stopping temporal worker")
		worker.Stop()
		logger.Info("shutdown complete")
	}
}

// openCache connects the configured persisted cache backend. It returns a nil
// store for the memory backend.
func openCache(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (history.Store, func(), error) {
	switch cfg.CacheBackend {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := db.NewStore(pool, m)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case "dynamo":
		client, err := dynamo.NewClient(ctx, cfg.DynamoEndpoint)
		if err != nil {
			return nil, nil, err
		}
		store := dynamo.NewStore(
			dynamo.WithClient(client),
			dynamo.WithTableName(cfg.DynamoTable),
			dynamo.WithMetrics(m),
		)
		if err := store.CreateTable(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "memory", "":
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
