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
	"github.com/brojonat/solpos/service/feepayer"
	"github.com/brojonat/solpos/service/history"
	"github.com/brojonat/solpos/service/metrics"
	natspkg "github.com/brojonat/solpos/service/nats"
	"github.com/brojonat/solpos/service/program"
	"github.com/brojonat/solpos/service/server"
	solanasvc "github.com/brojonat/solpos/service/solana"
	"github.com/brojonat/solpos/service/temporal"
	"github.com/brojonat/solpos/service/txbuilder"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
)

// janitorInterval is how often expired envelopes are purged from the
// persisted cache.
const janitorInterval = time.Hour

// expirer is implemented by the persisted cache backends.
type expirer interface {
	history.Store
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"cache_backend", cfg.CacheBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(prometheus.DefaultRegisterer)

	prog, err := program.Parse(cfg.ProgramID)
	if err != nil {
		logger.Error("invalid program id", "error", err)
		os.Exit(1)
	}

	tokens, err := solanasvc.NewTokenRegistryFromConfig(cfg)
	if err != nil {
		logger.Error("invalid token configuration", "error", err)
		os.Exit(1)
	}

	// The fee payer key is optional: without it users always pay their own fees
	var feePayerKey *solana.PrivateKey
	if cfg.FeePayerSecret != "" {
		key, err := feepayer.ParsePrivateKey(cfg.FeePayerSecret)
		if err != nil {
			logger.Error("invalid fee payer key", "error", err)
			os.Exit(1)
		}
		feePayerKey = &key
		logger.Info("fee sponsorship enabled", "fee_payer", key.PublicKey().String())
	} else {
		logger.Warn("FEE_PAYER_SECRET not set, users pay their own fees")
	}

	// Persisted cache tier
	persisted, closeStore, err := openCache(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to open payment cache", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// NATS is optional: without it the stream endpoint reads the watcher directly
	var notifier history.Notifier
	var stream server.PaymentStream
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		notifier = natspkg.Notifier{Publisher: publisher}

		source, err := server.NewJetStreamSource(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create NATS stream source", "error", err)
			os.Exit(1)
		}
		defer source.Close()
		stream = source
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	var persistedStore history.Store
	if persisted != nil {
		persistedStore = persisted
	}
	reconciler := history.NewReconciler(
		tokens,
		history.NewMemoryStore(),
		persistedStore,
		notifier,
		history.OptionsFromConfig(cfg.History),
		metricsCollector,
		logger,
	)
	builder := txbuilder.NewBuilder(prog, tokens, metricsCollector, logger)

	networks := []struct {
		name   string
		rpcURL string
		wsURL  string
	}{
		{config.NetworkMainnet, cfg.SolanaMainnetRPCURL, cfg.SolanaMainnetWSURL},
		{config.NetworkDevnet, cfg.SolanaDevnetRPCURL, cfg.SolanaDevnetWSURL},
	}
	chains := make(map[string]server.Chain, len(networks))
	sponsors := make(map[string]*feepayer.Sponsor, len(networks))
	wsURLs := make(map[string]string, len(networks))
	for _, n := range networks {
		client := solanasvc.NewClient(solanasvc.NewRPCClient(n.rpcURL), n.name, metricsCollector, logger)
		sponsor := feepayer.NewSponsor(feePayerKey, cfg.FeePayerMinBalance, client, n.name, metricsCollector, logger)

		builder.AddNetwork(n.name, client, sponsor)
		reconciler.AddNetwork(n.name, client)
		chains[n.name] = client
		sponsors[n.name] = sponsor
		wsURLs[n.name] = n.wsURL
		logger.Info("initialized solana network", "network", n.name)
	}

	watcher := history.NewWatcher(reconciler, history.NewWSSubscriber(wsURLs), metricsCollector, logger)

	// Temporal is optional: without it history syncs only on demand
	var scheduler temporal.Scheduler
	if cfg.TemporalHost != "" {
		temporalClient, err := temporal.NewClient(
			cfg.TemporalHost,
			cfg.TemporalNamespace,
			cfg.TemporalTaskQueue,
			logger,
		)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		scheduler = temporalClient
		logger.Info("connected to temporal",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
		)
	}

	if persisted != nil {
		go runJanitor(ctx, persisted, cfg.History.MaxAge, logger)
	}

	srv := server.New(cfg, server.Deps{
		Program:   prog,
		Builder:   builder,
		History:   reconciler,
		Chains:    chains,
		Sponsors:  sponsors,
		Watcher:   watcher,
		Stream:    stream,
		Scheduler: scheduler,
		Metrics:   metricsCollector,
	}, logger)
	if err := srv.WithTemplates(); err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
		logger.Info("shutdown complete")
	}
}

// openCache connects the configured persisted cache backend. It returns a nil
// store for the memory backend.
func openCache(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (expirer, func(), error) {
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
		logger.Info("connected to postgres payment cache")
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
		logger.Info("connected to dynamodb payment cache", "table", cfg.DynamoTable)
		return store, func() {}, nil
	case "memory", "":
		logger.Info("using in-memory payment cache only")
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// runJanitor purges envelopes older than maxAge until ctx is done.
func runJanitor(ctx context.Context, store expirer, maxAge time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteOlderThan(ctx, time.Now().Add(-maxAge))
			if err != nil {
				logger.ErrorContext(ctx, "failed to purge expired payment cache entries", "error", err)
				continue
			}
			if n > 0 {
				logger.InfoContext(ctx, "purged expired payment cache entries", "count", n)
			}
		}
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
