package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/solpos/service/config"
	"github.com/brojonat/solpos/service/db"
	"github.com/brojonat/solpos/service/dynamo"
)

// cacheBackend is the schema and retention surface shared by the persisted
// payment cache backends.
type cacheBackend interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// migrate-cache prepares the persisted payment cache (schema for postgres,
// table for dynamo) and purges envelopes older than the configured max age.
// Run it once before rolling out servers against a new cache database.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting payment cache migration")

	// Load configuration
	cfg := config.MustLoad()
	ctx := context.Background()

	var backend cacheBackend
	switch cfg.CacheBackend {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("connected to database")

		store := db.NewStore(pool, nil)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		logger.Info("schema applied")
		backend = store

	case "dynamo":
		client, err := dynamo.NewClient(ctx, cfg.DynamoEndpoint)
		if err != nil {
			logger.Error("failed to create dynamodb client", "error", err)
			os.Exit(1)
		}
		store := dynamo.NewStore(dynamo.WithClient(client), dynamo.WithTableName(cfg.DynamoTable))
		if err := store.CreateTable(ctx); err != nil {
			logger.Error("failed to create table", "table", cfg.DynamoTable, "error", err)
			os.Exit(1)
		}
		logger.Info("table ready", "table", cfg.DynamoTable)
		backend = store

	default:
		logger.Info("nothing to migrate for cache backend", "backend", cfg.CacheBackend)
		return
	}

	cutoff := time.Now().Add(-cfg.History.MaxAge)
	n, err := backend.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		logger.Error("failed to purge expired envelopes", "error", err)
		os.Exit(1)
	}

	logger.Info("migration complete",
		"backend", cfg.CacheBackend,
		"purged", n,
		"cutoff", cutoff.Format(time.RFC3339),
	)
}
