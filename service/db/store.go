// Package db is the Postgres backend of the persisted payment cache.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/solpos/service/history"
	"github.com/brojonat/solpos/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const backend = "postgres"

// Schema creates the cache table. Envelopes are stored whole as JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS payment_cache (
    cache_key  TEXT PRIMARY KEY,
    envelope   JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS payment_cache_updated_at_idx ON payment_cache (updated_at);
`

// Store implements history.Store on a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate payment_cache: %w", err)
	}
	return nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordStoreQuery(backend, op, time.Since(start).Seconds(), err)
	}
}

// Load returns the envelope stored under key, or history.ErrCacheMiss.
func (s *Store) Load(ctx context.Context, key string) (env *history.Envelope, err error) {
	start := time.Now()
	defer func() { s.observe("load", start, err) }()

	var raw []byte
	err = s.pool.QueryRow(ctx,
		`SELECT envelope FROM payment_cache WHERE cache_key = $1`, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, history.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	env = &history.Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope %s: %w", key, err)
	}
	return env, nil
}

// Save upserts the envelope under key.
func (s *Store) Save(ctx context.Context, key string, env *history.Envelope) (err error) {
	start := time.Now()
	defer func() { s.observe("save", start, err) }()

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payment_cache (cache_key, envelope, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (cache_key) DO UPDATE
		SET envelope = EXCLUDED.envelope, updated_at = EXCLUDED.updated_at`,
		key, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()

	if _, err = s.pool.Exec(ctx, `DELETE FROM payment_cache WHERE cache_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeleteOlderThan removes envelopes not written since before and returns
// how many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { s.observe("delete_older_than", start, err) }()

	tag, err := s.pool.Exec(ctx, `DELETE FROM payment_cache WHERE updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale envelopes: %w", err)
	}
	return tag.RowsAffected(), nil
}
