package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS query_jobs (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		class TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		state TEXT NOT NULL DEFAULT 'waiting',
		attempts_made INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 1,
		backoff_type TEXT NOT NULL DEFAULT 'fixed',
		backoff_delay_ms INT NOT NULL DEFAULT 1000,
		run_after TIMESTAMPTZ,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		result JSONB,
		progress JSONB,
		last_error TEXT,
		errors_json JSONB NOT NULL DEFAULT '[]'::jsonb,
		leased_until TIMESTAMPTZ,
		leased_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_jobs_claim
		ON query_jobs (class, enqueued_at, seq)
		WHERE state IN ('waiting', 'delayed')`,
	`CREATE INDEX IF NOT EXISTS idx_query_jobs_lease
		ON query_jobs (leased_until)
		WHERE state = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_query_jobs_state ON query_jobs (state, finished_at)`,
	`CREATE TABLE IF NOT EXISTS tenants (
		tenant_id TEXT PRIMARY KEY,
		api_key_hash TEXT NOT NULL,
		conn_str TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tenants_api_key ON tenants (api_key_hash) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS scheduled_queries (
		name TEXT PRIMARY KEY,
		cron_expr TEXT NOT NULL,
		class TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_run_at TIMESTAMPTZ,
		next_run_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_queries_due
		ON scheduled_queries (next_run_at)
		WHERE enabled`,
}

// Migrate applies the schema. Statements are idempotent, so running it on
// every startup is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
