// Package postgres holds idempotent schema migrations for the ETL
// pipeline's five tables, grounded on the CREATE TABLE IF NOT EXISTS
// style used to bootstrap cryptorun's own Postgres-backed repos.
package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Migrate creates every table and index the pipeline needs if they do
// not already exist. Safe to call on every process start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS raw_crypto_data (
			id SERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			name TEXT,
			price_usd DOUBLE PRECISION,
			volume_24h DOUBLE PRECISION,
			market_cap DOUBLE PRECISION,
			percent_change_24h DOUBLE PRECISION,
			timestamp TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL,
			raw_data JSONB,
			run_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS raw_crypto_data_natural_key
			ON raw_crypto_data (symbol, timestamp, source)`,

		`CREATE TABLE IF NOT EXISTS normalized_crypto_data (
			id SERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			name TEXT,
			price_usd DOUBLE PRECISION,
			volume_24h DOUBLE PRECISION,
			market_cap DOUBLE PRECISION,
			percent_change_24h DOUBLE PRECISION,
			timestamp TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS normalized_crypto_data_natural_key
			ON normalized_crypto_data (symbol, timestamp, source)`,
		`CREATE INDEX IF NOT EXISTS normalized_crypto_data_timestamp_idx
			ON normalized_crypto_data (timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS normalized_crypto_data_source_idx
			ON normalized_crypto_data (source)`,

		`CREATE TABLE IF NOT EXISTS etl_runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			rows_processed INTEGER NOT NULL DEFAULT 0,
			failed_batches JSONB NOT NULL DEFAULT '[]',
			resume_info JSONB NOT NULL DEFAULT '{}',
			applied_mappings JSONB NOT NULL DEFAULT '[]',
			quarantined_mappings JSONB NOT NULL DEFAULT '[]',
			skipped_mappings JSONB NOT NULL DEFAULT '[]',
			source_stats JSONB NOT NULL DEFAULT '{}',
			schema_version JSONB NOT NULL DEFAULT '{}',
			throttle_events BIGINT NOT NULL DEFAULT 0,
			total_latency_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS etl_runs_end_time_idx ON etl_runs (end_time DESC)`,

		`CREATE TABLE IF NOT EXISTS etl_checkpoints (
			source TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			last_processed_index INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS etl_checkpoints_run_id_idx ON etl_checkpoints (run_id)`,

		`CREATE TABLE IF NOT EXISTS etl_summaries (
			run_id TEXT PRIMARY KEY REFERENCES etl_runs (run_id),
			new_records INTEGER NOT NULL DEFAULT 0,
			skipped_by_watermark INTEGER NOT NULL DEFAULT 0,
			duplicate_prevented INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}
