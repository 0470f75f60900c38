// Package sink implements C5, RecordSink: idempotent upsert of a
// UnifiedRecord into both the raw and normalized tables under the
// shared NaturalKey unique index. Grounded on the insert-then-inspect
// pq.Error pattern in persistence/postgres/trades_repo.go.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/cryptoetl/internal/model"
)

// Outcome is the result of one upsert.
type Outcome int

const (
	Inserted Outcome = iota
	MatchedExisting
)

// Sink is the Postgres-backed RecordSink.
type Sink struct {
	db *sqlx.DB
}

// New wraps an existing *sqlx.DB. EnsureIndexes should be called once
// at startup before any Upsert.
func New(db *sqlx.DB) *Sink {
	return &Sink{db: db}
}

// EnsureIndexes creates the unique NaturalKey index on both tables if
// it does not already exist. The sink owns this responsibility rather
// than relying on an external migration having run first.
func (s *Sink) EnsureIndexes(ctx context.Context) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS raw_crypto_data_natural_key
			ON raw_crypto_data (symbol, timestamp, source)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS normalized_crypto_data_natural_key
			ON normalized_crypto_data (symbol, timestamp, source)`,
		`CREATE INDEX IF NOT EXISTS normalized_crypto_data_timestamp_idx
			ON normalized_crypto_data (timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS normalized_crypto_data_source_idx
			ON normalized_crypto_data (source)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}

// Upsert writes record to both the raw and normalized tables within
// one transaction, keyed by NaturalKey. A unique-violation on either
// write is not an error: it is reported as MatchedExisting.
func (s *Sink) Upsert(ctx context.Context, runID string, record model.UnifiedRecord) (Outcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Inserted, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	rawJSON, err := json.Marshal(record.RawData)
	if err != nil {
		return Inserted, fmt.Errorf("marshal raw data: %w", err)
	}

	const rawQuery = `
		INSERT INTO raw_crypto_data
			(symbol, name, price_usd, volume_24h, market_cap, percent_change_24h, timestamp, source, raw_data, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (symbol, timestamp, source) DO UPDATE SET
			name = EXCLUDED.name,
			price_usd = EXCLUDED.price_usd,
			volume_24h = EXCLUDED.volume_24h,
			market_cap = EXCLUDED.market_cap,
			percent_change_24h = EXCLUDED.percent_change_24h,
			raw_data = EXCLUDED.raw_data,
			run_id = EXCLUDED.run_id
		RETURNING (xmax = 0) AS inserted`

	var rawInserted bool
	err = tx.QueryRowxContext(ctx, rawQuery,
		record.Symbol, record.Name, record.PriceUSD, record.Volume24h,
		record.MarketCap, record.PercentChange24h, record.Timestamp, record.Source,
		rawJSON, runID,
	).Scan(&rawInserted)
	if err != nil {
		if isUniqueViolation(err) {
			return MatchedExisting, tx.Commit()
		}
		return Inserted, fmt.Errorf("upsert raw record: %w", err)
	}

	const normalizedQuery = `
		INSERT INTO normalized_crypto_data
			(symbol, name, price_usd, volume_24h, market_cap, percent_change_24h, timestamp, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (symbol, timestamp, source) DO UPDATE SET
			name = EXCLUDED.name,
			price_usd = EXCLUDED.price_usd,
			volume_24h = EXCLUDED.volume_24h,
			market_cap = EXCLUDED.market_cap,
			percent_change_24h = EXCLUDED.percent_change_24h
		RETURNING (xmax = 0) AS inserted`

	var normalizedInserted bool
	err = tx.QueryRowxContext(ctx, normalizedQuery,
		record.Symbol, record.Name, record.PriceUSD, record.Volume24h,
		record.MarketCap, record.PercentChange24h, record.Timestamp, record.Source,
	).Scan(&normalizedInserted)
	if err != nil {
		if isUniqueViolation(err) {
			return MatchedExisting, tx.Commit()
		}
		return Inserted, fmt.Errorf("upsert normalized record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Inserted, fmt.Errorf("commit upsert: %w", err)
	}

	if rawInserted && normalizedInserted {
		return Inserted, nil
	}
	return MatchedExisting, nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
