// Package watermark implements C4: the per-source high-water mark
// used to skip already-loaded records at the extract-to-load boundary.
package watermark

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store looks up the latest timestamp observed per source in the
// normalized collection.
type Store struct {
	db *sqlx.DB
}

// New wraps an existing *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Get returns the latest normalized timestamp for source. ok is false
// for a fresh source with no prior records, in which case no records
// should be skipped.
func (s *Store) Get(ctx context.Context, source string) (ts time.Time, ok bool, err error) {
	const query = `SELECT max(timestamp) FROM normalized_crypto_data WHERE source = $1`

	var maybe sql.NullTime
	if err := s.db.GetContext(ctx, &maybe, query, source); err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark for %s: %w", source, err)
	}
	if !maybe.Valid {
		return time.Time{}, false, nil
	}
	return maybe.Time, true, nil
}

// Skip reports whether a record at ts should be skipped given
// watermark (absent watermark never skips). Skipping is purely
// record-wise: callers must not assume the fetched sequence is sorted.
func Skip(ts time.Time, watermark time.Time, watermarkPresent bool) bool {
	if !watermarkPresent {
		return false
	}
	return !ts.After(watermark)
}
