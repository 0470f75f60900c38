// Package ledger implements C9, RunLedger: an append-only record of
// every orchestrator run, grounded on the sqlx insert/select shape in
// persistence/postgres/trades_repo.go.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusFailed         Status = "FAILED"
)

// FailedBatch records one batch that could not be fully processed.
type FailedBatch struct {
	Source      string `json:"source"`
	BatchNo     int    `json:"batch_no"`
	Error       string `json:"error"`
	RecordCount int    `json:"record_count"`
}

// MappingEntry mirrors a schema.Mapping for ledger persistence.
type MappingEntry struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Confidence float64 `json:"confidence"`
}

// SourceStats carries one source's per-run counters.
type SourceStats struct {
	Fetched            int      `json:"fetched"`
	Processed          int      `json:"processed"`
	SkippedByWatermark int      `json:"skipped_by_watermark"`
	FailedIDs          []string `json:"failed_ids"`
	ValidationErrors   int      `json:"validation_errors"`
}

// ResumeInfo records where a source's processing loop picked back up.
// ResumedFromBatch is the checkpoint's lastProcessedIndex at the start
// of this run; a source that started from scratch has no entry.
type ResumeInfo struct {
	ResumedFromBatch int `json:"resumedFromBatch"`
}

// Entry is one RunLedgerEntry.
type Entry struct {
	RunID               string                 `db:"run_id" json:"run_id"`
	Status              Status                 `db:"status" json:"status"`
	StartTime           time.Time              `db:"start_time" json:"start_time"`
	EndTime             time.Time              `db:"end_time" json:"end_time"`
	RowsProcessed       int                    `db:"rows_processed" json:"rows_processed"`
	FailedBatches       []FailedBatch          `db:"-" json:"failed_batches"`
	ResumeInfo          map[string]ResumeInfo  `db:"-" json:"resume_info"`
	AppliedMappings     []MappingEntry         `db:"-" json:"applied_mappings"`
	QuarantinedMappings []MappingEntry         `db:"-" json:"quarantined_mappings"`
	SkippedMappings     []MappingEntry         `db:"-" json:"skipped_mappings"`
	SourceStats         map[string]SourceStats `db:"-" json:"source_stats"`
	SchemaVersion       map[string]int         `db:"-" json:"schema_version"`
	ThrottleEvents      int64                  `db:"throttle_events" json:"throttle_events"`
	TotalLatencyMs      int64                  `db:"total_latency_ms" json:"total_latency_ms"`
}

type entryRow struct {
	RunID               string    `db:"run_id"`
	Status              string    `db:"status"`
	StartTime           time.Time `db:"start_time"`
	EndTime             time.Time `db:"end_time"`
	RowsProcessed       int       `db:"rows_processed"`
	FailedBatches       []byte    `db:"failed_batches"`
	ResumeInfo          []byte    `db:"resume_info"`
	AppliedMappings     []byte    `db:"applied_mappings"`
	QuarantinedMappings []byte    `db:"quarantined_mappings"`
	SkippedMappings     []byte    `db:"skipped_mappings"`
	SourceStats         []byte    `db:"source_stats"`
	SchemaVersion       []byte    `db:"schema_version"`
	ThrottleEvents      int64     `db:"throttle_events"`
	TotalLatencyMs      int64     `db:"total_latency_ms"`
}

// Ledger is the Postgres-backed RunLedger.
type Ledger struct {
	db *sqlx.DB
}

// New wraps an existing *sqlx.DB.
func New(db *sqlx.DB) *Ledger {
	return &Ledger{db: db}
}

// WriteEntry appends entry. It must be total: a failure here is fatal
// to the run but must never roll back already-written data records.
func (l *Ledger) WriteEntry(ctx context.Context, entry Entry) error {
	failedJSON, err := json.Marshal(entry.FailedBatches)
	if err != nil {
		return fmt.Errorf("marshal failed_batches: %w", err)
	}
	resumeJSON, err := json.Marshal(entry.ResumeInfo)
	if err != nil {
		return fmt.Errorf("marshal resume_info: %w", err)
	}
	appliedJSON, err := json.Marshal(entry.AppliedMappings)
	if err != nil {
		return fmt.Errorf("marshal applied_mappings: %w", err)
	}
	quarantinedJSON, err := json.Marshal(entry.QuarantinedMappings)
	if err != nil {
		return fmt.Errorf("marshal quarantined_mappings: %w", err)
	}
	skippedJSON, err := json.Marshal(entry.SkippedMappings)
	if err != nil {
		return fmt.Errorf("marshal skipped_mappings: %w", err)
	}
	sourceStatsJSON, err := json.Marshal(entry.SourceStats)
	if err != nil {
		return fmt.Errorf("marshal source_stats: %w", err)
	}
	schemaVersionJSON, err := json.Marshal(entry.SchemaVersion)
	if err != nil {
		return fmt.Errorf("marshal schema_version: %w", err)
	}

	const query = `
		INSERT INTO etl_runs
			(run_id, status, start_time, end_time, rows_processed,
			 failed_batches, resume_info, applied_mappings, quarantined_mappings, skipped_mappings,
			 source_stats, schema_version, throttle_events, total_latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = l.db.ExecContext(ctx, query,
		entry.RunID, string(entry.Status), entry.StartTime, entry.EndTime, entry.RowsProcessed,
		failedJSON, resumeJSON, appliedJSON, quarantinedJSON, skippedJSON,
		sourceStatsJSON, schemaVersionJSON, entry.ThrottleEvents, entry.TotalLatencyMs,
	)
	if err != nil {
		return fmt.Errorf("write run ledger entry: %w", err)
	}
	return nil
}

// ListRecent returns the most recent entries, newest first.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	const query = `
		SELECT run_id, status, start_time, end_time, rows_processed,
		       failed_batches, resume_info, applied_mappings, quarantined_mappings, skipped_mappings,
		       source_stats, schema_version, throttle_events, total_latency_ms
		FROM etl_runs
		ORDER BY end_time DESC
		LIMIT $1`

	var rows []entryRow
	if err := l.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := decodeRow(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetByID returns a single run's ledger entry.
func (l *Ledger) GetByID(ctx context.Context, runID string) (Entry, error) {
	const query = `
		SELECT run_id, status, start_time, end_time, rows_processed,
		       failed_batches, resume_info, applied_mappings, quarantined_mappings, skipped_mappings,
		       source_stats, schema_version, throttle_events, total_latency_ms
		FROM etl_runs
		WHERE run_id = $1`

	var r entryRow
	if err := l.db.GetContext(ctx, &r, query, runID); err != nil {
		return Entry{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return decodeRow(r)
}

func decodeRow(r entryRow) (Entry, error) {
	e := Entry{
		RunID:          r.RunID,
		Status:         Status(r.Status),
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		RowsProcessed:  r.RowsProcessed,
		ThrottleEvents: r.ThrottleEvents,
		TotalLatencyMs: r.TotalLatencyMs,
	}
	if err := json.Unmarshal(r.FailedBatches, &e.FailedBatches); err != nil {
		return Entry{}, fmt.Errorf("decode failed_batches: %w", err)
	}
	if err := json.Unmarshal(r.ResumeInfo, &e.ResumeInfo); err != nil {
		return Entry{}, fmt.Errorf("decode resume_info: %w", err)
	}
	if err := json.Unmarshal(r.AppliedMappings, &e.AppliedMappings); err != nil {
		return Entry{}, fmt.Errorf("decode applied_mappings: %w", err)
	}
	if err := json.Unmarshal(r.QuarantinedMappings, &e.QuarantinedMappings); err != nil {
		return Entry{}, fmt.Errorf("decode quarantined_mappings: %w", err)
	}
	if err := json.Unmarshal(r.SkippedMappings, &e.SkippedMappings); err != nil {
		return Entry{}, fmt.Errorf("decode skipped_mappings: %w", err)
	}
	if err := json.Unmarshal(r.SourceStats, &e.SourceStats); err != nil {
		return Entry{}, fmt.Errorf("decode source_stats: %w", err)
	}
	if err := json.Unmarshal(r.SchemaVersion, &e.SchemaVersion); err != nil {
		return Entry{}, fmt.Errorf("decode schema_version: %w", err)
	}
	return e, nil
}
