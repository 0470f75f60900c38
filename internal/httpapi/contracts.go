// Package httpapi exposes the pipeline's control-plane and read
// surface: /refresh, /data, /stats, /runs, /runs/:id, /health, and
// /metrics. Grounded on interfaces/http/server.go's mux.Router +
// middleware-chain shape and http/contracts.go's response DTOs.
package httpapi

import "time"

// Envelope fields every response carries, per the external contract.
type Envelope struct {
	RequestID    string  `json:"request_id"`
	APILatencyMs float64 `json:"api_latency_ms"`
	RunID        string  `json:"run_id,omitempty"`
}

// RefreshResponse is returned (202 Accepted) by POST /refresh.
type RefreshResponse struct {
	Envelope
	Health       string           `json:"health"`
	PreRunCounts CollectionCounts `json:"pre_run_counts"`
	Message      string           `json:"message"`
}

// CollectionCounts reports row counts across the raw/normalized tables.
type CollectionCounts struct {
	Raw        int `json:"raw"`
	Normalized int `json:"normalized"`
}

// DataResponse is returned by GET /data.
type DataResponse struct {
	Envelope
	Records    []DataRecord `json:"records"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// DataRecord is one normalized record on the wire.
type DataRecord struct {
	Symbol           string    `json:"symbol"`
	Name             string    `json:"name"`
	PriceUSD         float64   `json:"price_usd"`
	Volume24h        float64   `json:"volume_24h"`
	MarketCap        *float64  `json:"market_cap,omitempty"`
	PercentChange24h *float64  `json:"percent_change_24h,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Source           string    `json:"source"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Envelope
	Counts       CollectionCounts `json:"counts"`
	LatencyAvgMs float64          `json:"latency_avg_ms"`
	ErrorRate    float64          `json:"error_rate"`
	Incremental  IncrementalStats `json:"incremental"`
}

// IncrementalStats summarizes the most recently completed run.
type IncrementalStats struct {
	LastRunNewRecords        int `json:"last_run_new_records"`
	LastRunSkipped           int `json:"last_run_skipped"`
	TotalDuplicatePrevention int `json:"total_duplicate_prevention"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Envelope
	Runs []RunSummary `json:"runs"`
}

// RunSummary is a RunLedgerEntry shaped for the wire.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	Status        string    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	RowsProcessed int       `json:"rows_processed"`
	FailedBatches int       `json:"failed_batches"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Envelope
	Components HealthComponents `json:"components"`
}

// HealthComponents reports per-component health.
type HealthComponents struct {
	API         string `json:"api"`
	DBConnected bool   `json:"db_connected"`
	DBPing      string `json:"db_ping"`
	Scheduler   string `json:"scheduler"`
}

// ErrorResponse is returned for any handled failure.
type ErrorResponse struct {
	Envelope
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}
