package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptoetl/internal/ledger"
	"github.com/sawpanic/cryptoetl/internal/metrics"
	"github.com/sawpanic/cryptoetl/internal/orchestrator"
)

// Config bundles a Server's dependencies.
type Config struct {
	Host             string
	Port             int
	DB               *sqlx.DB
	Orchestrator     *orchestrator.Orchestrator
	Ledger           *ledger.Ledger
	Metrics          *metrics.Registry
	SchedulerEnabled bool
}

// Server is the read-and-control HTTP surface.
type Server struct {
	router *mux.Router
	http   *http.Server
	cfg    Config
}

// New builds a Server with its route table and middleware chain wired,
// generalized from interfaces/http/server.go's setupRoutes.
func New(cfg Config) *Server {
	router := mux.NewRouter()

	s := &Server{router: router, cfg: cfg}

	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.jsonContentTypeMiddleware)

	router.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/data", s.handleData).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}", s.handleRunByID).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start runs the server until it errors or is shut down.
func (s *Server) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("starting http server")
	return s.http.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Str("request_id", requestID(r.Context())).
			Msg("request handled")
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (s *Server) envelope(ctx context.Context, start time.Time, runID string) Envelope {
	return Envelope{
		RequestID:    requestID(ctx),
		APILatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		RunID:        runID,
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	counts, _ := s.collectionCounts(ctx)

	go func() {
		bgCtx := context.Background()
		if _, err := s.cfg.Orchestrator.Run(bgCtx); err != nil {
			zlog := log.With().Str("component", "refresh").Logger()
			zlog.Error().Err(err).Msg("background run failed")
		}
	}()

	resp := RefreshResponse{
		Envelope:     s.envelope(ctx, start, ""),
		Health:       "ok",
		PreRunCounts: counts,
		Message:      "run accepted",
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type dataCursor struct {
	TimestampUnixNano int64 `json:"ts"`
	ID                int64 `json:"id"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 500 {
		limit = 500
	}

	var cursor *dataCursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err == nil {
			var c dataCursor
			if json.Unmarshal(decoded, &c) == nil {
				cursor = &c
			}
		}
	}

	rows, next, err := s.queryData(ctx, limit, cursor)
	if err != nil {
		writeError(w, ctx, start, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	resp := DataResponse{
		Envelope:   s.envelope(ctx, start, ""),
		Records:    rows,
		NextCursor: next,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) queryData(ctx context.Context, limit int, cursor *dataCursor) ([]DataRecord, string, error) {
	type row struct {
		ID               int64     `db:"id"`
		Symbol           string    `db:"symbol"`
		Name             string    `db:"name"`
		PriceUSD         float64   `db:"price_usd"`
		Volume24h        float64   `db:"volume_24h"`
		MarketCap        *float64  `db:"market_cap"`
		PercentChange24h *float64  `db:"percent_change_24h"`
		Timestamp        time.Time `db:"timestamp"`
		Source           string    `db:"source"`
	}

	var rows []row
	var err error

	if cursor == nil {
		const query = `
			SELECT id, symbol, name, price_usd, volume_24h, market_cap, percent_change_24h, timestamp, source
			FROM normalized_crypto_data
			ORDER BY timestamp DESC, id DESC
			LIMIT $1`
		err = s.cfg.DB.SelectContext(ctx, &rows, query, limit)
	} else {
		const query = `
			SELECT id, symbol, name, price_usd, volume_24h, market_cap, percent_change_24h, timestamp, source
			FROM normalized_crypto_data
			WHERE (timestamp, id) < (to_timestamp($1::double precision / 1000000000.0), $2)
			ORDER BY timestamp DESC, id DESC
			LIMIT $3`
		err = s.cfg.DB.SelectContext(ctx, &rows, query, cursor.TimestampUnixNano, cursor.ID, limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("query normalized data: %w", err)
	}

	out := make([]DataRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, DataRecord{
			Symbol: r.Symbol, Name: r.Name, PriceUSD: r.PriceUSD, Volume24h: r.Volume24h,
			MarketCap: r.MarketCap, PercentChange24h: r.PercentChange24h,
			Timestamp: r.Timestamp, Source: r.Source,
		})
	}

	var next string
	if len(rows) == limit {
		last := rows[len(rows)-1]
		encoded, _ := json.Marshal(dataCursor{TimestampUnixNano: last.Timestamp.UnixNano(), ID: last.ID})
		next = base64.StdEncoding.EncodeToString(encoded)
	}

	return out, next, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	counts, err := s.collectionCounts(ctx)
	if err != nil {
		writeError(w, ctx, start, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	summary := s.cfg.Orchestrator.LastSummary()

	resp := StatsResponse{
		Envelope:     s.envelope(ctx, start, ""),
		Counts:       counts,
		LatencyAvgMs: s.cfg.Metrics.LatencyAverageMs(),
		ErrorRate:    s.cfg.Metrics.ErrorRate(),
		Incremental: IncrementalStats{
			LastRunNewRecords:        summary.NewRecords,
			LastRunSkipped:           summary.SkippedByWatermark,
			TotalDuplicatePrevention: summary.DuplicatePrevented,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.cfg.Ledger.ListRecent(ctx, limit)
	if err != nil {
		writeError(w, ctx, start, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	runs := make([]RunSummary, 0, len(entries))
	for _, e := range entries {
		runs = append(runs, toRunSummary(e))
	}

	resp := RunsResponse{Envelope: s.envelope(ctx, start, ""), Runs: runs}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	entry, err := s.cfg.Ledger.GetByID(ctx, id)
	if err != nil {
		writeError(w, ctx, start, http.StatusNotFound, "not_found", "run not found")
		return
	}

	resp := struct {
		Envelope
		ledger.Entry
	}{Envelope: s.envelope(ctx, start, entry.RunID), Entry: entry}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	dbPing := "ok"
	connected := true
	if err := s.cfg.DB.PingContext(ctx); err != nil {
		dbPing = err.Error()
		connected = false
	}

	schedulerStatus := "disabled"
	if s.cfg.SchedulerEnabled {
		schedulerStatus = "enabled"
	}

	resp := HealthResponse{
		Envelope: s.envelope(ctx, start, ""),
		Components: HealthComponents{
			API:         "ok",
			DBConnected: connected,
			DBPing:      dbPing,
			Scheduler:   schedulerStatus,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) collectionCounts(ctx context.Context) (CollectionCounts, error) {
	var raw, normalized int
	if err := s.cfg.DB.GetContext(ctx, &raw, `SELECT count(*) FROM raw_crypto_data`); err != nil {
		return CollectionCounts{}, fmt.Errorf("count raw: %w", err)
	}
	if err := s.cfg.DB.GetContext(ctx, &normalized, `SELECT count(*) FROM normalized_crypto_data`); err != nil {
		return CollectionCounts{}, fmt.Errorf("count normalized: %w", err)
	}
	return CollectionCounts{Raw: raw, Normalized: normalized}, nil
}

func toRunSummary(e ledger.Entry) RunSummary {
	return RunSummary{
		RunID: e.RunID, Status: string(e.Status), StartTime: e.StartTime, EndTime: e.EndTime,
		RowsProcessed: e.RowsProcessed, FailedBatches: len(e.FailedBatches),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, ctx context.Context, start time.Time, status int, code, message string) {
	resp := ErrorResponse{
		Envelope: Envelope{
			RequestID:    requestID(ctx),
			APILatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
		Error:   code,
		Message: message,
		Code:    code,
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
