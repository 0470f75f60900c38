// Package orchestrator implements C8, the Orchestrator: one
// end-to-end runETL() invocation fanning out across configured
// sources, mapping and validating each record, and writing it through
// to both collections under the checkpoint-then-ledger durability
// ordering the rest of the pipeline depends on for resume.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/cryptoetl/internal/checkpoint"
	"github.com/sawpanic/cryptoetl/internal/extract"
	"github.com/sawpanic/cryptoetl/internal/ledger"
	"github.com/sawpanic/cryptoetl/internal/metrics"
	"github.com/sawpanic/cryptoetl/internal/model"
	"github.com/sawpanic/cryptoetl/internal/schema"
	"github.com/sawpanic/cryptoetl/internal/sink"
	"github.com/sawpanic/cryptoetl/internal/validate"
	"github.com/sawpanic/cryptoetl/internal/watermark"
)

// SourceExtractor is satisfied by the adapters around both
// extract.HTTPExtractor (drift detected from its first decoded record)
// and extract.CSVExtractor.
type SourceExtractor interface {
	ExtractRecords(ctx context.Context) ([]model.RawRecord, schema.DriftResult)
}

// httpSourceAdapter lets an *extract.HTTPExtractor, which has no
// header row to derive drift from, satisfy SourceExtractor: drift is
// detected from the first decoded record instead.
type httpSourceAdapter struct {
	extractor *extract.HTTPExtractor
	mapper    *schema.Mapper
	source    string
}

func (a *httpSourceAdapter) ExtractRecords(ctx context.Context) ([]model.RawRecord, schema.DriftResult) {
	raw := a.extractor.Extract(ctx)
	var drift schema.DriftResult
	if len(raw) > 0 {
		drift = a.mapper.DetectDrift(a.source, raw[0])
	}
	mapped := make([]model.RawRecord, 0, len(raw))
	for _, row := range raw {
		result := a.mapper.MapRow(a.source, row)
		mapped = append(mapped, model.RawRecord(result.MappedRow))
	}
	return mapped, drift
}

// NewHTTPSource adapts an HTTP extractor into a SourceExtractor.
func NewHTTPSource(source string, extractor *extract.HTTPExtractor, mapper *schema.Mapper) SourceExtractor {
	return &httpSourceAdapter{extractor: extractor, mapper: mapper, source: source}
}

// csvSourceAdapter adapts extract.CSVExtractor's two-return-value
// Extract to the single-call SourceExtractor interface.
type csvSourceAdapter struct {
	extractor *extract.CSVExtractor
}

func (a *csvSourceAdapter) ExtractRecords(ctx context.Context) ([]model.RawRecord, schema.DriftResult) {
	return a.extractor.Extract(ctx)
}

// NewCSVSource adapts a CSV extractor into a SourceExtractor.
func NewCSVSource(extractor *extract.CSVExtractor) SourceExtractor {
	return &csvSourceAdapter{extractor: extractor}
}

// Status is the terminal state of a run.
type Status = ledger.Status

// SourceSummary is one source's counters for a single run.
type SourceSummary struct {
	Fetched            int
	Processed          int
	SkippedByWatermark int
	ValidationErrors   int
	DuplicatePrevented int
	FailedIDs          []string
}

// Summary aggregates the counters surfaced on /stats, plus the
// per-source breakdown the run ledger needs.
type Summary struct {
	NewRecords         int
	SkippedByWatermark int
	ValidationErrors   int
	DuplicatePrevented int
	PerSource          map[string]*SourceSummary
}

func (s *Summary) source(name string) *SourceSummary {
	if s.PerSource == nil {
		s.PerSource = make(map[string]*SourceSummary)
	}
	ss, ok := s.PerSource[name]
	if !ok {
		ss = &SourceSummary{}
		s.PerSource[name] = ss
	}
	return ss
}

// Orchestrator owns one full ETL run's control flow.
type Orchestrator struct {
	sources     map[string]SourceExtractor
	sourceOrder []string
	batchSize   int
	faultInject bool
	checkpoints *checkpoint.Store
	watermarks  *watermark.Store
	recordSink  *sink.Sink
	outliers    *validate.OutlierDetector
	runLedger   *ledger.Ledger
	metrics     *metrics.Registry

	mu      sync.Mutex
	running bool

	lastMu      sync.RWMutex
	lastSummary Summary
}

// Config bundles an Orchestrator's static dependencies.
type Config struct {
	Sources        map[string]SourceExtractor
	SourceOrder    []string
	BatchSize      int
	FaultInjection bool
	Checkpoints    *checkpoint.Store
	Watermarks     *watermark.Store
	Sink           *sink.Sink
	Outliers       *validate.OutlierDetector
	Ledger         *ledger.Ledger
	Metrics        *metrics.Registry
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		sources:     cfg.Sources,
		sourceOrder: cfg.SourceOrder,
		batchSize:   cfg.BatchSize,
		faultInject: cfg.FaultInjection,
		checkpoints: cfg.Checkpoints,
		watermarks:  cfg.Watermarks,
		recordSink:  cfg.Sink,
		outliers:    cfg.Outliers,
		runLedger:   cfg.Ledger,
		metrics:     cfg.Metrics,
	}
}

// fetchResult is one source's extraction outcome, gathered during the
// concurrent fan-out.
type fetchResult struct {
	source string
	rows   []model.RawRecord
	drift  schema.DriftResult
}

// Run executes one end-to-end runETL() invocation. If a run is already
// in progress, Run is a no-op and returns ErrAlreadyRunning.
func (o *Orchestrator) Run(ctx context.Context) (ledger.Entry, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ledger.Entry{}, ErrAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	runID := uuid.NewString()
	startTime := time.Now()

	var throttleBefore int64
	var latencyBefore float64
	if o.metrics != nil {
		throttleBefore = o.metrics.ThrottleEventsTotal()
		latencyBefore = o.metrics.LatencySecondsTotal()
	}

	if err := o.recordSink.EnsureIndexes(ctx); err != nil {
		entry := ledger.Entry{RunID: runID, Status: ledger.StatusFailed, StartTime: startTime, EndTime: time.Now()}
		o.writeLedgerBestEffort(ctx, entry)
		return entry, fmt.Errorf("ensure indexes: %w", err)
	}

	fetched := o.fetchAll(ctx)

	order := o.sourceOrder
	if len(order) == 0 {
		for source := range o.sources {
			order = append(order, source)
		}
	}

	var (
		failedBatches  []ledger.FailedBatch
		appliedAll     []ledger.MappingEntry
		quarantinedAll []ledger.MappingEntry
		skippedAll     []ledger.MappingEntry
		summary        Summary
		resumeInfo     = make(map[string]ledger.ResumeInfo)
		schemaVersions = make(map[string]int)
	)

	for _, source := range order {
		result, ok := fetched[source]
		if !ok {
			continue
		}

		schemaVersions[source] = result.drift.SchemaVersion
		appliedAll = append(appliedAll, toMappingEntries(result.drift.AppliedMappings)...)
		quarantinedAll = append(quarantinedAll, toMappingEntries(result.drift.QuarantinedMappings)...)
		skippedAll = append(skippedAll, toMappingEntries(result.drift.SkippedMappings)...)

		sourceSummary := summary.source(source)
		sourceSummary.Fetched = len(result.rows)

		wm, wmOK, err := o.watermarks.Get(ctx, source)
		if err != nil {
			failedBatches = append(failedBatches, ledger.FailedBatch{Source: source, Error: err.Error()})
			continue
		}

		lastIndex, err := o.checkpoints.Get(ctx, source)
		if err != nil {
			failedBatches = append(failedBatches, ledger.FailedBatch{Source: source, Error: err.Error()})
			continue
		}
		if lastIndex > 0 {
			resumeInfo[source] = ledger.ResumeInfo{ResumedFromBatch: lastIndex}
		}

		records := result.rows
		total := len(records)
		// crashIndex is the record index a fault-injected run is
		// simulated to die on; the batch containing it is the one
		// that fails, regardless of batchSize.
		crashIndex := (total * 6) / 10

		for i := lastIndex; i < total; i += o.batchSize {
			end := i + o.batchSize
			if end > total {
				end = total
			}
			batch := records[i:end]
			batchNo := i / o.batchSize

			if o.faultInject && crashIndex >= i && crashIndex < end {
				failedBatches = append(failedBatches, ledger.FailedBatch{
					Source: source, BatchNo: batchNo, RecordCount: len(batch),
					Error: "synthetic fault injection",
				})
				sourceSummary.FailedIDs = append(sourceSummary.FailedIDs, recordIDs(batch, source)...)
				break
			}

			batchErr := o.processBatch(ctx, runID, source, batch, wm, wmOK, &summary)
			if batchErr != nil {
				failedBatches = append(failedBatches, ledger.FailedBatch{
					Source: source, BatchNo: batchNo, RecordCount: len(batch), Error: batchErr.Error(),
				})
				sourceSummary.FailedIDs = append(sourceSummary.FailedIDs, recordIDs(batch, source)...)
				break
			}

			if err := o.checkpoints.Save(ctx, runID, source, end); err != nil {
				failedBatches = append(failedBatches, ledger.FailedBatch{
					Source: source, BatchNo: batchNo, RecordCount: len(batch), Error: err.Error(),
				})
				sourceSummary.FailedIDs = append(sourceSummary.FailedIDs, recordIDs(batch, source)...)
				break
			}
		}
	}

	status := ledger.StatusSuccess
	if len(failedBatches) > 0 {
		status = ledger.StatusPartialSuccess
	} else {
		for _, source := range order {
			_ = o.checkpoints.Clear(ctx, source)
		}
	}

	var throttleEvents int64
	var latencyMs int64
	if o.metrics != nil {
		throttleEvents = o.metrics.ThrottleEventsTotal() - throttleBefore
		latencyMs = int64((o.metrics.LatencySecondsTotal() - latencyBefore) * 1000)
	}

	entry := ledger.Entry{
		RunID:               runID,
		Status:              status,
		StartTime:           startTime,
		EndTime:             time.Now(),
		RowsProcessed:       summary.NewRecords,
		FailedBatches:       failedBatches,
		ResumeInfo:          resumeInfo,
		AppliedMappings:     appliedAll,
		QuarantinedMappings: quarantinedAll,
		SkippedMappings:     skippedAll,
		SourceStats:         toSourceStats(summary.PerSource),
		SchemaVersion:       schemaVersions,
		ThrottleEvents:      throttleEvents,
		TotalLatencyMs:      latencyMs,
	}

	if err := o.runLedger.WriteEntry(ctx, entry); err != nil {
		return entry, fmt.Errorf("write run ledger entry: %w", err)
	}

	o.lastMu.Lock()
	o.lastSummary = summary
	o.lastMu.Unlock()

	return entry, nil
}

// LastSummary returns the counters from the most recently completed
// run, for the /stats surface.
func (o *Orchestrator) LastSummary() Summary {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.lastSummary
}

func (o *Orchestrator) processBatch(ctx context.Context, runID, source string, batch []model.RawRecord, wm time.Time, wmOK bool, summary *Summary) error {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.ObserveLatency("load", time.Since(start))
		}
	}()

	sourceSummary := summary.source(source)

	for _, raw := range batch {
		record, err := toUnifiedRecord(raw, source)
		if err != nil {
			summary.ValidationErrors++
			sourceSummary.ValidationErrors++
			if o.metrics != nil {
				o.metrics.IncError(source, "validation")
			}
			continue
		}

		if err := validate.Validate(record); err != nil {
			summary.ValidationErrors++
			sourceSummary.ValidationErrors++
			if o.metrics != nil {
				o.metrics.IncError(source, "validation")
			}
			continue
		}

		if watermark.Skip(record.Timestamp, wm, wmOK) {
			summary.SkippedByWatermark++
			sourceSummary.SkippedByWatermark++
			continue
		}

		if o.outliers != nil {
			o.outliers.Observe(record)
		}

		outcome, err := o.recordSink.Upsert(ctx, runID, record)
		if err != nil {
			return fmt.Errorf("upsert record %v: %w", record.Key(), err)
		}

		switch outcome {
		case sink.Inserted:
			summary.NewRecords++
			sourceSummary.Processed++
			if o.metrics != nil {
				o.metrics.IncRowsProcessed(source, 1)
			}
		case sink.MatchedExisting:
			summary.DuplicatePrevented++
			sourceSummary.DuplicatePrevented++
		}
	}
	return nil
}

func (o *Orchestrator) fetchAll(ctx context.Context) map[string]fetchResult {
	results := make(map[string]fetchResult, len(o.sources))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for source, extractor := range o.sources {
		wg.Add(1)
		go func(source string, extractor SourceExtractor) {
			defer wg.Done()

			start := time.Now()
			rows, drift := extractor.ExtractRecords(ctx)
			if o.metrics != nil {
				o.metrics.ObserveLatency("extract", time.Since(start))
			}

			mu.Lock()
			results[source] = fetchResult{source: source, rows: rows, drift: drift}
			mu.Unlock()
		}(source, extractor)
	}

	wg.Wait()
	return results
}

func (o *Orchestrator) writeLedgerBestEffort(ctx context.Context, entry ledger.Entry) {
	_ = o.runLedger.WriteEntry(ctx, entry)
}

func toMappingEntries(mappings []schema.Mapping) []ledger.MappingEntry {
	out := make([]ledger.MappingEntry, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, ledger.MappingEntry{From: m.From, To: m.To, Confidence: m.Confidence})
	}
	return out
}

func toSourceStats(perSource map[string]*SourceSummary) map[string]ledger.SourceStats {
	out := make(map[string]ledger.SourceStats, len(perSource))
	for source, s := range perSource {
		out[source] = ledger.SourceStats{
			Fetched:            s.Fetched,
			Processed:          s.Processed,
			SkippedByWatermark: s.SkippedByWatermark,
			FailedIDs:          s.FailedIDs,
			ValidationErrors:   s.ValidationErrors,
		}
	}
	return out
}

// recordIDs renders the natural key of every record in batch that a
// caller knows to have failed, for SourceStats.FailedIDs. Records
// whose timestamp doesn't parse fall back to "source|symbol".
func recordIDs(batch []model.RawRecord, source string) []string {
	ids := make([]string, 0, len(batch))
	for _, raw := range batch {
		record, err := toUnifiedRecord(raw, source)
		if err != nil {
			if symbol, ok := raw["symbol"].(string); ok {
				ids = append(ids, fmt.Sprintf("%s|%s", source, symbol))
			}
			continue
		}
		ids = append(ids, fmt.Sprintf("%s|%s|%s", record.Symbol, record.Timestamp.Format(time.RFC3339Nano), record.Source))
	}
	return ids
}

func toUnifiedRecord(raw model.RawRecord, source string) (model.UnifiedRecord, error) {
	record := model.UnifiedRecord{
		Source:  model.Source(source),
		RawData: raw,
	}

	if v, ok := raw["symbol"].(string); ok {
		record.Symbol = v
	}
	if v, ok := raw["name"].(string); ok {
		record.Name = v
	}
	if v, ok := asFloat(raw["price_usd"]); ok {
		record.PriceUSD = v
	}
	if v, ok := asFloat(raw["volume_24h"]); ok {
		record.Volume24h = v
	}
	if v, ok := asFloat(raw["market_cap"]); ok {
		record.MarketCap = &v
	}
	if v, ok := asFloat(raw["percent_change_24h"]); ok {
		record.PercentChange24h = &v
	}

	ts, err := parseTimestamp(raw["timestamp"])
	if err != nil {
		return record, err
	}
	record.Timestamp = ts

	return record, nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("unparsable timestamp %q", t)
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("timestamp is absent")
	}
}
