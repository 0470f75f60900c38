package extract

import (
	"context"
	"encoding/csv"
	"io"
	"os"

	"github.com/sawpanic/cryptoetl/internal/metrics"
	"github.com/sawpanic/cryptoetl/internal/model"
	"github.com/sawpanic/cryptoetl/internal/schema"
)

// CSVExtractor stream-parses a tabular source. Drift detection runs
// against the raw header row, before any field mapping happens (Open
// Question #5, resolved): otherwise the mapper would be comparing its
// own output against itself and never observe a real rename.
type CSVExtractor struct {
	source    string
	path      string
	mapper    *schema.Mapper
	recordCap int
	metrics   *metrics.Registry
}

// NewCSVExtractor constructs an extractor for one tabular source.
func NewCSVExtractor(source, path string, mapper *schema.Mapper, recordCap int, reg *metrics.Registry) *CSVExtractor {
	return &CSVExtractor{source: source, path: path, mapper: mapper, recordCap: recordCap, metrics: reg}
}

// Extract streams rows from the CSV file, mapping each row's raw
// header-keyed values through the schema mapper's learned aliases.
// Drift detection (against the raw header) and mapping both happen
// here so the unified-shape record emerges directly from the parse.
func (e *CSVExtractor) Extract(ctx context.Context) ([]model.RawRecord, schema.DriftResult) {
	f, err := os.Open(e.path)
	if err != nil {
		e.recordError("transport")
		return nil, schema.DriftResult{}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		e.recordError("decode")
		return nil, schema.DriftResult{}
	}

	firstRowRaw, drift, peeked, err := e.peekFirstRow(reader, header)
	if err != nil && err != io.EOF {
		e.recordError("decode")
		return nil, drift
	}

	var out []model.RawRecord
	if peeked && (e.recordCap <= 0 || len(out) < e.recordCap) {
		out = append(out, e.mapHeaderRow(firstRowRaw))
	}

	for {
		if e.recordCap > 0 && len(out) >= e.recordCap {
			break
		}
		select {
		case <-ctx.Done():
			return out, drift
		default:
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.recordError("decode")
			break
		}
		out = append(out, e.mapHeaderRow(rowToMap(header, row)))
	}

	return out, drift
}

func (e *CSVExtractor) peekFirstRow(reader *csv.Reader, header []string) (map[string]interface{}, schema.DriftResult, bool, error) {
	row, err := reader.Read()
	if err != nil {
		return nil, schema.DriftResult{}, false, err
	}
	raw := rowToMap(header, row)
	drift := e.mapper.DetectDrift(e.source, raw)
	return raw, drift, true, nil
}

func (e *CSVExtractor) mapHeaderRow(raw map[string]interface{}) model.RawRecord {
	result := e.mapper.MapRow(e.source, raw)
	out := make(model.RawRecord, len(result.MappedRow))
	for k, v := range result.MappedRow {
		out[k] = v
	}
	return out
}

func rowToMap(header []string, row []string) map[string]interface{} {
	m := make(map[string]interface{}, len(header))
	for i, h := range header {
		if i < len(row) {
			m[h] = row[i]
		}
	}
	return m
}

func (e *CSVExtractor) recordError(kind string) {
	if e.metrics != nil {
		e.metrics.IncError(e.source, kind)
	}
}
