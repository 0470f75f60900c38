// Package validate implements C6, the unified-schema Validator, plus
// the supplemented OutlierDetector (Open Question #2, resolved:
// metering only — it never quarantines or drops a record).
package validate

import (
	"fmt"
	"math"
	"sync"

	"github.com/sawpanic/cryptoetl/internal/metrics"
	"github.com/sawpanic/cryptoetl/internal/model"
)

// Validate checks record against the unified-schema rules: price_usd
// strictly positive, volume_24h non-negative, source one of A/B/C, and
// a non-zero timestamp (parsing itself happens upstream, when the
// orchestrator builds the UnifiedRecord; by the time a record reaches
// Validate its Timestamp field is already a time.Time or it would not
// exist).
func Validate(record model.UnifiedRecord) error {
	if record.PriceUSD <= 0 {
		return fmt.Errorf("price_usd must be strictly positive, got %v", record.PriceUSD)
	}
	if record.Volume24h < 0 {
		return fmt.Errorf("volume_24h must be non-negative, got %v", record.Volume24h)
	}
	if !model.ValidSource(record.Source) {
		return fmt.Errorf("source %q is not one of A, B, C", record.Source)
	}
	if record.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is absent or unparsable")
	}
	return nil
}

// OutlierDetector flags statistically unusual field values against a
// rolling per-symbol mean/stddev. It never affects load outcome: every
// detection is metrics-only, per the outlier metering resolution.
type OutlierDetector struct {
	mu      sync.Mutex
	metrics *metrics.Registry
	windows map[string]map[string]*rollingStat // symbol -> field -> stat
	zScore  float64
}

type rollingStat struct {
	count int
	mean  float64
	m2    float64 // Welford's running sum of squared deviations
}

func (s *rollingStat) observe(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	delta2 := x - s.mean
	s.m2 += delta * delta2
}

func (s *rollingStat) stddev() float64 {
	if s.count < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.count-1))
}

// NewOutlierDetector constructs a detector with the given z-score
// threshold (3.0 is a conventional default for market-data spikes).
func NewOutlierDetector(reg *metrics.Registry, zScoreThreshold float64) *OutlierDetector {
	return &OutlierDetector{
		metrics: reg,
		windows: make(map[string]map[string]*rollingStat),
		zScore:  zScoreThreshold,
	}
}

// Observe updates the rolling statistics for record's numeric fields
// and emits outlier_detected_total for any field whose z-score exceeds
// the threshold. The record is never altered or rejected.
func (d *OutlierDetector) Observe(record model.UnifiedRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := map[string]float64{
		"price_usd":  record.PriceUSD,
		"volume_24h": record.Volume24h,
	}
	if record.MarketCap != nil {
		fields["market_cap"] = *record.MarketCap
	}
	if record.PercentChange24h != nil {
		fields["percent_change_24h"] = *record.PercentChange24h
	}

	bySymbol, ok := d.windows[record.Symbol]
	if !ok {
		bySymbol = make(map[string]*rollingStat)
		d.windows[record.Symbol] = bySymbol
	}

	for field, value := range fields {
		stat, ok := bySymbol[field]
		if !ok {
			stat = &rollingStat{}
			bySymbol[field] = stat
		}

		if stat.count >= 2 {
			if sd := stat.stddev(); sd > 0 {
				z := math.Abs(value-stat.mean) / sd
				if z >= d.zScore && d.metrics != nil {
					d.metrics.IncOutlier(field, "z_score", record.Symbol)
				}
			}
		}
		stat.observe(value)
	}
}
