// Package metrics exposes the Prometheus instruments contractual to
// scraper compatibility (spec.md §4.10, carried over by SPEC_FULL.md §1), built
// the way internal/interfaces/http/metrics.go builds CryptoRun's
// registry: explicit prometheus.*Vec fields, constructed once and
// registered with the default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every instrument the ETL pipeline emits.
type Registry struct {
	RowsProcessed   *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	Latency         *prometheus.HistogramVec
	ThrottleEvents  *prometheus.CounterVec
	RetryLatency    *prometheus.HistogramVec
	TokensRemaining *prometheus.GaugeVec
	QuotaPerMinute  *prometheus.GaugeVec
	OutlierDetected *prometheus.CounterVec
}

// New builds and registers a fresh Registry against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the
// default global registerer across test runs.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_rows_processed_total",
			Help: "Total unified records successfully written by source.",
		}, []string{"source"}),

		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_errors_total",
			Help: "Total extraction/transform errors by source and type.",
		}, []string{"source", "type"}),

		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etl_latency_seconds",
			Help:    "Per-stage pipeline latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),

		ThrottleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_events_total",
			Help: "Total times a source's rate gate denied immediate admission.",
		}, []string{"source"}),

		RetryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retry_latency_seconds",
			Help:    "Time spent sleeping for a token after a throttle.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		}, []string{"source"}),

		TokensRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tokens_remaining",
			Help: "Tokens currently available in a source's bucket.",
		}, []string{"source"}),

		QuotaPerMinute: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quota_requests_per_minute",
			Help: "Configured requests-per-minute budget for a source.",
		}, []string{"source"}),

		OutlierDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outlier_detected_total",
			Help: "Total records flagged as statistical outliers (metered only).",
		}, []string{"field", "type", "symbol"}),
	}

	reg.MustRegister(
		r.RowsProcessed, r.Errors, r.Latency, r.ThrottleEvents,
		r.RetryLatency, r.TokensRemaining, r.QuotaPerMinute, r.OutlierDetected,
	)

	return r
}

// NewDefault registers against prometheus's global registerer, the
// way InitializeMetrics() wires the package-level DefaultMetrics in
// the teacher's cmd/cryptorun/main.go.
func NewDefault() *Registry {
	return New(prometheus.DefaultRegisterer)
}

func (r *Registry) IncRowsProcessed(source string, n int) {
	r.RowsProcessed.WithLabelValues(source).Add(float64(n))
}

func (r *Registry) IncError(source, kind string) {
	r.Errors.WithLabelValues(source, kind).Inc()
}

func (r *Registry) ObserveLatency(stage string, d time.Duration) {
	r.Latency.WithLabelValues(stage).Observe(d.Seconds())
}

func (r *Registry) IncThrottle(source string) {
	r.ThrottleEvents.WithLabelValues(source).Inc()
}

func (r *Registry) ObserveRetryLatency(source string, d time.Duration) {
	r.RetryLatency.WithLabelValues(source).Observe(d.Seconds())
}

func (r *Registry) SetTokensRemaining(source string, v float64) {
	r.TokensRemaining.WithLabelValues(source).Set(v)
}

func (r *Registry) SetQuotaPerMinute(source string, v float64) {
	r.QuotaPerMinute.WithLabelValues(source).Set(v)
}

func (r *Registry) IncOutlier(field, kind, symbol string) {
	r.OutlierDetected.WithLabelValues(field, kind, symbol).Inc()
}

// Handler returns the Prometheus text-exposition HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// ThrottleEventsTotal sums ThrottleEvents across every source currently
// registered, for ledger entries that need a run-scoped total rather
// than a per-source breakdown.
func (r *Registry) ThrottleEventsTotal() int64 {
	var total int64
	for _, m := range collectMetrics(r.ThrottleEvents) {
		if m.Counter != nil {
			total += int64(m.Counter.GetValue())
		}
	}
	return total
}

// LatencySecondsTotal sums every observed Latency sample across all
// stages, read back via the client_model wire format the way
// promhttp itself serializes instruments.
func (r *Registry) LatencySecondsTotal() float64 {
	var total float64
	for _, m := range collectMetrics(r.Latency) {
		if m.Histogram != nil {
			total += m.Histogram.GetSampleSum()
		}
	}
	return total
}

// LatencyAverageMs is the mean observed Latency sample across every
// stage, in milliseconds, for the /stats surface.
func (r *Registry) LatencyAverageMs() float64 {
	var sum float64
	var count uint64
	for _, m := range collectMetrics(r.Latency) {
		if m.Histogram != nil {
			sum += m.Histogram.GetSampleSum()
			count += m.Histogram.GetSampleCount()
		}
	}
	if count == 0 {
		return 0
	}
	return (sum / float64(count)) * 1000
}

// ErrorRate is Errors as a fraction of (Errors + RowsProcessed) across
// every source, for the /stats surface. Zero denominator reports 0,
// not NaN.
func (r *Registry) ErrorRate() float64 {
	var errors, rows float64
	for _, m := range collectMetrics(r.Errors) {
		if m.Counter != nil {
			errors += m.Counter.GetValue()
		}
	}
	for _, m := range collectMetrics(r.RowsProcessed) {
		if m.Counter != nil {
			rows += m.Counter.GetValue()
		}
	}
	total := errors + rows
	if total == 0 {
		return 0
	}
	return errors / total
}

func collectMetrics(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var out []*dto.Metric
	for raw := range ch {
		var m dto.Metric
		if err := raw.Write(&m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out
}
