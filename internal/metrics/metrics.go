package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Skip reasons recorded on buckets_skipped_total.
const (
	SkipBelowThreshold  = "below_threshold"
	SkipBelowSNR        = "below_snr"
	SkipChannelMismatch = "channel_mismatch"
)

// Run outcomes recorded on reduce_runs_total.
const (
	ReduceOK      = "ok"
	ReduceError   = "error"
	ReduceSkipped = "skipped"
)

// Metrics holds all Prometheus instruments for the ingestion and aggregation
// pipeline. Components receive it by pointer; a nil *Metrics is never passed
// around — tests build one against a private registry.
type Metrics struct {
	// Ingress
	EventsReceived      *prometheus.CounterVec
	EventsDroppedLate   *prometheus.CounterVec
	RequestsRateLimited *prometheus.CounterVec
	ShuffleHold         prometheus.Histogram

	// Token lifecycle
	TokensRevoked *prometheus.CounterVec

	// Reduction
	BucketsSkipped   *prometheus.CounterVec
	WindowsPublished *prometheus.CounterVec
	AnomalyFlagged   *prometheus.CounterVec
	ReduceRuns       *prometheus.CounterVec
	ReduceDuration   prometheus.Histogram
}

// New creates and registers all pipeline metrics on the given registerer.
// main passes prometheus.DefaultRegisterer; tests pass a fresh registry so
// parallel constructions never collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_received_total",
				Help: "Privatized events accepted by the collector",
			},
			[]string{"site_id"},
		),

		EventsDroppedLate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_dropped_late_total",
				Help: "Events dropped because they arrived past the out-of-order window",
			},
			[]string{"site_id"},
		),

		RequestsRateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_rate_limited_total",
				Help: "Shuffle requests rejected by the sliding-window rate limiter",
			},
			[]string{"site_id", "source"},
		),

		ShuffleHold: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shuffle_hold_seconds",
				Help:    "Random hold applied before forwarding a batch",
				Buckets: []float64{1, 5, 15, 30, 60, 90, 120},
			},
		),

		TokensRevoked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokens_revoked_total",
				Help: "Upload tokens revoked via the admin surface",
			},
			[]string{"site_id"},
		),

		BucketsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buckets_skipped_total",
				Help: "Reducer buckets suppressed before publication",
			},
			[]string{"reason"}, // below_threshold, below_snr, channel_mismatch
		),

		WindowsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "windows_published_total",
				Help: "DP windows upserted by the reducer",
			},
			[]string{"plan"},
		),

		AnomalyFlagged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anomaly_flagged_total",
				Help: "Published windows that deviated from their EWMA baseline",
			},
			[]string{"site_id", "metric"},
		),

		ReduceRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reduce_runs_total",
				Help: "Reducer runs by outcome",
			},
			[]string{"status"}, // ok, error, skipped
		),

		ReduceDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reduce_duration_seconds",
				Help:    "Wall time of one reducer run",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordEventsReceived counts accepted events.
func (m *Metrics) RecordEventsReceived(siteID string, n int) {
	m.EventsReceived.WithLabelValues(siteID).Add(float64(n))
}

// RecordEventDroppedLate counts one stale-dropped event.
func (m *Metrics) RecordEventDroppedLate(siteID string) {
	m.EventsDroppedLate.WithLabelValues(siteID).Inc()
}

// RecordRateLimited counts one rejected shuffle request.
func (m *Metrics) RecordRateLimited(siteID, source string) {
	m.RequestsRateLimited.WithLabelValues(siteID, source).Inc()
}

// RecordShuffleHold observes the applied hold duration in seconds.
func (m *Metrics) RecordShuffleHold(seconds float64) {
	m.ShuffleHold.Observe(seconds)
}

// RecordTokensRevoked counts revoked tokens for a site.
func (m *Metrics) RecordTokensRevoked(siteID string, n int) {
	m.TokensRevoked.WithLabelValues(siteID).Add(float64(n))
}

// RecordBucketSkipped counts one suppressed bucket.
func (m *Metrics) RecordBucketSkipped(reason string) {
	m.BucketsSkipped.WithLabelValues(reason).Inc()
}

// RecordWindowPublished counts one upserted window.
func (m *Metrics) RecordWindowPublished(plan string) {
	m.WindowsPublished.WithLabelValues(plan).Inc()
}

// RecordAnomaly counts one flagged window.
func (m *Metrics) RecordAnomaly(siteID, metric string) {
	m.AnomalyFlagged.WithLabelValues(siteID, metric).Inc()
}

// RecordReduceRun records one reducer run outcome and its duration.
func (m *Metrics) RecordReduceRun(status string, seconds float64) {
	m.ReduceRuns.WithLabelValues(status).Inc()
	if status != ReduceSkipped {
		m.ReduceDuration.Observe(seconds)
	}
}
