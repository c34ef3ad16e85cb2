package models

import "time"

// RawReport is one persisted privatized report. Rows are append-only; the
// reducer reads them by server_received_at range and never mutates them.
// Pro-plan rows live in ldp_reports with the identical shape.
type RawReport struct {
	ID               string                 `json:"id"` // uuid
	SiteID           string                 `json:"site_id"`
	Kind             string                 `json:"kind"`
	Day              time.Time              `json:"day"` // UTC date derived from client_timestamp
	Payload          map[string]interface{} `json:"payload"`
	EpsilonUsed      float64                `json:"epsilon_used"`
	SamplingRate     float64                `json:"sampling_rate"`
	ServerReceivedAt time.Time              `json:"server_received_at"`
}

// DpWindow is one published aggregate: a point estimate with confidence
// intervals for a (site, plan, metric, window_start) bucket.
type DpWindow struct {
	SiteID      string    `json:"site_id"`
	Plan        string    `json:"plan"`
	Metric      string    `json:"metric"` // kind, or conversion:<type>
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Value       float64   `json:"value"`    // >= 0
	Variance    float64   `json:"variance"` // >= 0
	CI80Low     float64   `json:"ci80_low"`
	CI80High    float64   `json:"ci80_high"`
	CI95Low     float64   `json:"ci95_low"`
	CI95High    float64   `json:"ci95_high"`
	PublishedAt time.Time `json:"published_at"`
}

// EpsilonLogEntry is the per-(site, day, plan) privacy spend total. Each
// reducer run recomputes and replaces the total for its range.
type EpsilonLogEntry struct {
	SiteID       string    `json:"site_id"`
	Day          time.Time `json:"day"`
	Plan         string    `json:"plan"`
	EpsilonTotal float64   `json:"epsilon_total"`
}

// AggregatePoint is one window row as served by /api/aggregate.
type AggregatePoint struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Value       float64   `json:"value"`
	Variance    float64   `json:"variance"`
	CI80Low     float64   `json:"ci80_low"`
	CI80High    float64   `json:"ci80_high"`
	CI95Low     float64   `json:"ci95_low"`
	CI95High    float64   `json:"ci95_high"`
}

// AnomalyAlert is broadcast on the live stream when a published window
// deviates from its EWMA baseline.
type AnomalyAlert struct {
	SiteID      string    `json:"site_id"`
	Metric      string    `json:"metric"`
	WindowStart time.Time `json:"window_start"`
	Value       float64   `json:"value"`
	Baseline    float64   `json:"baseline"`
	ZScore      float64   `json:"z_score"`
}
