package reduce

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atnightfa11/marketing-analytics/internal/metrics"
	"github.com/atnightfa11/marketing-analytics/internal/privacy"
	"github.com/atnightfa11/marketing-analytics/internal/store"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

// Window lengths per metric. Uniques windows are short so the live view
// tracks presence closely; everything else aggregates over a quarter hour.
const (
	uniquesWindow = 3 * time.Minute
	defaultWindow = 15 * time.Minute
)

// Store is the persistence surface the reducer reads and writes.
type Store interface {
	ReportsBetween(ctx context.Context, table string, from, to time.Time) ([]models.RawReport, error)
	PlanForSite(ctx context.Context, siteID string) (string, error)
	SaveReduction(ctx context.Context, windows []models.DpWindow, ledger []models.EpsilonLogEntry) error
}

// Publisher receives published windows and anomaly alerts for the live
// stream. May be nil when no stream is attached.
type Publisher interface {
	PublishWindow(w models.DpWindow)
	PublishAlert(a models.AnomalyAlert)
}

// Config carries the aggregation tunables.
type Config struct {
	MinReportsPerWindow int
	SNRFloor            float64
	Alpha               float64 // Bayesian smoothing prior for the RR decoder
	AggregateEpsilon    float64 // ε_agg for the central DP path
}

// Reducer turns persisted reports into published windows. Each run buckets
// reports by (site, metric, minute), applies the site plan's noise policy,
// recomputes the privacy ledger for the processed range, and commits both
// in one transaction.
type Reducer struct {
	store     Store
	noise     privacy.NoiseSource
	metrics   *metrics.Metrics
	detector  *privacy.AnomalyDetector
	publisher Publisher
	cfg       Config
	now       func() time.Time
}

func New(st Store, noise privacy.NoiseSource, m *metrics.Metrics, detector *privacy.AnomalyDetector, publisher Publisher, cfg Config) *Reducer {
	return &Reducer{
		store:     st,
		noise:     noise,
		metrics:   m,
		detector:  detector,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Summary reports what one run did.
type Summary struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	ReportsRead int       `json:"reports_read"`
	Windows     int       `json:"windows"`
	Skipped     int       `json:"skipped"`
}

type bucketKey struct {
	siteID      string
	plan        string
	metric      string
	windowStart time.Time
}

// ReduceRange processes all reports received within the inclusive day range
// [startDay, endDay]. Reruns over the same range replace previous output.
func (r *Reducer) ReduceRange(ctx context.Context, startDay, endDay time.Time) (*Summary, error) {
	from := dayStart(startDay)
	to := dayStart(endDay).Add(24 * time.Hour)
	if to.Before(from) || to.Equal(from) {
		return nil, fmt.Errorf("invalid day range: %s after %s", startDay.Format("2006-01-02"), endDay.Format("2006-01-02"))
	}

	rawRows, err := r.store.ReportsBetween(ctx, store.TableRawReports, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading raw reports: %v", err)
	}
	ldpRows, err := r.store.ReportsBetween(ctx, store.TableLdpReports, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading ldp reports: %v", err)
	}

	plans := map[string]string{}
	planFor := func(siteID string) (string, error) {
		if p, ok := plans[siteID]; ok {
			return p, nil
		}
		p, err := r.store.PlanForSite(ctx, siteID)
		if err != nil {
			return "", err
		}
		plans[siteID] = p
		return p, nil
	}

	buckets := map[bucketKey][]models.RawReport{}
	add := func(row models.RawReport, plan string) {
		k := bucketKey{
			siteID:      row.SiteID,
			plan:        plan,
			metric:      metricName(row),
			windowStart: row.ServerReceivedAt.UTC().Truncate(time.Minute),
		}
		buckets[k] = append(buckets[k], row)
	}

	for _, row := range rawRows {
		plan, err := planFor(row.SiteID)
		if err != nil {
			return nil, fmt.Errorf("resolving plan for %s: %v", row.SiteID, err)
		}
		// Rows in raw_reports for a site that has since moved to pro are
		// aggregated under the central DP policy, never as clear counts.
		if plan == models.PlanPro {
			plan = models.PlanStandard
		}
		add(row, plan)
	}
	for _, row := range ldpRows {
		add(row, models.PlanPro)
	}

	// Buckets are processed in a fixed order so a seeded noise source
	// reproduces the same draws on replay.
	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.siteID != b.siteID {
			return a.siteID < b.siteID
		}
		if a.plan != b.plan {
			return a.plan < b.plan
		}
		if a.metric != b.metric {
			return a.metric < b.metric
		}
		return a.windowStart.Before(b.windowStart)
	})

	summary := &Summary{From: from, To: to, ReportsRead: len(rawRows) + len(ldpRows)}
	publishedAt := r.now().UTC()

	var windows []models.DpWindow
	for _, k := range keys {
		w, ok := r.aggregate(k, buckets[k], publishedAt)
		if !ok {
			summary.Skipped++
			continue
		}
		windows = append(windows, w)
	}

	ledger := r.ledgerEntries(rawRows, ldpRows, plans)

	if err := r.store.SaveReduction(ctx, windows, ledger); err != nil {
		return nil, fmt.Errorf("committing reduction: %v", err)
	}

	for _, w := range windows {
		r.metrics.RecordWindowPublished(w.Plan)
		if r.publisher != nil {
			r.publisher.PublishWindow(w)
		}
		if r.detector != nil {
			if alert := r.detector.Observe(w.SiteID, w.Metric, w.WindowStart, w.Value); alert != nil {
				r.metrics.RecordAnomaly(w.SiteID, w.Metric)
				if r.publisher != nil {
					r.publisher.PublishAlert(*alert)
				}
			}
		}
	}

	summary.Windows = len(windows)
	return summary, nil
}

// aggregate turns one bucket into a window, or reports that it was
// suppressed.
func (r *Reducer) aggregate(k bucketKey, reports []models.RawReport, publishedAt time.Time) (models.DpWindow, bool) {
	var (
		value    float64
		variance float64
	)

	switch k.plan {
	case models.PlanPro:
		est, ok := r.decodeRR(reports)
		if !ok {
			return models.DpWindow{}, false
		}
		value, variance = est.value, est.variance

	default:
		base, hasHistorical := clearSum(reports)
		if len(reports) < r.cfg.MinReportsPerWindow && !hasHistorical {
			r.metrics.RecordBucketSkipped(metrics.SkipBelowThreshold)
			return models.DpWindow{}, false
		}
		if k.plan == models.PlanStandard {
			scale := 1.0 / math.Max(r.cfg.AggregateEpsilon, privacy.EpsNumerical)
			value = math.Max(0, base+r.noiseFor(k).Laplace(scale))
			variance = scale * scale
		} else {
			value = base
			variance = math.Max(1, base)
		}
	}

	se := privacy.StandardError(variance)
	ci80Low, ci80High := privacy.ConfidenceInterval(value, se, privacy.Z80)
	ci95Low, ci95High := privacy.ConfidenceInterval(value, se, privacy.Z95)

	return models.DpWindow{
		SiteID:      k.siteID,
		Plan:        k.plan,
		Metric:      k.metric,
		WindowStart: k.windowStart,
		WindowEnd:   k.windowStart.Add(windowLength(k.metric)),
		Value:       value,
		Variance:    variance,
		CI80Low:     math.Max(0, ci80Low),
		CI80High:    math.Max(0, ci80High),
		CI95Low:     math.Max(0, ci95Low),
		CI95High:    math.Max(0, ci95High),
		PublishedAt: publishedAt,
	}, true
}

// noiseFor resolves the noise stream for one bucket. A BucketSource keys
// its draws to the bucket identity, so replays reproduce noise regardless
// of what else the run contains; plain sources are used as-is.
func (r *Reducer) noiseFor(k bucketKey) privacy.NoiseSource {
	if bs, ok := r.noise.(privacy.BucketSource); ok {
		return bs.ForBucket(k.siteID, k.metric, k.windowStart)
	}
	return r.noise
}

type rrEstimate struct {
	value    float64
	variance float64
}

// decodeRR sums the randomized bits of a pro bucket and inverts the
// channel. All reports must share the first report's (ε, sampling)
// channel; nonconforming rows are dropped before decoding.
func (r *Reducer) decodeRR(reports []models.RawReport) (rrEstimate, bool) {
	var (
		epsilon  float64
		sampling float64
		ones     float64
		total    float64
		seeded   bool
		dropped  bool
	)
	for _, row := range reports {
		payload, err := models.DecodePayload(row.Kind, row.Payload)
		if err != nil {
			dropped = true
			continue
		}
		bit, ok := models.RandomizedBit(payload)
		if !ok {
			// Pre-aggregated rows carry no channel and cannot join an
			// RR decode.
			dropped = true
			continue
		}
		if !seeded {
			epsilon, sampling = row.EpsilonUsed, row.SamplingRate
			seeded = true
		} else if row.EpsilonUsed != epsilon || row.SamplingRate != sampling {
			dropped = true
			continue
		}
		ones += float64(bit)
		total++
	}
	if dropped {
		r.metrics.RecordBucketSkipped(metrics.SkipChannelMismatch)
	}

	if int(total) < r.cfg.MinReportsPerWindow {
		r.metrics.RecordBucketSkipped(metrics.SkipBelowThreshold)
		return rrEstimate{}, false
	}

	estimate, variance := privacy.UnbiasedEstimate(ones, total, epsilon, sampling, r.cfg.Alpha)
	se := privacy.StandardError(variance)
	if se == 0 || estimate/se < r.cfg.SNRFloor {
		r.metrics.RecordBucketSkipped(metrics.SkipBelowSNR)
		return rrEstimate{}, false
	}
	return rrEstimate{value: estimate, variance: variance}, true
}

// ledgerEntries recomputes per-(site, day, plan) ε totals over the whole
// processed range. Standard spend is capped at ε_agg per report; pro spend
// is taken as reported. Free rows consume no server-side budget.
func (r *Reducer) ledgerEntries(rawRows, ldpRows []models.RawReport, plans map[string]string) []models.EpsilonLogEntry {
	type ledgerKey struct {
		siteID string
		day    time.Time
		plan   string
	}
	totals := map[ledgerKey]float64{}

	for _, row := range rawRows {
		plan := plans[row.SiteID]
		if plan == models.PlanPro {
			plan = models.PlanStandard
		}
		if plan != models.PlanStandard {
			continue
		}
		spend := math.Min(r.cfg.AggregateEpsilon, math.Max(0, row.EpsilonUsed))
		k := ledgerKey{siteID: row.SiteID, day: dayStart(row.Day), plan: plan}
		totals[k] += spend
	}
	for _, row := range ldpRows {
		k := ledgerKey{siteID: row.SiteID, day: dayStart(row.Day), plan: models.PlanPro}
		totals[k] += row.EpsilonUsed
	}

	entries := make([]models.EpsilonLogEntry, 0, len(totals))
	for k, total := range totals {
		entries = append(entries, models.EpsilonLogEntry{
			SiteID:       k.siteID,
			Day:          k.day,
			Plan:         k.plan,
			EpsilonTotal: total,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.SiteID != b.SiteID {
			return a.SiteID < b.SiteID
		}
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		return a.Plan < b.Plan
	})
	return entries
}

// metricName maps a report to its window metric. Conversions fan out into
// one metric per conversion type.
func metricName(row models.RawReport) string {
	if row.Kind != models.KindConversions {
		return row.Kind
	}
	convType := "unknown"
	if raw, ok := row.Payload[models.PayloadKeyConversionType]; ok {
		if s, ok := raw.(string); ok && s != "" {
			convType = s
		}
	}
	return "conversion:" + convType
}

func windowLength(metric string) time.Duration {
	if metric == models.KindUniques {
		return uniquesWindow
	}
	return defaultWindow
}

// clearSum totals the clear path: historical rows contribute their
// pre-aggregated value, everything else counts as one.
func clearSum(reports []models.RawReport) (sum float64, hasHistorical bool) {
	for _, row := range reports {
		payload, err := models.DecodePayload(row.Kind, row.Payload)
		if err != nil {
			sum++
			continue
		}
		if hist, ok := payload.(models.HistoricalCount); ok {
			sum += hist.Value
			hasHistorical = true
			continue
		}
		sum++
	}
	return sum, hasHistorical
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
