package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atnightfa11/marketing-analytics/internal/metrics"
	"github.com/atnightfa11/marketing-analytics/internal/store"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

var (
	// ErrPlanForbidden means the site's plan does not accept the ingest
	// path, e.g. a pro site on a deployment without LDP ingestion.
	ErrPlanForbidden = errors.New("plan forbids this ingest path")

	// ErrInvalidEvent means an event in the batch failed payload decoding.
	// The whole batch is rejected so the client notices its bug.
	ErrInvalidEvent = errors.New("invalid event")
)

// Store is the persistence surface the collector writes through.
type Store interface {
	PlanForSite(ctx context.Context, siteID string) (string, error)
	InsertReports(ctx context.Context, table string, reports []models.RawReport) error
}

// Collector validates a shuffled batch and persists it. Free and standard
// rows land in raw_reports, pro rows in ldp_reports; the routing is decided
// once per batch from the site's plan.
type Collector struct {
	store          Store
	metrics        *metrics.Metrics
	maxOutOfOrder  time.Duration
	allowProIngest bool
}

func New(st Store, m *metrics.Metrics, maxOutOfOrder time.Duration, allowProIngest bool) *Collector {
	return &Collector{
		store:          st,
		metrics:        m,
		maxOutOfOrder:  maxOutOfOrder,
		allowProIngest: allowProIngest,
	}
}

// Batch is one shuffled delivery: the site it was accepted for, the accept
// timestamp, and the client events.
type Batch struct {
	SiteID           string                   `json:"site_id"`
	ServerReceivedAt time.Time                `json:"server_received_at"`
	Reports          []models.PrivatizedEvent `json:"reports"`
}

// Result summarizes what happened to a batch.
type Result struct {
	Accepted         int    `json:"accepted"`
	DroppedLate      int    `json:"dropped_late"`
	DroppedCrossSite int    `json:"dropped_cross_site"`
	Table            string `json:"-"`
}

// Ingest validates each event, drops smuggled and stale ones, and commits
// the survivors in a single transaction.
func (c *Collector) Ingest(ctx context.Context, batch Batch) (*Result, error) {
	plan, err := c.store.PlanForSite(ctx, batch.SiteID)
	if err != nil {
		return nil, fmt.Errorf("resolving plan for %s: %v", batch.SiteID, err)
	}

	table := store.TableRawReports
	if plan == models.PlanPro {
		if !c.allowProIngest {
			return nil, fmt.Errorf("%w: pro ingestion is disabled", ErrPlanForbidden)
		}
		table = store.TableLdpReports
	}

	res := &Result{Table: table}
	rows := make([]models.RawReport, 0, len(batch.Reports))
	for i, ev := range batch.Reports {
		if ev.SiteID != batch.SiteID {
			res.DroppedCrossSite++
			continue
		}
		if !models.ValidKind(ev.Kind) {
			return nil, fmt.Errorf("%w: report %d has unknown kind %q", ErrInvalidEvent, i, ev.Kind)
		}
		if _, err := models.DecodePayload(ev.Kind, ev.Payload); err != nil {
			return nil, fmt.Errorf("%w: report %d: %v", ErrInvalidEvent, i, err)
		}
		if ev.EpsilonUsed <= 0 {
			return nil, fmt.Errorf("%w: report %d epsilon_used must be positive", ErrInvalidEvent, i)
		}
		if ev.SamplingRate < 0 || ev.SamplingRate > 1 {
			return nil, fmt.Errorf("%w: report %d sampling_rate must be in [0,1]", ErrInvalidEvent, i)
		}

		if batch.ServerReceivedAt.Sub(ev.ClientTimestamp) > c.maxOutOfOrder {
			c.metrics.RecordEventDroppedLate(batch.SiteID)
			res.DroppedLate++
			continue
		}

		ts := ev.ClientTimestamp.UTC()
		rows = append(rows, models.RawReport{
			ID:               uuid.NewString(),
			SiteID:           batch.SiteID,
			Kind:             ev.Kind,
			Day:              time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
			Payload:          ev.Payload,
			EpsilonUsed:      ev.EpsilonUsed,
			SamplingRate:     ev.SamplingRate,
			ServerReceivedAt: batch.ServerReceivedAt,
		})
	}

	if len(rows) > 0 {
		if err := c.store.InsertReports(ctx, table, rows); err != nil {
			return nil, fmt.Errorf("persisting batch for %s: %v", batch.SiteID, err)
		}
	}

	c.metrics.RecordEventsReceived(batch.SiteID, len(rows))
	res.Accepted = len(rows)
	return res, nil
}
