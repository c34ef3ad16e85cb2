package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

// SaveReduction commits one reducer run: every produced window and every
// recomputed ledger total, in a single transaction. Window upserts overwrite
// the published values; ledger upserts replace the day total instead of
// incrementing it, which keeps reruns idempotent.
func (s *Postgres) SaveReduction(ctx context.Context, windows []models.DpWindow, ledger []models.EpsilonLogEntry) error {
	if len(windows) == 0 && len(ledger) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	windowSQL := `
		INSERT INTO dp_windows
			(site_id, plan, metric, window_start, window_end, value, variance,
			 ci80_low, ci80_high, ci95_low, ci95_high, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (site_id, plan, metric, window_start) DO UPDATE SET
			window_end = EXCLUDED.window_end,
			value = EXCLUDED.value,
			variance = EXCLUDED.variance,
			ci80_low = EXCLUDED.ci80_low,
			ci80_high = EXCLUDED.ci80_high,
			ci95_low = EXCLUDED.ci95_low,
			ci95_high = EXCLUDED.ci95_high,
			published_at = EXCLUDED.published_at;
	`
	for _, w := range windows {
		_, err = tx.Exec(ctx, windowSQL,
			w.SiteID, w.Plan, w.Metric, w.WindowStart, w.WindowEnd,
			w.Value, w.Variance, w.CI80Low, w.CI80High, w.CI95Low, w.CI95High,
			w.PublishedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert dp_window: %v", err)
		}
	}

	ledgerSQL := `
		INSERT INTO site_epsilon_log (site_id, day, plan, epsilon_total, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (site_id, day, plan) DO UPDATE SET
			epsilon_total = EXCLUDED.epsilon_total,
			updated_at = NOW();
	`
	for _, e := range ledger {
		_, err = tx.Exec(ctx, ledgerSQL, e.SiteID, e.Day, e.Plan, e.EpsilonTotal)
		if err != nil {
			return fmt.Errorf("failed to upsert site_epsilon_log: %v", err)
		}
	}

	return tx.Commit(ctx)
}

// WindowsStartedSince serves the standard aggregate view: all windows for
// (site, metric) whose window_start is at or after the cutoff.
func (s *Postgres) WindowsStartedSince(ctx context.Context, siteID, metric string, cutoff time.Time) ([]models.AggregatePoint, error) {
	sql := `
		SELECT window_start, window_end, value, variance,
		       ci80_low, ci80_high, ci95_low, ci95_high
		FROM dp_windows
		WHERE site_id = $1 AND metric = $2 AND window_start >= $3
		ORDER BY window_start ASC;
	`
	return s.queryPoints(ctx, sql, siteID, metric, cutoff)
}

// WindowsOpenSince serves the live aggregate view: windows that were still
// open at the watermark, i.e. window_end at or after it.
func (s *Postgres) WindowsOpenSince(ctx context.Context, siteID, metric string, watermark time.Time) ([]models.AggregatePoint, error) {
	sql := `
		SELECT window_start, window_end, value, variance,
		       ci80_low, ci80_high, ci95_low, ci95_high
		FROM dp_windows
		WHERE site_id = $1 AND metric = $2 AND window_end >= $3
		ORDER BY window_start ASC;
	`
	return s.queryPoints(ctx, sql, siteID, metric, watermark)
}

func (s *Postgres) queryPoints(ctx context.Context, sql, siteID, metric string, t time.Time) ([]models.AggregatePoint, error) {
	rows, err := s.pool.Query(ctx, sql, siteID, metric, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]models.AggregatePoint, 0)
	for rows.Next() {
		var p models.AggregatePoint
		if err := rows.Scan(&p.WindowStart, &p.WindowEnd, &p.Value, &p.Variance,
			&p.CI80Low, &p.CI80High, &p.CI95Low, &p.CI95High); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// PlanForSite resolves the tenancy plan for a site. Sites without a row
// default to the free plan.
func (s *Postgres) PlanForSite(ctx context.Context, siteID string) (string, error) {
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT plan FROM site_plan WHERE site_id = $1;`, siteID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PlanFree, nil
	}
	if err != nil {
		return "", err
	}
	return plan, nil
}

// SetSitePlan upserts the plan row for a site.
func (s *Postgres) SetSitePlan(ctx context.Context, siteID, plan string) error {
	sql := `
		INSERT INTO site_plan (site_id, plan, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (site_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql, siteID, plan)
	return err
}
