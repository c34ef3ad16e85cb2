package store

import (
	"context"
	"fmt"
	"time"

	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

// Report tables. Free/standard rows land in raw_reports, pro rows in
// ldp_reports; both share one shape.
const (
	TableRawReports = "raw_reports"
	TableLdpReports = "ldp_reports"
)

var validReportTables = map[string]bool{
	TableRawReports: true,
	TableLdpReports: true,
}

// InsertReports persists a batch of reports into the given table inside one
// transaction, preserving input order. The whole batch commits or none of it
// does.
func (s *Postgres) InsertReports(ctx context.Context, table string, reports []models.RawReport) error {
	if !validReportTables[table] {
		return fmt.Errorf("invalid report table: %s", table)
	}
	if len(reports) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s
			(id, site_id, kind, day, payload, epsilon_used, sampling_rate, server_received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`, table)

	for _, r := range reports {
		_, err = tx.Exec(ctx, insertSQL,
			r.ID,
			r.SiteID,
			r.Kind,
			r.Day,
			r.Payload,
			r.EpsilonUsed,
			r.SamplingRate,
			r.ServerReceivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert report into %s: %v", table, err)
		}
	}

	return tx.Commit(ctx)
}

// ReportsBetween loads all reports from the given table whose
// server_received_at falls in [from, to), ordered by receipt time. The
// reducer reads its day range through this.
func (s *Postgres) ReportsBetween(ctx context.Context, table string, from, to time.Time) ([]models.RawReport, error) {
	if !validReportTables[table] {
		return nil, fmt.Errorf("invalid report table: %s", table)
	}

	querySQL := fmt.Sprintf(`
		SELECT id, site_id, kind, day, payload, epsilon_used, sampling_rate, server_received_at
		FROM %s
		WHERE server_received_at >= $1 AND server_received_at < $2
		ORDER BY server_received_at ASC;
	`, table)

	rows, err := s.pool.Query(ctx, querySQL, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]models.RawReport, 0)
	for rows.Next() {
		var r models.RawReport
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Kind, &r.Day, &r.Payload,
			&r.EpsilonUsed, &r.SamplingRate, &r.ServerReceivedAt); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return reports, nil
}
