package store

import (
	"context"
	"fmt"
	"time"
)

// InsertNonce records a presented nonce. The primary key on jti makes this
// the replay gate: a duplicate insert returns ErrNonceReplay and the caller
// must reject the batch.
func (s *Postgres) InsertNonce(ctx context.Context, jti, siteID string, seenAt time.Time) error {
	sql := `INSERT INTO token_nonce (jti, site_id, seen_at) VALUES ($1, $2, $3);`
	_, err := s.pool.Exec(ctx, sql, jti, siteID, seenAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNonceReplay
		}
		return fmt.Errorf("failed to insert nonce: %v", err)
	}
	return nil
}

// PurgeNoncesBefore deletes nonce rows seen before the cutoff. Rows must
// outlive the longest token TTL plus clock skew; the shuffler calls this
// opportunistically with that bound.
func (s *Postgres) PurgeNoncesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM token_nonce WHERE seen_at < $1;`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
