package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

// InsertUploadToken persists a freshly minted token row.
func (s *Postgres) InsertUploadToken(ctx context.Context, t *models.UploadToken) error {
	sql := `
		INSERT INTO upload_tokens
			(jti, site_id, plan, allowed_origin, iat, exp, sampling_rate, epsilon_budget, token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := s.pool.Exec(ctx, sql,
		t.JTI,
		t.SiteID,
		t.Plan,
		t.AllowedOrigin,
		t.IssuedAt,
		t.ExpiresAt,
		t.SamplingRate,
		t.EpsilonBudget,
		t.TokenHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert upload token: %v", err)
	}
	return nil
}

// TokenByJTI loads one token row by its jti, revoked or not. Returns
// ErrNotFound when no row exists.
func (s *Postgres) TokenByJTI(ctx context.Context, jti string) (*models.UploadToken, error) {
	sql := `
		SELECT id, jti, site_id, plan, allowed_origin, iat, exp,
		       sampling_rate, epsilon_budget, token_hash, revoked_at
		FROM upload_tokens
		WHERE jti = $1;
	`
	row := s.pool.QueryRow(ctx, sql, jti)

	var t models.UploadToken
	err := row.Scan(&t.ID, &t.JTI, &t.SiteID, &t.Plan, &t.AllowedOrigin,
		&t.IssuedAt, &t.ExpiresAt, &t.SamplingRate, &t.EpsilonBudget,
		&t.TokenHash, &t.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ActiveTokensForSite loads all non-revoked, unexpired token rows for a
// site. The result set stays small because tokens are short-lived.
func (s *Postgres) ActiveTokensForSite(ctx context.Context, siteID string) ([]models.UploadToken, error) {
	sql := `
		SELECT id, jti, site_id, plan, allowed_origin, iat, exp,
		       sampling_rate, epsilon_budget, token_hash, revoked_at
		FROM upload_tokens
		WHERE site_id = $1 AND revoked_at IS NULL AND exp > NOW();
	`
	rows, err := s.pool.Query(ctx, sql, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]models.UploadToken, 0)
	for rows.Next() {
		var t models.UploadToken
		if err := rows.Scan(&t.ID, &t.JTI, &t.SiteID, &t.Plan, &t.AllowedOrigin,
			&t.IssuedAt, &t.ExpiresAt, &t.SamplingRate, &t.EpsilonBudget,
			&t.TokenHash, &t.RevokedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return tokens, nil
}

// RevokeTokenByJTI marks one token revoked. Returns the number of rows
// touched; 0 means the jti was unknown or already revoked.
func (s *Postgres) RevokeTokenByJTI(ctx context.Context, jti string) (int64, error) {
	sql := `UPDATE upload_tokens SET revoked_at = NOW() WHERE jti = $1 AND revoked_at IS NULL;`
	tag, err := s.pool.Exec(ctx, sql, jti)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RevokeTokenByHash marks the token with the given argon2id hash revoked.
func (s *Postgres) RevokeTokenByHash(ctx context.Context, tokenHash string) (int64, error) {
	sql := `UPDATE upload_tokens SET revoked_at = NOW() WHERE token_hash = $1 AND revoked_at IS NULL;`
	tag, err := s.pool.Exec(ctx, sql, tokenHash)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RevokeTokensForSite revokes every live token for a site.
func (s *Postgres) RevokeTokensForSite(ctx context.Context, siteID string) (int64, error) {
	sql := `UPDATE upload_tokens SET revoked_at = NOW() WHERE site_id = $1 AND revoked_at IS NULL;`
	tag, err := s.pool.Exec(ctx, sql, siteID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SiteIDForTokenJTI resolves which site a jti belongs to, for revocation
// accounting. Returns "" without error when the jti is unknown.
func (s *Postgres) SiteIDForTokenJTI(ctx context.Context, jti string) (string, error) {
	var siteID string
	err := s.pool.QueryRow(ctx, `SELECT site_id FROM upload_tokens WHERE jti = $1;`, jti).Scan(&siteID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return siteID, nil
}
