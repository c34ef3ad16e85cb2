package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atnightfa11/marketing-analytics/internal/store"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

// Verification and issuance failure modes. The HTTP layer maps all four
// verify errors to a generic 401 so callers cannot probe which check failed.
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpired        = errors.New("token expired")
	ErrRevoked        = errors.New("token revoked or unknown")
	ErrOriginMismatch = errors.New("origin not allowed for token")
	ErrInvalidRequest = errors.New("invalid token request")
	ErrNoSuchToken    = errors.New("no matching token")
)

// minTokenTTL is the shortest lifetime a caller may request. Anything
// shorter expires before the shuffle hold can complete.
const minTokenTTL = 60 * time.Second

// Store is the persistence surface the token service needs.
type Store interface {
	InsertUploadToken(ctx context.Context, t *models.UploadToken) error
	TokenByJTI(ctx context.Context, jti string) (*models.UploadToken, error)
	ActiveTokensForSite(ctx context.Context, siteID string) ([]models.UploadToken, error)
	RevokeTokenByJTI(ctx context.Context, jti string) (int64, error)
	RevokeTokenByHash(ctx context.Context, tokenHash string) (int64, error)
	RevokeTokensForSite(ctx context.Context, siteID string) (int64, error)
	PlanForSite(ctx context.Context, siteID string) (string, error)
}

// Service mints, verifies, and revokes upload tokens. Tokens are
// HMAC-signed claim blobs; the database keeps only an argon2id hash of
// each issued string, so a leaked table cannot be replayed.
type Service struct {
	store      Store
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

func NewService(st Store, secret []byte, defaultTTL time.Duration) *Service {
	return &Service{
		store:      st,
		secret:     secret,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// IssueRequest carries the parameters for minting a token. TTL may be
// zero to take the configured default.
type IssueRequest struct {
	SiteID        string
	AllowedOrigin string
	EpsilonBudget float64
	SamplingRate  float64
	TTL           time.Duration
}

// Issued is returned to the caller. The token string appears here and
// nowhere else; it is not recoverable from storage.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	JTI       string
}

// Issue validates the request, resolves the site's plan, signs a claim
// set, and persists the token row with an argon2id hash of the signed
// string.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if req.SiteID == "" {
		return nil, fmt.Errorf("%w: site_id required", ErrInvalidRequest)
	}
	if !validOriginPattern(req.AllowedOrigin) {
		return nil, fmt.Errorf("%w: allowed_origin must be a valid glob pattern", ErrInvalidRequest)
	}
	if req.EpsilonBudget <= 0 {
		return nil, fmt.Errorf("%w: epsilon_budget must be positive", ErrInvalidRequest)
	}
	if req.SamplingRate < 0 || req.SamplingRate > 1 {
		return nil, fmt.Errorf("%w: sampling_rate must be in [0,1]", ErrInvalidRequest)
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < minTokenTTL || ttl > 2*s.defaultTTL {
		return nil, fmt.Errorf("%w: ttl_seconds must be between %d and %d",
			ErrInvalidRequest, int(minTokenTTL.Seconds()), int((2 * s.defaultTTL).Seconds()))
	}

	plan, err := s.store.PlanForSite(ctx, req.SiteID)
	if err != nil {
		return nil, fmt.Errorf("resolving plan for %s: %v", req.SiteID, err)
	}

	jti, err := newJTI()
	if err != nil {
		return nil, fmt.Errorf("generating jti: %v", err)
	}

	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := &models.TokenClaims{
		AllowedOrigin: req.AllowedOrigin,
		EpsilonBudget: req.EpsilonBudget,
		Exp:           exp.Unix(),
		Iat:           now.Unix(),
		JTI:           jti,
		Plan:          plan,
		SamplingRate:  req.SamplingRate,
		SiteID:        req.SiteID,
	}

	claimsJSON, err := serializeClaims(claims)
	if err != nil {
		return nil, fmt.Errorf("serializing claims: %v", err)
	}
	tokenString := encodeToken(claimsJSON, sign(s.secret, claimsJSON))

	hash, err := hashToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("hashing token: %v", err)
	}

	row := &models.UploadToken{
		JTI:           jti,
		SiteID:        req.SiteID,
		Plan:          plan,
		AllowedOrigin: req.AllowedOrigin,
		IssuedAt:      now,
		ExpiresAt:     exp,
		SamplingRate:  req.SamplingRate,
		EpsilonBudget: req.EpsilonBudget,
		TokenHash:     hash,
	}
	if err := s.store.InsertUploadToken(ctx, row); err != nil {
		return nil, fmt.Errorf("persisting token: %v", err)
	}

	return &Issued{Token: tokenString, ExpiresAt: exp, JTI: jti}, nil
}

// Verify checks signature, expiry, revocation, and origin for a presented
// token and returns its claims. Revocation is decided by the database: the
// row is looked up by jti and the presented string checked against its
// argon2id hash. If the jti row is missing or its hash does not match,
// the remaining live tokens for the site are scanned as a fallback, which
// also covers rows predating the jti column.
func (s *Service) Verify(ctx context.Context, tokenString, presentedOrigin string) (*models.TokenClaims, error) {
	claimsJSON, sig, err := splitToken(tokenString)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !verifySignature(s.secret, claimsJSON, sig) {
		return nil, ErrInvalidToken
	}

	var claims models.TokenClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.SiteID == "" || claims.JTI == "" {
		return nil, ErrInvalidToken
	}
	if s.now().Unix() >= claims.Exp {
		return nil, ErrExpired
	}

	ok, err := s.checkIssuance(ctx, &claims, tokenString)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRevoked
	}

	if presentedOrigin != "" && !originMatches(claims.AllowedOrigin, presentedOrigin) {
		return nil, ErrOriginMismatch
	}
	return &claims, nil
}

// checkIssuance confirms the presented string corresponds to a live
// issued row. jti lookup first, site scan second.
func (s *Service) checkIssuance(ctx context.Context, claims *models.TokenClaims, tokenString string) (bool, error) {
	row, err := s.store.TokenByJTI(ctx, claims.JTI)
	switch {
	case err == nil:
		if row.Revoked() {
			return false, nil
		}
		if verifyTokenHash(row.TokenHash, tokenString) {
			return true, nil
		}
	case errors.Is(err, store.ErrNotFound):
		// fall through to the site scan
	default:
		return false, fmt.Errorf("loading token %s: %v", claims.JTI, err)
	}

	rows, err := s.store.ActiveTokensForSite(ctx, claims.SiteID)
	if err != nil {
		return false, fmt.Errorf("scanning tokens for %s: %v", claims.SiteID, err)
	}
	for _, r := range rows {
		if verifyTokenHash(r.TokenHash, tokenString) {
			return true, nil
		}
	}
	return false, nil
}

// Revoke marks a single token revoked, addressed by jti or by its stored
// hash. Returns ErrNoSuchToken when nothing matched.
func (s *Service) Revoke(ctx context.Context, jti, tokenHash string) error {
	var (
		n   int64
		err error
	)
	switch {
	case jti != "":
		n, err = s.store.RevokeTokenByJTI(ctx, jti)
	case tokenHash != "":
		n, err = s.store.RevokeTokenByHash(ctx, tokenHash)
	default:
		return fmt.Errorf("%w: jti or token_hash required", ErrInvalidRequest)
	}
	if err != nil {
		return fmt.Errorf("revoking token: %v", err)
	}
	if n == 0 {
		return ErrNoSuchToken
	}
	return nil
}

// RevokeSite revokes every live token for a site and reports how many
// rows were touched.
func (s *Service) RevokeSite(ctx context.Context, siteID string) (int64, error) {
	if siteID == "" {
		return 0, fmt.Errorf("%w: site_id required", ErrInvalidRequest)
	}
	n, err := s.store.RevokeTokensForSite(ctx, siteID)
	if err != nil {
		return 0, fmt.Errorf("revoking tokens for %s: %v", siteID, err)
	}
	return n, nil
}
