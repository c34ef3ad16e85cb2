package token

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atnightfa11/marketing-analytics/internal/store"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeStore keeps token rows in memory, keyed by jti.
type fakeStore struct {
	tokens map[string]*models.UploadToken
	plans  map[string]string
	now    func() time.Time
}

func newFakeStore(clk *testClock) *fakeStore {
	return &fakeStore{
		tokens: make(map[string]*models.UploadToken),
		plans:  make(map[string]string),
		now:    clk.Now,
	}
}

func (f *fakeStore) InsertUploadToken(_ context.Context, t *models.UploadToken) error {
	cp := *t
	f.tokens[t.JTI] = &cp
	return nil
}

func (f *fakeStore) TokenByJTI(_ context.Context, jti string) (*models.UploadToken, error) {
	t, ok := f.tokens[jti]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ActiveTokensForSite(_ context.Context, siteID string) ([]models.UploadToken, error) {
	var out []models.UploadToken
	for _, t := range f.tokens {
		if t.SiteID == siteID && t.RevokedAt == nil && t.ExpiresAt.After(f.now()) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokeTokenByJTI(_ context.Context, jti string) (int64, error) {
	t, ok := f.tokens[jti]
	if !ok || t.RevokedAt != nil {
		return 0, nil
	}
	now := f.now()
	t.RevokedAt = &now
	return 1, nil
}

func (f *fakeStore) RevokeTokenByHash(_ context.Context, tokenHash string) (int64, error) {
	for _, t := range f.tokens {
		if t.TokenHash == tokenHash && t.RevokedAt == nil {
			now := f.now()
			t.RevokedAt = &now
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) RevokeTokensForSite(_ context.Context, siteID string) (int64, error) {
	var n int64
	for _, t := range f.tokens {
		if t.SiteID == siteID && t.RevokedAt == nil {
			now := f.now()
			t.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) PlanForSite(_ context.Context, siteID string) (string, error) {
	if p, ok := f.plans[siteID]; ok {
		return p, nil
	}
	return models.PlanFree, nil
}

func newTestService() (*Service, *fakeStore, *testClock) {
	clk := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	fs := newFakeStore(clk)
	svc := NewService(fs, []byte("test-secret"), 15*time.Minute)
	svc.now = clk.Now
	return svc, fs, clk
}

func validIssueRequest() IssueRequest {
	return IssueRequest{
		SiteID:        "site-a",
		AllowedOrigin: "https://example.com",
		EpsilonBudget: 4.0,
		SamplingRate:  1.0,
	}
}

func TestIssueAndVerify(t *testing.T) {
	svc, fs, _ := newTestService()
	fs.plans["site-a"] = models.PlanStandard
	ctx := context.Background()

	issued, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)

	parts := strings.Split(issued.Token, ".")
	require.Len(t, parts, 2, "token must be claims.signature")
	assert.NotContains(t, parts[0], "=", "base64url must be unpadded")
	assert.Len(t, issued.JTI, 32, "jti is 16 random bytes hex encoded")
	assert.Equal(t, issued.ExpiresAt, svc.now().UTC().Add(15*time.Minute))

	// The stored row never contains the token string itself.
	row := fs.tokens[issued.JTI]
	require.NotNil(t, row)
	assert.NotContains(t, row.TokenHash, issued.Token)
	assert.True(t, strings.HasPrefix(row.TokenHash, "$argon2id$"))

	claims, err := svc.Verify(ctx, issued.Token, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "site-a", claims.SiteID)
	assert.Equal(t, models.PlanStandard, claims.Plan)
	assert.Equal(t, issued.JTI, claims.JTI)
	assert.Equal(t, 4.0, claims.EpsilonBudget)
	assert.Equal(t, 1.0, claims.SamplingRate)
}

func TestIssueValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*IssueRequest)
	}{
		{"missing site", func(r *IssueRequest) { r.SiteID = "" }},
		{"empty origin", func(r *IssueRequest) { r.AllowedOrigin = "" }},
		{"bad origin glob", func(r *IssueRequest) { r.AllowedOrigin = "https://[bad" }},
		{"zero epsilon", func(r *IssueRequest) { r.EpsilonBudget = 0 }},
		{"negative epsilon", func(r *IssueRequest) { r.EpsilonBudget = -1 }},
		{"sampling above one", func(r *IssueRequest) { r.SamplingRate = 1.5 }},
		{"negative sampling", func(r *IssueRequest) { r.SamplingRate = -0.1 }},
		{"ttl too short", func(r *IssueRequest) { r.TTL = 30 * time.Second }},
		{"ttl above double default", func(r *IssueRequest) { r.TTL = 31 * time.Minute }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validIssueRequest()
			tt.mutate(&req)
			_, err := svc.Issue(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestIssueTTLBounds(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	req := validIssueRequest()
	req.TTL = 30 * time.Minute // exactly 2x the default
	issued, err := svc.Issue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, svc.now().UTC().Add(30*time.Minute), issued.ExpiresAt)
}

func TestVerifyRejectsTampering(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	issued, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)

	flipped := []byte(issued.Token)
	last := &flipped[len(flipped)-1]
	if *last == 'A' {
		*last = 'B'
	} else {
		*last = 'A'
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"missing signature", strings.Split(issued.Token, ".")[0]},
		{"extra segment", issued.Token + ".extra"},
		{"flipped signature byte", string(flipped)},
		{"claims swapped", "eyJzaXRlX2lkIjoic2l0ZS1iIn0." + strings.Split(issued.Token, ".")[1]},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(ctx, tt.token, "https://example.com")
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	svc, _, clk := newTestService()
	ctx := context.Background()

	issued, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)

	clk.Advance(16 * time.Minute)
	_, err = svc.Verify(ctx, issued.Token, "https://example.com")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRevoked(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	issued, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, issued.JTI, ""))
	_, err = svc.Verify(ctx, issued.Token, "https://example.com")
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestVerifyUnknownJTI(t *testing.T) {
	svc, fs, _ := newTestService()
	ctx := context.Background()

	issued, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)

	// A signed token whose row has vanished entirely is treated as revoked.
	delete(fs.tokens, issued.JTI)
	_, err = svc.Verify(ctx, issued.Token, "https://example.com")
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestVerifyFallbackScan(t *testing.T) {
	svc, fs, _ := newTestService()
	ctx := context.Background()

	issued, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)

	// Re-key the row under a different jti so the direct lookup misses
	// and only the per-site hash scan can find it.
	row := fs.tokens[issued.JTI]
	delete(fs.tokens, issued.JTI)
	row.JTI = "legacy-row"
	fs.tokens["legacy-row"] = row

	claims, err := svc.Verify(ctx, issued.Token, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "site-a", claims.SiteID)
}

func TestVerifyOrigin(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	req := validIssueRequest()
	req.AllowedOrigin = "*.example.com"
	issued, err := svc.Issue(ctx, req)
	require.NoError(t, err)

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"subdomain matches", "https://app.example.com", true},
		{"bare scheme matches", "https://www.example.com", true},
		{"other host rejected", "https://evil.com", false},
		{"suffix smuggle rejected", "https://example.com.evil.com", false},
		{"absent origin allowed", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(ctx, issued.Token, tt.origin)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrOriginMismatch)
			}
		})
	}
}

func TestRevokeByHash(t *testing.T) {
	svc, fs, _ := newTestService()
	ctx := context.Background()

	issued, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)

	hash := fs.tokens[issued.JTI].TokenHash
	require.NoError(t, svc.Revoke(ctx, "", hash))
	_, err = svc.Verify(ctx, issued.Token, "")
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestRevokeUnknown(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.Revoke(ctx, "no-such-jti", ""), ErrNoSuchToken)
	assert.ErrorIs(t, svc.Revoke(ctx, "", ""), ErrInvalidRequest)
}

func TestRevokeSite(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)
	second, err := svc.Issue(ctx, validIssueRequest())
	require.NoError(t, err)

	otherReq := validIssueRequest()
	otherReq.SiteID = "site-b"
	other, err := svc.Issue(ctx, otherReq)
	require.NoError(t, err)

	n, err := svc.RevokeSite(ctx, "site-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = svc.Verify(ctx, first.Token, "")
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = svc.Verify(ctx, second.Token, "")
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = svc.Verify(ctx, other.Token, "")
	assert.NoError(t, err, "site-b token survives site-a revocation")
}
