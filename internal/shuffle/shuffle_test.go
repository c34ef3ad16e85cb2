package shuffle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atnightfa11/marketing-analytics/internal/collector"
	"github.com/atnightfa11/marketing-analytics/internal/metrics"
	"github.com/atnightfa11/marketing-analytics/internal/store"
	"github.com/atnightfa11/marketing-analytics/internal/token"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

type fakeVerifier struct {
	claims    *models.TokenClaims
	err       error
	gotToken  string
	gotOrigin string
	callCount int
}

func (f *fakeVerifier) Verify(_ context.Context, tokenString, origin string) (*models.TokenClaims, error) {
	f.callCount++
	f.gotToken = tokenString
	f.gotOrigin = origin
	if f.err != nil {
		return nil, f.err
	}
	return f.claims, nil
}

type fakeAdmitter struct {
	allow      bool
	retryAfter time.Duration
	gotSite    string
	gotIP      string
	gotPlan    string
}

func (f *fakeAdmitter) Admit(siteID, sourceIP, plan string) (bool, time.Duration) {
	f.gotSite, f.gotIP, f.gotPlan = siteID, sourceIP, plan
	return f.allow, f.retryAfter
}

type fakeForwarder struct {
	errs    []error // per-attempt errors, nil entry means success
	batches []collector.Batch
}

func (f *fakeForwarder) Ingest(_ context.Context, batch collector.Batch) (*collector.Result, error) {
	f.batches = append(f.batches, batch)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &collector.Result{Accepted: len(batch.Reports)}, nil
}

type fakeNonceStore struct {
	insertErr   error
	inserted    []string
	insertSite  string
	purgeCutoff time.Time
	purgeCalls  int
}

func (f *fakeNonceStore) InsertNonce(_ context.Context, jti, siteID string, _ time.Time) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, jti)
	f.insertSite = siteID
	return nil
}

func (f *fakeNonceStore) PurgeNoncesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.purgeCalls++
	f.purgeCutoff = cutoff
	return 0, nil
}

type fixture struct {
	shuffler *Shuffler
	verifier *fakeVerifier
	admitter *fakeAdmitter
	forward  *fakeForwarder
	nonces   *fakeNonceStore
	metrics  *metrics.Metrics
	slept    *[]time.Duration
	now      time.Time
}

func newFixture() *fixture {
	v := &fakeVerifier{claims: &models.TokenClaims{
		SiteID: "site-a",
		Plan:   models.PlanStandard,
		JTI:    "jti-1",
	}}
	a := &fakeAdmitter{allow: true}
	fw := &fakeForwarder{}
	ns := &fakeNonceStore{}
	m := metrics.New(prometheus.NewRegistry())

	s := New(v, a, fw, ns, m, 120*time.Second, 35*time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	slept := []time.Duration{}
	s.sleep = func(d time.Duration) { slept = append(slept, d) }
	s.randDelay = func(time.Duration) time.Duration { return 0 }

	return &fixture{shuffler: s, verifier: v, admitter: a, forward: fw, nonces: ns, metrics: m, slept: &slept, now: now}
}

func validRequest() Request {
	return Request{
		Token:       "tok.sig",
		Nonce:       "nonce-1",
		Origin:      "https://example.com",
		SourceIP:    "1.2.3.4",
		BypassDelay: true,
		Batch: []models.PrivatizedEvent{{
			SiteID: "site-a",
			Kind:   models.KindPageviews,
			Payload: map[string]interface{}{
				models.PayloadKeyRandomizedBit: float64(1),
			},
			EpsilonUsed:     0.5,
			SamplingRate:    1,
			ClientTimestamp: time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
		}},
	}
}

func TestHandleHappyPath(t *testing.T) {
	fx := newFixture()

	acc, err := fx.shuffler.Handle(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Result.Accepted)
	assert.Zero(t, acc.Delay)

	assert.Equal(t, "tok.sig", fx.verifier.gotToken)
	assert.Equal(t, "https://example.com", fx.verifier.gotOrigin)
	assert.Equal(t, []string{"nonce-1"}, fx.nonces.inserted)
	assert.Equal(t, "site-a", fx.nonces.insertSite)

	require.Len(t, fx.forward.batches, 1)
	batch := fx.forward.batches[0]
	assert.Equal(t, "site-a", batch.SiteID, "site comes from the verified claims")
	assert.Equal(t, fx.now, batch.ServerReceivedAt)

	assert.Equal(t, 1, fx.nonces.purgeCalls)
	assert.Equal(t, fx.now.Add(-35*time.Minute), fx.nonces.purgeCutoff)
}

func TestHandleRejectsEmptyNonce(t *testing.T) {
	fx := newFixture()
	req := validRequest()
	req.Nonce = ""

	_, err := fx.shuffler.Handle(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, fx.verifier.callCount, "verification is skipped for malformed requests")
}

func TestHandleTokenFailurePassesThrough(t *testing.T) {
	fx := newFixture()
	fx.verifier.err = token.ErrExpired

	_, err := fx.shuffler.Handle(context.Background(), validRequest())
	assert.ErrorIs(t, err, token.ErrExpired)
	assert.Empty(t, fx.nonces.inserted, "no nonce burned for an invalid token")
	assert.Empty(t, fx.forward.batches)
}

func TestHandleRateLimited(t *testing.T) {
	fx := newFixture()
	fx.admitter.allow = false
	fx.admitter.retryAfter = 17 * time.Second

	_, err := fx.shuffler.Handle(context.Background(), validRequest())
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 17*time.Second, rle.RetryAfter)

	assert.Equal(t, "site-a", fx.admitter.gotSite)
	assert.Equal(t, "1.2.3.4", fx.admitter.gotIP)
	assert.Equal(t, models.PlanStandard, fx.admitter.gotPlan)
	assert.Empty(t, fx.nonces.inserted, "rate-limited requests burn no nonce")
}

func TestHandleReplay(t *testing.T) {
	fx := newFixture()
	fx.nonces.insertErr = store.ErrNonceReplay

	_, err := fx.shuffler.Handle(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrReplay)
	assert.Empty(t, fx.forward.batches, "replayed batches are not forwarded")
}

func TestHandleAppliesHold(t *testing.T) {
	fx := newFixture()
	fx.shuffler.randDelay = func(max time.Duration) time.Duration {
		assert.Equal(t, 120*time.Second, max)
		return 42 * time.Second
	}

	req := validRequest()
	req.BypassDelay = false
	acc, err := fx.shuffler.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, acc.Delay)
	assert.Contains(t, *fx.slept, 42*time.Second)
}

func TestHandleBypassSkipsHold(t *testing.T) {
	fx := newFixture()
	fx.shuffler.randDelay = func(time.Duration) time.Duration { return 99 * time.Second }

	acc, err := fx.shuffler.Handle(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Zero(t, acc.Delay)
	assert.Empty(t, *fx.slept)
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	fx := newFixture()
	fx.forward.errs = []error{errors.New("timeout"), errors.New("timeout"), nil}

	acc, err := fx.shuffler.Handle(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Result.Accepted)
	assert.Len(t, fx.forward.batches, 3)
}

func TestDeliverGivesUpAfterBoundedAttempts(t *testing.T) {
	fx := newFixture()
	fx.forward.errs = []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}

	_, err := fx.shuffler.Handle(context.Background(), validRequest())
	require.Error(t, err)
	assert.Len(t, fx.forward.batches, forwardAttempts)
	assert.Equal(t, []string{"nonce-1"}, fx.nonces.inserted, "the nonce stays burned even when forwarding fails")
}

func TestDeliverDoesNotRetryValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid event", collector.ErrInvalidEvent},
		{"plan forbidden", collector.ErrPlanForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			fx.forward.errs = []error{tt.err}

			_, err := fx.shuffler.Handle(context.Background(), validRequest())
			assert.ErrorIs(t, err, tt.err)
			assert.Len(t, fx.forward.batches, 1, "validation failures are permanent")
		})
	}
}

func TestDeliverSurvivesClientCancel(t *testing.T) {
	// The client disconnects during the hold, after its nonce is burned.
	// The forward must still complete.
	fx := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	fx.shuffler.sleep = func(time.Duration) { cancel() }
	req := validRequest()
	req.BypassDelay = false

	acc, err := fx.shuffler.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Result.Accepted)
	assert.Len(t, fx.forward.batches, 1, "forward completes despite the disconnect")
}

func TestUniformDelayBounds(t *testing.T) {
	const max = 500 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := uniformDelay(max)
		if d < 0 || d > max {
			t.Fatalf("uniformDelay(%v) = %v, out of range", max, d)
		}
	}
	if d := uniformDelay(0); d != 0 {
		t.Errorf("uniformDelay(0) = %v, want 0", d)
	}
}
