package shuffle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/atnightfa11/marketing-analytics/internal/collector"
	"github.com/atnightfa11/marketing-analytics/internal/metrics"
	"github.com/atnightfa11/marketing-analytics/internal/store"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

var (
	// ErrReplay means the nonce was already burned, by a replayed request
	// or a concurrent duplicate delivery. The database unique constraint
	// is the single arbiter.
	ErrReplay = errors.New("nonce already used")

	// ErrInvalidRequest covers structurally bad shuffle requests.
	ErrInvalidRequest = errors.New("invalid shuffle request")
)

// RateLimitedError carries the wait hint for a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

const (
	forwardAttempts = 3
	forwardTimeout  = 30 * time.Second
	forwardBackoff  = 2 * time.Second
)

// Verifier checks an upload token against a presented origin.
type Verifier interface {
	Verify(ctx context.Context, tokenString, presentedOrigin string) (*models.TokenClaims, error)
}

// Admitter applies the per-(site, ip) rate limit.
type Admitter interface {
	Admit(siteID, sourceIP, plan string) (bool, time.Duration)
}

// Forwarder accepts the validated batch downstream.
type Forwarder interface {
	Ingest(ctx context.Context, batch collector.Batch) (*collector.Result, error)
}

// Store is the nonce persistence surface.
type Store interface {
	InsertNonce(ctx context.Context, jti, siteID string, seenAt time.Time) error
	PurgeNoncesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Shuffler accepts client batches, burns their nonces, holds each request
// for a random interval so arrival time cannot be correlated with event
// time, and forwards to the collector. Once a nonce is burned the forward
// must happen; a failure retries with bounded attempts on a context
// detached from the client before surfacing.
type Shuffler struct {
	tokens         Verifier
	limiter        Admitter
	forward        Forwarder
	store          Store
	metrics        *metrics.Metrics
	maxDelay       time.Duration
	nonceRetention time.Duration
	now            func() time.Time
	sleep          func(time.Duration)
	randDelay      func(max time.Duration) time.Duration
}

func New(tokens Verifier, limiter Admitter, forward Forwarder, st Store, m *metrics.Metrics, maxDelay, nonceRetention time.Duration) *Shuffler {
	return &Shuffler{
		tokens:         tokens,
		limiter:        limiter,
		forward:        forward,
		store:          st,
		metrics:        m,
		maxDelay:       maxDelay,
		nonceRetention: nonceRetention,
		now:            time.Now,
		sleep:          time.Sleep,
		randDelay:      uniformDelay,
	}
}

// Request is one /shuffle call after HTTP decoding.
type Request struct {
	Token       string
	Nonce       string
	Batch       []models.PrivatizedEvent
	Origin      string
	SourceIP    string
	BypassDelay bool // test hook, skips the random hold
}

// Accepted reports the applied hold and the collector outcome.
type Accepted struct {
	Delay  time.Duration
	Result *collector.Result
}

// Handle runs the full shuffle flow: verify, admit, burn nonce, hold,
// forward, purge.
func (s *Shuffler) Handle(ctx context.Context, req Request) (*Accepted, error) {
	if req.Nonce == "" {
		return nil, fmt.Errorf("%w: nonce required", ErrInvalidRequest)
	}

	claims, err := s.tokens.Verify(ctx, req.Token, req.Origin)
	if err != nil {
		return nil, err
	}

	if ok, retryAfter := s.limiter.Admit(claims.SiteID, req.SourceIP, claims.Plan); !ok {
		s.metrics.RecordRateLimited(claims.SiteID, req.SourceIP)
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	if err := s.store.InsertNonce(ctx, req.Nonce, claims.SiteID, s.now()); err != nil {
		if errors.Is(err, store.ErrNonceReplay) {
			return nil, ErrReplay
		}
		return nil, fmt.Errorf("recording nonce: %v", err)
	}

	// The nonce is burned from here on. Decorrelate arrival time from
	// event time, then forward no matter what the client does.
	var delay time.Duration
	if !req.BypassDelay {
		delay = s.randDelay(s.maxDelay)
		s.sleep(delay)
	}
	s.metrics.RecordShuffleHold(delay.Seconds())

	res, err := s.deliver(ctx, collector.Batch{
		SiteID:           claims.SiteID,
		ServerReceivedAt: s.now(),
		Reports:          req.Batch,
	})
	if err != nil {
		return nil, err
	}

	s.purgeExpiredNonces(ctx)
	return &Accepted{Delay: delay, Result: res}, nil
}

// deliver forwards the batch on a context that survives client disconnects,
// retrying transient failures. Validation failures from the collector are
// permanent and returned as-is.
func (s *Shuffler) deliver(ctx context.Context, batch collector.Batch) (*collector.Result, error) {
	detached := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= forwardAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(detached, forwardTimeout)
		res, err := s.forward.Ingest(attemptCtx, batch)
		cancel()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, collector.ErrInvalidEvent) || errors.Is(err, collector.ErrPlanForbidden) {
			return nil, err
		}
		lastErr = err
		log.Printf("[Shuffler] forward attempt %d/%d for %s failed: %v", attempt, forwardAttempts, batch.SiteID, err)
		if attempt < forwardAttempts {
			s.sleep(forwardBackoff)
		}
	}
	return nil, fmt.Errorf("forwarding batch for %s: %v", batch.SiteID, lastErr)
}

// purgeExpiredNonces drops nonce rows past the retention horizon. Best
// effort; failures only log.
func (s *Shuffler) purgeExpiredNonces(ctx context.Context) {
	cutoff := s.now().Add(-s.nonceRetention)
	purgeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if n, err := s.store.PurgeNoncesBefore(purgeCtx, cutoff); err != nil {
		log.Printf("[Shuffler] nonce purge failed: %v", err)
	} else if n > 0 {
		log.Printf("[Shuffler] purged %d expired nonces", n)
	}
}

// uniformDelay draws a hold uniformly from [0, max]. The draw never
// depends on request contents.
func uniformDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)+1))
	if err != nil {
		log.Printf("[Shuffler] hold randomness unavailable, skipping hold: %v", err)
		return 0
	}
	return time.Duration(n.Int64())
}
