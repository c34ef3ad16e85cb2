package ratelimit

import (
	"context"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────
// Per-(site, source IP) Sliding-Window Rate Limiter
//
// Each (site_id, source_ip) pair gets its own window of recent admission
// timestamps. An attempt appends its timestamp, expires entries older
// than one minute, and is rejected when the window holds more than the
// site plan's per-minute allowance. Rejected attempts still occupy the
// window, so a flooding client cannot probe its way back in early.
//
// This is an in-process approximation: each replica counts only its own
// traffic. A background goroutine evicts windows that have been idle for
// more than cleanupIdleDuration to prevent unbounded memory growth from
// transient clients.
// ──────────────────────────────────────────────────────────────────────

const (
	windowLength        = time.Minute
	cleanupIdleDuration = 10 * time.Minute
)

type key struct {
	siteID   string
	sourceIP string
}

type window struct {
	mu       sync.Mutex
	events   []time.Time
	lastSeen time.Time
}

// Limiter holds per-(site, ip) state.
type Limiter struct {
	perPlan  map[string]int // admissions per minute by plan name
	fallback int            // used when the plan is unknown
	mu       sync.Mutex
	windows  map[key]*window
	now      func() time.Time
}

// NewLimiter creates a limiter with per-plan allowances. Plans missing
// from perPlan fall back to the given default.
func NewLimiter(perPlan map[string]int, fallback int) *Limiter {
	limits := make(map[string]int, len(perPlan))
	for plan, n := range perPlan {
		limits[plan] = n
	}
	return &Limiter{
		perPlan:  limits,
		fallback: fallback,
		windows:  make(map[key]*window),
		now:      time.Now,
	}
}

// LimitFor returns the per-minute allowance for a plan.
func (l *Limiter) LimitFor(plan string) int {
	if n, ok := l.perPlan[plan]; ok {
		return n
	}
	return l.fallback
}

// Admit records an attempt for the (site, ip) pair and reports whether it
// is within the plan's allowance. When rejected, the returned duration is
// how long the caller should wait before retrying.
func (l *Limiter) Admit(siteID, sourceIP, plan string) (bool, time.Duration) {
	limit := l.LimitFor(plan)

	k := key{siteID: siteID, sourceIP: sourceIP}
	l.mu.Lock()
	w, ok := l.windows[k]
	if !ok {
		w = &window{}
		l.windows[k] = w
	}
	l.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-windowLength)

	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events = append(kept, now)
	w.lastSeen = now

	n := len(w.events)
	if n <= limit {
		return true, 0
	}
	if limit <= 0 {
		return false, windowLength
	}

	// The window drains oldest-first; the attempt can pass once enough
	// entries have aged out.
	retryAt := w.events[n-limit].Add(windowLength)
	retryAfter := retryAt.Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter
}

// CleanupLoop evicts idle windows until the context is cancelled.
func (l *Limiter) CleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(l.now().Add(-cleanupIdleDuration))
		}
	}
}

// sweep drops windows whose last admission attempt predates the cutoff.
func (l *Limiter) sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		w.mu.Lock()
		idle := w.lastSeen.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(l.windows, k)
		}
	}
}
