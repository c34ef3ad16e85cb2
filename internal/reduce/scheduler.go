package reduce

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/atnightfa11/marketing-analytics/internal/metrics"
)

// ErrRunInFlight is returned when a reduction is requested while another
// run still holds the lock. The caller maps it to 409.
var ErrRunInFlight = errors.New("a reduction is already running")

// Scheduler drives the reducer as a singleton task: one timer-driven run
// at a time, with on-demand triggers sharing the same try-lock so
// overlapping requests coalesce instead of stacking up.
type Scheduler struct {
	reducer  *Reducer
	metrics  *metrics.Metrics
	interval time.Duration
	mu       sync.Mutex
	now      func() time.Time
}

func NewScheduler(r *Reducer, m *metrics.Metrics, interval time.Duration) *Scheduler {
	return &Scheduler{
		reducer:  r,
		metrics:  m,
		interval: interval,
		now:      time.Now,
	}
}

// Run fires a reduction every interval until the context is cancelled.
// Each tick covers yesterday and today so reports straddling midnight are
// always reprocessed on both sides of the boundary.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Reducer] scheduler running every %s", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Reducer] scheduler stopping")
			return
		case <-ticker.C:
			today := dayStart(s.now())
			if err := s.TriggerRange(ctx, today.Add(-24*time.Hour), today); err != nil && !errors.Is(err, ErrRunInFlight) {
				log.Printf("[Reducer] scheduled run failed: %v", err)
			}
		}
	}
}

// TriggerRange runs one reduction over the inclusive day range, unless a
// run is already in flight.
func (s *Scheduler) TriggerRange(ctx context.Context, startDay, endDay time.Time) error {
	if !s.mu.TryLock() {
		s.metrics.RecordReduceRun(metrics.ReduceSkipped, 0)
		return ErrRunInFlight
	}
	defer s.mu.Unlock()

	started := time.Now()
	summary, err := s.reducer.ReduceRange(ctx, startDay, endDay)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		s.metrics.RecordReduceRun(metrics.ReduceError, elapsed)
		return err
	}
	s.metrics.RecordReduceRun(metrics.ReduceOK, elapsed)
	log.Printf("[Reducer] published %d windows from %d reports, %d buckets suppressed (%.2fs)",
		summary.Windows, summary.ReportsRead, summary.Skipped, elapsed)
	return nil
}
