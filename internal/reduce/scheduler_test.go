package reduce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atnightfa11/marketing-analytics/internal/metrics"
	"github.com/atnightfa11/marketing-analytics/internal/privacy"
	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

func newTestScheduler(fs *fakeStore) (*Scheduler, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	r := New(fs, privacy.ZeroSource{}, m, nil, nil, testConfig())
	r.now = func() time.Time { return baseTime.Add(time.Hour) }
	s := NewScheduler(r, m, 300*time.Second)
	s.now = func() time.Time { return baseTime.Add(time.Hour) }
	return s, m
}

func TestTriggerRangeRuns(t *testing.T) {
	fs := &fakeStore{}
	fs.raws = bitReports("site-a", models.KindPageviews, baseTime, 0.5, 1.0, 4, 12)
	s, m := newTestScheduler(fs)

	err := s.TriggerRange(context.Background(), baseTime, baseTime)
	require.NoError(t, err)
	assert.Len(t, fs.windows, 1)

	ok := testutil.ToFloat64(m.ReduceRuns.WithLabelValues(metrics.ReduceOK))
	assert.Equal(t, 1.0, ok)
}

func TestTriggerRangeCoalesces(t *testing.T) {
	fs := &fakeStore{}
	s, m := newTestScheduler(fs)

	// Simulate a run in flight by holding the lock.
	s.mu.Lock()
	err := s.TriggerRange(context.Background(), baseTime, baseTime)
	s.mu.Unlock()

	assert.ErrorIs(t, err, ErrRunInFlight)
	skipped := testutil.ToFloat64(m.ReduceRuns.WithLabelValues(metrics.ReduceSkipped))
	assert.Equal(t, 1.0, skipped)
	assert.Zero(t, fs.saves, "a coalesced trigger must not touch the store")
}

func TestTriggerRangeSerializesConcurrentCallers(t *testing.T) {
	fs := &fakeStore{}
	fs.raws = bitReports("site-a", models.KindPageviews, baseTime, 0.5, 1.0, 4, 12)
	s, m := newTestScheduler(fs)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.TriggerRange(context.Background(), baseTime, baseTime)
		}()
	}
	wg.Wait()

	ran := testutil.ToFloat64(m.ReduceRuns.WithLabelValues(metrics.ReduceOK))
	skipped := testutil.ToFloat64(m.ReduceRuns.WithLabelValues(metrics.ReduceSkipped))
	assert.Equal(t, 8.0, ran+skipped, "every trigger either runs or coalesces")
	assert.GreaterOrEqual(t, ran, 1.0)
	assert.Equal(t, float64(fs.saves), ran, "each completed run saves exactly once")
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	fs := &fakeStore{}
	s, _ := newTestScheduler(fs)
	s.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestReduceErrorCounted(t *testing.T) {
	fs := &fakeStore{saveErr: assert.AnError}
	fs.raws = bitReports("site-a", models.KindPageviews, baseTime, 0.5, 1.0, 4, 12)
	s, m := newTestScheduler(fs)

	err := s.TriggerRange(context.Background(), baseTime, baseTime)
	require.Error(t, err)
	failed := testutil.ToFloat64(m.ReduceRuns.WithLabelValues(metrics.ReduceError))
	assert.Equal(t, 1.0, failed)
}
