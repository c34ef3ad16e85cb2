package privacy

import (
	"testing"
	"time"
)

func TestAnomalyDetector_FlagsSpike(t *testing.T) {
	det := NewAnomalyDetector(0.3, 3.0, 5)
	w := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Stable baseline around 100 with mild jitter.
	series := []float64{100, 101, 99, 100, 101, 100, 99, 100, 101, 100}
	for i, v := range series {
		if alert := det.Observe("site-a", "pageviews", w.Add(time.Duration(i)*time.Minute), v); alert != nil {
			t.Fatalf("stable series must not flag (observation %d, value %v)", i, v)
		}
	}

	alert := det.Observe("site-a", "pageviews", w.Add(time.Hour), 100000)
	if alert == nil {
		t.Fatal("1000x spike must be flagged")
	}
	if alert.SiteID != "site-a" || alert.Metric != "pageviews" {
		t.Errorf("alert carries wrong identity: %+v", alert)
	}
	if alert.ZScore < 3.0 {
		t.Errorf("alert z-score below threshold: %v", alert.ZScore)
	}
}

func TestAnomalyDetector_WarmupSuppressesFlags(t *testing.T) {
	det := NewAnomalyDetector(0.3, 3.0, 10)
	w := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	det.Observe("site-b", "uniques", w, 10)
	det.Observe("site-b", "uniques", w.Add(time.Minute), 12)

	// Third observation is wild but the baseline has not warmed up yet.
	if alert := det.Observe("site-b", "uniques", w.Add(2*time.Minute), 5000); alert != nil {
		t.Errorf("flags must be suppressed during warmup, got %+v", alert)
	}
}

func TestAnomalyDetector_IndependentBaselines(t *testing.T) {
	det := NewAnomalyDetector(0.3, 3.0, 3)
	w := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		det.Observe("site-a", "pageviews", w.Add(time.Duration(i)*time.Minute), 100+float64(i%3))
		det.Observe("site-a", "uniques", w.Add(time.Duration(i)*time.Minute), 100000+float64(i%3))
	}

	// The large-valued metric must not desensitize the small one.
	if alert := det.Observe("site-a", "pageviews", w.Add(time.Hour), 50000); alert == nil {
		t.Error("per-metric baseline should flag a spike on the small metric")
	}
}
