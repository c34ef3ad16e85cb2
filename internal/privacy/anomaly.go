package privacy

import (
	"sync"
	"time"

	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

// AnomalyDetector keeps an exponentially weighted baseline (mean and
// variance) per (site, metric) and flags published windows that deviate from
// it. Flagging is advisory: it feeds a counter and the live stream, never
// the pipeline.
type AnomalyDetector struct {
	mu        sync.Mutex
	baselines map[string]*ewmaState

	alpha   float64 // EWMA weight for new observations
	zThresh float64 // deviation threshold in baseline standard deviations
	minObs  int     // observations before the baseline is trusted
}

type ewmaState struct {
	mean     float64
	variance float64
	count    int
}

// NewAnomalyDetector returns a detector with the given EWMA weight and
// z-score threshold. A warmup of minObs observations suppresses flags while
// the baseline settles.
func NewAnomalyDetector(alpha, zThresh float64, minObs int) *AnomalyDetector {
	return &AnomalyDetector{
		baselines: make(map[string]*ewmaState),
		alpha:     alpha,
		zThresh:   zThresh,
		minObs:    minObs,
	}
}

// Observe folds a published window value into the baseline for its
// (site, metric) and returns an alert when the value deviates beyond the
// threshold. The observation always updates the baseline, flagged or not.
func (d *AnomalyDetector) Observe(siteID, metric string, windowStart time.Time, value float64) *models.AnomalyAlert {
	key := siteID + "\x00" + metric

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.baselines[key]
	if !ok {
		st = &ewmaState{mean: value}
		d.baselines[key] = st
		st.count = 1
		return nil
	}

	var alert *models.AnomalyAlert
	diff := value - st.mean
	if st.count >= d.minObs && st.variance > 0 {
		z := diff / StandardError(st.variance)
		if z < 0 {
			z = -z
		}
		if z >= d.zThresh {
			alert = &models.AnomalyAlert{
				SiteID:      siteID,
				Metric:      metric,
				WindowStart: windowStart,
				Value:       value,
				Baseline:    st.mean,
				ZScore:      z,
			}
		}
	}

	// West's incremental EWMA update for mean and variance.
	incr := d.alpha * diff
	st.mean += incr
	st.variance = (1.0 - d.alpha) * (st.variance + diff*incr)
	st.count++

	return alert
}
