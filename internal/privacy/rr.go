package privacy

import "math"

// Two-sided z quantiles for the published confidence intervals.
const (
	Z80 = 1.2816
	Z95 = 1.9599
)

// EpsNumerical is the numerical floor below which a channel denominator or
// sampling rate is treated as degenerate instead of dividing by it.
const EpsNumerical = 1e-12

// ProbTrue returns the probability that a randomized-response client reports
// its true bit: p = e^ε / (1 + e^ε). ε = 0 is a fair coin (0.5); large ε
// approaches 1 (no privacy).
func ProbTrue(epsilon float64) float64 {
	e := math.Exp(epsilon)
	return e / (1.0 + e)
}

// EffectiveChannel folds the client sampling rate into the RR channel.
// Sampled-out clients answer with a fair coin, so the observed channel is a
// mixture: pEff = s·p + (1−s)·0.5 and symmetrically for qEff.
func EffectiveChannel(epsilon, sampling float64) (pEff, qEff float64) {
	p := ProbTrue(epsilon)
	q := 1.0 - p
	pEff = sampling*p + (1.0-sampling)*0.5
	qEff = sampling*q + (1.0-sampling)*0.5
	return pEff, qEff
}

// UnbiasedEstimate inverts the effective RR channel over a bucket of
// randomized bits. ones is the count of 1-bits, total the bucket size, alpha
// a small Bayesian prior that trades a fixed bias for stability at low
// counts. The returned estimate is clamped into [0, total/max(s, floor)];
// the variance is the binomial variance of the observed channel propagated
// through the linear unbiasing.
func UnbiasedEstimate(ones, total, epsilon, sampling, alpha float64) (estimate, variance float64) {
	pEff, qEff := EffectiveChannel(epsilon, sampling)
	denom := pEff - qEff
	if math.Abs(denom) < EpsNumerical {
		return 0, 0
	}

	estimate = (ones - total*qEff) / denom
	estimate += alpha

	upper := total / math.Max(sampling, EpsNumerical)
	if estimate < 0 {
		estimate = 0
	}
	if estimate > upper {
		estimate = upper
	}

	variance = total * pEff * (1.0 - pEff) / (denom * denom)
	return estimate, variance
}

// StandardError returns √max(variance, 0).
func StandardError(variance float64) float64 {
	return math.Sqrt(math.Max(variance, 0))
}

// ConfidenceInterval returns the two-sided interval estimate ± z·se. Bounds
// are not clamped here; publication clamps them at zero.
func ConfidenceInterval(estimate, se, z float64) (low, high float64) {
	return estimate - z*se, estimate + z*se
}
