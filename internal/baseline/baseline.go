// Package baseline computes reference statistics from a block of
// known-normal sensor readings. The result parameterizes every detector
// in the bank; it is recomputed only on an explicit, approval-gated
// re-baseline.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultMinSamples is the minimum calibration block size when the caller
// does not specify one.
const DefaultMinSamples = 100

// ErrInsufficientSamples is returned when the calibration block is smaller
// than the requested minimum.
var ErrInsufficientSamples = errors.New("insufficient samples for baseline")

// Baseline holds the reference statistics for one sensor. Immutable after
// creation; a re-baseline replaces the whole value.
type Baseline struct {
	Mean           float64 `json:"mean"`
	Std            float64 `json:"std"` // population standard deviation
	Median         float64 `json:"median"`
	MAD            float64 `json:"mad"` // median absolute deviation
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	Q1             float64 `json:"q1"`
	Q3             float64 `json:"q3"`
	IQR            float64 `json:"iqr"`
	SampleCount    int     `json:"sample_count"`
	IsNormal       bool    `json:"is_normal"`
	NormalityP     float64 `json:"normality_p"`
	IsStationary   bool    `json:"is_stationary"`
	MeanDriftSigma float64 `json:"mean_drift_sigma"`
}

// Estimate computes a Baseline from an ordered block of known-normal
// values. minSamples <= 0 selects DefaultMinSamples. The computation is
// pure: identical input yields a bit-identical Baseline.
func Estimate(values []float64, minSamples int) (*Baseline, error) {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if len(values) < minSamples {
		return nil, fmt.Errorf("%w: got %d, need %d", ErrInsufficientSamples, len(values), minSamples)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value at index %d", i)
		}
	}

	n := len(values)
	mean := Mean(values)
	std := populationStd(values, mean)

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	median := Percentile(sorted, 50)
	q1 := Percentile(sorted, 25)
	q3 := Percentile(sorted, 75)

	b := &Baseline{
		Mean:        mean,
		Std:         std,
		Median:      median,
		MAD:         mad(values, median),
		Min:         sorted[0],
		Max:         sorted[n-1],
		Q1:          q1,
		Q3:          q3,
		IQR:         q3 - q1,
		SampleCount: n,
	}

	// Stationarity: compare the two chronological halves in units of the
	// overall standard deviation.
	firstMean := Mean(values[:n/2])
	secondMean := Mean(values[n/2:])
	if std > 0 {
		b.MeanDriftSigma = math.Abs(secondMean-firstMean) / std
	}
	b.IsStationary = b.MeanDriftSigma < 0.5

	// Normality: exact-style test for small samples, moment-based
	// approximation for large ones. A zero-variance block is trivially
	// non-normal and downstream disables every std-dividing detector.
	if std > 0 {
		if n <= 5000 {
			b.NormalityP = andersonDarlingP(sorted)
		} else {
			b.NormalityP = jarqueBeraP(values, mean, std)
		}
		b.IsNormal = b.NormalityP > 0.05
	}

	return b, nil
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Percentile returns the p-th percentile of sorted (ascending) values
// using linear interpolation between closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// populationStd returns the population (ddof=0) standard deviation.
func populationStd(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// sampleStd returns the sample (ddof=1) standard deviation.
func sampleStd(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// mad returns the median absolute deviation from the given median.
func mad(values []float64, median float64) float64 {
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - median)
	}
	sort.Float64s(devs)
	return Percentile(devs, 50)
}

// andersonDarlingP runs the Anderson-Darling goodness-of-fit test against
// a normal distribution with estimated mean and variance (case 4) and
// returns the approximate p-value (D'Agostino & Stephens, 1986).
func andersonDarlingP(sorted []float64) float64 {
	n := len(sorted)
	mean := Mean(sorted)
	std := sampleStd(sorted, mean)
	if std == 0 {
		return 0
	}

	norm := distuv.UnitNormal
	var a2 float64
	for i, v := range sorted {
		z := (v - mean) / std
		zr := (sorted[n-1-i] - mean) / std
		cdf := clampProb(norm.CDF(z))
		sf := clampProb(1 - norm.CDF(zr))
		a2 += float64(2*i+1) * (math.Log(cdf) + math.Log(sf))
	}
	a2 = -float64(n) - a2/float64(n)

	// Small-sample adjustment.
	nf := float64(n)
	a2 *= 1 + 0.75/nf + 2.25/(nf*nf)

	switch {
	case a2 >= 0.6:
		return math.Exp(1.2937 - 5.709*a2 + 0.0186*a2*a2)
	case a2 >= 0.34:
		return math.Exp(0.9177 - 4.279*a2 - 1.38*a2*a2)
	case a2 > 0.2:
		return 1 - math.Exp(-8.318+42.796*a2-59.938*a2*a2)
	default:
		return 1 - math.Exp(-13.436+101.14*a2-223.73*a2*a2)
	}
}

// jarqueBeraP runs the Jarque-Bera moment test and returns the p-value
// from a chi-squared distribution with 2 degrees of freedom.
func jarqueBeraP(values []float64, mean, std float64) float64 {
	n := float64(len(values))
	var m3, m4 float64
	for _, v := range values {
		d := v - mean
		m3 += d * d * d
		m4 += d * d * d * d
	}
	m3 /= n
	m4 /= n

	skew := m3 / (std * std * std)
	kurt := m4 / (std * std * std * std)
	jb := n / 6 * (skew*skew + (kurt-3)*(kurt-3)/4)

	chi2 := distuv.ChiSquared{K: 2}
	return chi2.Survival(jb)
}

// clampProb keeps a probability strictly inside (0, 1) so its logarithm
// stays finite.
func clampProb(p float64) float64 {
	const eps = 1e-15
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}
