package detector

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// GrubbsResult is the outcome of a Grubbs single-outlier test over a
// closed sample.
type GrubbsResult struct {
	OutlierIndex int     `json:"outlier_index"`
	OutlierValue float64 `json:"outlier_value"`
	G            float64 `json:"g"`
	Critical     float64 `json:"critical"`
	IsOutlier    bool    `json:"is_outlier"`
}

// GrubbsCheck runs the two-sided Grubbs test for a single outlier on a
// finite sample at significance alpha. Unlike the streaming detectors it
// operates on a closed window; it is used to screen calibration blocks
// before a baseline is established. Requires at least 3 values.
func GrubbsCheck(values []float64, alpha float64) (GrubbsResult, error) {
	n := len(values)
	if n < 3 {
		return GrubbsResult{}, fmt.Errorf("grubbs test needs at least 3 values, got %d", n)
	}
	if alpha <= 0 || alpha >= 1 {
		return GrubbsResult{}, fmt.Errorf("grubbs alpha must be in (0, 1), got %v", alpha)
	}
	for i, v := range values {
		if !finite(v) {
			return GrubbsResult{}, fmt.Errorf("non-finite value at index %d", i)
		}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n-1)) // sample std, ddof=1
	if std == 0 {
		// All values identical: nothing can be an outlier.
		return GrubbsResult{OutlierIndex: -1}, nil
	}

	maxIdx := 0
	maxDev := 0.0
	for i, v := range values {
		if d := math.Abs(v - mean); d > maxDev {
			maxDev = d
			maxIdx = i
		}
	}
	g := maxDev / std

	// Critical value from the Student-t distribution at alpha/(2N).
	nf := float64(n)
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nf - 2}.Quantile(1 - alpha/(2*nf))
	critical := (nf - 1) / math.Sqrt(nf) * math.Sqrt(t*t/(nf-2+t*t))

	return GrubbsResult{
		OutlierIndex: maxIdx,
		OutlierValue: values[maxIdx],
		G:            g,
		Critical:     critical,
		IsOutlier:    g > critical,
	}, nil
}
