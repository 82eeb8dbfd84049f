package detector

import (
	"fmt"
	"math"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
)

// ZScore flags readings whose deviation from the baseline mean exceeds a
// threshold in units of the baseline standard deviation. It is a pure
// function of (baseline, reading) with no running state, and is disabled
// when the baseline has zero variance or failed the normality test.
type ZScore struct {
	mean      float64
	std       float64
	threshold float64
	enabled   bool
}

// NewZScore builds a z-score detector from the baseline.
func NewZScore(b *baseline.Baseline, cfg Config) *ZScore {
	return &ZScore{
		mean:      b.Mean,
		std:       b.Std,
		threshold: cfg.ZScoreThreshold,
		enabled:   b.Std > 0 && b.IsNormal,
	}
}

func (z *ZScore) Name() string { return "zscore" }

func (z *ZScore) Enabled() bool { return z.enabled }

func (z *ZScore) Update(r Reading) Vote {
	if !finite(r.Value) {
		return invalidVote(z.Name())
	}
	score := (r.Value - z.mean) / z.std
	return Vote{
		Detector: z.Name(),
		Anomaly:  math.Abs(score) > z.threshold,
		Detail:   fmt.Sprintf("z=%.2f threshold=%.1f", score, z.threshold),
	}
}

func (z *ZScore) Reset() {}
