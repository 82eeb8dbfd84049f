package detector

import (
	"fmt"
	"math"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
)

// madScale converts a median absolute deviation into a consistent
// estimator of the standard deviation for normal data.
const madScale = 0.6745

// ModifiedZScore is the robust z-score variant built on the baseline
// median and median absolute deviation, insensitive to the tail behavior
// that skews the plain z-score. Disabled when MAD is zero.
type ModifiedZScore struct {
	median    float64
	mad       float64
	threshold float64
}

// NewModifiedZScore builds a modified z-score detector from the baseline.
func NewModifiedZScore(b *baseline.Baseline, cfg Config) *ModifiedZScore {
	return &ModifiedZScore{
		median:    b.Median,
		mad:       b.MAD,
		threshold: cfg.ModifiedZThreshold,
	}
}

func (m *ModifiedZScore) Name() string { return "modified_zscore" }

func (m *ModifiedZScore) Enabled() bool { return m.mad > 0 }

func (m *ModifiedZScore) Update(r Reading) Vote {
	if !finite(r.Value) {
		return invalidVote(m.Name())
	}
	score := madScale * (r.Value - m.median) / m.mad
	return Vote{
		Detector: m.Name(),
		Anomaly:  math.Abs(score) > m.threshold,
		Detail:   fmt.Sprintf("modified_z=%.2f threshold=%.1f", score, m.threshold),
	}
}

func (m *ModifiedZScore) Reset() {}
