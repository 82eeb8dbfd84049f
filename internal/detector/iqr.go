package detector

import (
	"fmt"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
)

// IQR flags readings outside the interquartile fences
// [Q1 - factor*IQR, Q3 + factor*IQR]. It makes no distributional
// assumption and stays enabled regardless of baseline shape.
type IQR struct {
	lower float64
	upper float64
}

// NewIQR builds an IQR fence detector from the baseline.
func NewIQR(b *baseline.Baseline, cfg Config) *IQR {
	return &IQR{
		lower: b.Q1 - cfg.IQRFactor*b.IQR,
		upper: b.Q3 + cfg.IQRFactor*b.IQR,
	}
}

func (q *IQR) Name() string { return "iqr" }

func (q *IQR) Enabled() bool { return true }

func (q *IQR) Update(r Reading) Vote {
	if !finite(r.Value) {
		return invalidVote(q.Name())
	}
	return Vote{
		Detector: q.Name(),
		Anomaly:  r.Value < q.lower || r.Value > q.upper,
		Detail:   fmt.Sprintf("bounds=[%.4f, %.4f]", q.lower, q.upper),
	}
}

func (q *IQR) Reset() {}
