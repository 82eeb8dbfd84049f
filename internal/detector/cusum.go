package detector

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
)

// CUSUM detects sustained small shifts of the mean using two one-sided
// cumulative sums against the baseline mean. The slack k absorbs
// allowable drift; a sum exceeding the decision threshold h flags a
// shift.
//
// Known limitation: the exceeding sum resets to zero on the update that
// flags it, so a sustained shift oscillating around h re-triggers
// repeatedly instead of staying latched. Preserved for compatibility
// with the established tuning.
type CUSUM struct {
	target  float64
	slack   float64 // k, absolute
	decide  float64 // h, absolute
	enabled bool

	sHigh float64
	sLow  float64
}

// cusumState is the persisted running state.
type cusumState struct {
	SHigh float64 `json:"s_high"`
	SLow  float64 `json:"s_low"`
}

// NewCUSUM builds a CUSUM detector targeting the baseline mean with
// slack and decision thresholds scaled by the baseline std.
func NewCUSUM(b *baseline.Baseline, cfg Config) *CUSUM {
	return &CUSUM{
		target:  b.Mean,
		slack:   cfg.CUSUMSlackSigma * b.Std,
		decide:  cfg.CUSUMDecisionSigma * b.Std,
		enabled: b.Std > 0,
	}
}

func (c *CUSUM) Name() string { return "cusum" }

func (c *CUSUM) Enabled() bool { return c.enabled }

func (c *CUSUM) Update(r Reading) Vote {
	if !finite(r.Value) {
		return invalidVote(c.Name())
	}

	dev := r.Value - c.target
	c.sHigh = math.Max(0, c.sHigh+dev-c.slack)
	c.sLow = math.Max(0, c.sLow-dev-c.slack)

	vote := Vote{
		Detector: c.Name(),
		Detail:   fmt.Sprintf("s_high=%.4f s_low=%.4f h=%.4f", c.sHigh, c.sLow, c.decide),
	}
	if c.sHigh > c.decide {
		vote.Anomaly = true
		vote.Detail = fmt.Sprintf("upward shift: s_high=%.4f > h=%.4f", c.sHigh, c.decide)
		c.sHigh = 0
	}
	if c.sLow > c.decide {
		vote.Anomaly = true
		vote.Detail = fmt.Sprintf("downward shift: s_low=%.4f > h=%.4f", c.sLow, c.decide)
		c.sLow = 0
	}
	return vote
}

func (c *CUSUM) Reset() {
	c.sHigh = 0
	c.sLow = 0
}

// Sums exposes the current cumulative sums for diagnostics and tests.
func (c *CUSUM) Sums() (high, low float64) {
	return c.sHigh, c.sLow
}

func (c *CUSUM) StateJSON() ([]byte, error) {
	return json.Marshal(cusumState{SHigh: c.sHigh, SLow: c.sLow})
}

func (c *CUSUM) RestoreState(data []byte) error {
	var s cusumState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("restore cusum state: %w", err)
	}
	c.sHigh = s.SHigh
	c.sLow = s.SLow
	return nil
}
