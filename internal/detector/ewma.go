package detector

import (
	"encoding/json"
	"fmt"
	"math"
)

// EWMA maintains an exponentially weighted running mean and variance and
// flags readings deviating from the smoothed mean by more than
// sigmaThreshold standard deviations. Flagged readings are NOT absorbed
// into the running estimates, so a burst of outliers cannot drag the
// smoothed baseline toward itself.
type EWMA struct {
	alpha          float64
	sigmaThreshold float64

	initialized bool
	mean        float64
	variance    float64
}

// ewmaState is the persisted running state.
type ewmaState struct {
	Initialized bool    `json:"initialized"`
	Mean        float64 `json:"mean"`
	Variance    float64 `json:"variance"`
}

// NewEWMA builds an EWMA detector. Its estimates are self-seeded from
// the stream, so it needs nothing from the baseline.
func NewEWMA(cfg Config) *EWMA {
	return &EWMA{
		alpha:          cfg.EWMAAlpha,
		sigmaThreshold: cfg.EWMASigmaThreshold,
	}
}

func (e *EWMA) Name() string { return "ewma" }

func (e *EWMA) Enabled() bool { return true }

func (e *EWMA) Update(r Reading) Vote {
	if !finite(r.Value) {
		return invalidVote(e.Name())
	}

	if !e.initialized {
		e.initialized = true
		e.mean = r.Value
		e.variance = 0
		return Vote{Detector: e.Name(), Skipped: true, Detail: "initialized"}
	}

	// No spread estimate yet: absorb the reading but sit the vote out,
	// the same way the moving average handles a zero-variance window.
	if e.variance == 0 {
		e.absorb(r.Value)
		return Vote{Detector: e.Name(), Skipped: true, Detail: "zero variance"}
	}

	dev := math.Abs(r.Value-e.mean) / math.Sqrt(e.variance)
	anomaly := dev > e.sigmaThreshold

	// Only clean readings feed the smoothing recurrence.
	if !anomaly {
		e.absorb(r.Value)
	}

	return Vote{
		Detector: e.Name(),
		Anomaly:  anomaly,
		Detail:   fmt.Sprintf("deviation=%.2fσ threshold=%.1fσ", dev, e.sigmaThreshold),
	}
}

func (e *EWMA) absorb(v float64) {
	diff := v - e.mean
	e.mean += e.alpha * diff
	e.variance = (1 - e.alpha) * (e.variance + e.alpha*diff*diff)
}

func (e *EWMA) Reset() {
	e.initialized = false
	e.mean = 0
	e.variance = 0
}

// Estimates exposes the current smoothed mean and variance for
// diagnostics and tests.
func (e *EWMA) Estimates() (mean, variance float64) {
	return e.mean, e.variance
}

func (e *EWMA) StateJSON() ([]byte, error) {
	return json.Marshal(ewmaState{Initialized: e.initialized, Mean: e.mean, Variance: e.variance})
}

func (e *EWMA) RestoreState(data []byte) error {
	var s ewmaState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("restore ewma state: %w", err)
	}
	e.initialized = s.Initialized
	e.mean = s.Mean
	e.variance = s.Variance
	return nil
}
