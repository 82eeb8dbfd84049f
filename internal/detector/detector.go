// Package detector implements the bank of independent statistical
// detectors that vote on each incoming reading. Every detector is built
// from a Baseline plus a Config and owns its running state exclusively;
// no state is shared between detectors or sensors.
package detector

import (
	"encoding/json"
	"math"
	"time"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
)

// Reading is one sensor sample. Immutable once produced.
type Reading struct {
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Vote is a single detector's verdict on one reading. Skipped votes are
// excluded from consensus (warm-up, zero-variance edge cases).
type Vote struct {
	Detector string `json:"detector"`
	Anomaly  bool   `json:"anomaly"`
	Skipped  bool   `json:"skipped,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Detector is the contract every method in the bank implements.
type Detector interface {
	Name() string
	// Enabled reports whether the detector can vote at all under the
	// current baseline (a zero-std baseline disables std-dividing methods).
	Enabled() bool
	Update(r Reading) Vote
	Reset()
}

// Stateful is implemented by detectors whose running state is persisted
// for warm restart (CUSUM sums, EWMA estimates, moving-average window).
type Stateful interface {
	StateJSON() ([]byte, error)
	RestoreState(data []byte) error
}

// invalidInputDetail tags votes forced by non-finite input.
const invalidInputDetail = "invalid input: non-finite value"

// finite reports whether v is a usable sample.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// invalidVote is the mandatory anomaly vote for non-finite input.
func invalidVote(name string) Vote {
	return Vote{Detector: name, Anomaly: true, Detail: invalidInputDetail}
}

// Config holds the per-detector tuning parameters. Thresholds expressed
// in sigma units are scaled by the baseline at construction time.
type Config struct {
	ZScoreThreshold    float64 `json:"zscore_threshold"`
	ModifiedZThreshold float64 `json:"modified_z_threshold"`
	IQRFactor          float64 `json:"iqr_factor"`
	CUSUMSlackSigma    float64 `json:"cusum_slack_sigma"`    // k, in baseline sigmas
	CUSUMDecisionSigma float64 `json:"cusum_decision_sigma"` // h, in baseline sigmas
	EWMAAlpha          float64 `json:"ewma_alpha"`
	EWMASigmaThreshold float64 `json:"ewma_sigma_threshold"`
	WindowSize         int     `json:"window_size"`
	WindowSigma        float64 `json:"window_sigma"`
	GrubbsAlpha        float64 `json:"grubbs_alpha"`
}

// DefaultConfig returns the standard detector tuning.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:    3.0,
		ModifiedZThreshold: 3.5,
		IQRFactor:          1.5,
		CUSUMSlackSigma:    0.5,
		CUSUMDecisionSigma: 5.0,
		EWMAAlpha:          0.3,
		EWMASigmaThreshold: 3.0,
		WindowSize:         20,
		WindowSigma:        3.0,
		GrubbsAlpha:        0.05,
	}
}

// Bank is the per-sensor set of detectors. Construction derives every
// detector's parameters deterministically from the baseline.
type Bank struct {
	detectors []Detector
}

// NewBank builds the full detector bank for the given baseline.
func NewBank(b *baseline.Baseline, cfg Config) *Bank {
	return &Bank{detectors: []Detector{
		NewZScore(b, cfg),
		NewModifiedZScore(b, cfg),
		NewIQR(b, cfg),
		NewCUSUM(b, cfg),
		NewEWMA(cfg),
		NewMovingAverage(cfg),
	}}
}

// Update feeds one reading to every enabled detector and returns their
// votes. Disabled detectors stay silent.
func (bk *Bank) Update(r Reading) []Vote {
	votes := make([]Vote, 0, len(bk.detectors))
	for _, d := range bk.detectors {
		if !d.Enabled() {
			continue
		}
		votes = append(votes, d.Update(r))
	}
	return votes
}

// Reset clears all mutable detector state. Called on re-baseline.
func (bk *Bank) Reset() {
	for _, d := range bk.detectors {
		d.Reset()
	}
}

// EnabledCount returns the number of detectors able to vote.
func (bk *Bank) EnabledCount() int {
	n := 0
	for _, d := range bk.detectors {
		if d.Enabled() {
			n++
		}
	}
	return n
}

// EnabledNames lists the enabled detectors, in bank order.
func (bk *Bank) EnabledNames() []string {
	var names []string
	for _, d := range bk.detectors {
		if d.Enabled() {
			names = append(names, d.Name())
		}
	}
	return names
}

// Snapshot captures the running state of every stateful detector, keyed
// by detector name.
func (bk *Bank) Snapshot() (map[string]json.RawMessage, error) {
	states := make(map[string]json.RawMessage)
	for _, d := range bk.detectors {
		s, ok := d.(Stateful)
		if !ok {
			continue
		}
		data, err := s.StateJSON()
		if err != nil {
			return nil, err
		}
		states[d.Name()] = data
	}
	return states, nil
}

// Restore loads previously captured detector state. States for unknown
// detectors are ignored; detectors without a stored state keep their
// freshly reset state.
func (bk *Bank) Restore(states map[string]json.RawMessage) error {
	for _, d := range bk.detectors {
		s, ok := d.(Stateful)
		if !ok {
			continue
		}
		data, ok := states[d.Name()]
		if !ok {
			continue
		}
		if err := s.RestoreState(data); err != nil {
			return err
		}
	}
	return nil
}
