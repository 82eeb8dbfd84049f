// Package classify inspects a sensor's history window after a flagged
// anomaly and assigns an anomaly type and severity. The decision is an
// ordered rule list evaluated first-match-wins, so precedence is an
// explicit, testable property rather than an accident of code order.
package classify

import (
	"fmt"
	"math"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
	"github.com/ssd-technologies/driftwatch/internal/history"
)

// Type identifies the anomaly pattern.
type Type string

const (
	TypeSpike    Type = "spike"
	TypeDrift    Type = "drift"
	TypeFlatline Type = "flatline"
	TypeNoise    Type = "noise"
)

// Severity grades an anomaly episode.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Tuning thresholds for the rule list.
const (
	flatlineLookback    = 10  // readings inspected for distinct values
	flatlineMaxDistinct = 2   // at most this many distinct values
	driftSigma          = 2.0 // mean shift that qualifies as drift
	driftCriticalSigma  = 4.0
	driftMinAnomalies   = 5 // flagged anomalies required for drift
	noiseRatio          = 2.0
	noiseCriticalRatio  = 4.0
	spikeWarningMin     = 2
	spikeWarningMax     = 3
)

// Classification is the classifier's verdict for one anomaly episode.
type Classification struct {
	Type      Type     `json:"type"`
	Severity  Severity `json:"severity"`
	Evidence  string   `json:"evidence"`
	Magnitude *float64 `json:"magnitude,omitempty"`
}

// rule is one entry in the ordered decision list.
type rule func(w *history.Window, b *baseline.Baseline) (Classification, bool)

// Classifier applies the fixed rule sequence
// FLATLINE → DRIFT → NOISE → SPIKE. Ties always resolve to the earliest
// matching rule.
type Classifier struct {
	rules []rule
}

// New creates a Classifier with the standard rule order.
func New() *Classifier {
	return &Classifier{rules: []rule{flatlineRule, driftRule, noiseRule, spikeRule}}
}

// Classify runs the rule list over the window. The spike fallback always
// matches, so a classification is always produced.
func (c *Classifier) Classify(w *history.Window, b *baseline.Baseline) Classification {
	for _, r := range c.rules {
		if cls, ok := r(w, b); ok {
			return cls
		}
	}
	// Unreachable: spikeRule always matches.
	return Classification{Type: TypeSpike, Severity: SeverityInfo}
}

// Flatlined reports whether the window currently satisfies the flatline
// condition: a full lookback of readings with at most two distinct
// values. A stuck sensor is detected this way even when every
// deviation-based detector votes clean.
func Flatlined(w *history.Window) bool {
	if w.Len() < flatlineLookback {
		return false
	}
	last := w.LastN(flatlineLookback)
	distinct := make(map[float64]struct{}, flatlineMaxDistinct+1)
	for _, v := range last {
		distinct[v] = struct{}{}
		if len(distinct) > flatlineMaxDistinct {
			return false
		}
	}
	return true
}

func flatlineRule(w *history.Window, _ *baseline.Baseline) (Classification, bool) {
	if !Flatlined(w) {
		return Classification{}, false
	}
	last := w.LastN(flatlineLookback)
	distinct := make(map[float64]struct{})
	for _, v := range last {
		distinct[v] = struct{}{}
	}
	return Classification{
		Type:     TypeFlatline,
		Severity: SeverityCritical,
		Evidence: fmt.Sprintf("only %d distinct value(s) in last %d readings, sensor may be stuck", len(distinct), flatlineLookback),
	}, true
}

func driftRule(w *history.Window, b *baseline.Baseline) (Classification, bool) {
	if b.Std <= 0 || w.AnomalyCount() < driftMinAnomalies {
		return Classification{}, false
	}
	shift := math.Abs(baseline.Mean(w.Values())-b.Mean) / b.Std
	if !(shift > driftSigma) {
		return Classification{}, false
	}
	sev := SeverityWarning
	if shift > driftCriticalSigma {
		sev = SeverityCritical
	}
	mag := shift
	return Classification{
		Type:      TypeDrift,
		Severity:  sev,
		Evidence:  fmt.Sprintf("window mean shifted %.1fσ from baseline with %d recent flagged anomalies", shift, w.AnomalyCount()),
		Magnitude: &mag,
	}, true
}

func noiseRule(w *history.Window, b *baseline.Baseline) (Classification, bool) {
	if b.Std <= 0 {
		return Classification{}, false
	}
	values := w.Values()
	mean := baseline.Mean(values)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(values)))
	ratio := std / b.Std
	if !(ratio > noiseRatio) {
		return Classification{}, false
	}
	sev := SeverityWarning
	if ratio > noiseCriticalRatio {
		sev = SeverityCritical
	}
	mag := ratio
	return Classification{
		Type:      TypeNoise,
		Severity:  sev,
		Evidence:  fmt.Sprintf("window std is %.1fx baseline std", ratio),
		Magnitude: &mag,
	}, true
}

func spikeRule(w *history.Window, _ *baseline.Baseline) (Classification, bool) {
	n := w.AnomalyCount()
	switch {
	case n <= 1:
		return Classification{
			Type:     TypeSpike,
			Severity: SeverityInfo,
			Evidence: "isolated spike",
		}, true
	case n <= spikeWarningMax:
		return Classification{
			Type:     TypeSpike,
			Severity: SeverityWarning,
			Evidence: fmt.Sprintf("%d spikes in recent history", n),
		}, true
	default:
		return Classification{
			Type:     TypeSpike,
			Severity: SeverityWarning,
			Evidence: "recurring spikes, investigate root cause",
		}, true
	}
}
