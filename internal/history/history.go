// Package history keeps the bounded per-sensor window of recent readings
// and recent consensus-flagged anomalies that feeds the classifier.
package history

import (
	"time"

	"github.com/ssd-technologies/driftwatch/internal/consensus"
	"github.com/ssd-technologies/driftwatch/internal/detector"
)

// Default window capacities.
const (
	DefaultReadingCap = 20
	DefaultAnomalyCap = 10
)

// Anomaly is one consensus-flagged reading retained for classification.
type Anomaly struct {
	Timestamp time.Time        `json:"timestamp"`
	Value     float64          `json:"value"`
	Result    consensus.Result `json:"result"`
}

// Window is a fixed-capacity, insertion-ordered buffer of recent
// readings plus the most recent flagged anomalies. Owned exclusively by
// one sensor pipeline; not safe for concurrent use.
type Window struct {
	values     []float64
	times      []time.Time
	index      int
	count      int
	anomalies  []Anomaly
	anomalyCap int
}

// NewWindow creates a window retaining the last readingCap readings and
// last anomalyCap flagged anomalies. Non-positive capacities select the
// defaults.
func NewWindow(readingCap, anomalyCap int) *Window {
	if readingCap <= 0 {
		readingCap = DefaultReadingCap
	}
	if anomalyCap <= 0 {
		anomalyCap = DefaultAnomalyCap
	}
	return &Window{
		values:     make([]float64, readingCap),
		times:      make([]time.Time, readingCap),
		anomalyCap: anomalyCap,
	}
}

// Record appends a reading and, when the consensus flagged it, the
// anomaly entry. Oldest entries are overwritten first.
func (w *Window) Record(r detector.Reading, res consensus.Result) {
	w.values[w.index] = r.Value
	w.times[w.index] = r.Timestamp
	w.index = (w.index + 1) % len(w.values)
	if w.count < len(w.values) {
		w.count++
	}

	if res.Anomaly {
		w.anomalies = append(w.anomalies, Anomaly{Timestamp: r.Timestamp, Value: r.Value, Result: res})
		if len(w.anomalies) > w.anomalyCap {
			w.anomalies = w.anomalies[len(w.anomalies)-w.anomalyCap:]
		}
	}
}

// Values returns the retained readings oldest-first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.values[(w.index-w.count+i+len(w.values))%len(w.values)]
	}
	return out
}

// LastN returns up to the n most recent readings, oldest-first.
func (w *Window) LastN(n int) []float64 {
	if n > w.count {
		n = w.count
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = w.values[(w.index-n+i+len(w.values))%len(w.values)]
	}
	return out
}

// Len returns the number of readings currently retained.
func (w *Window) Len() int { return w.count }

// Anomalies returns the retained flagged anomalies, oldest-first.
func (w *Window) Anomalies() []Anomaly {
	out := make([]Anomaly, len(w.anomalies))
	copy(out, w.anomalies)
	return out
}

// AnomalyCount returns the number of flagged anomalies on record.
func (w *Window) AnomalyCount() int { return len(w.anomalies) }

// Reset clears all retained readings and anomalies.
func (w *Window) Reset() {
	w.index = 0
	w.count = 0
	w.anomalies = nil
}
