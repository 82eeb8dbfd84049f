package detector

import (
	"encoding/json"
	"fmt"
	"math"
)

// movingAvgMinSamples is the warm-up threshold before the window votes.
const movingAvgMinSamples = 5

// MovingAverage keeps a bounded ring of recently accepted values and
// flags readings deviating from the window mean by more than
// thresholdSigma window standard deviations. Flagged readings are not
// appended, so outliers cannot widen the window.
type MovingAverage struct {
	size           int
	thresholdSigma float64

	values []float64
	index  int
	count  int
	sum    float64
	sumSq  float64
}

// movingAvgState is the persisted running state.
type movingAvgState struct {
	Values []float64 `json:"values"`
	Index  int       `json:"index"`
	Count  int       `json:"count"`
}

// NewMovingAverage builds a moving-average detector with the configured
// window size.
func NewMovingAverage(cfg Config) *MovingAverage {
	size := cfg.WindowSize
	if size <= 0 {
		size = DefaultConfig().WindowSize
	}
	return &MovingAverage{
		size:           size,
		thresholdSigma: cfg.WindowSigma,
		values:         make([]float64, size),
	}
}

func (m *MovingAverage) Name() string { return "moving_average" }

func (m *MovingAverage) Enabled() bool { return true }

func (m *MovingAverage) Update(r Reading) Vote {
	if !finite(r.Value) {
		return invalidVote(m.Name())
	}

	if m.count < movingAvgMinSamples {
		m.push(r.Value)
		return Vote{
			Detector: m.Name(),
			Skipped:  true,
			Detail:   fmt.Sprintf("warming up: %d/%d samples", m.count, movingAvgMinSamples),
		}
	}

	mean := m.sum / float64(m.count)
	std := m.std(mean)
	if std == 0 {
		// Zero window variance: cannot evaluate; absorb and skip.
		m.push(r.Value)
		return Vote{Detector: m.Name(), Skipped: true, Detail: "zero window variance"}
	}

	dev := math.Abs(r.Value-mean) / std
	anomaly := dev > m.thresholdSigma
	if !anomaly {
		m.push(r.Value)
	}
	return Vote{
		Detector: m.Name(),
		Anomaly:  anomaly,
		Detail:   fmt.Sprintf("deviation=%.2fσ window_mean=%.4f window_std=%.4f", dev, mean, std),
	}
}

func (m *MovingAverage) Reset() {
	m.values = make([]float64, m.size)
	m.index = 0
	m.count = 0
	m.sum = 0
	m.sumSq = 0
}

// push appends an accepted value, evicting the oldest when full.
func (m *MovingAverage) push(v float64) {
	if m.count >= m.size {
		old := m.values[m.index]
		m.sum -= old
		m.sumSq -= old * old
	} else {
		m.count++
	}
	m.values[m.index] = v
	m.sum += v
	m.sumSq += v * v
	m.index = (m.index + 1) % m.size
}

// std returns the population standard deviation of the window.
func (m *MovingAverage) std(mean float64) float64 {
	if m.count == 0 {
		return 0
	}
	variance := m.sumSq/float64(m.count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// WindowLen exposes the number of values currently held, for tests.
func (m *MovingAverage) WindowLen() int { return m.count }

func (m *MovingAverage) StateJSON() ([]byte, error) {
	vals := make([]float64, m.count)
	// Oldest-first, so restore rebuilds identical sums.
	for i := 0; i < m.count; i++ {
		vals[i] = m.values[(m.index-m.count+i+m.size)%m.size]
	}
	return json.Marshal(movingAvgState{Values: vals, Index: m.index, Count: m.count})
}

func (m *MovingAverage) RestoreState(data []byte) error {
	var s movingAvgState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("restore moving average state: %w", err)
	}
	m.Reset()
	for _, v := range s.Values {
		m.push(v)
	}
	return nil
}
