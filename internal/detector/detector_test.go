package detector

import (
	"math"
	"testing"
	"time"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
)

func testBaseline() *baseline.Baseline {
	return &baseline.Baseline{
		Mean:        22.0,
		Std:         0.15,
		Median:      22.0,
		MAD:         0.1,
		Min:         21.5,
		Max:         22.5,
		Q1:          21.9,
		Q3:          22.1,
		IQR:         0.2,
		SampleCount: 100,
		IsNormal:    true,
	}
}

func reading(v float64) Reading {
	return Reading{SensorID: "s1", Timestamp: time.Unix(0, 0), Value: v}
}

func TestZScoreDeterministic(t *testing.T) {
	z := NewZScore(testBaseline(), DefaultConfig())
	r := reading(22.5)
	v1 := z.Update(r)
	v2 := z.Update(r)
	if v1 != v2 {
		t.Fatalf("votes differ for identical input: %+v vs %+v", v1, v2)
	}
	if !v1.Anomaly {
		t.Error("22.5 at mean 22.0 std 0.15 should exceed 3σ")
	}
	if v := z.Update(reading(22.1)); v.Anomaly {
		t.Errorf("22.1 within 3σ flagged: %+v", v)
	}
}

func TestZScoreDisabledOnDegenerateBaseline(t *testing.T) {
	b := testBaseline()
	b.Std = 0
	if NewZScore(b, DefaultConfig()).Enabled() {
		t.Error("zscore enabled with zero std")
	}

	b = testBaseline()
	b.IsNormal = false
	if NewZScore(b, DefaultConfig()).Enabled() {
		t.Error("zscore enabled on non-normal baseline")
	}
}

func TestModifiedZScore(t *testing.T) {
	m := NewModifiedZScore(testBaseline(), DefaultConfig())
	// modified_z = 0.6745 * (v - 22.0) / 0.1; threshold 3.5 crossed at |v-22| > 0.519.
	if v := m.Update(reading(22.6)); !v.Anomaly {
		t.Errorf("22.6 not flagged: %+v", v)
	}
	if v := m.Update(reading(22.4)); v.Anomaly {
		t.Errorf("22.4 flagged: %+v", v)
	}

	b := testBaseline()
	b.MAD = 0
	if NewModifiedZScore(b, DefaultConfig()).Enabled() {
		t.Error("modified zscore enabled with zero MAD")
	}
}

func TestIQRBounds(t *testing.T) {
	q := NewIQR(testBaseline(), DefaultConfig())
	// bounds: [21.9 - 0.3, 22.1 + 0.3] = [21.6, 22.4]
	if v := q.Update(reading(22.5)); !v.Anomaly {
		t.Errorf("22.5 above upper fence not flagged: %+v", v)
	}
	if v := q.Update(reading(21.5)); !v.Anomaly {
		t.Errorf("21.5 below lower fence not flagged: %+v", v)
	}
	if v := q.Update(reading(22.0)); v.Anomaly {
		t.Errorf("22.0 inside fences flagged: %+v", v)
	}
	if !q.Enabled() {
		t.Error("IQR must always be enabled")
	}
}

func TestCUSUMResetOnAlarm(t *testing.T) {
	c := NewCUSUM(testBaseline(), DefaultConfig())
	// k = 0.075, h = 0.75. One huge reading trips s_high immediately.
	v := c.Update(reading(25.0))
	if !v.Anomaly {
		t.Fatalf("shift not flagged: %+v", v)
	}
	high, low := c.Sums()
	if high != 0 {
		t.Errorf("s_high after alarm = %v, want exactly 0", high)
	}
	if low != 0 {
		// 25.0 is far above target; s_low must have stayed at 0 throughout.
		t.Errorf("s_low = %v, want 0", low)
	}

	// Downward shift accumulates only on s_low.
	c.Reset()
	for i := 0; i < 3; i++ {
		c.Update(reading(21.8))
	}
	high, low = c.Sums()
	if high != 0 {
		t.Errorf("s_high during downward shift = %v, want 0", high)
	}
	if low <= 0 {
		t.Errorf("s_low during downward shift = %v, want > 0", low)
	}
}

func TestCUSUMDisabledOnZeroStd(t *testing.T) {
	b := testBaseline()
	b.Std = 0
	if NewCUSUM(b, DefaultConfig()).Enabled() {
		t.Error("cusum enabled with zero std")
	}
}

func TestEWMAOutlierNonPollution(t *testing.T) {
	stable := []float64{22.0, 22.1, 21.9, 22.05, 21.95, 22.0, 22.1}

	run := func(withOutlier bool) (mean, variance float64) {
		e := NewEWMA(DefaultConfig())
		for _, v := range stable {
			e.Update(reading(v))
		}
		if withOutlier {
			v := e.Update(reading(85.0))
			if !v.Anomaly {
				t.Fatalf("extreme outlier not flagged: %+v", v)
			}
		}
		return e.Estimates()
	}

	cleanMean, cleanVar := run(false)
	dirtyMean, dirtyVar := run(true)
	if cleanMean != dirtyMean || cleanVar != dirtyVar {
		t.Errorf("outlier polluted estimates: mean %v vs %v, var %v vs %v",
			cleanMean, dirtyMean, cleanVar, dirtyVar)
	}
}

func TestEWMAWarmupVotesSkipped(t *testing.T) {
	e := NewEWMA(DefaultConfig())
	// The first value and any zero-variance state carry no information,
	// so the vote sits out of the consensus total entirely.
	if v := e.Update(reading(1e9)); !v.Skipped || v.Anomaly {
		t.Errorf("first value vote = %+v, want skipped", v)
	}
	if v := e.Update(reading(-1e9)); !v.Skipped || v.Anomaly {
		t.Errorf("zero-variance vote = %+v, want skipped", v)
	}
	// Once a spread estimate exists the detector votes again.
	if v := e.Update(reading(0)); v.Skipped {
		t.Errorf("vote with variance available = %+v, want counted", v)
	}
}

func TestMovingAverageWarmupAndExclusion(t *testing.T) {
	m := NewMovingAverage(DefaultConfig())

	// First 5 readings are warm-up: skipped, but absorbed.
	for i := 0; i < 5; i++ {
		v := m.Update(reading(22.0 + float64(i%2)*0.1))
		if !v.Skipped {
			t.Fatalf("reading %d during warm-up voted: %+v", i, v)
		}
	}
	if m.WindowLen() != 5 {
		t.Fatalf("window len = %d, want 5", m.WindowLen())
	}

	v := m.Update(reading(30.0))
	if !v.Anomaly {
		t.Fatalf("30.0 against stable window not flagged: %+v", v)
	}
	if m.WindowLen() != 5 {
		t.Errorf("anomalous value appended to window: len = %d, want 5", m.WindowLen())
	}

	v = m.Update(reading(22.05))
	if v.Anomaly {
		t.Fatalf("in-range value flagged: %+v", v)
	}
	if m.WindowLen() != 6 {
		t.Errorf("accepted value not appended: len = %d, want 6", m.WindowLen())
	}
}

func TestMovingAverageZeroVarianceSkips(t *testing.T) {
	m := NewMovingAverage(DefaultConfig())
	for i := 0; i < 6; i++ {
		m.Update(reading(22.0))
	}
	v := m.Update(reading(22.0))
	if !v.Skipped {
		t.Errorf("zero-variance window produced a vote: %+v", v)
	}
}

func TestNonFiniteInputAlwaysVotesAnomaly(t *testing.T) {
	b := testBaseline()
	cfg := DefaultConfig()
	detectors := []Detector{
		NewZScore(b, cfg),
		NewModifiedZScore(b, cfg),
		NewIQR(b, cfg),
		NewCUSUM(b, cfg),
		NewEWMA(cfg),
		NewMovingAverage(cfg),
	}
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		for _, d := range detectors {
			v := d.Update(reading(bad))
			if !v.Anomaly {
				t.Errorf("%s: non-finite %v not flagged", d.Name(), bad)
			}
			if v.Detail != invalidInputDetail {
				t.Errorf("%s: detail = %q, want %q", d.Name(), v.Detail, invalidInputDetail)
			}
		}
	}
}

func TestGrubbsDetectsOutlier(t *testing.T) {
	values := []float64{22.0, 22.1, 21.9, 22.05, 21.95, 22.0, 22.1, 21.9, 22.0, 30.0}
	res, err := GrubbsCheck(values, 0.05)
	if err != nil {
		t.Fatalf("grubbs: %v", err)
	}
	if !res.IsOutlier {
		t.Fatalf("obvious outlier not detected: %+v", res)
	}
	if res.OutlierIndex != 9 || res.OutlierValue != 30.0 {
		t.Errorf("outlier = index %d value %v, want index 9 value 30.0", res.OutlierIndex, res.OutlierValue)
	}

	clean := []float64{22.0, 22.1, 21.9, 22.05, 21.95, 22.0, 22.1, 21.9}
	res, err = GrubbsCheck(clean, 0.05)
	if err != nil {
		t.Fatalf("grubbs: %v", err)
	}
	if res.IsOutlier {
		t.Errorf("clean sample reported outlier: %+v", res)
	}
}

func TestGrubbsRejectsTinySample(t *testing.T) {
	if _, err := GrubbsCheck([]float64{1, 2}, 0.05); err == nil {
		t.Fatal("expected error for n < 3")
	}
}

func TestBankEnablementAndVotes(t *testing.T) {
	bank := NewBank(testBaseline(), DefaultConfig())
	if got := bank.EnabledCount(); got != 6 {
		t.Fatalf("enabled = %d, want 6", got)
	}

	votes := bank.Update(reading(22.0))
	if len(votes) != 6 {
		t.Fatalf("votes = %d, want 6", len(votes))
	}

	// Zero-std baseline: zscore and cusum disabled; modified z disabled
	// via zero MAD; IQR, EWMA, moving average remain.
	flat := &baseline.Baseline{Mean: 22.0, Median: 22.0, SampleCount: 100}
	bank = NewBank(flat, DefaultConfig())
	if got := bank.EnabledCount(); got != 3 {
		t.Fatalf("enabled on flat baseline = %d, want 3", got)
	}
}

func TestBankSnapshotRestore(t *testing.T) {
	cfg := DefaultConfig()
	b := testBaseline()

	bank := NewBank(b, cfg)
	seq := []float64{22.0, 22.1, 21.9, 22.05, 21.95, 22.0, 22.1}
	for _, v := range seq {
		bank.Update(reading(v))
	}
	states, err := bank.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := NewBank(b, cfg)
	if err := restored.Restore(states); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// Both banks must now vote identically on the same next reading.
	next := reading(22.02)
	want := bank.Update(next)
	got := restored.Update(next)
	if len(want) != len(got) {
		t.Fatalf("vote counts differ: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Errorf("vote %d differs: %+v vs %+v", i, want[i], got[i])
		}
	}
}
