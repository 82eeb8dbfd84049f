// Package engine ties the pipeline together: per-sensor baselines,
// detector banks, consensus voting, history windows, classification and
// response records. The Engine is the only component that coordinates
// across sensors; each sensor's pipeline is otherwise independent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
	"github.com/ssd-technologies/driftwatch/internal/classify"
	"github.com/ssd-technologies/driftwatch/internal/consensus"
	"github.com/ssd-technologies/driftwatch/internal/detector"
	"github.com/ssd-technologies/driftwatch/internal/history"
	"github.com/ssd-technologies/driftwatch/internal/respond"
)

var (
	// ErrUnknownSensor is returned by lookups (snapshot, history,
	// reconfigure) against a sensor the engine has never seen.
	ErrUnknownSensor = errors.New("unknown sensor: no baseline established")

	// ErrInvalidReading is returned for readings missing identity fields.
	// Non-finite values are NOT an error: they flow through the detector
	// bank and come back as unanimous anomaly votes.
	ErrInvalidReading = errors.New("invalid reading")

	// ErrReconfigurationInProgress is returned while a sensor's baseline
	// is being atomically replaced.
	ErrReconfigurationInProgress = errors.New("reconfiguration in progress")

	// ErrDegradedConsensus is returned when no verdict exists for a
	// reading: either no valid baseline has been established yet, or no
	// detector was able to vote.
	ErrDegradedConsensus = errors.New("degraded consensus: no detector voted")
)

// degradedFloor is the minimum number of enabled detectors below which
// the pipeline is considered degraded (verdicts still produced, but
// flagged so operators know the consensus is thin).
const degradedFloor = 2

// Store is the persistence surface the engine needs. Nil disables
// persistence; the engine then runs purely in memory.
type Store interface {
	SaveBaseline(ctx context.Context, sensorID string, generation int64, b *baseline.Baseline) error
	LatestBaseline(ctx context.Context, sensorID string) (*baseline.Baseline, int64, error)
	ListBaselinedSensors(ctx context.Context) ([]string, error)
	SaveDetectorStates(ctx context.Context, sensorID string, generation int64, states map[string]json.RawMessage) error
	LoadDetectorStates(ctx context.Context, sensorID string, generation int64) (map[string]json.RawMessage, error)
	CreateResponseRecord(ctx context.Context, rec *respond.Record) error
}

// Sink receives every response record the engine emits. Sinks must not
// block; slow consumers should buffer internally.
type Sink func(rec *respond.Record)

// Outcome is the full result of processing one reading.
type Outcome struct {
	Reading        detector.Reading         `json:"reading"`
	Votes          []detector.Vote          `json:"votes"`
	Consensus      consensus.Result         `json:"consensus"`
	Classification *classify.Classification `json:"classification,omitempty"`
	Record         *respond.Record          `json:"record,omitempty"`
	Generation     int64                    `json:"generation"`
	Degraded       bool                     `json:"degraded"`
}

// SensorSnapshot is the externally visible state of one pipeline.
type SensorSnapshot struct {
	SensorID     string             `json:"sensor_id"`
	Generation   int64              `json:"generation"`
	Baseline     *baseline.Baseline `json:"baseline"`
	Detectors    []string           `json:"detectors"`
	ReadingCount int                `json:"reading_count"`
	AnomalyCount int                `json:"anomaly_count"`
	Degraded     bool               `json:"degraded"`
	WindowMean   float64            `json:"window_mean"`
}

// pipeline is the per-sensor processing state. All fields are guarded by
// mu; the engine never touches them without holding it.
type pipeline struct {
	mu            sync.Mutex
	baseline      *baseline.Baseline
	bank          *detector.Bank
	window        *history.Window
	generation    int64
	reconfiguring bool
	lastFlatline  bool
}

// Engine routes readings to per-sensor pipelines.
type Engine struct {
	mu         sync.RWMutex
	sensors    map[string]*pipeline
	store      Store
	sinks      []Sink
	cfg        detector.Config
	classifier *classify.Classifier
	minSamples int
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithStore attaches a persistence backend.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithSink registers a response-record consumer.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithDetectorConfig overrides the default detector tuning.
func WithDetectorConfig(cfg detector.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMinSamples overrides the baseline sample floor.
func WithMinSamples(n int) Option {
	return func(e *Engine) { e.minSamples = n }
}

// AddSink registers a sink after construction. Not safe to call once
// readings are flowing; wire all sinks during startup.
func (e *Engine) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// New creates an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		sensors:    make(map[string]*pipeline),
		cfg:        detector.DefaultConfig(),
		classifier: classify.New(),
		minSamples: baseline.DefaultMinSamples,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// EstablishBaseline computes and installs a baseline for a sensor from a
// calibration block. The calibration data is first screened with a
// Grubbs test; a detected outlier does not reject the block but is
// logged so operators can re-run calibration if they care.
//
// Re-establishing over an existing sensor is allowed and resets the
// pipeline; use Reconfigure when processing must be blocked during the
// swap.
func (e *Engine) EstablishBaseline(ctx context.Context, sensorID string, values []float64) (*baseline.Baseline, error) {
	if sensorID == "" {
		return nil, fmt.Errorf("%w: empty sensor id", ErrInvalidReading)
	}

	b, err := baseline.Estimate(values, e.minSamples)
	if err != nil {
		return nil, fmt.Errorf("estimate baseline for %s: %w", sensorID, err)
	}

	if gr, gerr := detector.GrubbsCheck(values, e.cfg.GrubbsAlpha); gerr == nil && gr.IsOutlier {
		log.Printf("[engine] calibration block for %s contains a suspected outlier: value=%v index=%d g=%.3f critical=%.3f",
			sensorID, gr.OutlierValue, gr.OutlierIndex, gr.G, gr.Critical)
	}
	if !b.IsNormal {
		log.Printf("[engine] baseline for %s failed normality (p=%.4f); z-score detector will be disabled", sensorID, b.NormalityP)
	}
	if !b.IsStationary {
		log.Printf("[engine] calibration block for %s is not stationary (drift %.2fσ); baseline may already be stale", sensorID, b.MeanDriftSigma)
	}

	e.mu.Lock()
	p, ok := e.sensors[sensorID]
	if !ok {
		p = &pipeline{}
		e.sensors[sensorID] = p
	}
	e.mu.Unlock()

	p.mu.Lock()
	if p.reconfiguring {
		// A Reconfigure holds the pipeline mid-swap; installing a second
		// baseline under it would let readings through against state that
		// is about to be replaced.
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", sensorID, ErrReconfigurationInProgress)
	}
	p.generation++
	gen := p.generation
	p.baseline = b
	p.bank = detector.NewBank(b, e.cfg)
	p.window = history.NewWindow(history.DefaultReadingCap, history.DefaultAnomalyCap)
	p.lastFlatline = false
	p.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveBaseline(ctx, sensorID, gen, b); err != nil {
			return nil, fmt.Errorf("persist baseline for %s: %w", sensorID, err)
		}
	}

	log.Printf("[engine] baseline established for %s: gen=%d n=%d mean=%.4f std=%.4f normal=%v",
		sensorID, gen, b.SampleCount, b.Mean, b.Std, b.IsNormal)
	return b, nil
}

// ProcessReading runs one reading through the sensor's pipeline and
// returns the full outcome. A response record is emitted when the
// consensus flags an anomaly, or when the window transitions into a
// flatline even though every deviation detector voted clean.
func (e *Engine) ProcessReading(ctx context.Context, r detector.Reading) (*Outcome, error) {
	if r.SensorID == "" {
		return nil, fmt.Errorf("%w: empty sensor id", ErrInvalidReading)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	p, ok := e.sensors[r.SensorID]
	e.mu.RUnlock()
	if !ok {
		// Without a baseline no detector can vote, so every reading
		// reports degraded consensus until calibration happens.
		return nil, fmt.Errorf("%s: no baseline established: %w", r.SensorID, ErrDegradedConsensus)
	}

	p.mu.Lock()

	if p.reconfiguring {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", r.SensorID, ErrReconfigurationInProgress)
	}

	votes := p.bank.Update(r)
	res := consensus.Evaluate(votes)
	if res.VotesTotal == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", r.SensorID, ErrDegradedConsensus)
	}

	p.window.Record(r, res)

	out := &Outcome{
		Reading:    r,
		Votes:      votes,
		Consensus:  res,
		Generation: p.generation,
		Degraded:   p.bank.EnabledCount() < degradedFloor,
	}
	if out.Degraded {
		log.Printf("[engine] %s running degraded: %d detector(s) enabled", r.SensorID, p.bank.EnabledCount())
	}

	// Flatline is checked on every reading, not just flagged ones: a
	// stuck sensor repeating its last good value looks perfectly normal
	// to every deviation-based detector. Emission is edge-triggered so a
	// long flatline produces one record, not one per reading.
	flat := classify.Flatlined(p.window)
	flatEdge := flat && !p.lastFlatline
	p.lastFlatline = flat

	if !res.Anomaly && !flatEdge {
		p.mu.Unlock()
		return out, nil
	}

	cls := e.classifier.Classify(p.window, p.baseline)
	out.Classification = &cls

	rec := respond.Build(r.SensorID, r.Timestamp, r.Value, cls, p.baseline, p.generation, res)
	out.Record = rec

	// The record is immutable from here on; persistence and fan-out run
	// off the pipeline lock so a slow store or sink never stalls the
	// sensor's next reading.
	p.mu.Unlock()

	if e.store != nil {
		if err := e.store.CreateResponseRecord(ctx, rec); err != nil {
			log.Printf("[engine] persist response record %s: %v", rec.ID, err)
		}
	}
	for _, sink := range e.sinks {
		sink(rec)
	}

	log.Printf("[engine] %s anomaly: type=%s severity=%s votes=%d/%d value=%v",
		r.SensorID, cls.Type, cls.Severity, res.VotesFor, res.VotesTotal, r.Value)
	return out, nil
}

// Reconfigure atomically replaces a sensor's baseline and detector bank
// from a fresh calibration block. Readings arriving during the swap are
// rejected with ErrReconfigurationInProgress rather than evaluated
// against a half-replaced pipeline.
func (e *Engine) Reconfigure(ctx context.Context, sensorID string, values []float64) (*baseline.Baseline, error) {
	e.mu.RLock()
	p, ok := e.sensors[sensorID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", sensorID, ErrUnknownSensor)
	}

	p.mu.Lock()
	if p.reconfiguring {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", sensorID, ErrReconfigurationInProgress)
	}
	p.reconfiguring = true
	p.mu.Unlock()

	// Estimation can be slow for large blocks; run it outside the
	// pipeline lock. The reconfiguring flag keeps readings out meanwhile.
	b, err := baseline.Estimate(values, e.minSamples)
	if err != nil {
		p.mu.Lock()
		p.reconfiguring = false
		p.mu.Unlock()
		return nil, fmt.Errorf("estimate baseline for %s: %w", sensorID, err)
	}

	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.baseline = b
	p.bank = detector.NewBank(b, e.cfg)
	p.window.Reset()
	p.lastFlatline = false
	p.reconfiguring = false
	p.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveBaseline(ctx, sensorID, gen, b); err != nil {
			return nil, fmt.Errorf("persist baseline for %s: %w", sensorID, err)
		}
	}

	log.Printf("[engine] %s reconfigured: gen=%d mean=%.4f std=%.4f", sensorID, gen, b.Mean, b.Std)
	return b, nil
}

// Snapshot returns the externally visible state of one sensor.
func (e *Engine) Snapshot(sensorID string) (*SensorSnapshot, error) {
	e.mu.RLock()
	p, ok := e.sensors[sensorID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", sensorID, ErrUnknownSensor)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return snapshotLocked(sensorID, p), nil
}

// Snapshots returns a snapshot of every known sensor.
func (e *Engine) Snapshots() []*SensorSnapshot {
	e.mu.RLock()
	ids := make([]string, 0, len(e.sensors))
	pipes := make([]*pipeline, 0, len(e.sensors))
	for id, p := range e.sensors {
		ids = append(ids, id)
		pipes = append(pipes, p)
	}
	e.mu.RUnlock()

	out := make([]*SensorSnapshot, 0, len(ids))
	for i, p := range pipes {
		p.mu.Lock()
		out = append(out, snapshotLocked(ids[i], p))
		p.mu.Unlock()
	}
	return out
}

func snapshotLocked(sensorID string, p *pipeline) *SensorSnapshot {
	var mean float64
	if p.window.Len() > 0 {
		mean = baseline.Mean(p.window.Values())
	}
	return &SensorSnapshot{
		SensorID:     sensorID,
		Generation:   p.generation,
		Baseline:     p.baseline,
		Detectors:    p.bank.EnabledNames(),
		ReadingCount: p.window.Len(),
		AnomalyCount: p.window.AnomalyCount(),
		Degraded:     p.bank.EnabledCount() < degradedFloor,
		WindowMean:   mean,
	}
}

// History returns the retained anomalies for one sensor, oldest-first.
func (e *Engine) History(sensorID string) ([]history.Anomaly, error) {
	e.mu.RLock()
	p, ok := e.sensors[sensorID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", sensorID, ErrUnknownSensor)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window.Anomalies(), nil
}

// CrossCheck compares one sensor's window mean against its peers'. A
// sensor more than tolerance sigmas (of its own baseline) away from the
// peer average while the peers agree with each other is suspect even if
// its own detectors are quiet.
type CrossCheck struct {
	SensorID   string  `json:"sensor_id"`
	WindowMean float64 `json:"window_mean"`
	PeerMean   float64 `json:"peer_mean"`
	Deviation  float64 `json:"deviation_sigma"`
	Deviating  bool    `json:"deviating"`
}

// CrossValidate runs the peer comparison for sensorID against peers.
// Peers without readings are skipped; fewer than two usable peers makes
// the comparison meaningless and returns an error.
func (e *Engine) CrossValidate(sensorID string, peers []string, tolerance float64) (*CrossCheck, error) {
	snap, err := e.Snapshot(sensorID)
	if err != nil {
		return nil, err
	}
	if snap.ReadingCount == 0 {
		return nil, fmt.Errorf("cross-validate %s: no readings in window", sensorID)
	}

	var peerMeans []float64
	for _, id := range peers {
		if id == sensorID {
			continue
		}
		ps, err := e.Snapshot(id)
		if err != nil || ps.ReadingCount == 0 {
			continue
		}
		peerMeans = append(peerMeans, ps.WindowMean)
	}
	if len(peerMeans) < 2 {
		return nil, fmt.Errorf("cross-validate %s: need at least 2 peers with readings, have %d", sensorID, len(peerMeans))
	}

	peerMean := baseline.Mean(peerMeans)
	dev := math.Abs(snap.WindowMean - peerMean)
	sigma := snap.Baseline.Std
	var devSigma float64
	if sigma > 0 {
		devSigma = dev / sigma
	}

	return &CrossCheck{
		SensorID:   sensorID,
		WindowMean: snap.WindowMean,
		PeerMean:   peerMean,
		Deviation:  devSigma,
		Deviating:  sigma > 0 && devSigma > tolerance,
	}, nil
}

// PersistStates snapshots every sensor's stateful detectors into the
// store. Called periodically by the snapshot worker so a restart can
// resume with warm CUSUM/EWMA/window state.
func (e *Engine) PersistStates(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.mu.RLock()
	ids := make([]string, 0, len(e.sensors))
	for id := range e.sensors {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.mu.RLock()
		p, ok := e.sensors[id]
		e.mu.RUnlock()
		if !ok {
			continue
		}

		p.mu.Lock()
		states, err := p.bank.Snapshot()
		gen := p.generation
		p.mu.Unlock()
		if err != nil {
			return fmt.Errorf("snapshot detector states for %s: %w", id, err)
		}
		if err := e.store.SaveDetectorStates(ctx, id, gen, states); err != nil {
			return fmt.Errorf("persist detector states for %s: %w", id, err)
		}
	}
	return nil
}

// Restore rebuilds pipelines from persisted baselines, reloading
// detector state saved under the same generation. States from an older
// generation are ignored; those detectors start cold.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	ids, err := e.store.ListBaselinedSensors(ctx)
	if err != nil {
		return fmt.Errorf("list baselined sensors: %w", err)
	}

	for _, id := range ids {
		b, gen, err := e.store.LatestBaseline(ctx, id)
		if err != nil {
			return fmt.Errorf("load baseline for %s: %w", id, err)
		}

		p := &pipeline{
			baseline:   b,
			bank:       detector.NewBank(b, e.cfg),
			window:     history.NewWindow(history.DefaultReadingCap, history.DefaultAnomalyCap),
			generation: gen,
		}

		states, err := e.store.LoadDetectorStates(ctx, id, gen)
		if err != nil {
			return fmt.Errorf("load detector states for %s: %w", id, err)
		}
		if len(states) > 0 {
			if err := p.bank.Restore(states); err != nil {
				log.Printf("[engine] restore detector states for %s: %v (starting cold)", id, err)
				p.bank.Reset()
			}
		}

		e.mu.Lock()
		e.sensors[id] = p
		e.mu.Unlock()
	}

	if len(ids) > 0 {
		log.Printf("[engine] restored %d sensor pipeline(s) from store", len(ids))
	}
	return nil
}
