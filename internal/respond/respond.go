// Package respond turns a classified anomaly into a response record: the
// durable audit entry plus the set of actions the engine takes or
// recommends. Invasive actions (recalibration, replacement) are never
// executed directly; they are recorded as recommendations that require
// operator approval.
package respond

import (
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
	"github.com/ssd-technologies/driftwatch/internal/classify"
	"github.com/ssd-technologies/driftwatch/internal/consensus"
)

// Action names recorded on a response record.
const (
	ActionLogged                   = "logged"
	ActionAlertSent                = "alert_sent"
	ActionRecalibrationRecommended = "recalibration_recommended"
	ActionReplacementRecommended   = "replacement_recommended"
)

// Record is the audit entry emitted for every classified anomaly episode.
type Record struct {
	ID               string                  `json:"id"`
	SensorID         string                  `json:"sensor_id"`
	Timestamp        int64                   `json:"timestamp"`
	Value            float64                 `json:"value"`
	Classification   classify.Classification `json:"classification"`
	Baseline         *baseline.Baseline      `json:"baseline,omitempty"`
	Generation       int64                   `json:"generation"`
	Consensus        consensus.Result        `json:"consensus"`
	Actions          []string                `json:"actions"`
	RequiresApproval bool                    `json:"requires_approval"`
	CreatedAt        time.Time               `json:"created_at"`
}

// Build assembles the response record for one classified anomaly.
//
// Every record is logged. Warning or worse additionally sends an alert.
// Critical/emergency drift recommends recalibration; any flatline
// recommends replacement. Both recommendations flip RequiresApproval so
// nothing invasive happens without an operator signing off.
func Build(sensorID string, ts time.Time, value float64, cls classify.Classification, b *baseline.Baseline, generation int64, res consensus.Result) *Record {
	rec := &Record{
		ID:             uuid.NewString(),
		SensorID:       sensorID,
		Timestamp:      ts.UnixNano(),
		Value:          value,
		Classification: cls,
		Baseline:       b,
		Generation:     generation,
		Consensus:      res,
		Actions:        []string{ActionLogged},
		CreatedAt:      time.Now().UTC(),
	}

	if severe(cls.Severity) {
		rec.Actions = append(rec.Actions, ActionAlertSent)
	}

	switch {
	case cls.Type == classify.TypeDrift && (cls.Severity == classify.SeverityCritical || cls.Severity == classify.SeverityEmergency):
		rec.Actions = append(rec.Actions, ActionRecalibrationRecommended)
		rec.RequiresApproval = true
	case cls.Type == classify.TypeFlatline:
		rec.Actions = append(rec.Actions, ActionReplacementRecommended)
		rec.RequiresApproval = true
	}

	return rec
}

// severe reports whether the severity is warning or worse.
func severe(s classify.Severity) bool {
	switch s {
	case classify.SeverityWarning, classify.SeverityCritical, classify.SeverityEmergency:
		return true
	}
	return false
}
