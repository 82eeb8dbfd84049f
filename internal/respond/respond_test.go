package respond

import (
	"testing"
	"time"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
	"github.com/ssd-technologies/driftwatch/internal/classify"
	"github.com/ssd-technologies/driftwatch/internal/consensus"
)

func hasAction(rec *Record, action string) bool {
	for _, a := range rec.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func build(cls classify.Classification) *Record {
	b := &baseline.Baseline{Mean: 22.0, Std: 0.1, SampleCount: 100}
	res := consensus.Result{Anomaly: true, VotesFor: 3, VotesTotal: 4, AgreementRatio: 0.75}
	return Build("sensor-1", time.Unix(1700000000, 0), 85.0, cls, b, 1, res)
}

func TestEveryRecordIsLogged(t *testing.T) {
	rec := build(classify.Classification{Type: classify.TypeSpike, Severity: classify.SeverityInfo})
	if !hasAction(rec, ActionLogged) {
		t.Fatalf("actions = %v, want logged", rec.Actions)
	}
	if hasAction(rec, ActionAlertSent) {
		t.Errorf("info severity sent an alert: %v", rec.Actions)
	}
	if rec.RequiresApproval {
		t.Error("info spike should not require approval")
	}
	if rec.ID == "" || rec.SensorID != "sensor-1" {
		t.Errorf("record identity incomplete: id=%q sensor=%q", rec.ID, rec.SensorID)
	}
}

func TestWarningSendsAlert(t *testing.T) {
	rec := build(classify.Classification{Type: classify.TypeSpike, Severity: classify.SeverityWarning})
	if !hasAction(rec, ActionAlertSent) {
		t.Errorf("actions = %v, want alert_sent", rec.Actions)
	}
	if rec.RequiresApproval {
		t.Error("warning spike should not require approval")
	}
}

func TestCriticalDriftRecommendsRecalibration(t *testing.T) {
	rec := build(classify.Classification{Type: classify.TypeDrift, Severity: classify.SeverityCritical})
	if !hasAction(rec, ActionRecalibrationRecommended) {
		t.Fatalf("actions = %v, want recalibration_recommended", rec.Actions)
	}
	if !rec.RequiresApproval {
		t.Error("recalibration recommendation must require approval")
	}
}

func TestWarningDriftDoesNotRecalibrate(t *testing.T) {
	rec := build(classify.Classification{Type: classify.TypeDrift, Severity: classify.SeverityWarning})
	if hasAction(rec, ActionRecalibrationRecommended) {
		t.Errorf("actions = %v, warning drift must not recommend recalibration", rec.Actions)
	}
	if !hasAction(rec, ActionAlertSent) {
		t.Errorf("actions = %v, want alert_sent", rec.Actions)
	}
}

func TestFlatlineRecommendsReplacement(t *testing.T) {
	rec := build(classify.Classification{Type: classify.TypeFlatline, Severity: classify.SeverityCritical})
	if !hasAction(rec, ActionReplacementRecommended) {
		t.Fatalf("actions = %v, want replacement_recommended", rec.Actions)
	}
	if hasAction(rec, ActionRecalibrationRecommended) {
		t.Errorf("actions = %v, flatline must not also recommend recalibration", rec.Actions)
	}
	if !rec.RequiresApproval {
		t.Error("replacement recommendation must require approval")
	}
}

func TestRecordIDsUnique(t *testing.T) {
	a := build(classify.Classification{Type: classify.TypeSpike, Severity: classify.SeverityInfo})
	b := build(classify.Classification{Type: classify.TypeSpike, Severity: classify.SeverityInfo})
	if a.ID == b.ID {
		t.Fatalf("two records share id %q", a.ID)
	}
}
