// Package metrics exposes Prometheus instrumentation for the detection
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ssd-technologies/driftwatch/internal/respond"
)

var (
	ReadingsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_readings_processed_total",
		Help: "Readings accepted into the pipeline, by sensor.",
	}, []string{"sensor"})

	ReadingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_readings_rejected_total",
		Help: "Readings rejected before evaluation, by reason.",
	}, []string{"reason"})

	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_anomalies_total",
		Help: "Classified anomaly episodes, by type and severity.",
	}, []string{"type", "severity"})

	DetectorVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_detector_votes_total",
		Help: "Individual detector votes, by detector and verdict.",
	}, []string{"detector", "verdict"})

	ApprovalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftwatch_approvals_pending",
		Help: "Approval requests awaiting an operator decision.",
	})

	ActiveSensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftwatch_active_sensors",
		Help: "Sensors with an established baseline.",
	})

	DegradedSensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftwatch_degraded_sensors",
		Help: "Sensors running with fewer enabled detectors than the consensus floor.",
	})
)

// RecordEmitted updates the anomaly counters for one response record.
func RecordEmitted(rec *respond.Record) {
	AnomaliesDetected.WithLabelValues(
		string(rec.Classification.Type),
		string(rec.Classification.Severity),
	).Inc()
}
