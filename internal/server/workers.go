package server

import (
	"context"
	"log"
	"time"

	"github.com/ssd-technologies/driftwatch/internal/metrics"
	"github.com/ssd-technologies/driftwatch/internal/storage"
)

// Worker cadences.
const (
	retentionInterval = 1 * time.Hour
	snapshotInterval  = 30 * time.Second
	gaugeInterval     = 15 * time.Second
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.runRecordRetention(ctx)
	go s.runStateSnapshots(ctx)
	go s.runGaugeRefresh(ctx)
}

// --- Record Retention Worker ---

// runRecordRetention periodically prunes response records older than the
// configured retention. Records pinned by a pending approval survive.
func (s *Server) runRecordRetention(ctx context.Context) {
	if s.db == nil || s.retention <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(retentionInterval):
			n := s.pruneRecords(ctx)
			if n > 0 {
				log.Printf("[worker] pruned %d response records older than %v", n, s.retention)
			}
		}
	}
}

// pruneRecords deletes records past retention. Returns the number removed.
func (s *Server) pruneRecords(ctx context.Context) int64 {
	n, err := s.db.PruneResponseRecords(ctx, time.Now().Add(-s.retention))
	if err != nil {
		log.Printf("[worker] prune response records: %v", err)
		return 0
	}
	return n
}

// --- State Snapshot Worker ---

// runStateSnapshots periodically persists detector running state so a
// restart resumes with warm CUSUM/EWMA/window state.
func (s *Server) runStateSnapshots(ctx context.Context) {
	if s.db == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(snapshotInterval):
			if err := s.engine.PersistStates(ctx); err != nil {
				log.Printf("[worker] persist detector states: %v", err)
			}
		}
	}
}

// --- Gauge Refresh Worker ---

// runGaugeRefresh keeps the sensor and approval gauges current.
func (s *Server) runGaugeRefresh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(gaugeInterval):
			s.refreshGauges(ctx)
		}
	}
}

func (s *Server) refreshGauges(ctx context.Context) {
	snaps := s.engine.Snapshots()
	degraded := 0
	for _, snap := range snaps {
		if snap.Degraded {
			degraded++
		}
	}
	metrics.ActiveSensors.Set(float64(len(snaps)))
	metrics.DegradedSensors.Set(float64(degraded))

	if s.db != nil {
		pending, err := s.db.ListApprovalRequests(ctx, storage.ApprovalPending)
		if err != nil {
			log.Printf("[worker] list pending approvals: %v", err)
			return
		}
		metrics.ApprovalsPending.Set(float64(len(pending)))
	}
}
