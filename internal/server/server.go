package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssd-technologies/driftwatch/internal/approval"
	"github.com/ssd-technologies/driftwatch/internal/engine"
	"github.com/ssd-technologies/driftwatch/internal/ratelimit"
	"github.com/ssd-technologies/driftwatch/internal/storage"
)

// Default ingest rate limit per sensor.
const (
	ingestRate   = 600
	ingestWindow = time.Minute
)

// Server is the main HTTP server for the driftwatch API.
type Server struct {
	engine    *engine.Engine
	db        *storage.DB
	approvals *approval.Manager
	hub       *Hub
	ingest    *ratelimit.Keyed
	retention time.Duration
	mux       *http.ServeMux
}

// New creates a new Server with all routes registered. db may be nil for
// an in-memory deployment; approval-gated routes then return 503.
func New(eng *engine.Engine, db *storage.DB, retention time.Duration) *Server {
	s := &Server{
		engine:    eng,
		db:        db,
		hub:       NewHub(),
		ingest:    ratelimit.NewKeyed(ingestRate, ingestWindow),
		retention: retention,
		mux:       http.NewServeMux(),
	}
	if db != nil {
		s.approvals = approval.NewManager(db)
	}
	s.routes()
	return s
}

// Approvals exposes the approval manager so main can wire the
// approval-request sink. Nil when running without a database.
func (s *Server) Approvals() *approval.Manager {
	return s.approvals
}

// StreamHub exposes the stream hub so main can wire the broadcast sink.
func (s *Server) StreamHub() *Hub {
	return s.hub
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health and metrics
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Sensors
	s.mux.HandleFunc("GET /api/sensors", s.handleListSensors)
	s.mux.HandleFunc("POST /api/sensors/{id}/baseline", s.handleEstablishBaseline)
	s.mux.HandleFunc("POST /api/sensors/{id}/readings", s.handleReading)
	s.mux.HandleFunc("POST /api/sensors/{id}/readings/batch", s.handleReadingBatch)
	s.mux.HandleFunc("POST /api/sensors/{id}/reconfigure", s.handleReconfigure)
	s.mux.HandleFunc("POST /api/sensors/{id}/key", s.handleRegisterKey)
	s.mux.HandleFunc("GET /api/sensors/{id}", s.handleGetSensor)
	s.mux.HandleFunc("GET /api/sensors/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/sensors/{id}/crosscheck", s.handleCrossCheck)

	// Records and approvals
	s.mux.HandleFunc("GET /api/records", s.handleListRecords)
	s.mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	s.mux.HandleFunc("POST /api/approvals/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/approvals/{id}/reject", s.handleReject)

	// Live stream
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "driftwatch",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
