package server

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/driftwatch/internal/approval"
	"github.com/ssd-technologies/driftwatch/internal/auth"
	"github.com/ssd-technologies/driftwatch/internal/baseline"
	"github.com/ssd-technologies/driftwatch/internal/detector"
	"github.com/ssd-technologies/driftwatch/internal/engine"
	"github.com/ssd-technologies/driftwatch/internal/metrics"
	"github.com/ssd-technologies/driftwatch/internal/respond"
	"github.com/ssd-technologies/driftwatch/internal/storage"
)

const maxBodySize = 10 << 20 // 10 MB

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, baseline.ErrInsufficientSamples):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrUnknownSensor):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidReading):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrReconfigurationInProgress):
		return http.StatusConflict
	case errors.Is(err, engine.ErrDegradedConsensus):
		return http.StatusServiceUnavailable
	case errors.Is(err, approval.ErrNotAuthorized), errors.Is(err, approval.ErrBadToken):
		return http.StatusForbidden
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type calibrationRequest struct {
	Values []float64 `json:"values"`
}

type readingRequest struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type batchRequest struct {
	Readings []readingRequest `json:"readings"`
}

type batchItem struct {
	Outcome *engine.Outcome `json:"outcome,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleEstablishBaseline handles POST /api/sensors/{id}/baseline.
func (s *Server) handleEstablishBaseline(w http.ResponseWriter, r *http.Request) {
	sensorID := r.PathValue("id")
	var req calibrationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b, err := s.engine.EstablishBaseline(r.Context(), sensorID, req.Values)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	metrics.ActiveSensors.Set(float64(len(s.engine.Snapshots())))
	writeJSON(w, http.StatusCreated, b)
}

// handleReading handles POST /api/sensors/{id}/readings.
func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	sensorID := r.PathValue("id")
	if !s.ingest.Allow(sensorID) {
		metrics.ReadingsRejected.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := s.verifySensor(r, sensorID, body); err != nil {
		metrics.ReadingsRejected.WithLabelValues("bad_signature").Inc()
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req readingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.ReadingsRejected.WithLabelValues("bad_json").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := s.process(r, sensorID, req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReadingBatch handles POST /api/sensors/{id}/readings/batch.
// Readings are evaluated in order; a failing reading records its error
// and does not stop the rest of the batch.
func (s *Server) handleReadingBatch(w http.ResponseWriter, r *http.Request) {
	sensorID := r.PathValue("id")
	if !s.ingest.Allow(sensorID) {
		metrics.ReadingsRejected.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := s.verifySensor(r, sensorID, body); err != nil {
		metrics.ReadingsRejected.WithLabelValues("bad_signature").Inc()
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Readings) == 0 {
		writeError(w, http.StatusBadRequest, "readings array is empty")
		return
	}

	items := make([]batchItem, 0, len(req.Readings))
	for _, rr := range req.Readings {
		out, err := s.process(r, sensorID, rr)
		if err != nil {
			items = append(items, batchItem{Error: err.Error()})
			continue
		}
		items = append(items, batchItem{Outcome: out})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

// process runs one reading through the engine and updates counters.
func (s *Server) process(r *http.Request, sensorID string, req readingRequest) (*engine.Outcome, error) {
	out, err := s.engine.ProcessReading(r.Context(), detector.Reading{
		SensorID:  sensorID,
		Timestamp: req.Timestamp,
		Value:     req.Value,
	})
	if err != nil {
		return nil, err
	}

	metrics.ReadingsProcessed.WithLabelValues(sensorID).Inc()
	for _, v := range out.Votes {
		verdict := "clean"
		switch {
		case v.Skipped:
			verdict = "skipped"
		case v.Anomaly:
			verdict = "anomaly"
		}
		metrics.DetectorVotes.WithLabelValues(v.Detector, verdict).Inc()
	}
	if out.Record != nil {
		metrics.RecordEmitted(out.Record)
	}
	return out, nil
}

// handleReconfigure handles POST /api/sensors/{id}/reconfigure. When an
// approval manager is configured, the swap consumes one approved
// recalibration for the sensor; without it the action is forbidden.
func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	sensorID := r.PathValue("id")
	var req calibrationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if s.approvals != nil {
		if err := s.approvals.Authorize(r.Context(), sensorID, respond.ActionRecalibrationRecommended); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}

	b, err := s.engine.Reconfigure(r.Context(), sensorID, req.Values)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleRegisterKey handles POST /api/sensors/{id}/key.
func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	sensorID := r.PathValue("id")

	var req struct {
		PublicKey string `json:"public_key"`
		Label     string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		writeError(w, http.StatusBadRequest, "public_key must be 32 bytes of hex")
		return
	}

	key := &storage.SensorKey{
		SensorID:  sensorID,
		PublicKey: pub,
		Label:     req.Label,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.db.UpsertSensorKey(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sensor_id": sensorID})
}

// verifySensor enforces signed ingest for sensors with a registered key.
// Sensors without a key are accepted unsigned.
func (s *Server) verifySensor(r *http.Request, sensorID string, body []byte) error {
	if s.db == nil {
		return nil
	}
	key, err := s.db.GetSensorKey(r.Context(), sensorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		log.Printf("[server] lookup sensor key for %s: %v", sensorID, err)
		return nil
	}
	if err := auth.VerifyRequest(r, sensorID, ed25519.PublicKey(key.PublicKey), body); err != nil {
		return err
	}
	if err := s.db.TouchSensorKey(r.Context(), sensorID); err != nil {
		log.Printf("[server] touch sensor key for %s: %v", sensorID, err)
	}
	return nil
}

// handleListSensors handles GET /api/sensors.
func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sensors": s.engine.Snapshots()})
}

// handleGetSensor handles GET /api/sensors/{id}.
func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleHistory handles GET /api/sensors/{id}/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	anomalies, err := s.engine.History(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

// handleCrossCheck handles GET /api/sensors/{id}/crosscheck?peers=a,b&tolerance=2.
func (s *Server) handleCrossCheck(w http.ResponseWriter, r *http.Request) {
	sensorID := r.PathValue("id")
	peersParam := r.URL.Query().Get("peers")
	if peersParam == "" {
		writeError(w, http.StatusBadRequest, "peers query parameter is required")
		return
	}
	peers := strings.Split(peersParam, ",")

	tolerance := 2.0
	if t := r.URL.Query().Get("tolerance"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "tolerance must be a positive number")
			return
		}
		tolerance = v
	}

	cc, err := s.engine.CrossValidate(sensorID, peers, tolerance)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownSensor) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cc)
}

// handleListRecords handles GET /api/records?sensor=&limit=.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}
	recs, err := s.db.ListResponseRecords(r.Context(), r.URL.Query().Get("sensor"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// handleListApprovals handles GET /api/approvals.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	pending, err := s.approvals.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type decisionRequest struct {
	Token    string `json:"token"`
	Operator string `json:"operator"`
}

// handleApprove handles POST /api/approvals/{id}/approve.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

// handleReject handles POST /api/approvals/{id}/reject.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	if s.approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "token and operator are required")
		return
	}

	id := r.PathValue("id")
	var err error
	if approve {
		err = s.approvals.Approve(r.Context(), id, req.Token, req.Operator)
	} else {
		err = s.approvals.Reject(r.Context(), id, req.Token, req.Operator)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	status := storage.ApprovalRejected
	if approve {
		status = storage.ApprovalApproved
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
}
