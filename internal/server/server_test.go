package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/driftwatch/internal/auth"
	"github.com/ssd-technologies/driftwatch/internal/classify"
	"github.com/ssd-technologies/driftwatch/internal/engine"
	"github.com/ssd-technologies/driftwatch/internal/ratelimit"
	"github.com/ssd-technologies/driftwatch/internal/respond"
	"github.com/ssd-technologies/driftwatch/internal/storage"
)

func testServer(t *testing.T) (*Server, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng := engine.New(engine.WithStore(db))
	s := New(eng, db, 24*time.Hour)
	return s, db
}

func calibrationBody(t *testing.T, mean, std float64, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, n)
	for i := range values {
		values[i] = mean + std*rng.NormFloat64()
	}
	body, err := json.Marshal(map[string]any{"values": values})
	if err != nil {
		t.Fatalf("marshal calibration: %v", err)
	}
	return body
}

func doJSON(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func establishSensor(t *testing.T, s *Server, sensorID string) {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/sensors/"+sensorID+"/baseline", calibrationBody(t, 22.0, 0.15, 120))
	if w.Code != http.StatusCreated {
		t.Fatalf("establish baseline: status %d: %s", w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["service"] != "driftwatch" {
		t.Errorf("service = %q", resp["service"])
	}
}

func TestEstablishBaselineValidation(t *testing.T) {
	s, _ := testServer(t)

	// Too few samples.
	w := doJSON(t, s, http.MethodPost, "/api/sensors/s1/baseline", calibrationBody(t, 22.0, 0.15, 10))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("short calibration: status = %d, want 422", w.Code)
	}

	// Garbage body.
	w = doJSON(t, s, http.MethodPost, "/api/sensors/s1/baseline", []byte("{nope"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", w.Code)
	}
}

func TestReadingFlow(t *testing.T) {
	s, _ := testServer(t)
	establishSensor(t, s, "s1")

	// Clean reading.
	w := doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings", []byte(`{"value":22.02}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var out engine.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if out.Consensus.Anomaly {
		t.Errorf("clean reading flagged: %+v", out.Consensus)
	}

	// Spike.
	w = doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings", []byte(`{"value":85.0}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if !out.Consensus.Anomaly || out.Classification == nil {
		t.Fatalf("spike not flagged: %s", w.Body.String())
	}
	if out.Classification.Type != classify.TypeSpike {
		t.Errorf("type = %s, want spike", out.Classification.Type)
	}

	// No baseline yet: every reading reports degraded consensus.
	w = doJSON(t, s, http.MethodPost, "/api/sensors/ghost/readings", []byte(`{"value":1}`))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("reading without baseline: status = %d, want 503", w.Code)
	}
}

func TestReadingBatch(t *testing.T) {
	s, _ := testServer(t)
	establishSensor(t, s, "s1")

	body := []byte(`{"readings":[{"value":22.0},{"value":22.01},{"value":85.0}]}`)
	w := doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Results []batchItem `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(resp.Results))
	}
	if resp.Results[2].Outcome == nil || !resp.Results[2].Outcome.Consensus.Anomaly {
		t.Errorf("batch spike not flagged: %+v", resp.Results[2])
	}

	w = doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings/batch", []byte(`{"readings":[]}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d, want 400", w.Code)
	}
}

func TestSensorListingAndHistory(t *testing.T) {
	s, _ := testServer(t)
	establishSensor(t, s, "s1")
	doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings", []byte(`{"value":85.0}`))

	w := doJSON(t, s, http.MethodGet, "/api/sensors", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list sensors: status = %d", w.Code)
	}
	var listResp struct {
		Sensors []engine.SensorSnapshot `json:"sensors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listResp.Sensors) != 1 || listResp.Sensors[0].AnomalyCount != 1 {
		t.Errorf("sensors = %+v", listResp.Sensors)
	}

	w = doJSON(t, s, http.MethodGet, "/api/sensors/s1/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: status = %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/sensors/ghost/history", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("ghost history: status = %d, want 404", w.Code)
	}
}

func TestRecordsEndpoint(t *testing.T) {
	s, _ := testServer(t)
	establishSensor(t, s, "s1")
	doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings", []byte(`{"value":85.0}`))

	w := doJSON(t, s, http.MethodGet, "/api/records?sensor=s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Records []*respond.Record `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(resp.Records))
	}
	if resp.Records[0].Classification.Type != classify.TypeSpike {
		t.Errorf("record type = %s", resp.Records[0].Classification.Type)
	}

	w = doJSON(t, s, http.MethodGet, "/api/records?limit=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", w.Code)
	}
}

func TestReconfigureRequiresApproval(t *testing.T) {
	s, db := testServer(t)
	establishSensor(t, s, "s1")

	body := calibrationBody(t, 30.0, 0.2, 120)
	w := doJSON(t, s, http.MethodPost, "/api/sensors/s1/reconfigure", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unapproved reconfigure: status = %d, want 403: %s", w.Code, w.Body.String())
	}

	// Open an approval request the way the engine would for a critical
	// drift, then walk it through the operator decision.
	rec := &respond.Record{
		ID:               "rec-1",
		SensorID:         "s1",
		Classification:   classify.Classification{Type: classify.TypeDrift, Severity: classify.SeverityCritical},
		Actions:          []string{respond.ActionLogged, respond.ActionAlertSent, respond.ActionRecalibrationRecommended},
		RequiresApproval: true,
		CreatedAt:        time.Now().UTC(),
	}
	if err := db.CreateResponseRecord(context.Background(), rec); err != nil {
		t.Fatalf("CreateResponseRecord: %v", err)
	}
	req, token, err := s.Approvals().Request(context.Background(), rec, respond.ActionRecalibrationRecommended)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	w = doJSON(t, s, http.MethodGet, "/api/approvals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list approvals: status = %d", w.Code)
	}
	var pendingResp struct {
		Approvals []storage.ApprovalRequest `json:"approvals"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &pendingResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pendingResp.Approvals) != 1 {
		t.Fatalf("pending = %d, want 1", len(pendingResp.Approvals))
	}

	// Wrong token is rejected.
	decision, _ := json.Marshal(map[string]string{"token": "bogus", "operator": "op-1"})
	w = doJSON(t, s, http.MethodPost, "/api/approvals/"+req.ID+"/approve", decision)
	if w.Code != http.StatusForbidden {
		t.Fatalf("bogus token: status = %d, want 403", w.Code)
	}

	decision, _ = json.Marshal(map[string]string{"token": token, "operator": "op-1"})
	w = doJSON(t, s, http.MethodPost, "/api/approvals/"+req.ID+"/approve", decision)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: status = %d: %s", w.Code, w.Body.String())
	}

	// Approved: the swap goes through exactly once.
	w = doJSON(t, s, http.MethodPost, "/api/sensors/s1/reconfigure", body)
	if w.Code != http.StatusOK {
		t.Fatalf("approved reconfigure: status = %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, s, http.MethodPost, "/api/sensors/s1/reconfigure", body)
	if w.Code != http.StatusForbidden {
		t.Errorf("second reconfigure on one approval: status = %d, want 403", w.Code)
	}
}

func TestCrossCheckEndpoint(t *testing.T) {
	s, _ := testServer(t)
	for _, id := range []string{"s1", "s2", "s3"} {
		establishSensor(t, s, id)
		for i := 0; i < 5; i++ {
			v := 22.0
			if id == "s1" {
				v = 25.0
			}
			body := fmt.Sprintf(`{"value":%v}`, v+0.001*float64(i))
			doJSON(t, s, http.MethodPost, "/api/sensors/"+id+"/readings", []byte(body))
		}
	}

	w := doJSON(t, s, http.MethodGet, "/api/sensors/s1/crosscheck?peers=s2,s3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var cc engine.CrossCheck
	if err := json.Unmarshal(w.Body.Bytes(), &cc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !cc.Deviating {
		t.Errorf("s1 not deviating: %+v", cc)
	}

	w = doJSON(t, s, http.MethodGet, "/api/sensors/s1/crosscheck", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing peers: status = %d, want 400", w.Code)
	}
}

func TestSignedIngest(t *testing.T) {
	s, _ := testServer(t)
	establishSensor(t, s, "s1")

	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyBody, _ := json.Marshal(map[string]string{"public_key": hex.EncodeToString(pub), "label": "rooftop"})
	w := doJSON(t, s, http.MethodPost, "/api/sensors/s1/key", keyBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("register key: status = %d: %s", w.Code, w.Body.String())
	}

	// Unsigned ingest for a registered sensor is rejected.
	w = doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings", []byte(`{"value":22.0}`))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned ingest: status = %d, want 401", w.Code)
	}

	// Signed ingest is accepted.
	body := []byte(`{"value":22.0}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sensors/s1/readings", bytes.NewReader(body))
	auth.SignRequest(req, "s1", priv, body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed ingest: status = %d: %s", rec.Code, rec.Body.String())
	}

	// A signature minted for a different sensor id is rejected even with
	// the right key: the id is part of the signed payload.
	req = httptest.NewRequest(http.MethodPost, "/api/sensors/s1/readings", bytes.NewReader(body))
	auth.SignRequest(req, "s9", priv, body)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("cross-sensor signature: status = %d, want 401", rec.Code)
	}

	// Unregistered sensors are still accepted unsigned.
	establishSensor(t, s, "s2")
	w = doJSON(t, s, http.MethodPost, "/api/sensors/s2/readings", []byte(`{"value":22.0}`))
	if w.Code != http.StatusOK {
		t.Errorf("unsigned ingest for keyless sensor: status = %d, want 200", w.Code)
	}
}

func TestIngestRateLimit(t *testing.T) {
	s, _ := testServer(t)
	s.ingest = ratelimit.NewKeyed(2, time.Minute)
	establishSensor(t, s, "s1")

	doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings", []byte(`{"value":22.0}`))
	doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings", []byte(`{"value":22.0}`))
	w := doJSON(t, s, http.MethodPost, "/api/sensors/s1/readings", []byte(`{"value":22.0}`))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}
