package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func signedReading(t *testing.T, sensorID string, priv ed25519.PrivateKey, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://localhost/api/sensors/"+sensorID+"/readings", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	SignRequest(req, sensorID, priv, body)
	return req
}

func TestSignAndVerifyRequest(t *testing.T) {
	pub, priv := testKey(t)
	body := []byte(`{"value":22.013,"timestamp":"2026-08-23T10:00:00Z"}`)

	req := signedReading(t, "s1", priv, body)
	if err := VerifyRequest(req, "s1", pub, body); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// A signature minted for one sensor must not authenticate ingest for
// another, even when the same key signed it.
func TestVerifyRequestRejectsSensorIDMismatch(t *testing.T) {
	pub, priv := testKey(t)
	body := []byte(`{"value":22.0}`)

	req := signedReading(t, "s1", priv, body)
	err := VerifyRequest(req, "s2", pub, body)
	if err == nil {
		t.Fatal("expected error for sensor id mismatch, got nil")
	}
	if !strings.Contains(err.Error(), "mismatch") {
		t.Errorf("err = %v, want sensor id mismatch", err)
	}
}

// The path is part of the signed payload: redirecting a signed request
// at a different endpoint invalidates the signature.
func TestVerifyRequestRejectsPathTamper(t *testing.T) {
	pub, priv := testKey(t)
	body := []byte(`{"value":22.0}`)

	req := signedReading(t, "s1", priv, body)
	req.URL.Path = "/api/sensors/s1/readings/batch"
	if err := VerifyRequest(req, "s1", pub, body); err == nil {
		t.Fatal("expected error for tampered path, got nil")
	}
}

func TestVerifyRequestRejectsBodyTamper(t *testing.T) {
	pub, priv := testKey(t)

	req := signedReading(t, "s1", priv, []byte(`{"value":22.0}`))
	if err := VerifyRequest(req, "s1", pub, []byte(`{"value":85.0}`)); err == nil {
		t.Fatal("expected error for tampered body, got nil")
	}
}

func TestVerifyRequestRejectsExpiredTimestamp(t *testing.T) {
	pub, priv := testKey(t)
	body := []byte(`{"value":22.0}`)

	req := signedReading(t, "s1", priv, body)

	// Re-sign with a timestamp 10 minutes in the past.
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req.Header.Set("X-Sensor-Timestamp", ts)
	sig := ed25519.Sign(priv, signedPayload(req.Method, req.URL.Path, "s1", ts, body))
	req.Header.Set("X-Sensor-Signature", hex.EncodeToString(sig))

	if err := VerifyRequest(req, "s1", pub, body); err == nil {
		t.Fatal("expected error for expired timestamp, got nil")
	}
}

func TestVerifyRequestRejectsWrongKey(t *testing.T) {
	pub, _ := testKey(t)
	_, wrongPriv := testKey(t)
	body := []byte(`{"value":85.0}`)

	req := signedReading(t, "s1", wrongPriv, body)
	if err := VerifyRequest(req, "s1", pub, body); err == nil {
		t.Fatal("expected error for wrong key, got nil")
	}
}

func TestVerifyRequestRejectsMissingHeaders(t *testing.T) {
	pub, priv := testKey(t)
	body := []byte(`{"value":22.0}`)

	for _, header := range []string{"X-Sensor-ID", "X-Sensor-Timestamp", "X-Sensor-Signature"} {
		req := signedReading(t, "s1", priv, body)
		req.Header.Del(header)
		if err := VerifyRequest(req, "s1", pub, body); err == nil {
			t.Errorf("no error with %s removed", header)
		}
	}
}
