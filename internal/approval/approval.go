// Package approval manages the operator sign-off required before the
// engine's invasive recommendations (recalibration, replacement) can be
// acted on. Each request carries a one-time token; the token is hashed
// with Argon2id before storage so the database never holds anything an
// attacker could replay.
package approval

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/ssd-technologies/driftwatch/internal/respond"
	"github.com/ssd-technologies/driftwatch/internal/storage"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32 // 256 bits
	saltLen      = 32
	tokenLen     = 24
)

var (
	// ErrNotAuthorized is returned when an action has no unconsumed
	// approval on file.
	ErrNotAuthorized = errors.New("action not authorized: no approved request on file")

	// ErrBadToken is returned when the presented token does not match
	// the request's stored hash.
	ErrBadToken = errors.New("approval token mismatch")
)

// Manager issues, decides and consumes approval requests.
type Manager struct {
	db *storage.DB
}

// NewManager creates a Manager backed by the given store.
func NewManager(db *storage.DB) *Manager {
	return &Manager{db: db}
}

// hashToken derives the stored Argon2id hash for a token, salt-prefixed
// the same way password hashes are.
func hashToken(token string) []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	hash := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, keyLen)
	out := make([]byte, saltLen+keyLen)
	copy(out[:saltLen], salt)
	copy(out[saltLen:], hash)
	return out
}

// verifyToken checks a presented token against a stored salt+hash blob.
func verifyToken(token string, stored []byte) bool {
	if len(stored) < saltLen+keyLen {
		return false
	}
	salt := stored[:saltLen]
	computed := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, keyLen)
	return hmac.Equal(stored[saltLen:], computed)
}

// Request opens an approval request for one recommended action on a
// response record. The returned token is shown to the operator exactly
// once; only its hash is stored.
func (m *Manager) Request(ctx context.Context, rec *respond.Record, action string) (*storage.ApprovalRequest, string, error) {
	raw := make([]byte, tokenLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate approval token: %w", err)
	}
	token := hex.EncodeToString(raw)

	req := &storage.ApprovalRequest{
		ID:          uuid.NewString(),
		RecordID:    rec.ID,
		SensorID:    rec.SensorID,
		Action:      action,
		Status:      storage.ApprovalPending,
		TokenHash:   hashToken(token),
		RequestedAt: time.Now().Unix(),
	}
	if err := m.db.CreateApprovalRequest(ctx, req); err != nil {
		return nil, "", err
	}
	return req, token, nil
}

// RequestAll opens approval requests for every approval-gated action on
// a record and returns the request/token pairs.
func (m *Manager) RequestAll(ctx context.Context, rec *respond.Record) (map[string]string, error) {
	if !rec.RequiresApproval {
		return nil, nil
	}
	tokens := make(map[string]string)
	for _, action := range rec.Actions {
		if action != respond.ActionRecalibrationRecommended && action != respond.ActionReplacementRecommended {
			continue
		}
		req, token, err := m.Request(ctx, rec, action)
		if err != nil {
			return nil, err
		}
		tokens[req.ID] = token
	}
	return tokens, nil
}

// Approve marks a pending request approved after verifying the token.
func (m *Manager) Approve(ctx context.Context, requestID, token, approvedBy string) error {
	req, err := m.db.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !verifyToken(token, req.TokenHash) {
		return ErrBadToken
	}
	return m.db.DecideApprovalRequest(ctx, requestID, storage.ApprovalApproved, approvedBy)
}

// Reject marks a pending request rejected after verifying the token.
func (m *Manager) Reject(ctx context.Context, requestID, token, rejectedBy string) error {
	req, err := m.db.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !verifyToken(token, req.TokenHash) {
		return ErrBadToken
	}
	return m.db.DecideApprovalRequest(ctx, requestID, storage.ApprovalRejected, rejectedBy)
}

// Authorize consumes one approved request for the sensor and action.
// Each approval authorizes exactly one execution.
func (m *Manager) Authorize(ctx context.Context, sensorID, action string) error {
	err := m.db.ConsumeApproval(ctx, sensorID, action)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", sensorID, action, ErrNotAuthorized)
	}
	return err
}

// Pending lists all undecided requests.
func (m *Manager) Pending(ctx context.Context) ([]storage.ApprovalRequest, error) {
	return m.db.ListApprovalRequests(ctx, storage.ApprovalPending)
}
