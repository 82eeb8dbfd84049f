package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ssd-technologies/driftwatch/internal/baseline"
	"github.com/ssd-technologies/driftwatch/internal/classify"
	"github.com/ssd-technologies/driftwatch/internal/consensus"
	"github.com/ssd-technologies/driftwatch/internal/respond"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// Enable foreign keys.
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS baselines (
    sensor_id TEXT NOT NULL,
    generation INTEGER NOT NULL,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (sensor_id, generation)
);

CREATE TABLE IF NOT EXISTS detector_states (
    sensor_id TEXT NOT NULL,
    generation INTEGER NOT NULL,
    detector TEXT NOT NULL,
    state BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (sensor_id, generation, detector)
);

CREATE TABLE IF NOT EXISTS response_records (
    id TEXT PRIMARY KEY,
    sensor_id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    value REAL NOT NULL,
    anomaly_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    evidence TEXT,
    magnitude REAL,
    generation INTEGER NOT NULL,
    votes_for INTEGER NOT NULL,
    votes_total INTEGER NOT NULL,
    agreement REAL NOT NULL,
    actions TEXT NOT NULL,
    requires_approval INTEGER DEFAULT 0,
    baseline BLOB,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_requests (
    id TEXT PRIMARY KEY,
    record_id TEXT NOT NULL,
    sensor_id TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT DEFAULT 'pending',
    token_hash BLOB,
    requested_at INTEGER NOT NULL,
    decided_at INTEGER,
    approved_by TEXT,
    consumed INTEGER DEFAULT 0,
    FOREIGN KEY (record_id) REFERENCES response_records(id)
);

CREATE TABLE IF NOT EXISTS sensor_keys (
    sensor_id TEXT PRIMARY KEY,
    public_key BLOB NOT NULL,
    label TEXT,
    created_at INTEGER NOT NULL,
    last_seen INTEGER
);

CREATE INDEX IF NOT EXISTS idx_records_sensor ON response_records(sensor_id);
CREATE INDEX IF NOT EXISTS idx_records_created ON response_records(created_at);
CREATE INDEX IF NOT EXISTS idx_records_severity ON response_records(severity);
CREATE INDEX IF NOT EXISTS idx_approvals_sensor ON approval_requests(sensor_id);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Baselines ---

// SaveBaseline persists one baseline generation for a sensor.
func (d *DB) SaveBaseline(ctx context.Context, sensorID string, generation int64, b *baseline.Baseline) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO baselines (sensor_id, generation, payload, created_at)
		 VALUES (?, ?, ?, ?)`,
		sensorID, generation, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// LatestBaseline returns the highest-generation baseline for a sensor.
func (d *DB) LatestBaseline(ctx context.Context, sensorID string) (*baseline.Baseline, int64, error) {
	var payload []byte
	var generation int64
	err := d.db.QueryRowContext(ctx,
		`SELECT generation, payload FROM baselines
		 WHERE sensor_id = ? ORDER BY generation DESC LIMIT 1`, sensorID,
	).Scan(&generation, &payload)
	if err != nil {
		return nil, 0, fmt.Errorf("latest baseline: %w", err)
	}
	b := &baseline.Baseline{}
	if err := json.Unmarshal(payload, b); err != nil {
		return nil, 0, fmt.Errorf("unmarshal baseline: %w", err)
	}
	return b, generation, nil
}

// ListBaselinedSensors returns every sensor that has at least one
// persisted baseline.
func (d *DB) ListBaselinedSensors(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT sensor_id FROM baselines ORDER BY sensor_id`)
	if err != nil {
		return nil, fmt.Errorf("list baselined sensors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sensor id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Detector states ---

// SaveDetectorStates replaces the persisted detector states for a sensor
// with the given generation's snapshot. Older generations are dropped in
// the same transaction so a restore never mixes generations.
func (d *DB) SaveDetectorStates(ctx context.Context, sensorID string, generation int64, states map[string]json.RawMessage) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save detector states: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM detector_states WHERE sensor_id = ?`, sensorID); err != nil {
		return fmt.Errorf("clear detector states: %w", err)
	}
	now := time.Now().Unix()
	for name, state := range states {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO detector_states (sensor_id, generation, detector, state, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sensorID, generation, name, []byte(state), now); err != nil {
			return fmt.Errorf("save detector state %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit detector states: %w", err)
	}
	return nil
}

// LoadDetectorStates returns the persisted states for a sensor at the
// given generation. States saved under a different generation are stale
// and not returned.
func (d *DB) LoadDetectorStates(ctx context.Context, sensorID string, generation int64) (map[string]json.RawMessage, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT detector, state FROM detector_states
		 WHERE sensor_id = ? AND generation = ?`, sensorID, generation)
	if err != nil {
		return nil, fmt.Errorf("load detector states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]json.RawMessage)
	for rows.Next() {
		var name string
		var state []byte
		if err := rows.Scan(&name, &state); err != nil {
			return nil, fmt.Errorf("scan detector state: %w", err)
		}
		states[name] = json.RawMessage(state)
	}
	return states, rows.Err()
}

// --- Response records ---

// CreateResponseRecord inserts one response record.
func (d *DB) CreateResponseRecord(ctx context.Context, rec *respond.Record) error {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	var baselineBlob []byte
	if rec.Baseline != nil {
		baselineBlob, err = json.Marshal(rec.Baseline)
		if err != nil {
			return fmt.Errorf("marshal baseline snapshot: %w", err)
		}
	}
	var magnitude sql.NullFloat64
	if rec.Classification.Magnitude != nil {
		magnitude = sql.NullFloat64{Float64: *rec.Classification.Magnitude, Valid: true}
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO response_records
		 (id, sensor_id, ts, value, anomaly_type, severity, evidence, magnitude,
		  generation, votes_for, votes_total, agreement, actions, requires_approval, baseline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SensorID, rec.Timestamp, rec.Value,
		string(rec.Classification.Type), string(rec.Classification.Severity),
		rec.Classification.Evidence, magnitude,
		rec.Generation, rec.Consensus.VotesFor, rec.Consensus.VotesTotal, rec.Consensus.AgreementRatio,
		string(actions), boolToInt(rec.RequiresApproval), baselineBlob, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create response record: %w", err)
	}
	return nil
}

// GetResponseRecord retrieves a response record by ID.
func (d *DB) GetResponseRecord(ctx context.Context, id string) (*respond.Record, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, sensor_id, ts, value, anomaly_type, severity, evidence, magnitude,
		        generation, votes_for, votes_total, agreement, actions, requires_approval, baseline, created_at
		 FROM response_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("get response record: %w", err)
	}
	return rec, nil
}

// ListResponseRecords returns the most recent records, newest first. An
// empty sensorID lists across all sensors.
func (d *DB) ListResponseRecords(ctx context.Context, sensorID string, limit int) ([]*respond.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, sensor_id, ts, value, anomaly_type, severity, evidence, magnitude,
	                 generation, votes_for, votes_total, agreement, actions, requires_approval, baseline, created_at
	          FROM response_records`
	args := []any{}
	if sensorID != "" {
		query += ` WHERE sensor_id = ?`
		args = append(args, sensorID)
	}
	query += ` ORDER BY created_at DESC, ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list response records: %w", err)
	}
	defer rows.Close()

	var recs []*respond.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PruneResponseRecords deletes records created before the cutoff and
// returns how many were removed.
func (d *DB) PruneResponseRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM response_records WHERE created_at < ?
		 AND id NOT IN (SELECT record_id FROM approval_requests WHERE status = 'pending')`,
		cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune response records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*respond.Record, error) {
	rec := &respond.Record{}
	var (
		anomalyType, severity string
		magnitude             sql.NullFloat64
		actions               string
		requiresApproval      int
		baselineBlob          []byte
		createdAt             int64
	)
	if err := s.Scan(&rec.ID, &rec.SensorID, &rec.Timestamp, &rec.Value,
		&anomalyType, &severity, &rec.Classification.Evidence, &magnitude,
		&rec.Generation, &rec.Consensus.VotesFor, &rec.Consensus.VotesTotal, &rec.Consensus.AgreementRatio,
		&actions, &requiresApproval, &baselineBlob, &createdAt); err != nil {
		return nil, err
	}
	rec.Classification.Type = classify.Type(anomalyType)
	rec.Classification.Severity = classify.Severity(severity)
	if magnitude.Valid {
		m := magnitude.Float64
		rec.Classification.Magnitude = &m
	}
	if err := json.Unmarshal([]byte(actions), &rec.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	if len(baselineBlob) > 0 {
		rec.Baseline = &baseline.Baseline{}
		if err := json.Unmarshal(baselineBlob, rec.Baseline); err != nil {
			return nil, fmt.Errorf("unmarshal baseline snapshot: %w", err)
		}
	}
	rec.RequiresApproval = requiresApproval != 0
	// Flatline records are emitted with a clean consensus; recompute the
	// verdict from the stored tallies instead of assuming it.
	if rec.Consensus.VotesTotal > 0 {
		rec.Consensus.Anomaly = rec.Consensus.VotesFor >= consensus.Quorum(rec.Consensus.VotesTotal)
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return rec, nil
}

// --- Approval requests ---

// CreateApprovalRequest inserts a new approval request.
func (d *DB) CreateApprovalRequest(ctx context.Context, a *ApprovalRequest) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, record_id, sensor_id, action, status, token_hash, requested_at, consumed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RecordID, a.SensorID, a.Action, a.Status, a.TokenHash, a.RequestedAt, boolToInt(a.Consumed),
	)
	if err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

// GetApprovalRequest retrieves an approval request by ID.
func (d *DB) GetApprovalRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	a := &ApprovalRequest{}
	var decidedAt sql.NullInt64
	var approvedBy sql.NullString
	var consumed int
	err := d.db.QueryRowContext(ctx,
		`SELECT id, record_id, sensor_id, action, status, token_hash, requested_at, decided_at, approved_by, consumed
		 FROM approval_requests WHERE id = ?`, id,
	).Scan(&a.ID, &a.RecordID, &a.SensorID, &a.Action, &a.Status, &a.TokenHash, &a.RequestedAt, &decidedAt, &approvedBy, &consumed)
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Int64
	}
	a.ApprovedBy = approvedBy.String
	a.Consumed = consumed != 0
	return a, nil
}

// ListApprovalRequests returns approval requests, optionally filtered by
// status, newest first.
func (d *DB) ListApprovalRequests(ctx context.Context, status string) ([]ApprovalRequest, error) {
	query := `SELECT id, record_id, sensor_id, action, status, token_hash, requested_at, decided_at, approved_by, consumed
	          FROM approval_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY requested_at DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var reqs []ApprovalRequest
	for rows.Next() {
		var a ApprovalRequest
		var decidedAt sql.NullInt64
		var approvedBy sql.NullString
		var consumed int
		if err := rows.Scan(&a.ID, &a.RecordID, &a.SensorID, &a.Action, &a.Status, &a.TokenHash, &a.RequestedAt, &decidedAt, &approvedBy, &consumed); err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		if decidedAt.Valid {
			a.DecidedAt = &decidedAt.Int64
		}
		a.ApprovedBy = approvedBy.String
		a.Consumed = consumed != 0
		reqs = append(reqs, a)
	}
	return reqs, rows.Err()
}

// DecideApprovalRequest transitions a pending request to approved or
// rejected. Deciding a non-pending request is an error.
func (d *DB) DecideApprovalRequest(ctx context.Context, id, status, decidedBy string) error {
	if status != ApprovalApproved && status != ApprovalRejected {
		return fmt.Errorf("invalid approval decision %q", status)
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, approved_by = ?, decided_at = ?
		 WHERE id = ? AND status = 'pending'`,
		status, decidedBy, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("decide approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide approval rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("decide approval request: %w", sql.ErrNoRows)
	}
	return nil
}

// ConsumeApproval atomically marks the oldest unconsumed approved
// request for the sensor and action as consumed. Returns sql.ErrNoRows
// (wrapped) when no such approval exists, which is how callers learn the
// action is not authorized.
func (d *DB) ConsumeApproval(ctx context.Context, sensorID, action string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE approval_requests SET consumed = 1
		 WHERE id = (SELECT id FROM approval_requests
		             WHERE sensor_id = ? AND action = ? AND status = 'approved' AND consumed = 0
		             ORDER BY requested_at ASC LIMIT 1)`,
		sensorID, action)
	if err != nil {
		return fmt.Errorf("consume approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume approval rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("consume approval: %w", sql.ErrNoRows)
	}
	return nil
}

// --- Sensor keys ---

// UpsertSensorKey registers or replaces a sensor's signing key.
func (d *DB) UpsertSensorKey(ctx context.Context, k *SensorKey) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO sensor_keys (sensor_id, public_key, label, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(sensor_id) DO UPDATE SET public_key = excluded.public_key, label = excluded.label`,
		k.SensorID, k.PublicKey, k.Label, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert sensor key: %w", err)
	}
	return nil
}

// GetSensorKey retrieves a sensor's signing key.
func (d *DB) GetSensorKey(ctx context.Context, sensorID string) (*SensorKey, error) {
	k := &SensorKey{}
	var label sql.NullString
	var lastSeen sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT sensor_id, public_key, label, created_at, last_seen
		 FROM sensor_keys WHERE sensor_id = ?`, sensorID,
	).Scan(&k.SensorID, &k.PublicKey, &label, &k.CreatedAt, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("get sensor key: %w", err)
	}
	k.Label = label.String
	if lastSeen.Valid {
		k.LastSeen = &lastSeen.Int64
	}
	return k, nil
}

// TouchSensorKey updates a sensor key's last_seen timestamp.
func (d *DB) TouchSensorKey(ctx context.Context, sensorID string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sensor_keys SET last_seen = ? WHERE sensor_id = ?`,
		time.Now().Unix(), sensorID)
	if err != nil {
		return fmt.Errorf("touch sensor key: %w", err)
	}
	return nil
}
