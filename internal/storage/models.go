// internal/storage/models.go
package storage

// ApprovalRequest tracks an operator sign-off for an invasive action
// (recalibration or replacement) recommended by a response record.
type ApprovalRequest struct {
	ID          string `json:"id"`
	RecordID    string `json:"record_id"`
	SensorID    string `json:"sensor_id"`
	Action      string `json:"action"`
	Status      string `json:"status"` // pending | approved | rejected
	TokenHash   []byte `json:"-"`
	RequestedAt int64  `json:"requested_at"`
	DecidedAt   *int64 `json:"decided_at,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`
	Consumed    bool   `json:"consumed"`
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// SensorKey is a registered sensor's signing identity for authenticated
// ingest.
type SensorKey struct {
	SensorID  string `json:"sensor_id"`
	PublicKey []byte `json:"-"`
	Label     string `json:"label,omitempty"`
	CreatedAt int64  `json:"created_at"`
	LastSeen  *int64 `json:"last_seen,omitempty"`
}
