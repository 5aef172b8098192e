package models

import "time"

// ExportFormatVersion is bumped whenever the bundle layout changes.
const ExportFormatVersion = 1

// ExportBundle is a complete, consistent snapshot of one user's data.
type ExportBundle struct {
	FormatVersion  int             `json:"format_version"`
	UserID         string          `json:"user_id"`
	GeneratedAt    time.Time       `json:"generated_at"`
	Consent        *Consent        `json:"consent"`
	ConsentHistory []*ConsentEvent `json:"consent_history"`
	Readings       []*Reading      `json:"readings"`
	Alerts         []*AlertEvent   `json:"alerts"`
	AuditTrail     []*AuditLog     `json:"audit_trail"`
}

// DeletedCounts records how many rows each component removed.
type DeletedCounts struct {
	Consents      int64 `json:"consents"`
	ConsentEvents int64 `json:"consent_events"`
	Readings      int64 `json:"readings"`
	AlertEvents   int64 `json:"alert_events"`
	AlertStates   int64 `json:"alert_states"`
	AuditLogs     int64 `json:"audit_logs"`
}

// ErasureReceipt proves an erasure completed. It holds no health content.
type ErasureReceipt struct {
	ID          string        `json:"id" db:"id"`
	UserID      string        `json:"user_id" db:"user_id"`
	RequestedAt time.Time     `json:"requested_at" db:"requested_at"`
	ErasedAt    time.Time     `json:"erased_at" db:"erased_at"`
	Deleted     DeletedCounts `json:"deleted" db:"deleted"`
}

// ErasureStatus is the progress of an erasure intent.
type ErasureStatus string

const (
	ErasurePending        ErasureStatus = "pending"
	ErasureRecordsDeleted ErasureStatus = "records_deleted"
	ErasureCompleted      ErasureStatus = "completed"
)

// ErasureIntent is the durable log entry that lets an interrupted erasure be
// replayed from scratch.
type ErasureIntent struct {
	ID          string         `json:"id" db:"id"`
	UserID      string         `json:"user_id" db:"user_id"`
	Status      ErasureStatus  `json:"status" db:"status"`
	Attempts    int            `json:"attempts" db:"attempts"`
	LastError   *string        `json:"last_error,omitempty" db:"last_error"`
	Deleted     *DeletedCounts `json:"deleted,omitempty" db:"deleted"`
	RequestedAt time.Time      `json:"requested_at" db:"requested_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}
