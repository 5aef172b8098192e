package models

import "time"

// User is the owner of all health data. Identity lives in the external auth
// service; this row only anchors the per-user reading sequence.
type User struct {
	ID        string    `json:"id" db:"id"`
	NextSeq   int64     `json:"-" db:"next_seq"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Tombstone marks an erased user id. Erased ids are never reused.
type Tombstone struct {
	UserID    string    `json:"user_id" db:"user_id"`
	ReceiptID string    `json:"receipt_id" db:"receipt_id"`
	ErasedAt  time.Time `json:"erased_at" db:"erased_at"`
}
