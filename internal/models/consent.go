package models

import (
	"net"
	"time"
)

// ConsentStatus is the state of a user's privacy consent.
type ConsentStatus string

const (
	ConsentPending ConsentStatus = "pending"
	ConsentGranted ConsentStatus = "granted"
	ConsentRevoked ConsentStatus = "revoked"
)

// Consent is the current consent record of a user.
type Consent struct {
	UserID        string        `json:"user_id" db:"user_id"`
	PolicyVersion int           `json:"policy_version" db:"policy_version"`
	Status        ConsentStatus `json:"status" db:"status"`
	GrantedAt     *time.Time    `json:"granted_at,omitempty" db:"granted_at"`
	RevokedAt     *time.Time    `json:"revoked_at,omitempty" db:"revoked_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// PendingConsent returns the implicit record of a user who never consented.
func PendingConsent(userID string) *Consent {
	return &Consent{UserID: userID, Status: ConsentPending}
}

// ConsentAction names an entry in the consent history.
type ConsentAction string

const (
	ConsentActionGranted ConsentAction = "granted"
	ConsentActionRevoked ConsentAction = "revoked"
)

// ConsentEvent is an append-only history entry of consent changes.
type ConsentEvent struct {
	ID            int64         `json:"id" db:"id"`
	UserID        string        `json:"user_id" db:"user_id"`
	Action        ConsentAction `json:"action" db:"action"`
	PolicyVersion int           `json:"policy_version" db:"policy_version"`
	IPAddress     *net.IP       `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent     *string       `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// ConsentContext carries request metadata recorded with a consent change.
type ConsentContext struct {
	IPAddress *net.IP
	UserAgent *string
}
