package models

import (
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"
)

// ActorType represents the type of entity performing an action.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// AuditEvent represents the type of audit event.
type AuditEvent string

const (
	// Consent events
	AuditEventConsentGranted AuditEvent = "consent.granted"
	AuditEventConsentRevoked AuditEvent = "consent.revoked"

	// Reading events
	AuditEventReadingCreated    AuditEvent = "reading.created"
	AuditEventReadingSuperseded AuditEvent = "reading.superseded"

	// Lifecycle events
	AuditEventDataExported AuditEvent = "data.exported"

	// Chat events
	AuditEventChatDisclaimed AuditEvent = "chat.disclaimed"
)

// ResourceType represents the type of resource being acted upon.
type ResourceType string

const (
	ResourceTypeConsent ResourceType = "consent"
	ResourceTypeReading ResourceType = "reading"
	ResourceTypeExport  ResourceType = "export"
	ResourceTypeChat    ResourceType = "chat"
)

// AuditLog represents an audit log entry. Entries never carry health values.
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Event        AuditEvent      `json:"event" db:"event"`
	ActorType    ActorType       `json:"actor_type" db:"actor_type"`
	ResourceType *ResourceType   `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   *string         `json:"resource_id,omitempty" db:"resource_id"`
	IPAddress    *net.IP         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    *string         `json:"user_agent,omitempty" db:"user_agent"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// AuditLogQuery represents query parameters for fetching audit logs.
type AuditLogQuery struct {
	UserID    string
	Event     *AuditEvent
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Cursor    string
}
