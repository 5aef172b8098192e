package models

import "time"

// AlertKind names an alert rule.
type AlertKind string

const (
	AlertHighGlucose AlertKind = "high_glucose"
	AlertLowGlucose  AlertKind = "low_glucose"
	AlertReminderDue AlertKind = "reminder_due"
)

// AlertStateName is a node of the per (user, kind) alert state machine.
type AlertStateName string

const (
	AlertIdle    AlertStateName = "idle"
	AlertArmed   AlertStateName = "armed"
	AlertCooling AlertStateName = "cooling"
)

// AlertState is the durable state machine record for one (user, kind).
type AlertState struct {
	UserID          string         `json:"user_id" db:"user_id"`
	Kind            AlertKind      `json:"kind" db:"kind"`
	State           AlertStateName `json:"state" db:"state"`
	SuppressedUntil *time.Time     `json:"suppressed_until,omitempty" db:"suppressed_until"`
	LastFiredAt     *time.Time     `json:"last_fired_at,omitempty" db:"last_fired_at"`
	LastEventID     *string        `json:"last_event_id,omitempty" db:"last_event_id"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// NewAlertState returns the initial idle state.
func NewAlertState(userID string, kind AlertKind) *AlertState {
	return &AlertState{UserID: userID, Kind: kind, State: AlertIdle}
}

// AlertEvent records one fired alert. ReadingSeq is nil for reminders.
type AlertEvent struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	Kind            AlertKind  `json:"kind" db:"kind"`
	ReadingSeq      *int64     `json:"reading_id,omitempty" db:"reading_seq"`
	Value           *float64   `json:"value,omitempty" db:"value"`
	Threshold       *float64   `json:"threshold,omitempty" db:"threshold"`
	FiredAt         time.Time  `json:"fired_at" db:"fired_at"`
	SuppressedUntil time.Time  `json:"suppressed_until" db:"suppressed_until"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
}

// AlertOutcome is the result of evaluating one rule for one input.
type AlertOutcome string

const (
	OutcomeNone       AlertOutcome = "none"
	OutcomeArmed      AlertOutcome = "armed"
	OutcomeFired      AlertOutcome = "fired"
	OutcomeSuppressed AlertOutcome = "suppressed"
)
