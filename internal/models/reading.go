package models

import "time"

// Metric identifies what a reading measures.
type Metric string

const (
	MetricGlucose           Metric = "glucose"
	MetricWeight            Metric = "weight"
	MetricSystolicPressure  Metric = "systolic_pressure"
	MetricDiastolicPressure Metric = "diastolic_pressure"
	MetricHbA1c             Metric = "hba1c"
	MetricInsulin           Metric = "insulin"
	MetricCarbs             Metric = "carbs"
	MetricExercise          Metric = "exercise"
	MetricHeartRate         Metric = "heart_rate"
)

// ReadingSource describes how a reading entered the system.
type ReadingSource string

const (
	SourceManual ReadingSource = "manual"
	SourceCGM    ReadingSource = "cgm"
	SourceImport ReadingSource = "import"
)

// ValidSource reports whether s is a known source.
func ValidSource(s ReadingSource) bool {
	switch s {
	case SourceManual, SourceCGM, SourceImport:
		return true
	}
	return false
}

// Reading is an immutable measurement. Seq is the per-user arrival sequence
// and doubles as the reading id.
type Reading struct {
	UserID     string        `json:"user_id" db:"user_id"`
	Seq        int64         `json:"id" db:"seq"`
	Metric     Metric        `json:"metric" db:"metric"`
	Value      float64       `json:"value" db:"value"`
	Unit       string        `json:"unit" db:"unit"`
	Timestamp  time.Time     `json:"timestamp" db:"ts"`
	Source     ReadingSource `json:"source" db:"source"`
	Note       string        `json:"note,omitempty" db:"-"`
	NoteSealed []byte        `json:"-" db:"note_sealed"`
	DedupToken *string       `json:"dedup_token,omitempty" db:"dedup_token"`
	Supersedes *int64        `json:"supersedes,omitempty" db:"supersedes"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// IsCorrection reports whether the reading replaces an earlier one.
func (r *Reading) IsCorrection() bool {
	return r.Supersedes != nil
}

// NewReading is the caller-supplied part of a reading.
type NewReading struct {
	Metric     Metric
	Value      float64
	Unit       string
	Timestamp  time.Time
	Source     ReadingSource
	Note       string
	DedupToken string
}

// AppendResult is returned by an append. Created is false when the dedup token
// matched an existing reading.
type AppendResult struct {
	Reading *Reading      `json:"reading"`
	Created bool          `json:"created"`
	Alerts  []*AlertEvent `json:"alerts,omitempty"`
}

// TimeRange is a half-open interval [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls in the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool {
	return r.To.After(r.From)
}

// ReadingQuery selects readings for one user.
type ReadingQuery struct {
	UserID        string
	Range         TimeRange
	Metric        Metric // empty means all metrics
	EffectiveOnly bool   // hide readings that have been superseded
}

// ReadingCursor is the keyset position after the last returned reading.
type ReadingCursor struct {
	Timestamp time.Time
	Seq       int64
}
