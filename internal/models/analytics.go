package models

import "time"

// Trend is a coarse direction label over a window.
type Trend string

const (
	TrendIncreasing   Trend = "increasing"
	TrendDecreasing   Trend = "decreasing"
	TrendStable       Trend = "stable"
	TrendInsufficient Trend = "insufficient_data"
)

// AnalyticsSnapshot is a derived summary of one user's readings over a window.
type AnalyticsSnapshot struct {
	UserID      string         `json:"user_id"`
	Metric      Metric         `json:"metric"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Count       int            `json:"count"`
	Mean        float64        `json:"mean"`
	StdDev      float64        `json:"std_dev"`
	Min         float64        `json:"min"`
	Max         float64        `json:"max"`
	TrendSlope  float64        `json:"trend_slope"` // units per hour
	Trend       Trend          `json:"trend"`
	Daily       []DailyAverage `json:"daily"`
	ComputedAt  time.Time      `json:"computed_at"`
	Stale       bool           `json:"stale"`
}

// DailyAverage aggregates one UTC calendar day of a window.
type DailyAverage struct {
	Date    string  `json:"date"` // YYYY-MM-DD
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// SummaryOptions tunes a summary request.
type SummaryOptions struct {
	Metric Metric
	Force  bool
}
