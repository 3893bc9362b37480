package model

import (
	"errors"
	"strconv"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusEscalated  Status = "ESCALATED"
	StatusAutoClosed Status = "AUTO_CLOSED"
	StatusResolved   Status = "RESOLVED"
)

// Open reports whether the alert is still active and counted in aggregates.
func (s Status) Open() bool {
	return s == StatusOpen || s == StatusEscalated
}

// Terminal reports whether the alert is permanently closed.
func (s Status) Terminal() bool {
	return s == StatusAutoClosed || s == StatusResolved
}

// Occurrence is one external report of an alert-worthy condition for a driver.
type Occurrence struct {
	SourceType   string         `json:"source_type"`
	DriverID     string         `json:"driver_id"`
	DriverName   string         `json:"driver_name,omitempty"`
	SeverityHint Severity       `json:"severity,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type Alert struct {
	ID          string         `json:"alert_id"`
	SourceType  string         `json:"source_type"`
	Severity    Severity       `json:"severity"`
	Status      Status         `json:"status"`
	DriverID    string         `json:"driver_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CloseReason string         `json:"close_reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Rule is the escalation policy for one alert source type.
// EscalateIfCount and WindowMins are set together or not at all.
type Rule struct {
	SourceType       string `json:"type"`
	EscalateIfCount  int    `json:"escalate_if_count,omitempty"`
	WindowMins       int    `json:"window_mins,omitempty"`
	AutoCloseTrigger string `json:"auto_close_trigger,omitempty"`
}

// Validate rejects inconsistent escalation policy at administration time,
// never at ingest.
func (r Rule) Validate() error {
	if r.SourceType == "" {
		return errors.New("rule requires a source type")
	}
	if r.EscalateIfCount < 0 || r.WindowMins < 0 {
		return errors.New("escalate_if_count and window_mins must be positive")
	}
	if (r.EscalateIfCount > 0) != (r.WindowMins > 0) {
		return errors.New("escalate_if_count and window_mins must be set together")
	}
	return nil
}

// DriverStats is the per-driver denormalized aggregate row.
type DriverStats struct {
	DriverID         string `json:"driver_id"`
	Name             string `json:"name,omitempty"`
	ActiveAlertCount int    `json:"active_alert_count"`
}

// SystemStats is the singleton dashboard aggregate. The severity totals
// track currently-open alerts; AutoClosedCount is cumulative over all
// terminal transitions.
type SystemStats struct {
	TotalCritical   int `json:"total_critical"`
	TotalWarning    int `json:"total_warning"`
	TotalInfo       int `json:"total_info"`
	AutoClosedCount int `json:"auto_closed_count"`
}

type HistoryBucket struct {
	Bucket     string `json:"bucket"`
	Total      int    `json:"total"`
	Escalated  int    `json:"escalated"`
	AutoClosed int    `json:"auto_closed"`
}

type RuleImpact struct {
	SourceType string `json:"source_type"`
	Count      int    `json:"count"`
}

// NewAlertID returns a generation-time-ordered alert handle.
func NewAlertID(now time.Time) string {
	return strconv.FormatInt(now.UnixNano(), 10)
}
