// Package models defines the core data types shared by the detection,
// alerting and notification layers of emads.
//
// Readings flow in one direction: Reading -> ScoredReading -> Alert ->
// Communication. Only Alert carries mutable state (Notified, Resolved).
package models

import (
	"time"
)

// Reading is a single energy sample. SensorID is empty for the hostel aggregate.
type Reading struct {
	SensorID  string    `json:"sensor_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	EnergyWh  float64   `json:"energy_wh"`
}

// Severity is the display tier assigned to a scored reading or alert.
type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities so callers can compare them.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known tiers.
func (s Severity) Valid() bool {
	switch s {
	case SeverityNormal, SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// ScoredReading is a Reading annotated by the scoring engine.
//
// AnomalyScore follows decision-function semantics: 0 is the decision
// boundary and more negative means more anomalous. RawScore keeps the
// method's native value (|z|/threshold, spike ratio, forest decision).
type ScoredReading struct {
	Reading
	AnomalyScore float64  `json:"anomaly_score"`
	RawScore     float64  `json:"raw_score"`
	IsAnomaly    bool     `json:"is_anomaly"`
	Severity     Severity `json:"severity"`
	Method       string   `json:"method"`
}

// AlertType identifies the rule that raised an alert.
type AlertType string

const (
	AlertConsecutiveAnomalies AlertType = "consecutive_anomalies"
	AlertEnergySpike          AlertType = "energy_spike"
	AlertUnusualPattern       AlertType = "unusual_pattern"
	AlertIsolationForest      AlertType = "isolation_forest"
)

// AllAlertTypes lists every alert type in rule execution order.
var AllAlertTypes = []AlertType{
	AlertConsecutiveAnomalies,
	AlertEnergySpike,
	AlertUnusualPattern,
	AlertIsolationForest,
}

// Title returns the human readable name used in notifications.
func (t AlertType) Title() string {
	switch t {
	case AlertConsecutiveAnomalies:
		return "Consecutive Anomalies"
	case AlertEnergySpike:
		return "Energy Spike"
	case AlertUnusualPattern:
		return "Unusual Consumption Pattern"
	case AlertIsolationForest:
		return "Isolation Forest Anomaly"
	default:
		return string(t)
	}
}

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	for _, known := range AllAlertTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Alert is a persisted, deduplicated anomaly event. DetectedAt is the first
// reading of the run and LastReadingAt the newest one seen so far.
type Alert struct {
	ID            string    `json:"id"`
	SensorID      string    `json:"sensor_id,omitempty"`
	Type          AlertType `json:"type"`
	DetectedAt    time.Time `json:"detected_at"`
	LastReadingAt time.Time `json:"last_reading_at"`
	Severity      Severity  `json:"severity"`
	EnergyWh      float64   `json:"energy_wh"`
	AnomalyScore  *float64  `json:"anomaly_score,omitempty"`
	Count         int       `json:"count"`
	Message       string    `json:"message"`
	Notified      bool      `json:"notified"`
	Resolved      bool      `json:"resolved"`
	CreatedAt     time.Time `json:"created_at"`
}

// Role names that receive alert notifications.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStudent = "student"
)

// User is the subset of account data the dispatcher needs.
type User struct {
	Username    string          `json:"username"`
	Email       string          `json:"email"`
	Role        string          `json:"role"`
	Preferences map[string]bool `json:"preferences,omitempty"`
}

// Wants reports whether the user opted into notifications of the given type.
// A missing preference counts as opted in.
func (u User) Wants(t AlertType) bool {
	if u.Preferences == nil {
		return true
	}
	v, ok := u.Preferences[string(t)]
	return !ok || v
}

// Communication is an in-app inbox entry. At most one exists per
// (AlertID, Recipient); Read only moves from false to true.
type Communication struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	AlertID   string    `json:"alert_id,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// ModelArtifact is a serialized detector model, versioned by training time.
type ModelArtifact struct {
	Kind      string    `json:"kind"`
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trained_at"`
	Params    string    `json:"params"`
	Payload   []byte    `json:"-"`
}

// RuleOutcome records the result of one rule inside a check run.
type RuleOutcome struct {
	Rule         AlertType `json:"rule"`
	Scored       int       `json:"scored"`
	Candidates   int       `json:"candidates"`
	Created      int       `json:"created"`
	Deduplicated int       `json:"deduplicated"`
	Skipped      bool      `json:"skipped,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// CheckReport summarises one orchestrator run.
type CheckReport struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Purged      int64         `json:"purged"`
	Rules       []RuleOutcome `json:"rules"`
	NewAlerts   []Alert       `json:"new_alerts,omitempty"`
	Notified    int           `json:"notified"`
	Warnings    []string      `json:"warnings,omitempty"`
}
