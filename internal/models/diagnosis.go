package models

import (
	"fmt"
	"time"
)

// Severity captures impact levels; values are ordered.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Above reports whether s is strictly more severe than other.
func (s Severity) Above(other Severity) bool {
	return s.rank() > other.rank()
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ParseSeverity maps a free-form label to a Severity.
func ParseSeverity(value string) (Severity, error) {
	sev := Severity(value)
	if sev.rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", value)
	}
	return sev, nil
}

// DiagnosisID is an opaque unique identifier.
type DiagnosisID string

// DiagnosisStatus tracks a diagnosis through the automation lifecycle.
type DiagnosisStatus string

const (
	StatusPending    DiagnosisStatus = "pending"
	StatusApproved   DiagnosisStatus = "approved"
	StatusExecuted   DiagnosisStatus = "executed"
	StatusCompleted  DiagnosisStatus = "completed"
	StatusRolledBack DiagnosisStatus = "rolled_back"
	StatusRejected   DiagnosisStatus = "rejected"
)

var diagnosisTransitions = map[DiagnosisStatus][]DiagnosisStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusExecuted, StatusRejected},
	StatusExecuted: {StatusCompleted, StatusRolledBack},
}

// Terminal reports whether no further transitions are possible.
func (s DiagnosisStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusRejected
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s DiagnosisStatus) CanTransition(next DiagnosisStatus) bool {
	for _, allowed := range diagnosisTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SelfDiagnosis links an observed anomaly to an optional corrective action.
type SelfDiagnosis struct {
	ID            DiagnosisID      `json:"id"`
	Trigger       TriggerMetric    `json:"trigger"`
	ObservedValue float64          `json:"observed_value"`
	BaselineValue float64          `json:"baseline_value"`
	Severity      Severity         `json:"severity"`
	Summary       string           `json:"summary,omitempty"`
	RootCause     string           `json:"root_cause,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	Status        DiagnosisStatus  `json:"status"`
	Action        *SuggestedAction `json:"action,omitempty"`
	BlockReason   string           `json:"block_reason,omitempty"`
}

// Advance moves the diagnosis status forward, rejecting regressions.
func (d *SelfDiagnosis) Advance(next DiagnosisStatus) error {
	if d.Status == next {
		return nil
	}
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("diagnosis %s: illegal status transition %s -> %s", d.ID, d.Status, next)
	}
	d.Status = next
	return nil
}

// HasAction reports whether an action is attached.
func (d *SelfDiagnosis) HasAction() bool {
	return d != nil && d.Action != nil
}
