package models

import (
	"fmt"
	"strconv"
	"time"
)

// ActionID is an opaque identifier assigned once an action is accepted.
type ActionID string

// ActionKind enumerates the closed set of corrective action kinds.
type ActionKind string

const (
	KindAdjustParam   ActionKind = "adjust_param"
	KindScaleResource ActionKind = "scale_resource"
	KindToggleFeature ActionKind = "toggle_feature"
	KindNoOp          ActionKind = "no_op"
)

// ServiceComponent names the subsystem a configuration change targets.
type ServiceComponent string

const (
	ComponentPipeClient ServiceComponent = "pipe_client"
	ComponentReasoning  ServiceComponent = "reasoning"
	ComponentStorage    ServiceComponent = "storage"
	ComponentCache      ServiceComponent = "cache"
	ComponentServer     ServiceComponent = "server"
)

// ResourceType enumerates resources a scale_resource action may resize.
type ResourceType string

const (
	ResourceMaxConcurrentRequests ResourceType = "max_concurrent_requests"
	ResourceConnectionPoolSize    ResourceType = "connection_pool_size"
	ResourceCacheSize             ResourceType = "cache_size"
	ResourceRequestTimeoutMs      ResourceType = "request_timeout_ms"
	ResourceMaxRetries            ResourceType = "max_retries"
)

// ConfigScope identifies one live configuration parameter.
type ConfigScope struct {
	Component ServiceComponent `json:"component" yaml:"component"`
	Param     string           `json:"param" yaml:"param"`
}

func (s ConfigScope) String() string {
	return string(s.Component) + "." + s.Param
}

// ParamType is the type tag of a ParamValue.
type ParamType string

const (
	ParamNumber   ParamType = "number"
	ParamBool     ParamType = "bool"
	ParamString   ParamType = "string"
	ParamDuration ParamType = "duration"
)

// ParamValue is a typed configuration value.
type ParamValue struct {
	Type     ParamType     `json:"type"`
	Number   float64       `json:"number,omitempty"`
	Bool     bool          `json:"bool,omitempty"`
	String   string        `json:"string,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

func NumberValue(v float64) ParamValue         { return ParamValue{Type: ParamNumber, Number: v} }
func BoolValue(v bool) ParamValue              { return ParamValue{Type: ParamBool, Bool: v} }
func StringValue(v string) ParamValue          { return ParamValue{Type: ParamString, String: v} }
func DurationValue(v time.Duration) ParamValue { return ParamValue{Type: ParamDuration, Duration: v} }

// Numeric returns the value on a numeric axis; durations are expressed in milliseconds.
func (v ParamValue) Numeric() (float64, bool) {
	switch v.Type {
	case ParamNumber:
		return v.Number, true
	case ParamDuration:
		return float64(v.Duration) / float64(time.Millisecond), true
	default:
		return 0, false
	}
}

// Equal compares two values including their type.
func (v ParamValue) Equal(other ParamValue) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case ParamNumber:
		return v.Number == other.Number
	case ParamBool:
		return v.Bool == other.Bool
	case ParamString:
		return v.String == other.String
	case ParamDuration:
		return v.Duration == other.Duration
	default:
		return true
	}
}

func (v ParamValue) Format() string {
	switch v.Type {
	case ParamNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case ParamBool:
		return strconv.FormatBool(v.Bool)
	case ParamString:
		return v.String
	case ParamDuration:
		return v.Duration.String()
	default:
		return "<unset>"
	}
}

// ParseParamValue converts a textual value into a ParamValue of the given type.
func ParseParamValue(kind ParamType, raw string) (ParamValue, error) {
	switch kind {
	case ParamNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ParamValue{}, fmt.Errorf("parse number %q: %w", raw, err)
		}
		return NumberValue(f), nil
	case ParamBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return ParamValue{}, fmt.Errorf("parse bool %q: %w", raw, err)
		}
		return BoolValue(b), nil
	case ParamString:
		return StringValue(raw), nil
	case ParamDuration:
		if d, err := time.ParseDuration(raw); err == nil {
			return DurationValue(d), nil
		}
		ms, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ParamValue{}, fmt.Errorf("parse duration %q: %w", raw, err)
		}
		return DurationValue(time.Duration(ms * float64(time.Millisecond))), nil
	default:
		return ParamValue{}, fmt.Errorf("unknown param type %q", kind)
	}
}

// SuggestedAction is a proposed configuration change. Construct it only with values
// that have passed allowlist validation.
type SuggestedAction struct {
	ID                  ActionID    `json:"id,omitempty"`
	Kind                ActionKind  `json:"kind"`
	Scope               ConfigScope `json:"scope"`
	OldValue            ParamValue  `json:"old_value"`
	NewValue            ParamValue  `json:"new_value"`
	Rationale           string      `json:"rationale,omitempty"`
	Confidence          float64     `json:"confidence"`
	ExpectedImprovement string      `json:"expected_improvement,omitempty"`
}

// ActionOutcome classifies how an executed action ended.
type ActionOutcome string

const (
	OutcomeSuccess      ActionOutcome = "success"
	OutcomeRegressed    ActionOutcome = "regressed"
	OutcomeInconclusive ActionOutcome = "inconclusive"
	OutcomeFailed       ActionOutcome = "failed"
)

// ExecutionPhase is one step of the per-action state machine.
type ExecutionPhase string

const (
	PhaseProposed    ExecutionPhase = "proposed"
	PhaseValidated   ExecutionPhase = "validated"
	PhaseApplied     ExecutionPhase = "applied"
	PhaseStabilizing ExecutionPhase = "stabilizing"
	PhaseVerified    ExecutionPhase = "verified"
	PhaseRegressed   ExecutionPhase = "regressed"
	PhaseCommitted   ExecutionPhase = "committed"
	PhaseRolledBack  ExecutionPhase = "rolled_back"
)

// ActionRecord is the append-only audit entry for one executed action.
type ActionRecord struct {
	ID            ActionID         `json:"id"`
	DiagnosisID   DiagnosisID      `json:"diagnosis_id"`
	TriggerMetric MetricName       `json:"trigger_metric"`
	Action        SuggestedAction  `json:"action"`
	Before        MetricsSnapshot  `json:"before"`
	After         MetricsSnapshot  `json:"after"`
	Outcome       ActionOutcome    `json:"outcome"`
	RolledBack    bool             `json:"rolled_back"`
	Reward        NormalizedReward `json:"reward"`
	Phases        []ExecutionPhase `json:"phases"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Applied reports whether the action reached the live configuration.
func (r ActionRecord) Applied() bool {
	for _, phase := range r.Phases {
		if phase == PhaseApplied {
			return true
		}
	}
	return false
}

// InForce reports whether the record's new value is still the live value it set,
// i.e. it was applied and never reverted.
func (r ActionRecord) InForce() bool {
	return r.Applied() && !r.RolledBack && r.Outcome != OutcomeFailed
}
