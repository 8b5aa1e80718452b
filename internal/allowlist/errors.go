package allowlist

import (
	"fmt"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// Code classifies an allowlist rejection.
type Code string

const (
	CodeUnknownActionKind Code = "unknown_action_kind"
	CodeUnknownParam      Code = "unknown_param"
	CodeTypeMismatch      Code = "type_mismatch"
	CodeParamOutOfBounds  Code = "param_out_of_bounds"
	CodeStepTooLarge      Code = "step_too_large"
	CodeNoChange          Code = "no_change"
)

// Error rejects one proposed action. It is never fatal to the loop.
type Error struct {
	Code  Code
	Kind  models.ActionKind
	Param string
	Min   float64
	Max   float64
	Step  float64
	Want  string
	Got   string
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeUnknownActionKind:
		return fmt.Sprintf("allowlist: unknown action kind %q", e.Kind)
	case CodeUnknownParam:
		return fmt.Sprintf("allowlist: %s does not permit param %s", e.Kind, e.Param)
	case CodeTypeMismatch:
		return fmt.Sprintf("allowlist: %s expects %s, got %s", e.Param, e.Want, e.Got)
	case CodeParamOutOfBounds:
		if e.Min == 0 && e.Max == 0 {
			return fmt.Sprintf("allowlist: %s value %s is not an allowed value", e.Param, e.Got)
		}
		return fmt.Sprintf("allowlist: %s value %s outside [%v, %v]", e.Param, e.Got, e.Min, e.Max)
	case CodeStepTooLarge:
		return fmt.Sprintf("allowlist: %s step to %s exceeds max step %v", e.Param, e.Got, e.Step)
	case CodeNoChange:
		return fmt.Sprintf("allowlist: %s already has value %s", e.Param, e.Got)
	default:
		return fmt.Sprintf("allowlist: %s rejected", e.Param)
	}
}
