package executor

import (
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// BlockReason explains a deliberate refusal to execute.
type BlockReason string

const (
	ReasonCircuitOpen       BlockReason = "circuit_open"
	ReasonRateLimited       BlockReason = "rate_limited"
	ReasonInCooldown        BlockReason = "in_cooldown"
	ReasonAllowlistRejected BlockReason = "allowlist_rejected"
	ReasonRequiresApproval  BlockReason = "requires_approval"
)

// ErrNoAction is returned for diagnoses that carry no suggested action.
var ErrNoAction = errors.New("executor: diagnosis has no action")

// BlockedError is a deliberate block. It never counts as a cycle failure.
type BlockedError struct {
	Reason BlockReason
	Err    error
}

func (e *BlockedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution blocked: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("execution blocked: %s", e.Reason)
}

func (e *BlockedError) Unwrap() error { return e.Err }

// RollbackError reports that a regressed change could not be reverted. The supervised
// server may be running a known-bad configuration and needs an operator.
type RollbackError struct {
	ActionID models.ActionID
	Scope    models.ConfigScope
	Target   models.ParamValue
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of action %s failed: %s could not be restored to %s: %v",
		e.ActionID, e.Scope, e.Target.Format(), e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// IsBlocked reports whether err is a deliberate block.
func IsBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked)
}
