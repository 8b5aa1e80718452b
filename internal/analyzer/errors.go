package analyzer

import (
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-selfimprove/internal/pipe"
)

// BlockReason explains why a trigger did not yield an actionable diagnosis.
type BlockReason string

const (
	ReasonPendingQueueFull       BlockReason = "pending_queue_full"
	ReasonSeverityBelowThreshold BlockReason = "severity_below_threshold"
	ReasonPipeTimeout            BlockReason = "pipe_timeout"
	ReasonPipeError              BlockReason = "pipe_error"
)

// ErrPipeEscalation marks a BlockedError raised after too many consecutive pipe failures.
var ErrPipeEscalation = errors.New("analyzer: repeated pipe failures")

// BlockedError is returned by Analyze when no action could be proposed. Except for
// ReasonPendingQueueFull the diagnosis is still returned alongside the error.
type BlockedError struct {
	Reason BlockReason
	// Failures is the consecutive pipe failure count when Reason is a pipe reason.
	Failures  int
	Escalated bool
	Err       error
}

func (e *BlockedError) Error() string {
	msg := fmt.Sprintf("analysis blocked: %s", e.Reason)
	if e.Escalated {
		msg += fmt.Sprintf(" (escalated after %d consecutive failures)", e.Failures)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BlockedError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Escalated {
		errs = append(errs, ErrPipeEscalation)
	}
	return errs
}

func pipeReason(err error) BlockReason {
	if pipe.IsTimeout(err) {
		return ReasonPipeTimeout
	}
	return ReasonPipeError
}
