package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/allowlist"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

const rateWindow = time.Hour

// Snapshotter supplies the before and after measurements.
type Snapshotter interface {
	Snapshot() models.MetricsSnapshot
	SnapshotSince(since time.Time) models.MetricsSnapshot
}

// Applier reads and writes the supervised server's live configuration.
type Applier interface {
	Get(scope models.ConfigScope) (models.ParamValue, error)
	Set(scope models.ConfigScope, value models.ParamValue) (models.ParamValue, error)
}

// Gate is the circuit breaker as seen by the executor.
type Gate interface {
	State() models.CircuitState
	Opened() <-chan struct{}
	ForceOpen(reason error)
}

// Config bounds how often and how carefully actions are applied.
type Config struct {
	MaxActionsPerHour    int
	Cooldown             time.Duration
	StabilizationPeriod  time.Duration
	VerificationTimeout  time.Duration
	RollbackOnRegression bool
	RequireApproval      bool
	// RegressionTolerance is the relative worsening of the trigger metric tolerated as noise.
	RegressionTolerance float64
	// MinSamples is the number of post-change events needed for a verdict.
	MinSamples int
}

// absoluteTolerance is the smallest worsening of each metric treated as a regression.
var absoluteTolerance = map[models.MetricName]float64{
	models.MetricErrorRate:    0.005,
	models.MetricLatencyP95:   25,
	models.MetricQualityScore: 0.02,
	models.MetricFallbackRate: 0.01,
}

// ExecutionResult is the audit of one applied action.
type ExecutionResult struct {
	Record   models.ActionRecord `json:"record"`
	CutShort bool                `json:"cut_short"`
}

// Executor applies allowlist-validated actions, verifies them and reverts regressions.
type Executor struct {
	cfg       Config
	registry  *allowlist.Registry
	applier   Applier
	monitor   Snapshotter
	gate      Gate
	approvals *ApprovalStore
	logger    *slog.Logger
	now       func() time.Time
	poll      time.Duration

	mu      sync.Mutex
	applied []time.Time
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the clock used for rate limiting and cooldown.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithPollInterval sets how often verification re-reads metrics while waiting for samples.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.poll = d }
}

// New constructs an Executor. approvals may be nil when approval is not required.
func New(cfg Config, registry *allowlist.Registry, applier Applier, monitor Snapshotter, gate Gate, approvals *ApprovalStore, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if approvals == nil {
		approvals = NewApprovalStore(nil, 0)
	}
	if cfg.MaxActionsPerHour <= 0 {
		cfg.MaxActionsPerHour = 3
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	e := &Executor{
		cfg:       cfg,
		registry:  registry,
		applier:   applier,
		monitor:   monitor,
		gate:      gate,
		approvals: approvals,
		logger:    logger,
		now:       time.Now,
		poll:      time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seed restores rate-limit and cooldown state from persisted records.
func (e *Executor) Seed(records []models.ActionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		if rec.Applied() {
			e.applied = append(e.applied, rec.CreatedAt)
		}
	}
	e.pruneLocked(e.now())
}

// ActionsInLastHour reports how many actions were applied in the trailing hour.
func (e *Executor) ActionsInLastHour() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(e.now())
	return len(e.applied)
}

// LastApplied returns when the most recent action was applied.
func (e *Executor) LastApplied() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var last time.Time
	for _, t := range e.applied {
		if t.After(last) {
			last = t
		}
	}
	return last, !last.IsZero()
}

// Approvals exposes the approval store.
func (e *Executor) Approvals() *ApprovalStore { return e.approvals }

// Execute runs the attached action of diag through validation, application,
// stabilization, verification and, on regression, rollback. Deliberate refusals are
// returned as *BlockedError with a nil result. A failed revert returns the result
// together with a *RollbackError and forces the circuit open.
func (e *Executor) Execute(ctx context.Context, diag *models.SelfDiagnosis) (*ExecutionResult, error) {
	if !diag.HasAction() {
		return nil, ErrNoAction
	}
	action := *diag.Action

	if e.gate != nil && e.gate.State() == models.CircuitOpen {
		return nil, e.block(ReasonCircuitOpen, nil)
	}
	if e.cfg.RequireApproval {
		approval, err := e.approvals.Lookup(ctx, diag.ID)
		if err != nil {
			return nil, err
		}
		if approval == nil {
			return nil, e.block(ReasonRequiresApproval, nil)
		}
	}

	now := e.now()
	if last, ok := e.LastApplied(); ok && now.Sub(last) < e.cfg.Cooldown {
		return nil, e.block(ReasonInCooldown, fmt.Errorf("last action applied %s ago", now.Sub(last).Round(time.Second)))
	}
	if n := e.ActionsInLastHour(); n >= e.cfg.MaxActionsPerHour {
		return nil, e.block(ReasonRateLimited, fmt.Errorf("%d actions in the last hour", n))
	}

	current, err := e.applier.Get(action.Scope)
	if err != nil {
		return nil, e.block(ReasonAllowlistRejected, err)
	}
	validated, err := e.registry.Validate(action, current)
	if err != nil {
		return nil, e.block(ReasonAllowlistRejected, err)
	}

	if diag.Status == models.StatusPending {
		if err := diag.Advance(models.StatusApproved); err != nil {
			return nil, err
		}
	}
	return e.run(ctx, diag, validated)
}

func (e *Executor) run(ctx context.Context, diag *models.SelfDiagnosis, validated allowlist.ValidatedAction) (*ExecutionResult, error) {
	action := validated.Action()
	rec := models.ActionRecord{
		ID:            action.ID,
		DiagnosisID:   diag.ID,
		TriggerMetric: diag.Trigger.Metric,
		Action:        action,
		Phases:        []models.ExecutionPhase{models.PhaseProposed, models.PhaseValidated},
		Before:        e.monitor.Snapshot(),
		CreatedAt:     e.now(),
	}
	result := &ExecutionResult{}
	log := e.logger.With(
		slog.String("action_id", string(action.ID)),
		slog.String("diagnosis_id", string(diag.ID)),
		slog.String("scope", action.Scope.String()))

	if _, err := e.applier.Set(validated.Scope(), validated.NewValue()); err != nil {
		rec.Outcome = models.OutcomeFailed
		rec.Error = err.Error()
		result.Record = rec
		metrics.ObserveAction(action.Kind, rec.Outcome)
		log.Error("apply failed", slog.Any("error", err))
		return result, fmt.Errorf("apply %s: %w", action.Scope, err)
	}
	appliedAt := e.now()
	rec.CreatedAt = appliedAt
	rec.Phases = append(rec.Phases, models.PhaseApplied)
	e.markApplied(appliedAt)
	if err := diag.Advance(models.StatusExecuted); err != nil {
		log.Warn("diagnosis status not advanced", slog.Any("error", err))
	}
	if e.cfg.RequireApproval {
		if err := e.approvals.Revoke(ctx, diag.ID); err != nil {
			log.Warn("approval not revoked", slog.Any("error", err))
		}
	}
	log.Info("action applied",
		slog.String("old", validated.OldValue().Format()),
		slog.String("new", validated.NewValue().Format()))

	rec.Phases = append(rec.Phases, models.PhaseStabilizing)
	after, cut := e.measure(ctx, appliedAt)
	rec.After = after
	result.CutShort = cut

	metric := diag.Trigger.Metric
	if after.SampleCount < e.cfg.MinSamples {
		rec.Outcome = models.OutcomeInconclusive
		result.Record = rec
		if cut {
			log.Warn("verification cut short without enough samples; reverting",
				slog.Int("samples", after.SampleCount),
				slog.Int("min_samples", e.cfg.MinSamples))
			return e.revert(diag, validated, result, log)
		}
		result.Record.Phases = append(result.Record.Phases, models.PhaseCommitted)
		e.complete(diag, log)
		metrics.ObserveAction(action.Kind, rec.Outcome)
		log.Info("action committed without a verdict", slog.Int("samples", after.SampleCount))
		return result, nil
	}

	if !e.regressed(metric, rec.Before.Value(metric), after.Value(metric)) {
		rec.Outcome = models.OutcomeSuccess
		rec.Phases = append(rec.Phases, models.PhaseVerified, models.PhaseCommitted)
		e.complete(diag, log)
		result.Record = rec
		metrics.ObserveAction(action.Kind, rec.Outcome)
		log.Info("action committed",
			slog.Float64("before", rec.Before.Value(metric)),
			slog.Float64("after", after.Value(metric)))
		return result, nil
	}

	rec.Outcome = models.OutcomeRegressed
	rec.Phases = append(rec.Phases, models.PhaseRegressed)
	result.Record = rec
	if !e.cfg.RollbackOnRegression {
		result.Record.Phases = append(result.Record.Phases, models.PhaseCommitted)
		e.complete(diag, log)
		metrics.ObserveAction(action.Kind, rec.Outcome)
		log.Warn("regression kept; rollback disabled",
			slog.Float64("before", rec.Before.Value(metric)),
			slog.Float64("after", after.Value(metric)))
		return result, nil
	}
	log.Warn("action regressed; reverting",
		slog.String("metric", string(metric)),
		slog.Float64("before", rec.Before.Value(metric)),
		slog.Float64("after", after.Value(metric)))
	return e.revert(diag, validated, result, log)
}

// revert restores the pre-change value of an applied action. A failed revert forces
// the circuit open and returns *RollbackError with the result.
func (e *Executor) revert(diag *models.SelfDiagnosis, validated allowlist.ValidatedAction, result *ExecutionResult, log *slog.Logger) (*ExecutionResult, error) {
	action := validated.Action()
	if _, err := e.applier.Set(validated.Scope(), validated.OldValue()); err != nil {
		rbErr := &RollbackError{ActionID: action.ID, Scope: validated.Scope(), Target: validated.OldValue(), Err: err}
		result.Record.Error = rbErr.Error()
		metrics.ObserveAction(action.Kind, result.Record.Outcome)
		if e.gate != nil {
			e.gate.ForceOpen(rbErr)
		}
		log.Error("ROLLBACK FAILED: operator intervention required", slog.Any("error", rbErr))
		return result, rbErr
	}
	result.Record.RolledBack = true
	result.Record.Phases = append(result.Record.Phases, models.PhaseRolledBack)
	if err := diag.Advance(models.StatusRolledBack); err != nil {
		log.Warn("diagnosis status not advanced", slog.Any("error", err))
	}
	metrics.ObserveAction(action.Kind, result.Record.Outcome)
	log.Warn("action rolled back", slog.String("restored", validated.OldValue().Format()))
	return result, nil
}

// measure waits out the stabilization period, then reads the post-change window until
// it holds MinSamples events or the verification timeout elapses. A breaker opening
// or ctx ending cuts both waits short.
func (e *Executor) measure(ctx context.Context, appliedAt time.Time) (models.MetricsSnapshot, bool) {
	if e.wait(ctx, e.cfg.StabilizationPeriod) {
		return e.monitor.SnapshotSince(appliedAt), true
	}
	deadline := time.Now().Add(e.cfg.VerificationTimeout)
	for {
		after := e.monitor.SnapshotSince(appliedAt)
		remaining := time.Until(deadline)
		if after.SampleCount >= e.cfg.MinSamples || remaining <= 0 {
			return after, false
		}
		if e.wait(ctx, min(e.poll, remaining)) {
			return e.monitor.SnapshotSince(appliedAt), true
		}
	}
}

// wait sleeps for d and reports whether it was cut short.
func (e *Executor) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	var opened <-chan struct{}
	if e.gate != nil {
		opened = e.gate.Opened()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	case <-opened:
		return true
	}
}

// regressed reports whether metric worsened by more than the larger of its absolute
// tolerance and RegressionTolerance relative to before.
func (e *Executor) regressed(metric models.MetricName, before, after float64) bool {
	worse := after - before
	if metric.Direction() == models.LowerIsWorse {
		worse = before - after
	}
	tolerance := math.Max(absoluteTolerance[metric], e.cfg.RegressionTolerance*math.Abs(before))
	return worse > tolerance
}

func (e *Executor) complete(diag *models.SelfDiagnosis, log *slog.Logger) {
	if err := diag.Advance(models.StatusCompleted); err != nil {
		log.Warn("diagnosis status not advanced", slog.Any("error", err))
	}
}

func (e *Executor) block(reason BlockReason, err error) error {
	metrics.ExecutionBlocked(string(reason))
	e.logger.Info("execution blocked", slog.String("reason", string(reason)), slog.Any("error", err))
	return &BlockedError{Reason: reason, Err: err}
}

func (e *Executor) markApplied(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, at)
	e.pruneLocked(at)
}

func (e *Executor) pruneLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	kept := e.applied[:0]
	for _, t := range e.applied {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.applied = kept
}
