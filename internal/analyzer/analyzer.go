package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-selfimprove/internal/allowlist"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/patterns"
	"github.com/miradorstack/mirador-selfimprove/internal/pipe"
)

// Pipes is the subset of the pipe caller the analyzer consults.
type Pipes interface {
	Diagnose(ctx context.Context, prompt string) (pipe.DiagnosisResponse, error)
	SelectAction(ctx context.Context, prompt string) (pipe.ActionSelectionResponse, error)
	Validate(ctx context.Context, prompt string) (pipe.ValidationResponse, error)
}

// History exposes learned action effectiveness.
type History interface {
	All() []models.ActionEffectiveness
	Score(kind models.ActionKind, confidence float64) float64
}

// LiveConfig reads the current value of a tunable.
type LiveConfig interface {
	Get(scope models.ConfigScope) (models.ParamValue, error)
}

// Config bounds what the analyzer may propose.
type Config struct {
	MaxPendingDiagnoses   int
	MinActionSeverity     models.Severity
	ValidationEnabled     bool
	PipeFailureEscalation int
	// MinSelectionScore is the lowest history-weighted score an action may have.
	MinSelectionScore float64
}

// Analyzer turns triggers into diagnoses with optional allowlist-checked actions.
type Analyzer struct {
	cfg       Config
	pipes     Pipes
	registry  *allowlist.Registry
	live      LiveConfig
	history   History
	patterns  func() []models.ActionPattern
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	failureMu sync.Mutex
	failures  int
}

// Option customises an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithPatterns supplies mined action patterns for decision prompts.
func WithPatterns(source func() []models.ActionPattern) Option {
	return func(a *Analyzer) { a.patterns = source }
}

// WithIDGenerator overrides diagnosis and action id generation.
func WithIDGenerator(fn func() string) Option {
	return func(a *Analyzer) { a.newID = fn }
}

// New constructs an Analyzer. history may be nil when no learner is wired.
func New(cfg Config, pipes Pipes, registry *allowlist.Registry, live LiveConfig, history History, logger *slog.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPendingDiagnoses <= 0 {
		cfg.MaxPendingDiagnoses = 10
	}
	if cfg.MinActionSeverity == "" {
		cfg.MinActionSeverity = models.SeverityWarning
	}
	if cfg.PipeFailureEscalation <= 0 {
		cfg.PipeFailureEscalation = 3
	}
	a := &Analyzer{
		cfg:      cfg,
		pipes:    pipes,
		registry: registry,
		live:     live,
		history:  history,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ConsecutiveFailures reports the current run of failed pipe calls.
func (a *Analyzer) ConsecutiveFailures() int {
	a.failureMu.Lock()
	defer a.failureMu.Unlock()
	return a.failures
}

// Analyze diagnoses trigger. pending is the number of diagnoses already queued.
// A returned diagnosis without an action is an observation only; BlockReason says why.
func (a *Analyzer) Analyze(ctx context.Context, trigger models.TriggerMetric, pending int) (*models.SelfDiagnosis, error) {
	if pending >= a.cfg.MaxPendingDiagnoses {
		metrics.DiagnosisBlocked(string(ReasonPendingQueueFull))
		return nil, &BlockedError{Reason: ReasonPendingQueueFull}
	}

	diag := &models.SelfDiagnosis{
		ID:            models.DiagnosisID(a.newID()),
		Trigger:       trigger,
		ObservedValue: trigger.Observed,
		BaselineValue: trigger.Baseline,
		Severity:      trigger.Severity,
		CreatedAt:     a.now(),
		Status:        models.StatusPending,
	}

	resp, err := a.pipes.Diagnose(ctx, diagnosisPrompt(trigger))
	if err != nil {
		return diag, a.pipeFailure(diag, err)
	}
	a.pipeSuccess()
	diag.Summary = strings.TrimSpace(resp.Summary)
	diag.RootCause = strings.TrimSpace(resp.RootCause)
	if sev, err := models.ParseSeverity(resp.Severity); err == nil {
		diag.Severity = models.MaxSeverity(diag.Severity, sev)
	}

	if !diag.Severity.AtLeast(a.cfg.MinActionSeverity) {
		diag.BlockReason = string(ReasonSeverityBelowThreshold)
		metrics.DiagnosisBlocked(diag.BlockReason)
		return diag, &BlockedError{Reason: ReasonSeverityBelowThreshold}
	}

	selection, err := a.pipes.SelectAction(ctx, decisionPrompt(a.decisionContext(diag)))
	if err != nil {
		return diag, a.pipeFailure(diag, err)
	}
	a.pipeSuccess()

	action, reason := a.propose(selection)
	if reason != "" {
		a.reject(diag, reason)
		return diag, nil
	}

	if a.cfg.ValidationEnabled {
		verdict, err := a.pipes.Validate(ctx, validationPrompt(diag, action))
		if err != nil {
			return diag, a.pipeFailure(diag, err)
		}
		a.pipeSuccess()
		if !verdict.Approved {
			a.reject(diag, "validation_rejected: "+strings.Join(verdict.Concerns, "; "))
			return diag, nil
		}
	}

	action.ID = models.ActionID(a.newID())
	diag.Action = &action
	a.logger.Info("diagnosis proposed action",
		slog.String("diagnosis_id", string(diag.ID)),
		slog.String("metric", string(trigger.Metric)),
		slog.String("kind", string(action.Kind)),
		slog.String("scope", action.Scope.String()),
		slog.String("old", action.OldValue.Format()),
		slog.String("new", action.NewValue.Format()))
	return diag, nil
}

// propose converts the decision pipe's answer into an allowlist-validated action.
// A non-empty reason means no action should be attached.
func (a *Analyzer) propose(sel pipe.ActionSelectionResponse) (models.SuggestedAction, string) {
	kind := models.ActionKind(strings.TrimSpace(sel.Kind))
	if kind == "" || kind == models.KindNoOp {
		return models.SuggestedAction{}, "no_op"
	}
	scope := models.ConfigScope{Component: models.ServiceComponent(sel.Component), Param: sel.Param}

	current, err := a.live.Get(scope)
	if err != nil {
		return models.SuggestedAction{}, fmt.Sprintf("unknown_scope: %s", scope)
	}
	newValue, err := models.ParseParamValue(current.Type, sel.NewValueText())
	if err != nil {
		return models.SuggestedAction{}, "unparseable_value: " + err.Error()
	}

	candidate := models.SuggestedAction{
		Kind:                kind,
		Scope:               scope,
		NewValue:            newValue,
		Rationale:           strings.TrimSpace(sel.Rationale),
		Confidence:          sel.Confidence,
		ExpectedImprovement: strings.TrimSpace(sel.ExpectedImprovement),
	}
	validated, err := a.registry.Validate(candidate, current)
	if err != nil {
		var ae *allowlist.Error
		if errors.As(err, &ae) {
			return models.SuggestedAction{}, string(ae.Code) + ": " + ae.Error()
		}
		return models.SuggestedAction{}, err.Error()
	}

	if a.history != nil {
		if score := a.history.Score(kind, sel.Confidence); score < a.cfg.MinSelectionScore {
			return models.SuggestedAction{}, fmt.Sprintf("low_selection_score: %.3f", score)
		}
	}
	return validated.Action(), ""
}

func (a *Analyzer) decisionContext(diag *models.SelfDiagnosis) decisionContext {
	dc := decisionContext{diagnosis: diag}
	for _, entry := range a.registry.Entries() {
		current, err := a.live.Get(entry.Scope)
		if err != nil {
			continue
		}
		dc.options = append(dc.options, option{entry: entry, current: current})
	}
	if a.history != nil {
		dc.effectiveness = a.history.All()
	}
	if a.patterns != nil {
		dc.patterns = patterns.ForMetric(a.patterns(), diag.Trigger.Metric, 5)
	}
	return dc
}

func (a *Analyzer) reject(diag *models.SelfDiagnosis, reason string) {
	diag.BlockReason = reason
	label := reason
	if i := strings.Index(label, ":"); i > 0 {
		label = label[:i]
	}
	metrics.DiagnosisBlocked(label)
	a.logger.Info("diagnosis recorded without action",
		slog.String("diagnosis_id", string(diag.ID)),
		slog.String("reason", reason))
}

func (a *Analyzer) pipeFailure(diag *models.SelfDiagnosis, err error) error {
	a.failureMu.Lock()
	a.failures++
	failures := a.failures
	a.failureMu.Unlock()

	reason := pipeReason(err)
	diag.BlockReason = string(reason)
	metrics.DiagnosisBlocked(string(reason))

	blocked := &BlockedError{
		Reason:    reason,
		Failures:  failures,
		Escalated: failures >= a.cfg.PipeFailureEscalation,
		Err:       err,
	}
	if blocked.Escalated {
		a.logger.Error("pipe failures escalated",
			slog.String("diagnosis_id", string(diag.ID)),
			slog.Int("consecutive_failures", failures),
			slog.Any("error", err))
	}
	return blocked
}

func (a *Analyzer) pipeSuccess() {
	a.failureMu.Lock()
	a.failures = 0
	a.failureMu.Unlock()
}
