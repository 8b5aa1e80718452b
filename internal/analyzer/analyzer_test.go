package analyzer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-selfimprove/internal/allowlist"
	"github.com/miradorstack/mirador-selfimprove/internal/livecfg"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/pipe"
)

type fakePipes struct {
	diagnosis  pipe.DiagnosisResponse
	diagErr    error
	selection  pipe.ActionSelectionResponse
	selectErr  error
	validation pipe.ValidationResponse
	prompts    []string
}

func (f *fakePipes) Diagnose(_ context.Context, prompt string) (pipe.DiagnosisResponse, error) {
	f.prompts = append(f.prompts, prompt)
	return f.diagnosis, f.diagErr
}

func (f *fakePipes) SelectAction(_ context.Context, prompt string) (pipe.ActionSelectionResponse, error) {
	f.prompts = append(f.prompts, prompt)
	return f.selection, f.selectErr
}

func (f *fakePipes) Validate(_ context.Context, prompt string) (pipe.ValidationResponse, error) {
	f.prompts = append(f.prompts, prompt)
	return f.validation, nil
}

type fakeHistory struct {
	score float64
	all   []models.ActionEffectiveness
}

func (f fakeHistory) All() []models.ActionEffectiveness         { return f.all }
func (f fakeHistory) Score(models.ActionKind, float64) float64 { return f.score }

var concurrency = models.ConfigScope{Component: models.ComponentServer, Param: "max_concurrent_requests"}

func newLive() *livecfg.Store {
	return livecfg.New(map[models.ConfigScope]models.ParamValue{
		concurrency: models.NumberValue(16),
		{Component: models.ComponentPipeClient, Param: "request_timeout_ms"}: models.NumberValue(30000),
	})
}

func criticalTrigger() models.TriggerMetric {
	return models.TriggerMetric{
		Metric:   models.MetricErrorRate,
		Observed: 0.08,
		Baseline: 0.02,
		Severity: models.SeverityCritical,
		Level:    models.LevelCritical,
		Source:   models.SourceBaseline,
		History:  []float64{0.02, 0.021, 0.08},
	}
}

func healthyPipes() *fakePipes {
	return &fakePipes{
		diagnosis: pipe.DiagnosisResponse{Summary: "error burst", RootCause: "request queue saturation", Severity: "high", Confidence: 0.8},
		selection: pipe.ActionSelectionResponse{
			Kind: "scale_resource", Component: "server", Param: "max_concurrent_requests",
			NewValue: []byte("24"), Rationale: "more headroom", Confidence: 0.8,
		},
		validation: pipe.ValidationResponse{Approved: true, Confidence: 0.9},
	}
}

func newAnalyzer(p Pipes, history History, validation bool) *Analyzer {
	ids := 0
	return New(Config{
		MaxPendingDiagnoses:   2,
		MinActionSeverity:     models.SeverityWarning,
		ValidationEnabled:     validation,
		PipeFailureEscalation: 2,
		MinSelectionScore:     0.35,
	}, p, allowlist.Default(), newLive(), history, nil,
		WithClock(func() time.Time { return time.Unix(100, 0) }),
		WithIDGenerator(func() string { ids++; return "id-" + string(rune('0'+ids)) }))
}

func TestAnalyzeProposesValidatedAction(t *testing.T) {
	p := healthyPipes()
	a := newAnalyzer(p, fakeHistory{score: 0.7}, true)

	diag, err := a.Analyze(context.Background(), criticalTrigger(), 0)
	require.NoError(t, err)
	require.NotNil(t, diag)
	require.True(t, diag.HasAction())

	assert.Equal(t, models.StatusPending, diag.Status)
	assert.Equal(t, models.SeverityCritical, diag.Severity)
	assert.Equal(t, "request queue saturation", diag.RootCause)
	assert.Equal(t, 0.08, diag.ObservedValue)
	assert.Equal(t, 0.02, diag.BaselineValue)

	action := diag.Action
	assert.Equal(t, models.KindScaleResource, action.Kind)
	assert.Equal(t, concurrency, action.Scope)
	assert.True(t, action.OldValue.Equal(models.NumberValue(16)))
	assert.True(t, action.NewValue.Equal(models.NumberValue(24)))
	assert.NotEmpty(t, action.ID)
	assert.NotEqual(t, string(diag.ID), string(action.ID))

	require.Len(t, p.prompts, 3)
	assert.Contains(t, p.prompts[0], "0.0800")
	assert.Contains(t, p.prompts[1], "max_concurrent_requests")
	assert.Contains(t, p.prompts[1], "current=16")
}

func TestAnalyzePendingQueueFull(t *testing.T) {
	a := newAnalyzer(healthyPipes(), nil, false)
	diag, err := a.Analyze(context.Background(), criticalTrigger(), 2)
	assert.Nil(t, diag)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, ReasonPendingQueueFull, blocked.Reason)
}

func TestAnalyzeSeverityBelowThresholdStillRecords(t *testing.T) {
	p := healthyPipes()
	p.diagnosis.Severity = "info"
	a := newAnalyzer(p, nil, false)

	trigger := criticalTrigger()
	trigger.Severity = models.SeverityInfo
	diag, err := a.Analyze(context.Background(), trigger, 0)
	require.NotNil(t, diag)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, ReasonSeverityBelowThreshold, blocked.Reason)
	assert.False(t, diag.HasAction())
	assert.Len(t, p.prompts, 1)
}

func TestAnalyzePipeTimeoutDegradesAndEscalates(t *testing.T) {
	p := healthyPipes()
	p.diagErr = &pipe.Error{Kind: pipe.KindTimeout, Pipe: "self-diagnosis-v1", Err: context.DeadlineExceeded}
	a := newAnalyzer(p, nil, false)

	diag, err := a.Analyze(context.Background(), criticalTrigger(), 0)
	require.NotNil(t, diag)
	assert.False(t, diag.HasAction())
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, ReasonPipeTimeout, blocked.Reason)
	assert.False(t, errors.Is(err, ErrPipeEscalation))

	_, err = a.Analyze(context.Background(), criticalTrigger(), 0)
	assert.True(t, errors.Is(err, ErrPipeEscalation))
	assert.Equal(t, 2, a.ConsecutiveFailures())

	p.diagErr = nil
	_, err = a.Analyze(context.Background(), criticalTrigger(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, a.ConsecutiveFailures())
}

func TestAnalyzeRejectsOutOfBoundsAction(t *testing.T) {
	p := healthyPipes()
	p.selection.NewValue = []byte("1000")
	a := newAnalyzer(p, nil, false)

	diag, err := a.Analyze(context.Background(), criticalTrigger(), 0)
	require.NoError(t, err)
	assert.False(t, diag.HasAction())
	assert.True(t, strings.HasPrefix(diag.BlockReason, string(allowlist.CodeParamOutOfBounds)), diag.BlockReason)
}

func TestAnalyzeValidationVeto(t *testing.T) {
	p := healthyPipes()
	p.validation = pipe.ValidationResponse{Approved: false, Concerns: []string{"confirmation bias"}}
	a := newAnalyzer(p, nil, true)

	diag, err := a.Analyze(context.Background(), criticalTrigger(), 0)
	require.NoError(t, err)
	assert.False(t, diag.HasAction())
	assert.Contains(t, diag.BlockReason, "confirmation bias")
}

func TestAnalyzeHistoryBias(t *testing.T) {
	a := newAnalyzer(healthyPipes(), fakeHistory{score: 0.2}, false)
	diag, err := a.Analyze(context.Background(), criticalTrigger(), 0)
	require.NoError(t, err)
	assert.False(t, diag.HasAction())
	assert.True(t, strings.HasPrefix(diag.BlockReason, "low_selection_score"))
}

func TestAnalyzeNoOp(t *testing.T) {
	p := healthyPipes()
	p.selection = pipe.ActionSelectionResponse{Kind: "no_op", Confidence: 0.5}
	a := newAnalyzer(p, nil, false)
	diag, err := a.Analyze(context.Background(), criticalTrigger(), 0)
	require.NoError(t, err)
	assert.False(t, diag.HasAction())
	assert.Equal(t, "no_op", diag.BlockReason)
}
