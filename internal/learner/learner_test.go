package learner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/pipe"
)

type synthFunc func(ctx context.Context, prompt string) (pipe.LearningResponse, error)

func (f synthFunc) Synthesize(ctx context.Context, prompt string) (pipe.LearningResponse, error) {
	return f(ctx, prompt)
}

func snapshot(errRate, latency, quality, fallback float64) models.MetricsSnapshot {
	return models.MetricsSnapshot{
		Timestamp:    time.Now(),
		ErrorRate:    errRate,
		LatencyP95Ms: latency,
		QualityScore: quality,
		FallbackRate: fallback,
		SampleCount:  60,
	}
}

func testConfig() Config {
	return Config{
		Weights:                  models.DefaultRewardWeights(),
		EffectiveRewardThreshold: 0.1,
		HistoryWeight:            0.3,
		MaxHistoryPerAction:      3,
	}
}

func TestComputeRewardDirection(t *testing.T) {
	w := models.DefaultRewardWeights()

	improved := ComputeReward(snapshot(0.10, 500, 0.8, 0.02), snapshot(0.02, 500, 0.8, 0.02), w)
	assert.Greater(t, improved.Breakdown.ErrorRate, 0.0)
	assert.InDelta(t, 0.8, improved.Breakdown.ErrorRate, 1e-9)
	assert.Zero(t, improved.Breakdown.Latency)
	assert.InDelta(t, 0.35*0.8, improved.Value, 1e-9)

	worse := ComputeReward(snapshot(0.02, 500, 0.8, 0.02), snapshot(0.10, 500, 0.8, 0.02), w)
	assert.Equal(t, -1.0, worse.Breakdown.ErrorRate)
	assert.Less(t, worse.Value, 0.0)

	quality := ComputeReward(snapshot(0.02, 500, 0.6, 0.02), snapshot(0.02, 500, 0.9, 0.02), w)
	assert.Greater(t, quality.Breakdown.QualityScore, 0.0)
}

func TestComputeRewardIsBounded(t *testing.T) {
	r := ComputeReward(snapshot(0.001, 10, 0.1, 0), snapshot(0.9, 90000, 0.0, 0.9), models.DefaultRewardWeights())
	assert.Equal(t, -1.0, r.Value)
	for _, metric := range models.MonitoredMetrics {
		c := r.Breakdown.Component(metric)
		assert.GreaterOrEqual(t, c, -1.0)
		assert.LessOrEqual(t, c, 1.0)
	}
}

func TestLearnUpdatesBoundedHistory(t *testing.T) {
	l := New(testConfig(), nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Learn(ctx, models.ActionRecord{
			ID:      models.ActionID("a"),
			Action:  models.SuggestedAction{Kind: models.KindScaleResource},
			Before:  snapshot(0.10, 500, 0.8, 0.02),
			After:   snapshot(0.02, 500, 0.8, 0.02),
			Outcome: models.OutcomeSuccess,
		})
		require.NoError(t, err)
	}

	eff, ok := l.Effectiveness(models.KindScaleResource)
	require.True(t, ok)
	assert.Len(t, eff.Rewards, 3)
	assert.Equal(t, 5, eff.Attempts)
	assert.Equal(t, 5, eff.Successes)
	assert.True(t, eff.Effective)
	assert.InDelta(t, 0.28, eff.AverageReward, 1e-9)
}

func TestLearnBlocksUnmeasuredRecords(t *testing.T) {
	l := New(testConfig(), nil, nil)
	ctx := context.Background()

	_, err := l.Learn(ctx, models.ActionRecord{ID: "x", Outcome: models.OutcomeInconclusive})
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, ReasonInconclusive, blocked.Reason)

	_, err = l.Learn(ctx, models.ActionRecord{ID: "y", Outcome: models.OutcomeFailed, Before: snapshot(0.1, 1, 1, 0)})
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, ReasonNoMeasurement, blocked.Reason)
	assert.Empty(t, l.All())
}

func TestLearnSynthesisDegradesOnPipeFailure(t *testing.T) {
	cfg := testConfig()
	cfg.SynthesisEnabled = true
	rec := models.ActionRecord{
		ID:      "r1",
		Action:  models.SuggestedAction{Kind: models.KindAdjustParam, Scope: models.ConfigScope{Component: models.ComponentPipeClient, Param: "max_retries"}},
		Before:  snapshot(0.10, 500, 0.8, 0.02),
		After:   snapshot(0.05, 500, 0.8, 0.02),
		Outcome: models.OutcomeSuccess,
	}

	failing := New(cfg, synthFunc(func(context.Context, string) (pipe.LearningResponse, error) {
		return pipe.LearningResponse{}, &pipe.Error{Kind: pipe.KindTimeout, Pipe: "reflection-v1"}
	}), nil)
	out, err := failing.Learn(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, out.Lesson)
	assert.Greater(t, out.Reward.Value, 0.0)

	var prompt string
	ok := New(cfg, synthFunc(func(_ context.Context, p string) (pipe.LearningResponse, error) {
		prompt = p
		return pipe.LearningResponse{Lesson: "fewer retries cut tail latency", Confidence: 0.7}, nil
	}), nil)
	out, err = ok.Learn(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "fewer retries cut tail latency", out.Lesson)
	assert.True(t, strings.Contains(prompt, "pipe_client.max_retries"))

	eff, _ := ok.Effectiveness(models.KindAdjustParam)
	assert.Equal(t, "fewer retries cut tail latency", eff.LastLesson)
}

func TestRestoreAndScore(t *testing.T) {
	l := New(testConfig(), nil, nil)
	assert.InDelta(t, 0.7*0.8+0.3*0.5, l.Score(models.KindToggleFeature, 0.8), 1e-9)

	l.Restore([]models.ActionEffectiveness{{
		Kind:     models.KindToggleFeature,
		Rewards:  []float64{-0.9, -0.5, -0.6, -0.4},
		Attempts: 4,
	}})
	eff, ok := l.Effectiveness(models.KindToggleFeature)
	require.True(t, ok)
	assert.Len(t, eff.Rewards, 3)
	assert.InDelta(t, -0.5, eff.AverageReward, 1e-9)
	assert.False(t, eff.Effective)

	assert.InDelta(t, 0.7*0.8+0.3*0.25, l.Score(models.KindToggleFeature, 0.8), 1e-9)
}
