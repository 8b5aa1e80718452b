package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-selfimprove/internal/baseline"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestMonitor(t *testing.T, clk *clock) (*Monitor, *baseline.Calculator) {
	t.Helper()
	calc, err := baseline.NewCalculator(baseline.Config{
		Alpha: 0.1, Window: time.Hour, MinSamples: 3, WarningMultiplier: 1.5, CriticalMultiplier: 2.0,
	})
	require.NoError(t, err)
	m := New(Config{
		AggregationWindow: 5 * time.Minute,
		MinSampleSize:     20,
		MaxBufferedEvents: 1000,
		HistoryLength:     5,
		Thresholds:        Thresholds{ErrorRate: 0.1, LatencyMs: 5000, Quality: 0.7, FallbackRate: 0.1},
	}, calc, nil, WithClock(clk.Now))
	return m, calc
}

func batch(at time.Time, total, failures int, latency float64) []models.InvocationEvent {
	events := make([]models.InvocationEvent, 0, total)
	for i := 0; i < total; i++ {
		events = append(events, models.InvocationEvent{
			Timestamp: at,
			Mode:      "linear",
			Success:   i >= failures,
			LatencyMs: latency,
		})
	}
	return events
}

func TestAggregate(t *testing.T) {
	clk := &clock{now: time.Now()}
	m, _ := newTestMonitor(t, clk)

	q := 0.8
	for i := 1; i <= 100; i++ {
		ev := models.InvocationEvent{Timestamp: clk.now, Success: i > 5, LatencyMs: float64(i), FallbackUsed: i%10 == 0}
		if i%2 == 0 {
			ev.QualityScore = &q
		}
		m.Ingest(ev)
	}

	agg := m.Aggregate(clk.now.Add(-time.Minute), clk.now)
	assert.Equal(t, 100, agg.Total)
	assert.InDelta(t, 0.05, agg.ErrorRate, 1e-9)
	assert.InDelta(t, 0.10, agg.FallbackRate, 1e-9)
	assert.InDelta(t, 0.8, agg.QualityScore, 1e-9)
	assert.Equal(t, 50, agg.QualitySamples)
	assert.InDelta(t, 95, agg.LatencyP95Ms, 1)
	assert.InDelta(t, 50.5, agg.LatencyAvgMs, 1e-9)

	snap := agg.Snapshot()
	assert.Equal(t, 100, snap.SampleCount)
	assert.Equal(t, clk.now, snap.Timestamp)
}

func TestCheckRequiresMinSampleSize(t *testing.T) {
	clk := &clock{now: time.Now()}
	m, calc := newTestMonitor(t, clk)
	m.Ingest(batch(clk.now, 10, 10, 100)...)

	trigger, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, trigger)
	view, _ := calc.View(models.MetricErrorRate)
	assert.Equal(t, 0, view.SampleCount)
}

func TestCheckDropsWhenInFlight(t *testing.T) {
	clk := &clock{now: time.Now()}
	m, _ := newTestMonitor(t, clk)
	require.True(t, m.checking.TryAcquire(1))
	defer m.checking.Release(1)

	_, err := m.Check(context.Background())
	assert.True(t, errors.Is(err, ErrCheckInFlight))
}

func TestCheckBaselineCriticalTrigger(t *testing.T) {
	clk := &clock{now: time.Now()}
	m, calc := newTestMonitor(t, clk)

	for i := 0; i < 3; i++ {
		m.Ingest(batch(clk.now, 50, 1, 100)...)
		trigger, err := m.Check(context.Background())
		require.NoError(t, err)
		assert.Nil(t, trigger)
		clk.now = clk.now.Add(6 * time.Minute)
	}

	m.Ingest(batch(clk.now, 50, 4, 100)...)
	trigger, err := m.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, trigger)

	assert.Equal(t, models.MetricErrorRate, trigger.Metric)
	assert.Equal(t, models.SeverityCritical, trigger.Severity)
	assert.Equal(t, models.LevelCritical, trigger.Level)
	assert.Equal(t, models.SourceBaseline, trigger.Source)
	assert.InDelta(t, 0.08, trigger.Observed, 1e-9)
	assert.InDelta(t, 0.02, trigger.Baseline, 1e-9)
	assert.InDelta(t, 0.04, trigger.Threshold, 1e-9)
	require.Len(t, trigger.History, 4)
	assert.InDelta(t, 0.08, trigger.History[3], 1e-9)

	// The burst is folded in only after classification.
	ema, _ := calc.EMA(models.MetricErrorRate)
	assert.InDelta(t, 0.1*0.08+0.9*0.02, ema, 1e-9)
}

func TestCheckAbsoluteThresholdBeforeBaselineReady(t *testing.T) {
	clk := &clock{now: time.Now()}
	m, _ := newTestMonitor(t, clk)

	m.Ingest(batch(clk.now, 40, 10, 100)...)
	trigger, err := m.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, trigger)
	assert.Equal(t, models.SeverityHigh, trigger.Severity)
	assert.Equal(t, models.SourceAbsolute, trigger.Source)
	assert.Equal(t, models.LevelInsufficientData, trigger.Level)
	assert.Equal(t, 0.1, trigger.Threshold)
}

func TestCheckPrefersHigherSeverityThenPriority(t *testing.T) {
	clk := &clock{now: time.Now()}
	m, _ := newTestMonitor(t, clk)

	// error rate 0.15 (warning) and latency 12000ms (high, beyond twice the limit).
	m.Ingest(batch(clk.now, 40, 6, 12000)...)
	trigger, err := m.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, trigger)
	assert.Equal(t, models.MetricLatencyP95, trigger.Metric)
	assert.Equal(t, models.SeverityHigh, trigger.Severity)
}

func TestIngestEvictsOldest(t *testing.T) {
	clk := &clock{now: time.Now()}
	m, _ := newTestMonitor(t, clk)
	m.cfg.MaxBufferedEvents = 10

	m.Ingest(batch(clk.now.Add(-time.Minute), 10, 10, 100)...)
	m.Ingest(batch(clk.now, 5, 0, 100)...)
	assert.Equal(t, 10, m.Buffered())

	agg := m.Aggregate(clk.now.Add(-2*time.Minute), clk.now)
	assert.Equal(t, 5, agg.Failures)
}

func TestSnapshotSince(t *testing.T) {
	clk := &clock{now: time.Now()}
	m, _ := newTestMonitor(t, clk)

	m.Ingest(batch(clk.now.Add(-2*time.Minute), 20, 20, 100)...)
	applied := clk.now.Add(-time.Minute)
	m.Ingest(batch(clk.now, 20, 0, 100)...)

	snap := m.SnapshotSince(applied)
	assert.Equal(t, 20, snap.SampleCount)
	assert.Equal(t, 0.0, snap.ErrorRate)
}
