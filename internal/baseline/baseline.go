package baseline

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// Config tunes every metric baseline.
type Config struct {
	Alpha              float64
	Window             time.Duration
	MinSamples         int
	WarningMultiplier  float64
	CriticalMultiplier float64
}

// Validate enforces alpha in (0,1) and multipliers above 1.0.
func (c Config) Validate() error {
	var errs []error
	if c.Alpha <= 0 || c.Alpha >= 1 {
		errs = append(errs, fmt.Errorf("alpha must be in (0,1), got %v", c.Alpha))
	}
	if c.WarningMultiplier <= 1 || c.CriticalMultiplier <= 1 {
		errs = append(errs, fmt.Errorf("multipliers must be > 1.0, got warning=%v critical=%v", c.WarningMultiplier, c.CriticalMultiplier))
	}
	if c.CriticalMultiplier < c.WarningMultiplier {
		errs = append(errs, errors.New("critical multiplier must be >= warning multiplier"))
	}
	if c.MinSamples < 1 {
		errs = append(errs, errors.New("min samples must be >= 1"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("rolling window must be positive"))
	}
	return errors.Join(errs...)
}

// referenceFloor keeps a zero EMA from turning the first non-zero observation into a
// critical anomaly.
var referenceFloor = map[models.MetricName]float64{
	models.MetricErrorRate:    0.005,
	models.MetricLatencyP95:   1,
	models.MetricFallbackRate: 0.005,
}

type metricBaseline struct {
	metric    models.MetricName
	ema       float64
	count     int
	window    []models.BaselineSample
	updatedAt time.Time
}

// Calculator maintains the hybrid EMA and rolling-window baseline of every monitored
// metric. Readers may call View concurrently with the single writer.
type Calculator struct {
	cfg Config

	mu        sync.RWMutex
	baselines map[models.MetricName]*metricBaseline
}

// NewCalculator constructs a calculator covering models.MonitoredMetrics.
func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("baseline config: %w", err)
	}
	c := &Calculator{cfg: cfg, baselines: make(map[models.MetricName]*metricBaseline, len(models.MonitoredMetrics))}
	for _, metric := range models.MonitoredMetrics {
		c.baselines[metric] = &metricBaseline{metric: metric}
	}
	return c, nil
}

// Update folds value into the EMA and the rolling window, evicting samples older
// than the window relative to ts. The first sample seeds the EMA.
func (c *Calculator) Update(metric models.MetricName, value float64, ts time.Time) models.BaselineView {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.baselineLocked(metric)
	if b.count == 0 {
		b.ema = value
	} else {
		b.ema = c.cfg.Alpha*value + (1-c.cfg.Alpha)*b.ema
	}
	b.count++
	b.window = append(b.window, models.BaselineSample{Value: value, Timestamp: ts})
	b.evict(ts.Add(-c.cfg.Window))
	if ts.After(b.updatedAt) {
		b.updatedAt = ts
	}
	return c.viewLocked(b)
}

// Classify compares value against the current EMA. It does not mutate state.
func (c *Calculator) Classify(metric models.MetricName, value float64) models.TriggerLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.baselines[metric]
	if !ok || b.count < c.cfg.MinSamples {
		return models.LevelInsufficientData
	}

	ref := b.ema
	if floor := referenceFloor[metric]; ref < floor {
		ref = floor
	}

	if metric.Direction() == models.LowerIsWorse {
		switch {
		case ref <= 0:
			return models.LevelNormal
		case value <= ref/c.cfg.CriticalMultiplier:
			return models.LevelCritical
		case value <= ref/c.cfg.WarningMultiplier:
			return models.LevelWarning
		default:
			return models.LevelNormal
		}
	}

	switch {
	case value >= ref*c.cfg.CriticalMultiplier:
		return models.LevelCritical
	case value >= ref*c.cfg.WarningMultiplier:
		return models.LevelWarning
	default:
		return models.LevelNormal
	}
}

// EMA returns the reference value for metric and whether it is ready for classification.
func (c *Calculator) EMA(metric models.MetricName) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.baselines[metric]
	if !ok {
		return 0, false
	}
	return b.ema, b.count >= c.cfg.MinSamples
}

// Thresholds returns the warning and critical trigger points derived from the EMA.
// For lower-is-worse metrics they are lower bounds.
func (c *Calculator) Thresholds(metric models.MetricName) (warning, critical float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.baselines[metric]
	if !ok {
		return 0, 0
	}
	ref := b.ema
	if floor := referenceFloor[metric]; ref < floor {
		ref = floor
	}
	if metric.Direction() == models.LowerIsWorse {
		return ref / c.cfg.WarningMultiplier, ref / c.cfg.CriticalMultiplier
	}
	return ref * c.cfg.WarningMultiplier, ref * c.cfg.CriticalMultiplier
}

// View returns a read-only projection of one baseline.
func (c *Calculator) View(metric models.MetricName) (models.BaselineView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.baselines[metric]
	if !ok {
		return models.BaselineView{}, false
	}
	return c.viewLocked(b), true
}

// Views returns every baseline in monitored-metric order.
func (c *Calculator) Views() []models.BaselineView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.BaselineView, 0, len(models.MonitoredMetrics))
	for _, metric := range models.MonitoredMetrics {
		out = append(out, c.viewLocked(c.baselines[metric]))
	}
	return out
}

// Snapshot captures the persisted form of every baseline.
func (c *Calculator) Snapshot(at time.Time) models.BaselineSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := models.BaselineSnapshot{TakenAt: at}
	for _, metric := range models.MonitoredMetrics {
		b := c.baselines[metric]
		snap.Baselines = append(snap.Baselines, models.BaselineState{
			Metric:      b.metric,
			EMA:         b.ema,
			SampleCount: b.count,
			Window:      append([]models.BaselineSample(nil), b.window...),
			UpdatedAt:   b.updatedAt,
		})
	}
	return snap
}

// Restore replaces the baselines named in snap. Unknown metrics are ignored.
func (c *Calculator) Restore(snap models.BaselineSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, state := range snap.Baselines {
		if !state.Metric.Valid() {
			continue
		}
		window := append([]models.BaselineSample(nil), state.Window...)
		sort.Slice(window, func(i, j int) bool { return window[i].Timestamp.Before(window[j].Timestamp) })
		c.baselines[state.Metric] = &metricBaseline{
			metric:    state.Metric,
			ema:       state.EMA,
			count:     state.SampleCount,
			window:    window,
			updatedAt: state.UpdatedAt,
		}
	}
}

func (c *Calculator) baselineLocked(metric models.MetricName) *metricBaseline {
	b, ok := c.baselines[metric]
	if !ok {
		b = &metricBaseline{metric: metric}
		c.baselines[metric] = b
	}
	return b
}

func (c *Calculator) viewLocked(b *metricBaseline) models.BaselineView {
	avg, std := b.rollingStats()
	return models.BaselineView{
		Metric:         b.metric,
		EMA:            b.ema,
		RollingAverage: avg,
		RollingStdDev:  std,
		SampleCount:    b.count,
		WindowSamples:  len(b.window),
		Ready:          b.count >= c.cfg.MinSamples,
		UpdatedAt:      b.updatedAt,
	}
}

func (b *metricBaseline) evict(cutoff time.Time) {
	idx := 0
	for idx < len(b.window) && b.window[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.window = append(b.window[:0], b.window[idx:]...)
	}
}

func (b *metricBaseline) rollingStats() (float64, float64) {
	n := len(b.window)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range b.window {
		sum += s.Value
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	var sq float64
	for _, s := range b.window {
		d := s.Value - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(n-1))
}
