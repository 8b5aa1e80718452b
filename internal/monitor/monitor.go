package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/mirador-selfimprove/internal/baseline"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// ErrCheckInFlight is returned when Check is called while a previous check is running.
var ErrCheckInFlight = errors.New("monitor: check already in flight")

// Thresholds are the absolute limits that trigger regardless of baselines.
type Thresholds struct {
	ErrorRate    float64
	LatencyMs    float64
	Quality      float64
	FallbackRate float64
}

func (t Thresholds) value(metric models.MetricName) float64 {
	switch metric {
	case models.MetricErrorRate:
		return t.ErrorRate
	case models.MetricLatencyP95:
		return t.LatencyMs
	case models.MetricQualityScore:
		return t.Quality
	case models.MetricFallbackRate:
		return t.FallbackRate
	default:
		return 0
	}
}

// Config controls aggregation and trigger evaluation.
type Config struct {
	AggregationWindow time.Duration
	Retention         time.Duration
	MinSampleSize     int
	MaxBufferedEvents int
	HistoryLength     int
	Thresholds        Thresholds
}

// Monitor aggregates invocation events and emits triggers. Ingest is safe to call
// from request handlers concurrently with Check.
type Monitor struct {
	cfg       Config
	baselines *baseline.Calculator
	logger    *slog.Logger
	now       func() time.Time
	checking  *semaphore.Weighted

	mu     sync.Mutex
	events []models.InvocationEvent

	stateMu   sync.RWMutex
	history   map[models.MetricName][]float64
	lastCheck models.MetricsSnapshot
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New constructs a monitor feeding the given baselines.
func New(cfg Config, baselines *baseline.Calculator, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AggregationWindow <= 0 {
		cfg.AggregationWindow = 5 * time.Minute
	}
	if cfg.Retention < cfg.AggregationWindow {
		cfg.Retention = cfg.AggregationWindow
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 1
	}
	if cfg.MaxBufferedEvents <= 0 {
		cfg.MaxBufferedEvents = 20000
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 12
	}
	m := &Monitor{
		cfg:       cfg,
		baselines: baselines,
		logger:    logger,
		now:       time.Now,
		checking:  semaphore.NewWeighted(1),
		history:   make(map[models.MetricName][]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ingest appends events, evicting the oldest when the buffer is full. Events without
// a timestamp are stamped with the current time. It never blocks on Check.
func (m *Monitor) Ingest(events ...models.InvocationEvent) {
	if len(events) == 0 {
		return
	}
	now := m.now()
	m.mu.Lock()
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		m.events = append(m.events, ev)
	}
	dropped := len(m.events) - m.cfg.MaxBufferedEvents
	if dropped > 0 {
		m.events = append(m.events[:0], m.events[dropped:]...)
	}
	m.mu.Unlock()

	if dropped > 0 {
		metrics.EventsDropped(dropped)
	}
}

// Buffered returns the number of events currently held.
func (m *Monitor) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Aggregate summarises events with timestamps in [start, end].
func (m *Monitor) Aggregate(start, end time.Time) AggregatedMetrics {
	m.mu.Lock()
	events := append([]models.InvocationEvent(nil), m.events...)
	m.mu.Unlock()
	return aggregate(events, start, end)
}

// Snapshot aggregates the trailing aggregation window.
func (m *Monitor) Snapshot() models.MetricsSnapshot {
	return m.fill(m.current()).Snapshot()
}

// SnapshotSince aggregates events observed at or after since.
func (m *Monitor) SnapshotSince(since time.Time) models.MetricsSnapshot {
	return m.fill(m.Aggregate(since, m.now())).Snapshot()
}

// LastCheck returns the snapshot evaluated by the most recent Check.
func (m *Monitor) LastCheck() models.MetricsSnapshot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.lastCheck
}

// Check evaluates the current window against absolute thresholds and adaptive
// baselines, then folds the observations into the baselines. It returns a nil
// trigger when everything is normal or fewer than MinSampleSize events were seen.
func (m *Monitor) Check(ctx context.Context) (*models.TriggerMetric, error) {
	if !m.checking.TryAcquire(1) {
		metrics.TickDropped("check")
		return nil, ErrCheckInFlight
	}
	defer m.checking.Release(1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.now()
	m.prune(now.Add(-m.cfg.Retention))

	agg := m.current()
	if agg.Total < m.cfg.MinSampleSize {
		m.logger.Debug("not enough events for a check",
			slog.Int("events", agg.Total),
			slog.Int("min_sample_size", m.cfg.MinSampleSize))
		return nil, nil
	}
	snap := m.fill(agg).Snapshot()

	var best *models.TriggerMetric
	for _, metric := range models.MonitoredMetrics {
		if metric == models.MetricQualityScore && !agg.HasQuality() {
			continue
		}
		candidate := m.evaluate(metric, snap, now)
		if candidate == nil {
			continue
		}
		if best == nil || candidate.Severity.Above(best.Severity) {
			best = candidate
		}
	}

	for _, metric := range models.MonitoredMetrics {
		if metric == models.MetricQualityScore && !agg.HasQuality() {
			continue
		}
		value := snap.Value(metric)
		m.baselines.Update(metric, value, now)
		m.appendHistory(metric, value)
	}

	m.stateMu.Lock()
	m.lastCheck = snap
	if best != nil {
		best.History = append([]float64(nil), m.history[best.Metric]...)
	}
	m.stateMu.Unlock()

	metrics.ObserveSnapshot(snap, m.baselines.Views())
	if best != nil {
		metrics.ObserveTrigger(best.Metric, best.Severity)
		m.logger.Info("trigger fired",
			slog.String("metric", string(best.Metric)),
			slog.Float64("observed", best.Observed),
			slog.Float64("baseline", best.Baseline),
			slog.String("severity", string(best.Severity)),
			slog.String("source", string(best.Source)))
	}
	return best, nil
}

// evaluate classifies one metric before its observation is folded into the baseline.
func (m *Monitor) evaluate(metric models.MetricName, snap models.MetricsSnapshot, now time.Time) *models.TriggerMetric {
	value := snap.Value(metric)
	level := m.baselines.Classify(metric, value)
	ema, _ := m.baselines.EMA(metric)

	var baselineSev models.Severity
	var threshold float64
	warnAt, critAt := m.baselines.Thresholds(metric)
	switch level {
	case models.LevelWarning:
		baselineSev, threshold = models.SeverityWarning, warnAt
	case models.LevelCritical:
		baselineSev, threshold = models.SeverityCritical, critAt
	}

	absSev, absThreshold := absoluteSeverity(metric, value, m.cfg.Thresholds.value(metric))

	var source models.TriggerSource
	severity := models.MaxSeverity(baselineSev, absSev)
	switch {
	case baselineSev != "" && absSev != "":
		source = models.SourceBoth
	case baselineSev != "":
		source = models.SourceBaseline
	case absSev != "":
		source = models.SourceAbsolute
		threshold = absThreshold
	default:
		return nil
	}
	if source == models.SourceBoth && absSev.Above(baselineSev) {
		threshold = absThreshold
	}

	return &models.TriggerMetric{
		Metric:    metric,
		Observed:  value,
		Baseline:  ema,
		Threshold: threshold,
		Level:     level,
		Severity:  severity,
		Source:    source,
		Snapshot:  snap,
		At:        now,
	}
}

// absoluteSeverity maps a threshold crossing to Warning, or High when the value is
// beyond twice the limit (half the limit for lower-is-worse metrics).
func absoluteSeverity(metric models.MetricName, value, limit float64) (models.Severity, float64) {
	if limit <= 0 {
		return "", 0
	}
	if metric.Direction() == models.LowerIsWorse {
		switch {
		case value < limit/2:
			return models.SeverityHigh, limit
		case value < limit:
			return models.SeverityWarning, limit
		}
		return "", 0
	}
	switch {
	case value > 2*limit:
		return models.SeverityHigh, limit
	case value > limit:
		return models.SeverityWarning, limit
	}
	return "", 0
}

func (m *Monitor) current() AggregatedMetrics {
	now := m.now()
	return m.Aggregate(now.Add(-m.cfg.AggregationWindow), now)
}

// fill substitutes the quality baseline when no event in the window carried a score,
// so before/after comparisons are neutral for quality.
func (m *Monitor) fill(agg AggregatedMetrics) AggregatedMetrics {
	if !agg.HasQuality() {
		agg.QualityScore, _ = m.baselines.EMA(models.MetricQualityScore)
	}
	return agg
}

func (m *Monitor) prune(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, ev := range m.events {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	m.events = kept
}

func (m *Monitor) appendHistory(metric models.MetricName, value float64) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	h := append(m.history[metric], value)
	if len(h) > m.cfg.HistoryLength {
		h = h[len(h)-m.cfg.HistoryLength:]
	}
	m.history[metric] = h
}
