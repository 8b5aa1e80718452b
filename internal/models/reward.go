package models

import "time"

// RewardWeights sets the per-metric contribution to a NormalizedReward.
type RewardWeights struct {
	ErrorRate    float64 `json:"error_rate" yaml:"errorRate"`
	Latency      float64 `json:"latency" yaml:"latency"`
	QualityScore float64 `json:"quality_score" yaml:"qualityScore"`
	FallbackRate float64 `json:"fallback_rate" yaml:"fallbackRate"`
}

// DefaultRewardWeights emphasises error rate and latency.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{ErrorRate: 0.35, Latency: 0.30, QualityScore: 0.20, FallbackRate: 0.15}
}

// Weight returns the weight configured for the metric.
func (w RewardWeights) Weight(metric MetricName) float64 {
	switch metric {
	case MetricErrorRate:
		return w.ErrorRate
	case MetricLatencyP95:
		return w.Latency
	case MetricQualityScore:
		return w.QualityScore
	case MetricFallbackRate:
		return w.FallbackRate
	default:
		return 0
	}
}

// Total sums all weights.
func (w RewardWeights) Total() float64 {
	return w.ErrorRate + w.Latency + w.QualityScore + w.FallbackRate
}

// RewardBreakdown holds the per-metric normalized deltas, each clamped to [-1, 1].
// Positive values mean the metric improved.
type RewardBreakdown struct {
	ErrorRate    float64 `json:"error_rate"`
	Latency      float64 `json:"latency"`
	QualityScore float64 `json:"quality_score"`
	FallbackRate float64 `json:"fallback_rate"`
}

// Component returns the normalized delta for one metric.
func (b RewardBreakdown) Component(metric MetricName) float64 {
	switch metric {
	case MetricErrorRate:
		return b.ErrorRate
	case MetricLatencyP95:
		return b.Latency
	case MetricQualityScore:
		return b.QualityScore
	case MetricFallbackRate:
		return b.FallbackRate
	default:
		return 0
	}
}

// NormalizedReward is the weighted, bounded improvement score of an action.
type NormalizedReward struct {
	Value     float64         `json:"value"`
	Breakdown RewardBreakdown `json:"breakdown"`
	Weights   RewardWeights   `json:"weights"`
}

// ActionEffectiveness is the bounded learning history for one action kind.
type ActionEffectiveness struct {
	Kind          ActionKind `json:"kind"`
	Rewards       []float64  `json:"rewards"`
	Attempts      int        `json:"attempts"`
	Successes     int        `json:"successes"`
	AverageReward float64    `json:"average_reward"`
	Effective     bool       `json:"effective"`
	LastLesson    string     `json:"last_lesson,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CircuitState is the automation gate state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BaselineView is a read-only projection of a metric baseline.
type BaselineView struct {
	Metric         MetricName `json:"metric"`
	EMA            float64    `json:"ema"`
	RollingAverage float64    `json:"rolling_average"`
	RollingStdDev  float64    `json:"rolling_stddev"`
	SampleCount    int        `json:"sample_count"`
	WindowSamples  int        `json:"window_samples"`
	Ready          bool       `json:"ready"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BaselineSample is one rolling-window observation.
type BaselineSample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// BaselineState is the persisted form of one metric baseline.
type BaselineState struct {
	Metric      MetricName       `json:"metric"`
	EMA         float64          `json:"ema"`
	SampleCount int              `json:"sample_count"`
	Window      []BaselineSample `json:"window"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// BaselineSnapshot captures every baseline at one instant.
type BaselineSnapshot struct {
	ID        string          `json:"id"`
	TakenAt   time.Time       `json:"taken_at"`
	Baselines []BaselineState `json:"baselines"`
}
