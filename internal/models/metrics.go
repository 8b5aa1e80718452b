package models

import "time"

// MetricName identifies one of the monitored health metrics.
type MetricName string

const (
	MetricErrorRate    MetricName = "error_rate"
	MetricLatencyP95   MetricName = "latency_p95_ms"
	MetricQualityScore MetricName = "quality_score"
	MetricFallbackRate MetricName = "fallback_rate"
)

// MonitoredMetrics lists the fixed metric set in trigger priority order.
var MonitoredMetrics = []MetricName{
	MetricErrorRate,
	MetricLatencyP95,
	MetricQualityScore,
	MetricFallbackRate,
}

// Direction tells whether larger observations are worse or better.
type Direction int

const (
	HigherIsWorse Direction = iota
	LowerIsWorse
)

// Direction returns the degradation direction for the metric.
func (m MetricName) Direction() Direction {
	if m == MetricQualityScore {
		return LowerIsWorse
	}
	return HigherIsWorse
}

// Valid reports whether m belongs to the monitored set.
func (m MetricName) Valid() bool {
	for _, known := range MonitoredMetrics {
		if m == known {
			return true
		}
	}
	return false
}

// MetricsSnapshot is an immutable view of the aggregated health metrics at a point in time.
type MetricsSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	ErrorRate    float64   `json:"error_rate"`
	LatencyP95Ms float64   `json:"latency_p95_ms"`
	QualityScore float64   `json:"quality_score"`
	FallbackRate float64   `json:"fallback_rate"`
	SampleCount  int       `json:"sample_count"`
}

// Value returns the snapshot value for the named metric.
func (s MetricsSnapshot) Value(metric MetricName) float64 {
	switch metric {
	case MetricErrorRate:
		return s.ErrorRate
	case MetricLatencyP95:
		return s.LatencyP95Ms
	case MetricQualityScore:
		return s.QualityScore
	case MetricFallbackRate:
		return s.FallbackRate
	default:
		return 0
	}
}

// InvocationEvent is one raw request outcome reported by the serving layer.
type InvocationEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Mode         string    `json:"mode,omitempty"`
	Success      bool      `json:"success"`
	LatencyMs    float64   `json:"latency_ms"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	FallbackUsed bool      `json:"fallback_used"`
}

// TriggerLevel is the outcome of classifying an observation against its baseline.
type TriggerLevel string

const (
	LevelNormal           TriggerLevel = "normal"
	LevelWarning          TriggerLevel = "warning"
	LevelCritical         TriggerLevel = "critical"
	LevelInsufficientData TriggerLevel = "insufficient_data"
)

// TriggerSource records which check raised a trigger.
type TriggerSource string

const (
	SourceAbsolute TriggerSource = "absolute"
	SourceBaseline TriggerSource = "baseline"
	SourceBoth     TriggerSource = "both"
)

// TriggerMetric describes a threshold crossing emitted by the monitor.
type TriggerMetric struct {
	Metric    MetricName      `json:"metric"`
	Observed  float64         `json:"observed"`
	Baseline  float64         `json:"baseline"`
	Threshold float64         `json:"threshold"`
	Level     TriggerLevel    `json:"level"`
	Severity  Severity        `json:"severity"`
	Source    TriggerSource   `json:"source"`
	History   []float64       `json:"history,omitempty"`
	Snapshot  MetricsSnapshot `json:"snapshot"`
	At        time.Time       `json:"at"`
}
