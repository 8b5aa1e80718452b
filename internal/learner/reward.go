package learner

import (
	"math"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// scaleFloor bounds the denominator of a relative delta so that a metric sitting at
// zero does not turn a tiny absolute change into a saturated component.
var scaleFloor = map[models.MetricName]float64{
	models.MetricErrorRate:    0.01,
	models.MetricLatencyP95:   100,
	models.MetricQualityScore: 0.05,
	models.MetricFallbackRate: 0.01,
}

// ComputeReward scores the change from before to after. Each metric contributes its
// relative improvement clamped to [-1, 1]; components are then weighted and divided
// by the total weight so the value is also bounded by [-1, 1].
func ComputeReward(before, after models.MetricsSnapshot, weights models.RewardWeights) models.NormalizedReward {
	var breakdown models.RewardBreakdown
	for _, metric := range models.MonitoredMetrics {
		c := component(metric, before.Value(metric), after.Value(metric))
		switch metric {
		case models.MetricErrorRate:
			breakdown.ErrorRate = c
		case models.MetricLatencyP95:
			breakdown.Latency = c
		case models.MetricQualityScore:
			breakdown.QualityScore = c
		case models.MetricFallbackRate:
			breakdown.FallbackRate = c
		}
	}

	var value float64
	if total := weights.Total(); total > 0 {
		for _, metric := range models.MonitoredMetrics {
			value += weights.Weight(metric) * breakdown.Component(metric)
		}
		value /= total
	}
	return models.NormalizedReward{Value: clamp(value), Breakdown: breakdown, Weights: weights}
}

func component(metric models.MetricName, before, after float64) float64 {
	scale := math.Max(math.Abs(before), scaleFloor[metric])
	if scale == 0 {
		return 0
	}
	delta := (before - after) / scale
	if metric.Direction() == models.LowerIsWorse {
		delta = -delta
	}
	return clamp(delta)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
