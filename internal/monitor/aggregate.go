package monitor

import (
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/utils"
)

// AggregatedMetrics summarises the invocation events of one window.
type AggregatedMetrics struct {
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	Total          int            `json:"total"`
	Failures       int            `json:"failures"`
	Fallbacks      int            `json:"fallbacks"`
	QualitySamples int            `json:"quality_samples"`
	ErrorRate      float64        `json:"error_rate"`
	FallbackRate   float64        `json:"fallback_rate"`
	LatencyP95Ms   float64        `json:"latency_p95_ms"`
	LatencyAvgMs   float64        `json:"latency_avg_ms"`
	QualityScore   float64        `json:"quality_score"`
	ByMode         map[string]int `json:"by_mode,omitempty"`
}

// HasQuality reports whether any event in the window carried a quality score.
func (a AggregatedMetrics) HasQuality() bool { return a.QualitySamples > 0 }

// Snapshot projects the aggregate onto a MetricsSnapshot stamped at End.
func (a AggregatedMetrics) Snapshot() models.MetricsSnapshot {
	return models.MetricsSnapshot{
		Timestamp:    a.End,
		ErrorRate:    a.ErrorRate,
		LatencyP95Ms: a.LatencyP95Ms,
		QualityScore: a.QualityScore,
		FallbackRate: a.FallbackRate,
		SampleCount:  a.Total,
	}
}

// aggregate folds events whose timestamp falls in [start, end].
func aggregate(events []models.InvocationEvent, start, end time.Time) AggregatedMetrics {
	agg := AggregatedMetrics{Start: start, End: end}
	latencies := make([]float64, 0, len(events))
	var latencySum, qualitySum float64
	for _, ev := range events {
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		agg.Total++
		if !ev.Success {
			agg.Failures++
		}
		if ev.FallbackUsed {
			agg.Fallbacks++
		}
		if ev.QualityScore != nil {
			agg.QualitySamples++
			qualitySum += *ev.QualityScore
		}
		if ev.Mode != "" {
			if agg.ByMode == nil {
				agg.ByMode = make(map[string]int)
			}
			agg.ByMode[ev.Mode]++
		}
		latencies = append(latencies, ev.LatencyMs)
		latencySum += ev.LatencyMs
	}
	if agg.Total == 0 {
		return agg
	}
	n := float64(agg.Total)
	agg.ErrorRate = float64(agg.Failures) / n
	agg.FallbackRate = float64(agg.Fallbacks) / n
	agg.LatencyAvgMs = latencySum / n
	agg.LatencyP95Ms = utils.Percentile(latencies, 95)
	if agg.QualitySamples > 0 {
		agg.QualityScore = qualitySum / float64(agg.QualitySamples)
	}
	return agg
}
