package analyzer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MakeNowJust/heredoc"

	"github.com/miradorstack/mirador-selfimprove/internal/allowlist"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

func diagnosisPrompt(trigger models.TriggerMetric) string {
	snap := trigger.Snapshot
	return heredoc.Docf(`
		A reasoning server's self-monitoring raised a %s trigger.

		Metric: %s
		Observed: %.4f
		Baseline (EMA): %.4f
		Threshold crossed: %.4f (source: %s, baseline level: %s)
		Recent observations (oldest first): %s

		Current window: error_rate=%.4f latency_p95_ms=%.1f quality=%.3f fallback_rate=%.4f over %d requests

		Diagnose the most likely root cause. Respond with a JSON object
		{"summary": string, "root_cause": string, "severity": "info"|"warning"|"high"|"critical", "confidence": number}.`,
		trigger.Severity,
		trigger.Metric, trigger.Observed, trigger.Baseline,
		trigger.Threshold, trigger.Source, trigger.Level,
		formatHistory(trigger.History),
		snap.ErrorRate, snap.LatencyP95Ms, snap.QualityScore, snap.FallbackRate, snap.SampleCount)
}

type decisionContext struct {
	diagnosis     *models.SelfDiagnosis
	options       []option
	effectiveness []models.ActionEffectiveness
	patterns      []models.ActionPattern
}

type option struct {
	entry   allowlist.Entry
	current models.ParamValue
}

func decisionPrompt(dc decisionContext) string {
	var opts strings.Builder
	for _, o := range dc.options {
		fmt.Fprintf(&opts, "- kind=%s component=%s param=%s type=%s current=%s %s\n",
			o.entry.Kind, o.entry.Scope.Component, o.entry.Scope.Param, o.entry.Bounds.Type,
			o.current.Format(), describeBounds(o.entry.Bounds))
	}

	var history strings.Builder
	for _, eff := range dc.effectiveness {
		fmt.Fprintf(&history, "- %s: %d attempts, average reward %.3f, effective=%t\n",
			eff.Kind, eff.Attempts, eff.AverageReward, eff.Effective)
		if eff.LastLesson != "" {
			fmt.Fprintf(&history, "  lesson: %s\n", eff.LastLesson)
		}
	}
	for _, p := range dc.patterns {
		fmt.Fprintf(&history, "- pattern %s on %s for %s: %d attempts, %d rolled back, average reward %.3f\n",
			p.Kind, p.Scope, p.TriggerMetric, p.Attempts, p.RolledBack, p.AverageReward)
	}
	if history.Len() == 0 {
		history.WriteString("- no prior actions\n")
	}

	d := dc.diagnosis
	return heredoc.Docf(`
		Choose one corrective configuration change for the diagnosed degradation, or no_op.

		Trigger: %s observed %.4f against baseline %.4f (severity %s)
		Summary: %s
		Root cause: %s

		Permitted changes (values outside these bounds are rejected):
		%s
		Past effectiveness:
		%s
		Respond with a JSON object
		{"kind": string, "component": string, "param": string, "new_value": number|string|boolean,
		 "rationale": string, "confidence": number, "expected_improvement": string}.`,
		d.Trigger.Metric, d.ObservedValue, d.BaselineValue, d.Severity,
		d.Summary, d.RootCause,
		opts.String(), history.String())
}

func validationPrompt(d *models.SelfDiagnosis, action models.SuggestedAction) string {
	return heredoc.Docf(`
		Review a proposed automated change for reasoning errors and bias before it is applied.

		Diagnosis: %s (root cause: %s)
		Proposed: %s %s from %s to %s
		Rationale: %s
		Claimed improvement: %s

		Respond with a JSON object {"approved": boolean, "concerns": [string], "confidence": number}.`,
		d.Summary, d.RootCause,
		action.Kind, action.Scope, action.OldValue.Format(), action.NewValue.Format(),
		action.Rationale, action.ExpectedImprovement)
}

func describeBounds(b allowlist.Bounds) string {
	switch b.Type {
	case models.ParamNumber, models.ParamDuration:
		s := fmt.Sprintf("range=[%v,%v]", b.Min, b.Max)
		if b.Type == models.ParamDuration {
			s += "ms"
		}
		if b.MaxStep > 0 {
			s += fmt.Sprintf(" max_step=%v", b.MaxStep)
		}
		return s
	case models.ParamString:
		if len(b.Allowed) > 0 {
			return "allowed=" + strings.Join(b.Allowed, "|")
		}
	}
	return ""
}

func formatHistory(values []float64) string {
	if len(values) == 0 {
		return "none"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	return strings.Join(parts, ", ")
}
