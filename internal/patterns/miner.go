package patterns

import (
	"context"
	"log/slog"
	"sort"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// Store abstracts persistence for mined patterns.
type Store interface {
	StorePatterns(ctx context.Context, patterns []models.ActionPattern) error
}

// Miner aggregates the action audit log into per (trigger metric, kind, param) patterns.
type Miner struct {
	store              Store
	logger             *slog.Logger
	effectiveThreshold float64
}

// NewMiner constructs a Miner; store may be nil for dry runs. A record counts as a
// success when it was not rolled back and its reward reaches effectiveThreshold.
func NewMiner(logger *slog.Logger, store Store, effectiveThreshold float64) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger, effectiveThreshold: effectiveThreshold}
}

// Mine folds records into patterns ordered by average reward, then attempts.
// Records without a measurement are skipped.
func (m *Miner) Mine(ctx context.Context, records []models.ActionRecord) ([]models.ActionPattern, error) {
	if len(records) == 0 {
		return nil, nil
	}

	aggs := make(map[string]*aggregate)
	for _, rec := range records {
		if rec.Outcome == models.OutcomeFailed || rec.Outcome == models.OutcomeInconclusive {
			continue
		}
		key := patternID(rec.TriggerMetric, rec.Action.Kind, rec.Action.Scope)
		agg, ok := aggs[key]
		if !ok {
			agg = &aggregate{pattern: models.ActionPattern{
				ID:            key,
				TriggerMetric: rec.TriggerMetric,
				Kind:          rec.Action.Kind,
				Scope:         rec.Action.Scope,
			}}
			aggs[key] = agg
		}
		agg.pattern.Attempts++
		agg.rewardSum += rec.Reward.Value
		if rec.RolledBack {
			agg.pattern.RolledBack++
		} else if rec.Reward.Value >= m.effectiveThreshold {
			agg.pattern.Successes++
		}
		if rec.CreatedAt.After(agg.pattern.LastSeen) {
			agg.pattern.LastSeen = rec.CreatedAt
		}
	}

	patterns := make([]models.ActionPattern, 0, len(aggs))
	for _, agg := range aggs {
		p := agg.pattern
		n := float64(p.Attempts)
		p.AverageReward = agg.rewardSum / n
		p.SuccessRate = float64(p.Successes) / n
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].AverageReward != patterns[j].AverageReward {
			return patterns[i].AverageReward > patterns[j].AverageReward
		}
		if patterns[i].Attempts != patterns[j].Attempts {
			return patterns[i].Attempts > patterns[j].Attempts
		}
		return patterns[i].ID < patterns[j].ID
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}
	return patterns, nil
}

// ForMetric returns up to limit patterns mined for the given trigger metric,
// preserving their order.
func ForMetric(patterns []models.ActionPattern, metric models.MetricName, limit int) []models.ActionPattern {
	var out []models.ActionPattern
	for _, p := range patterns {
		if p.TriggerMetric != metric {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

type aggregate struct {
	pattern   models.ActionPattern
	rewardSum float64
}

func patternID(metric models.MetricName, kind models.ActionKind, scope models.ConfigScope) string {
	return string(metric) + "/" + string(kind) + "/" + scope.String()
}
