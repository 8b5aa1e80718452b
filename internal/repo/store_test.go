package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQL(context.Background(), DialectSQLite, "file:"+filepath.Join(t.TempDir(), "selfimprove.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func sampleRecord(id string, kind models.ActionKind, at time.Time) models.ActionRecord {
	return models.ActionRecord{
		ID:            models.ActionID(id),
		DiagnosisID:   models.DiagnosisID("diag-" + id),
		TriggerMetric: models.MetricErrorRate,
		Action: models.SuggestedAction{
			ID:         models.ActionID(id),
			Kind:       kind,
			Scope:      models.ConfigScope{Component: models.ComponentPipeClient, Param: "retry_delay"},
			OldValue:   models.DurationValue(500 * time.Millisecond),
			NewValue:   models.DurationValue(2 * time.Second),
			Confidence: 0.75,
		},
		Before:  models.MetricsSnapshot{Timestamp: at.Add(-time.Minute), ErrorRate: 0.08, LatencyP95Ms: 1200, QualityScore: 0.81, FallbackRate: 0.02, SampleCount: 60},
		After:   models.MetricsSnapshot{Timestamp: at.Add(2 * time.Minute), ErrorRate: 0.025, LatencyP95Ms: 900, QualityScore: 0.83, FallbackRate: 0.01, SampleCount: 55},
		Outcome: models.OutcomeSuccess,
		Reward: models.NormalizedReward{
			Value:     0.31,
			Breakdown: models.RewardBreakdown{ErrorRate: 0.6875, Latency: 0.25, QualityScore: 0.0247, FallbackRate: 0.5},
			Weights:   models.DefaultRewardWeights(),
		},
		Phases:    []models.ExecutionPhase{models.PhaseProposed, models.PhaseValidated, models.PhaseApplied, models.PhaseStabilizing, models.PhaseVerified, models.PhaseCommitted},
		CreatedAt: at,
	}
}

func TestActionRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			want := sampleRecord("a1", models.KindAdjustParam, now)
			if err := store.SaveActionRecord(ctx, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := store.GetActionRecord(ctx, want.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("record mismatch (-want +got):\n%s", diff)
			}

			if err := store.SaveActionRecord(ctx, want); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict on rewrite, got %v", err)
			}
			if _, err := store.GetActionRecord(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestListActionRecordsOrderingAndFilter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for i, kind := range []models.ActionKind{models.KindAdjustParam, models.KindScaleResource, models.KindAdjustParam, models.KindAdjustParam} {
				rec := sampleRecord(string(rune('a'+i)), kind, now.Add(time.Duration(i)*time.Minute))
				if err := store.SaveActionRecord(ctx, rec); err != nil {
					t.Fatalf("save: %v", err)
				}
			}
			all, err := store.ListActionRecords(ctx, ActionFilter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 4 || all[0].ID != "a" || all[3].ID != "d" {
				t.Fatalf("expected oldest-first ordering, got %d records", len(all))
			}

			recent, err := store.ListActionRecords(ctx, ActionFilter{Kind: models.KindAdjustParam, Limit: 2})
			if err != nil {
				t.Fatalf("list filtered: %v", err)
			}
			if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "d" {
				t.Fatalf("expected the two most recent adjust_param records, got %+v", recent)
			}

			since, err := store.ListActionRecords(ctx, ActionFilter{Since: now.Add(90 * time.Second)})
			if err != nil {
				t.Fatalf("list since: %v", err)
			}
			if len(since) != 2 {
				t.Fatalf("expected 2 records since cutoff, got %d", len(since))
			}
		})
	}
}

func TestDiagnosisUpsert(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			d := models.SelfDiagnosis{
				ID:        "d1",
				Trigger:   models.TriggerMetric{Metric: models.MetricLatencyP95, Observed: 9000, Baseline: 1200, Severity: models.SeverityHigh, History: []float64{1100, 9000}},
				Severity:  models.SeverityHigh,
				CreatedAt: now,
				Status:    models.StatusPending,
				Action:    &models.SuggestedAction{ID: "a1", Kind: models.KindToggleFeature, NewValue: models.BoolValue(false)},
			}
			if err := store.SaveDiagnosis(ctx, d); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := d.Advance(models.StatusRejected); err != nil {
				t.Fatalf("advance: %v", err)
			}
			if err := store.SaveDiagnosis(ctx, d); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, err := store.GetDiagnosis(ctx, "d1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(d, got); diff != "" {
				t.Fatalf("diagnosis mismatch (-want +got):\n%s", diff)
			}
			list, err := store.ListDiagnoses(ctx, 10)
			if err != nil || len(list) != 1 {
				t.Fatalf("expected a single diagnosis, got %d (%v)", len(list), err)
			}
		})
	}
}

func TestBaselinesAndEffectiveness(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.LatestBaselines(ctx); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found before first snapshot, got %v", err)
			}
			older := models.BaselineSnapshot{ID: "s1", TakenAt: now, Baselines: []models.BaselineState{{Metric: models.MetricErrorRate, EMA: 0.03, SampleCount: 4}}}
			newer := models.BaselineSnapshot{ID: "s2", TakenAt: now.Add(time.Minute), Baselines: []models.BaselineState{{
				Metric: models.MetricErrorRate, EMA: 0.02, SampleCount: 5,
				Window:    []models.BaselineSample{{Value: 0.02, Timestamp: now}},
				UpdatedAt: now,
			}}}
			for _, snap := range []models.BaselineSnapshot{older, newer} {
				if err := store.SaveBaselines(ctx, snap); err != nil {
					t.Fatalf("save baselines: %v", err)
				}
			}
			latest, err := store.LatestBaselines(ctx)
			if err != nil {
				t.Fatalf("latest: %v", err)
			}
			if diff := cmp.Diff(newer, latest); diff != "" {
				t.Fatalf("baseline mismatch (-want +got):\n%s", diff)
			}

			eff := models.ActionEffectiveness{Kind: models.KindScaleResource, Rewards: []float64{0.2, 0.4}, Attempts: 2, Successes: 2, AverageReward: 0.3, Effective: true, UpdatedAt: now}
			if err := store.SaveEffectiveness(ctx, eff); err != nil {
				t.Fatalf("save effectiveness: %v", err)
			}
			eff.Rewards = append(eff.Rewards, -0.1)
			eff.Attempts = 3
			if err := store.SaveEffectiveness(ctx, eff); err != nil {
				t.Fatalf("update effectiveness: %v", err)
			}
			all, err := store.ListEffectiveness(ctx)
			if err != nil {
				t.Fatalf("list effectiveness: %v", err)
			}
			if len(all) != 1 {
				t.Fatalf("expected one effectiveness row, got %d", len(all))
			}
			if diff := cmp.Diff(eff, all[0]); diff != "" {
				t.Fatalf("effectiveness mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func baselineCount(t *testing.T, store Store) int {
	t.Helper()
	switch s := store.(type) {
	case *MemoryStore:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.baselines)
	case *SQLStore:
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM baseline_snapshots`).Scan(&n); err != nil {
			t.Fatalf("count baselines: %v", err)
		}
		return n
	default:
		t.Fatalf("unexpected store %T", store)
		return 0
	}
}

func TestSaveBaselinesKeepsBoundedHistory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			var last models.BaselineSnapshot
			for i := 0; i < 50; i++ {
				last = models.BaselineSnapshot{
					TakenAt:   now.Add(time.Duration(i) * time.Minute),
					Baselines: []models.BaselineState{{Metric: models.MetricLatencyP95, EMA: float64(900 + i), SampleCount: i + 1}},
				}
				if err := store.SaveBaselines(ctx, last); err != nil {
					t.Fatalf("save baselines %d: %v", i, err)
				}
			}
			if n := baselineCount(t, store); n != BaselineRetention {
				t.Fatalf("expected %d retained snapshots, got %d", BaselineRetention, n)
			}
			latest, err := store.LatestBaselines(ctx)
			if err != nil {
				t.Fatalf("latest: %v", err)
			}
			if !latest.TakenAt.Equal(last.TakenAt) || latest.Baselines[0].EMA != 949 {
				t.Fatalf("expected the newest snapshot to survive pruning, got %+v", latest)
			}
		})
	}
}
