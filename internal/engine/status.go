package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-selfimprove/internal/circuit"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/repo"
)

// SystemStatus is the read-only operator view of the loop.
type SystemStatus struct {
	Enabled         bool                         `json:"enabled"`
	Circuit         circuit.Stats                `json:"circuit"`
	Baselines       []models.BaselineView        `json:"baselines"`
	LastSnapshot    models.MetricsSnapshot       `json:"last_snapshot"`
	BufferedEvents  int                          `json:"buffered_events"`
	Pending         []models.SelfDiagnosis       `json:"pending"`
	Executing       models.DiagnosisID           `json:"executing,omitempty"`
	RecentActions   []models.ActionRecord        `json:"recent_actions"`
	ActionsLastHour int                          `json:"actions_last_hour"`
	Effectiveness   []models.ActionEffectiveness `json:"effectiveness"`
	Patterns        []models.ActionPattern       `json:"patterns,omitempty"`
	LiveConfig      map[string]models.ParamValue `json:"live_config,omitempty"`
	PipeFailures    int                          `json:"pipe_failures"`
	LastCycle       *CycleReport                 `json:"last_cycle,omitempty"`
}

// Status assembles the operator view. It may run concurrently with a cycle.
func (s *System) Status(ctx context.Context) (SystemStatus, error) {
	recent, err := s.c.Store.ListActionRecords(ctx, repo.ActionFilter{Limit: s.cfg.RecentActions})
	if err != nil {
		return SystemStatus{}, fmt.Errorf("recent actions: %w", err)
	}
	status := SystemStatus{
		Enabled:         s.cfg.Enabled,
		Circuit:         s.c.Breaker.Stats(),
		Baselines:       s.c.Baselines.Views(),
		LastSnapshot:    s.c.Monitor.LastCheck(),
		BufferedEvents:  s.c.Monitor.Buffered(),
		RecentActions:   recent,
		ActionsLastHour: s.c.Executor.ActionsInLastHour(),
		Effectiveness:   s.c.Learner.All(),
		PipeFailures:    s.c.Analyzer.ConsecutiveFailures(),
	}
	if s.c.Patterns != nil {
		status.Patterns = s.c.Patterns()
	}
	if s.c.Live != nil {
		status.LiveConfig = s.c.Live.Snapshot()
	}

	s.mu.Lock()
	status.Executing = s.executing
	status.Pending = make([]models.SelfDiagnosis, 0, len(s.pending))
	for _, d := range s.pending {
		if d.ID == s.executing {
			status.Pending = append(status.Pending, cloneDiagnosis(s.inflight))
			continue
		}
		status.Pending = append(status.Pending, cloneDiagnosis(*d))
	}
	if s.lastReport != nil {
		last := *s.lastReport
		status.LastCycle = &last
	}
	s.mu.Unlock()
	return status, nil
}

// History returns up to limit recorded actions of kind, oldest first. An empty kind
// returns every kind.
func (s *System) History(ctx context.Context, kind models.ActionKind, limit int) ([]models.ActionRecord, error) {
	records, err := s.c.Store.ListActionRecords(ctx, repo.ActionFilter{Kind: kind, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", kind, err)
	}
	return records, nil
}

// Approve records an operator approval for a queued diagnosis. The executor picks it
// up on the next cycle that reaches the diagnosis.
func (s *System) Approve(ctx context.Context, id models.DiagnosisID, by string) error {
	s.mu.Lock()
	d := s.findLocked(id)
	executing := s.executing == id
	s.mu.Unlock()
	switch {
	case executing:
		return ErrExecuting
	case d == nil:
		return fmt.Errorf("approve %s: %w", id, ErrNotPending)
	}
	if strings.TrimSpace(by) == "" {
		by = "operator"
	}
	if err := s.c.Executor.Approvals().Approve(ctx, id, by); err != nil {
		return fmt.Errorf("approve %s: %w", id, err)
	}
	s.logger.Info("diagnosis approved", slog.String("diagnosis_id", string(id)), slog.String("by", by))
	return nil
}

// Reject removes a queued diagnosis and records it as rejected.
func (s *System) Reject(ctx context.Context, id models.DiagnosisID, reason string) error {
	s.mu.Lock()
	if s.executing == id {
		s.mu.Unlock()
		return ErrExecuting
	}
	d := s.findLocked(id)
	if d == nil {
		s.mu.Unlock()
		return fmt.Errorf("reject %s: %w", id, ErrNotPending)
	}
	if err := d.Advance(models.StatusRejected); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("reject %s: %w", id, err)
	}
	if reason == "" {
		reason = "rejected by operator"
	}
	d.BlockReason = reason
	rejected := cloneDiagnosis(*d)
	for i, p := range s.pending {
		if p.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := s.c.Executor.Approvals().Revoke(ctx, id); err != nil {
		s.logger.Warn("approval not revoked", slog.String("diagnosis_id", string(id)), slog.Any("error", err))
	}
	if err := s.c.Store.SaveDiagnosis(ctx, rejected); err != nil {
		return fmt.Errorf("persist diagnosis %s: %w", id, err)
	}
	s.logger.Info("diagnosis rejected", slog.String("diagnosis_id", string(id)), slog.String("reason", reason))
	return nil
}

func (s *System) findLocked(id models.DiagnosisID) *models.SelfDiagnosis {
	for _, d := range s.pending {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func cloneDiagnosis(d models.SelfDiagnosis) models.SelfDiagnosis {
	if d.Action != nil {
		action := *d.Action
		d.Action = &action
	}
	d.Trigger.History = append([]float64(nil), d.Trigger.History...)
	return d
}

// LiveConfig returns the supervised server's current tunables keyed by
// "component.param". The supervised server polls it to pick up applied changes.
func (s *System) LiveConfig() map[string]models.ParamValue {
	if s.c.Live == nil {
		return map[string]models.ParamValue{}
	}
	return s.c.Live.Snapshot()
}
