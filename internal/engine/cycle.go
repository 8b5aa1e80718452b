package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/analyzer"
	"github.com/miradorstack/mirador-selfimprove/internal/executor"
	"github.com/miradorstack/mirador-selfimprove/internal/learner"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/repo"
)

const (
	skipDisabled    = "disabled"
	skipCircuitOpen = "circuit_open"
)

// CycleReport summarises one pass of the control loop.
type CycleReport struct {
	StartedAt    time.Time                 `json:"started_at"`
	Duration     time.Duration             `json:"duration"`
	Trigger      *models.TriggerMetric     `json:"trigger,omitempty"`
	Diagnosis    *models.SelfDiagnosis     `json:"diagnosis,omitempty"`
	Execution    *executor.ExecutionResult `json:"execution,omitempty"`
	Learning     *learner.LearningOutcome  `json:"learning,omitempty"`
	Skipped      string                    `json:"skipped,omitempty"`
	Blocked      []string                  `json:"blocked,omitempty"`
	CircuitState models.CircuitState       `json:"circuit_state"`
	Error        string                    `json:"error,omitempty"`
}

// RunCycle runs Monitor, then Analyzer, Executor and Learner when the circuit allows,
// then persists the results. Cycles never overlap: a call made while another cycle
// is running returns ErrCycleInProgress immediately.
func (s *System) RunCycle(ctx context.Context) (CycleReport, error) {
	if !s.cycleMu.TryLock() {
		metrics.TickDropped("cycle")
		return CycleReport{}, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()

	report := CycleReport{StartedAt: s.now()}
	err := s.cycle(ctx, &report)
	report.Duration = s.now().Sub(report.StartedAt)
	report.CircuitState = s.c.Breaker.State()
	metrics.SetCircuitState(report.CircuitState)

	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
		report.Error = err.Error()
	case report.Skipped != "":
		outcome = metrics.OutcomeSkipped
	}
	metrics.ObserveCycle(report.Duration, outcome)

	s.mu.Lock()
	last := report
	s.lastReport = &last
	s.mu.Unlock()
	return report, err
}

func (s *System) cycle(ctx context.Context, report *CycleReport) error {
	trigger, err := s.c.Monitor.Check(ctx)
	if err != nil {
		return fmt.Errorf("monitor check: %w", err)
	}
	report.Trigger = trigger

	if err := s.c.Store.SaveBaselines(ctx, s.c.Baselines.Snapshot(s.now())); err != nil {
		return s.fail(fmt.Errorf("persist baselines: %w", err))
	}

	if !s.cfg.Enabled {
		report.Skipped = skipDisabled
		return nil
	}
	if !s.c.Breaker.AllowCycle() {
		report.Skipped = skipCircuitOpen
		s.logger.Debug("automation skipped: circuit open")
		return nil
	}

	if trigger != nil {
		if err := s.analyze(ctx, *trigger, report); err != nil {
			return s.fail(err)
		}
	}
	if err := s.executeHead(ctx, report); err != nil {
		return s.fail(err)
	}
	return nil
}

// fail records err against the breaker. A failed rollback has already forced it open.
func (s *System) fail(err error) error {
	var rollback *executor.RollbackError
	if !errors.As(err, &rollback) {
		s.c.Breaker.RecordFailure(err)
	}
	return err
}

func (s *System) analyze(ctx context.Context, trigger models.TriggerMetric, report *CycleReport) error {
	diag, err := s.c.Analyzer.Analyze(ctx, trigger, s.pendingLen())
	var blocked *analyzer.BlockedError
	if err != nil && !errors.As(err, &blocked) {
		return fmt.Errorf("analyze: %w", err)
	}
	if blocked != nil {
		report.Blocked = append(report.Blocked, "analyzer:"+string(blocked.Reason))
	}

	if diag != nil {
		if !diag.HasAction() {
			if err := diag.Advance(models.StatusRejected); err != nil {
				s.logger.Warn("diagnosis status not advanced", slog.Any("error", err))
			}
		}
		if err := s.c.Store.SaveDiagnosis(ctx, *diag); err != nil {
			return fmt.Errorf("persist diagnosis %s: %w", diag.ID, err)
		}
		snapshot := cloneDiagnosis(*diag)
		report.Diagnosis = &snapshot
		if diag.HasAction() {
			s.mu.Lock()
			s.pending = append(s.pending, diag)
			s.mu.Unlock()
		}
	}

	if blocked != nil && blocked.Escalated {
		return err
	}
	return nil
}

// executeHead executes the oldest queued diagnosis. A head waiting for approval,
// cooldown or rate limit stays at the front so diagnoses run in creation order.
func (s *System) executeHead(ctx context.Context, report *CycleReport) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	head := s.pending[0]
	s.executing = head.ID
	s.inflight = cloneDiagnosis(*head)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.executing = ""
		s.inflight = models.SelfDiagnosis{}
		s.mu.Unlock()
	}()

	result, execErr := s.c.Executor.Execute(ctx, head)
	var blocked *executor.BlockedError
	switch {
	case errors.As(execErr, &blocked):
		report.Blocked = append(report.Blocked, "executor:"+string(blocked.Reason))
		if blocked.Reason != executor.ReasonAllowlistRejected {
			return nil
		}
		head.BlockReason = blocked.Error()
		if err := head.Advance(models.StatusRejected); err != nil {
			s.logger.Warn("diagnosis status not advanced", slog.Any("error", err))
		}
		s.dequeue(head.ID)
		if err := s.c.Store.SaveDiagnosis(ctx, *head); err != nil {
			return fmt.Errorf("persist diagnosis %s: %w", head.ID, err)
		}
		return nil
	case errors.Is(execErr, executor.ErrNoAction):
		s.dequeue(head.ID)
		return nil
	case result == nil:
		return fmt.Errorf("execute %s: %w", head.ID, execErr)
	}

	s.dequeue(head.ID)
	rec := result.Record
	if rec.Outcome == models.OutcomeFailed {
		head.BlockReason = "apply_failed: " + rec.Error
		if err := head.Advance(models.StatusRejected); err != nil {
			s.logger.Warn("diagnosis status not advanced", slog.Any("error", err))
		}
	}

	learned, err := s.c.Learner.Learn(ctx, rec)
	var notLearned *learner.BlockedError
	switch {
	case err == nil:
		rec.Reward = learned.Reward
		report.Learning = learned
	case errors.As(err, &notLearned):
		s.logger.Debug("action not scored", slog.String("action_id", string(rec.ID)), slog.String("reason", string(notLearned.Reason)))
	default:
		s.logger.Warn("learning failed", slog.String("action_id", string(rec.ID)), slog.Any("error", err))
	}
	result.Record = rec
	report.Execution = result

	if err := s.persistOutcome(ctx, head, rec, learned); err != nil {
		return err
	}
	s.minePatterns(ctx)

	switch {
	case execErr != nil:
		return execErr
	case rec.Outcome == models.OutcomeRegressed:
		s.c.Breaker.RecordFailure(fmt.Errorf("action %s regressed %s", rec.ID, rec.TriggerMetric))
	default:
		s.c.Breaker.RecordSuccess()
	}
	return nil
}

func (s *System) persistOutcome(ctx context.Context, head *models.SelfDiagnosis, rec models.ActionRecord, learned *learner.LearningOutcome) error {
	if err := s.c.Store.SaveActionRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist action record %s: %w", rec.ID, err)
	}
	if err := s.c.Store.SaveDiagnosis(ctx, *head); err != nil {
		return fmt.Errorf("persist diagnosis %s: %w", head.ID, err)
	}
	if learned != nil {
		if err := s.c.Store.SaveEffectiveness(ctx, learned.Effectiveness); err != nil {
			return fmt.Errorf("persist effectiveness %s: %w", learned.Kind, err)
		}
	}
	return nil
}

func (s *System) minePatterns(ctx context.Context) {
	if s.c.Miner == nil {
		return
	}
	records, err := s.c.Store.ListActionRecords(ctx, repo.ActionFilter{Limit: s.cfg.PatternWindow})
	if err != nil {
		s.logger.Warn("pattern mining skipped", slog.Any("error", err))
		return
	}
	if _, err := s.c.Miner.Mine(ctx, records); err != nil {
		s.logger.Warn("pattern mining failed", slog.Any("error", err))
	}
}

func (s *System) pendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *System) dequeue(id models.DiagnosisID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.pending {
		if d.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
