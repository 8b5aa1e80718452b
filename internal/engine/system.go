package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/analyzer"
	"github.com/miradorstack/mirador-selfimprove/internal/baseline"
	"github.com/miradorstack/mirador-selfimprove/internal/circuit"
	"github.com/miradorstack/mirador-selfimprove/internal/executor"
	"github.com/miradorstack/mirador-selfimprove/internal/learner"
	"github.com/miradorstack/mirador-selfimprove/internal/livecfg"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/monitor"
	"github.com/miradorstack/mirador-selfimprove/internal/patterns"
	"github.com/miradorstack/mirador-selfimprove/internal/repo"
)

var (
	// ErrCycleInProgress is returned by RunCycle while another cycle holds the loop.
	ErrCycleInProgress = errors.New("engine: cycle already in progress")
	// ErrNotPending is returned when an operator acts on a diagnosis that is not queued.
	ErrNotPending = errors.New("engine: diagnosis is not pending")
	// ErrExecuting is returned when acting on the diagnosis currently being executed.
	ErrExecuting = errors.New("engine: diagnosis is being executed")
)

// Config controls the periodic driver.
type Config struct {
	Enabled       bool
	CheckInterval time.Duration
	// PatternWindow is how many recent action records are mined after each action.
	PatternWindow int
	// RecentActions is how many records Status reports.
	RecentActions int
}

// Components are the collaborators a System drives. Monitor, Baselines, Breaker,
// Analyzer, Executor, Learner and Store are required.
type Components struct {
	Monitor   *monitor.Monitor
	Baselines *baseline.Calculator
	Breaker   *circuit.Breaker
	Analyzer  *analyzer.Analyzer
	Executor  *executor.Executor
	Learner   *learner.Learner
	Store     repo.Store
	Live      *livecfg.Store
	Miner     *patterns.Miner
	Patterns  func() []models.ActionPattern
}

// System owns the control loop state: baselines, circuit breaker and the pending
// diagnosis queue. Only RunCycle mutates them.
type System struct {
	cfg    Config
	c      Components
	logger *slog.Logger
	now    func() time.Time

	cycleMu sync.Mutex

	mu         sync.Mutex
	pending    []*models.SelfDiagnosis
	executing  models.DiagnosisID
	inflight   models.SelfDiagnosis
	lastReport *CycleReport
}

// Option customises a System.
type Option func(*System)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *System) { s.now = now }
}

// New validates the components and constructs a System.
func New(cfg Config, c Components, logger *slog.Logger, opts ...Option) (*System, error) {
	switch {
	case c.Monitor == nil:
		return nil, fmt.Errorf("engine: monitor is required")
	case c.Baselines == nil:
		return nil, fmt.Errorf("engine: baselines are required")
	case c.Breaker == nil:
		return nil, fmt.Errorf("engine: circuit breaker is required")
	case c.Analyzer == nil:
		return nil, fmt.Errorf("engine: analyzer is required")
	case c.Executor == nil:
		return nil, fmt.Errorf("engine: executor is required")
	case c.Learner == nil:
		return nil, fmt.Errorf("engine: learner is required")
	case c.Store == nil:
		return nil, fmt.Errorf("engine: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = 200
	}
	if cfg.RecentActions <= 0 {
		cfg.RecentActions = 10
	}
	s := &System{cfg: cfg, c: c, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest forwards invocation events to the monitor. It never blocks on a cycle.
func (s *System) Ingest(events ...models.InvocationEvent) {
	s.c.Monitor.Ingest(events...)
}

// Run drives RunCycle every CheckInterval until ctx is done.
func (s *System) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.logger.Info("self-improvement loop started",
		slog.Duration("check_interval", s.cfg.CheckInterval),
		slog.Bool("enabled", s.cfg.Enabled))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("self-improvement loop stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil {
				if errors.Is(err, ErrCycleInProgress) || errors.Is(err, context.Canceled) {
					continue
				}
				s.logger.Error("cycle failed", slog.Any("error", err))
			}
		}
	}
}

// Restore loads baselines, action effectiveness, recent action history, the live
// values of committed actions and queued diagnoses from storage. Missing state is
// not an error.
func (s *System) Restore(ctx context.Context) error {
	snap, err := s.c.Store.LatestBaselines(ctx)
	switch {
	case err == nil:
		s.c.Baselines.Restore(snap)
	case !errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("restore baselines: %w", err)
	}

	effectiveness, err := s.c.Store.ListEffectiveness(ctx)
	if err != nil {
		return fmt.Errorf("restore effectiveness: %w", err)
	}
	s.c.Learner.Restore(effectiveness)

	records, err := s.c.Store.ListActionRecords(ctx, repo.ActionFilter{Since: s.now().Add(-time.Hour)})
	if err != nil {
		return fmt.Errorf("restore action history: %w", err)
	}
	s.c.Executor.Seed(records)

	replayed, err := s.restoreLiveConfig(ctx)
	if err != nil {
		return err
	}

	if err := s.restorePatterns(ctx); err != nil {
		return err
	}

	diagnoses, err := s.c.Store.ListDiagnoses(ctx, 0)
	if err != nil {
		return fmt.Errorf("restore diagnoses: %w", err)
	}
	s.mu.Lock()
	for i := range diagnoses {
		d := diagnoses[i]
		if d.Status == models.StatusPending && d.HasAction() {
			s.pending = append(s.pending, &d)
		}
	}
	queued := len(s.pending)
	s.mu.Unlock()

	s.logger.Info("state restored",
		slog.Int("baselines", len(snap.Baselines)),
		slog.Int("effectiveness", len(effectiveness)),
		slog.Int("recent_actions", len(records)),
		slog.Int("live_changes", replayed),
		slog.Int("pending", queued))
	return nil
}

// restoreLiveConfig replays every change still in force, oldest first, onto the live
// configuration. Records whose scope is no longer tunable or whose type changed are
// skipped.
func (s *System) restoreLiveConfig(ctx context.Context) (int, error) {
	if s.c.Live == nil {
		return 0, nil
	}
	records, err := s.c.Store.ListActionRecords(ctx, repo.ActionFilter{})
	if err != nil {
		return 0, fmt.Errorf("restore live configuration: %w", err)
	}
	replayed := 0
	for _, rec := range records {
		if !rec.InForce() {
			continue
		}
		if _, err := s.c.Live.Set(rec.Action.Scope, rec.Action.NewValue); err != nil {
			s.logger.Warn("committed change not restored",
				slog.String("action_id", string(rec.ID)),
				slog.String("scope", rec.Action.Scope.String()),
				slog.Any("error", err))
			continue
		}
		replayed++
	}
	return replayed, nil
}

func (s *System) restorePatterns(ctx context.Context) error {
	if s.c.Miner == nil {
		return nil
	}
	records, err := s.c.Store.ListActionRecords(ctx, repo.ActionFilter{Limit: s.cfg.PatternWindow})
	if err != nil {
		return fmt.Errorf("restore patterns: %w", err)
	}
	_, err = s.c.Miner.Mine(ctx, records)
	return err
}
