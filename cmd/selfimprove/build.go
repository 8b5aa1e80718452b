package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-selfimprove/internal/allowlist"
	"github.com/miradorstack/mirador-selfimprove/internal/analyzer"
	"github.com/miradorstack/mirador-selfimprove/internal/baseline"
	"github.com/miradorstack/mirador-selfimprove/internal/cache"
	"github.com/miradorstack/mirador-selfimprove/internal/circuit"
	"github.com/miradorstack/mirador-selfimprove/internal/config"
	"github.com/miradorstack/mirador-selfimprove/internal/engine"
	"github.com/miradorstack/mirador-selfimprove/internal/executor"
	"github.com/miradorstack/mirador-selfimprove/internal/learner"
	"github.com/miradorstack/mirador-selfimprove/internal/livecfg"
	"github.com/miradorstack/mirador-selfimprove/internal/metrics"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/monitor"
	"github.com/miradorstack/mirador-selfimprove/internal/patterns"
	"github.com/miradorstack/mirador-selfimprove/internal/pipe"
	"github.com/miradorstack/mirador-selfimprove/internal/repo"
)

// app holds the wired control loop and the resources main must release.
type app struct {
	system   *engine.System
	breaker  *circuit.Breaker
	live     *livecfg.Store
	registry *allowlist.Registry
	store    repo.Store
	cache    cache.Provider

	// onCircuitChange is set once the gRPC health server exists.
	onCircuitChange func(from, to models.CircuitState)
}

func (a *app) Close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// newPipeClient selects the reasoning pipe transport.
func newPipeClient(cfg config.PipesConfig) (pipe.Client, error) {
	switch cfg.Provider {
	case "", "http":
		return pipe.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("pipes.apiKey is required for the anthropic provider")
		}
		return pipe.NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown pipe provider %q", cfg.Provider)
	}
}

func newCacheProvider(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewRedisProvider(cache.RedisConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
	if err != nil {
		logger.Warn("redis unavailable, approvals kept in memory", slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	return provider
}

// build wires every component from cfg. The caller owns the returned app.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	si := cfg.SelfImprovement
	a := &app{}

	store, err := repo.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.cache = newCacheProvider(cfg.Cache, logger)

	registry, err := allowlist.Load(cfg.Allowlist.Path, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry = registry

	live, err := livecfg.FromConfig(cfg.Tunables)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("seed live configuration: %w", err)
	}
	a.live = live

	calc, err := baseline.NewCalculator(baseline.Config{
		Alpha:              si.Baseline.EMAAlpha,
		Window:             si.Baseline.RollingWindow,
		MinSamples:         si.Baseline.MinSamples,
		WarningMultiplier:  si.Baseline.WarningMultiplier,
		CriticalMultiplier: si.Baseline.CriticalMultiplier,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("baseline: %w", err)
	}

	mon := monitor.New(monitor.Config{
		AggregationWindow: si.Monitor.AggregationWindow,
		MinSampleSize:     si.Monitor.MinSampleSize,
		MaxBufferedEvents: si.Monitor.MaxBufferedEvents,
		HistoryLength:     si.Monitor.HistoryLength,
		Thresholds: monitor.Thresholds{
			ErrorRate:    si.Monitor.ErrorRateThreshold,
			LatencyMs:    si.Monitor.LatencyThresholdMs,
			Quality:      si.Monitor.QualityThreshold,
			FallbackRate: si.Monitor.FallbackRateThreshold,
		},
	}, calc, logger.With(slog.String("component", "monitor")))

	a.breaker = circuit.New(circuit.Config{
		FailureThreshold: si.CircuitBreaker.FailureThreshold,
		SuccessThreshold: si.CircuitBreaker.SuccessThreshold,
		RecoveryTimeout:  si.CircuitBreaker.RecoveryTimeout,
		Logger:           logger.With(slog.String("component", "circuit")),
		OnStateChange: func(from, to models.CircuitState) {
			metrics.SetCircuitState(to)
			if a.onCircuitChange != nil {
				a.onCircuitChange(from, to)
			}
		},
	})

	client, err := newPipeClient(cfg.Pipes)
	if err != nil {
		a.Close()
		return nil, err
	}
	caller := pipe.NewCaller(client, pipe.Names{
		Diagnosis:  cfg.Pipes.Diagnosis,
		Decision:   cfg.Pipes.Decision,
		Validation: cfg.Pipes.Validation,
		Learning:   cfg.Pipes.Learning,
	}, si.Analyzer.DiagnosisTimeout, logger.With(slog.String("component", "pipe")))

	var synth learner.Synthesizer
	if si.Learner.SynthesisEnabled {
		synth = caller
	}
	learn := learner.New(learner.Config{
		Weights:                  si.Learner.Weights,
		EffectiveRewardThreshold: si.Learner.EffectiveRewardThreshold,
		HistoryWeight:            si.Learner.HistoryWeight,
		MaxHistoryPerAction:      si.Learner.MaxHistoryPerAction,
		SynthesisEnabled:         si.Learner.SynthesisEnabled,
	}, synth, logger.With(slog.String("component", "learner")))

	mined := &patterns.Memory{}
	miner := patterns.NewMiner(logger.With(slog.String("component", "patterns")), mined, si.Learner.EffectiveRewardThreshold)

	minSeverity, err := models.ParseSeverity(si.Analyzer.MinActionSeverity)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("analyzer min action severity: %w", err)
	}
	an := analyzer.New(analyzer.Config{
		MaxPendingDiagnoses:   si.Analyzer.MaxPendingDiagnoses,
		MinActionSeverity:     minSeverity,
		ValidationEnabled:     si.Analyzer.ValidationEnabled,
		PipeFailureEscalation: si.Analyzer.PipeFailureEscalation,
		MinSelectionScore:     si.Analyzer.MinSelectionScore,
	}, caller, registry, live, learn, logger.With(slog.String("component", "analyzer")),
		analyzer.WithPatterns(mined.Patterns))

	ex := executor.New(executor.Config{
		MaxActionsPerHour:    si.Executor.MaxActionsPerHour,
		Cooldown:             si.Executor.CooldownDuration,
		StabilizationPeriod:  si.Executor.StabilizationPeriod,
		VerificationTimeout:  si.Executor.VerificationTimeout,
		RollbackOnRegression: si.Executor.RollbackOnRegression,
		RequireApproval:      si.Executor.RequireApproval,
		RegressionTolerance:  si.Executor.RegressionTolerance,
		MinSamples:           si.Monitor.MinSampleSize,
	}, registry, live, mon, a.breaker, executor.NewApprovalStore(a.cache, cfg.Cache.ApprovalTTL),
		logger.With(slog.String("component", "executor")))

	a.system, err = engine.New(engine.Config{
		Enabled:       si.Enabled,
		CheckInterval: si.Monitor.CheckInterval,
	}, engine.Components{
		Monitor:   mon,
		Baselines: calc,
		Breaker:   a.breaker,
		Analyzer:  an,
		Executor:  ex,
		Learner:   learn,
		Store:     store,
		Live:      live,
		Miner:     miner,
		Patterns:  mined.Patterns,
	}, logger.With(slog.String("component", "engine")))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
