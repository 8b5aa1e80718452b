package config

import (
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// ConfigurationError reports an invalid bound detected at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Validate checks every bound the control loop relies on. All problems are joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	si := c.SelfImprovement

	b := si.Baseline
	if b.EMAAlpha <= 0 || b.EMAAlpha >= 1 {
		bad("selfImprovement.baseline.emaAlpha", "must be in (0,1), got %v", b.EMAAlpha)
	}
	if b.WarningMultiplier <= 1 {
		bad("selfImprovement.baseline.warningMultiplier", "must be > 1.0, got %v", b.WarningMultiplier)
	}
	if b.CriticalMultiplier <= 1 {
		bad("selfImprovement.baseline.criticalMultiplier", "must be > 1.0, got %v", b.CriticalMultiplier)
	}
	if b.CriticalMultiplier < b.WarningMultiplier {
		bad("selfImprovement.baseline.criticalMultiplier", "must be >= warningMultiplier")
	}
	if b.MinSamples < 1 {
		bad("selfImprovement.baseline.minSamples", "must be >= 1")
	}
	if b.RollingWindow <= 0 {
		bad("selfImprovement.baseline.rollingWindow", "must be positive")
	}

	m := si.Monitor
	if m.CheckInterval <= 0 {
		bad("selfImprovement.monitor.checkInterval", "must be positive")
	}
	if m.AggregationWindow <= 0 {
		bad("selfImprovement.monitor.aggregationWindow", "must be positive")
	}
	if m.MinSampleSize < 1 {
		bad("selfImprovement.monitor.minSampleSize", "must be >= 1")
	}
	if m.MaxBufferedEvents < m.MinSampleSize {
		bad("selfImprovement.monitor.maxBufferedEvents", "must be >= minSampleSize")
	}
	if m.ErrorRateThreshold <= 0 || m.ErrorRateThreshold > 1 {
		bad("selfImprovement.monitor.errorRateThreshold", "must be in (0,1]")
	}
	if m.FallbackRateThreshold <= 0 || m.FallbackRateThreshold > 1 {
		bad("selfImprovement.monitor.fallbackRateThreshold", "must be in (0,1]")
	}
	if m.QualityThreshold < 0 || m.QualityThreshold > 1 {
		bad("selfImprovement.monitor.qualityThreshold", "must be in [0,1]")
	}
	if m.LatencyThresholdMs <= 0 {
		bad("selfImprovement.monitor.latencyThresholdMs", "must be positive")
	}

	a := si.Analyzer
	if a.MaxPendingDiagnoses < 1 {
		bad("selfImprovement.analyzer.maxPendingDiagnoses", "must be >= 1")
	}
	if _, err := models.ParseSeverity(a.MinActionSeverity); err != nil {
		bad("selfImprovement.analyzer.minActionSeverity", "%v", err)
	}
	if a.DiagnosisTimeout <= 0 {
		bad("selfImprovement.analyzer.diagnosisTimeout", "must be positive")
	}
	if a.PipeFailureEscalation < 1 {
		bad("selfImprovement.analyzer.pipeFailureEscalation", "must be >= 1")
	}
	if a.MinSelectionScore < 0 || a.MinSelectionScore > 1 {
		bad("selfImprovement.analyzer.minSelectionScore", "must be in [0,1], got %v", a.MinSelectionScore)
	}

	e := si.Executor
	if e.MaxActionsPerHour < 1 {
		bad("selfImprovement.executor.maxActionsPerHour", "must be >= 1")
	}
	if e.CooldownDuration < 0 {
		bad("selfImprovement.executor.cooldownDuration", "must not be negative")
	}
	if e.StabilizationPeriod < 0 {
		bad("selfImprovement.executor.stabilizationPeriod", "must not be negative")
	}
	if e.VerificationTimeout <= 0 {
		bad("selfImprovement.executor.verificationTimeout", "must be positive")
	}
	if e.RegressionTolerance < 0 {
		bad("selfImprovement.executor.regressionTolerance", "must not be negative")
	}

	l := si.Learner
	if l.HistoryWeight < 0 || l.HistoryWeight > 1 {
		bad("selfImprovement.learner.historyWeight", "must be in [0,1]")
	}
	if l.MaxHistoryPerAction < 1 {
		bad("selfImprovement.learner.maxHistoryPerAction", "must be >= 1")
	}
	if l.EffectiveRewardThreshold < -1 || l.EffectiveRewardThreshold > 1 {
		bad("selfImprovement.learner.effectiveRewardThreshold", "must be in [-1,1]")
	}
	w := l.Weights
	if w.ErrorRate < 0 || w.Latency < 0 || w.QualityScore < 0 || w.FallbackRate < 0 {
		bad("selfImprovement.learner.weights", "must not be negative")
	} else if w.Total() <= 0 {
		bad("selfImprovement.learner.weights", "must sum to a positive value")
	}

	cb := si.CircuitBreaker
	if cb.FailureThreshold < 1 {
		bad("selfImprovement.circuitBreaker.failureThreshold", "must be >= 1")
	}
	if cb.SuccessThreshold < 1 {
		bad("selfImprovement.circuitBreaker.successThreshold", "must be >= 1")
	}
	if cb.RecoveryTimeout <= 0 {
		bad("selfImprovement.circuitBreaker.recoveryTimeout", "must be positive")
	}

	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		bad("storage.driver", "unsupported driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		bad("storage.dsn", "required for driver %q", c.Storage.Driver)
	}

	switch c.Pipes.Provider {
	case "http":
		if c.Pipes.BaseURL == "" {
			bad("pipes.baseURL", "required for the http provider")
		}
	case "anthropic":
		if c.Pipes.APIKey == "" {
			bad("pipes.apiKey", "required for the anthropic provider")
		}
	default:
		bad("pipes.provider", "unsupported provider %q", c.Pipes.Provider)
	}
	if c.Pipes.Timeout <= 0 {
		bad("pipes.timeout", "must be positive")
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		bad("cache.addr", "required when cache is enabled")
	}
	if c.Ingest.Kafka.Enabled && (len(c.Ingest.Kafka.Brokers) == 0 || c.Ingest.Kafka.Topic == "") {
		bad("ingest.kafka", "brokers and topic are required when enabled")
	}
	if c.Ingest.Kafka.ChangeTopic != "" && len(c.Ingest.Kafka.Brokers) == 0 {
		bad("ingest.kafka.changeTopic", "brokers are required to publish changes")
	}

	seen := make(map[string]struct{}, len(c.Tunables))
	for i, t := range c.Tunables {
		field := fmt.Sprintf("tunables[%d]", i)
		if t.Component == "" || t.Param == "" {
			bad(field, "component and param are required")
			continue
		}
		if _, err := models.ParseParamValue(models.ParamType(t.Type), t.Value); err != nil {
			bad(field, "%v", err)
		}
		key := t.Component + "." + t.Param
		if _, dup := seen[key]; dup {
			bad(field, "duplicate tunable %s", key)
		}
		seen[key] = struct{}{}
	}

	return errors.Join(errs...)
}
