package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

const (
	// OutcomeSuccess labels cycles that completed without a cycle-level failure.
	OutcomeSuccess = "success"
	// OutcomeError labels cycles that counted as a circuit breaker failure.
	OutcomeError = "error"
	// OutcomeSkipped labels cycles where automation did not run.
	OutcomeSkipped = "skipped"
)

const namespace = "mirador_selfimprove"

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of control-loop cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Control-loop cycle latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ticksDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_dropped_total",
			Help:      "Ticks dropped because a cycle or check was still running.",
		},
		[]string{"stage"},
	)

	triggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Triggers emitted by the monitor.",
		},
		[]string{"metric", "severity"},
	)

	diagnosesBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnoses_blocked_total",
			Help:      "Diagnoses that produced no action, by reason.",
		},
		[]string{"reason"},
	)

	executionsBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_blocked_total",
			Help:      "Executions blocked before applying an action, by reason.",
		},
		[]string{"reason"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Applied actions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	rewardHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_reward",
			Help:      "Normalized reward of learned actions.",
			Buckets:   prometheus.LinearBuckets(-1, 0.25, 9),
		},
		[]string{"kind"},
	)

	circuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
	)

	pipeCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipe_calls_total",
			Help:      "Reasoning pipe calls by pipe and outcome.",
		},
		[]string{"pipe", "outcome"},
	)

	pipeCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipe_call_seconds",
			Help:      "Reasoning pipe call latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"pipe"},
	)

	baselineEMA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_ema",
			Help:      "Current EMA baseline per monitored metric.",
		},
		[]string{"metric"},
	)

	observedMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observed_metric",
			Help:      "Latest aggregated value per monitored metric.",
		},
		[]string{"metric"},
	)

	eventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Invocation events ingested, by source.",
		},
		[]string{"source"},
	)

	eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Invocation events evicted from a full monitor buffer.",
		},
	)

	httpRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "Operator API request latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	configChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_changes_published_total",
			Help:      "Live configuration changes announced to the supervised server, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		ticksDroppedTotal,
		triggersTotal,
		diagnosesBlockedTotal,
		executionsBlockedTotal,
		actionsTotal,
		rewardHistogram,
		circuitState,
		pipeCallsTotal,
		pipeCallSeconds,
		baselineEMA,
		observedMetric,
		eventsIngestedTotal,
		eventsDroppedTotal,
		httpRequestSeconds,
		configChangesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeError, OutcomeSkipped:
	default:
		outcome = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// TickDropped counts a tick skipped at stage ("cycle" or "check").
func TickDropped(stage string) {
	ticksDroppedTotal.WithLabelValues(stage).Inc()
}

// ObserveTrigger counts a monitor trigger.
func ObserveTrigger(metric models.MetricName, severity models.Severity) {
	triggersTotal.WithLabelValues(string(metric), string(severity)).Inc()
}

// DiagnosisBlocked counts a diagnosis that carried no action.
func DiagnosisBlocked(reason string) {
	diagnosesBlockedTotal.WithLabelValues(reason).Inc()
}

// ExecutionBlocked counts a blocked execution.
func ExecutionBlocked(reason string) {
	executionsBlockedTotal.WithLabelValues(reason).Inc()
}

// ObserveAction counts an applied action by final outcome.
func ObserveAction(kind models.ActionKind, outcome models.ActionOutcome) {
	actionsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
}

// ObserveReward records a learned reward.
func ObserveReward(kind models.ActionKind, reward float64) {
	rewardHistogram.WithLabelValues(string(kind)).Observe(reward)
}

// SetCircuitState exports the breaker state.
func SetCircuitState(state models.CircuitState) {
	switch state {
	case models.CircuitOpen:
		circuitState.Set(2)
	case models.CircuitHalfOpen:
		circuitState.Set(1)
	default:
		circuitState.Set(0)
	}
}

// ObservePipeCall records one pipe call.
func ObservePipeCall(pipe, outcome string, duration time.Duration) {
	pipeCallsTotal.WithLabelValues(pipe, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	pipeCallSeconds.WithLabelValues(pipe).Observe(duration.Seconds())
}

// ObserveSnapshot exports the aggregated metrics and their baselines.
func ObserveSnapshot(snapshot models.MetricsSnapshot, baselines []models.BaselineView) {
	for _, metric := range models.MonitoredMetrics {
		observedMetric.WithLabelValues(string(metric)).Set(snapshot.Value(metric))
	}
	for _, b := range baselines {
		baselineEMA.WithLabelValues(string(b.Metric)).Set(b.EMA)
	}
}

// EventsIngested counts ingested events from source.
func EventsIngested(source string, n int) {
	eventsIngestedTotal.WithLabelValues(source).Add(float64(n))
}

// EventsDropped counts events evicted from the monitor buffer.
func EventsDropped(n int) {
	eventsDroppedTotal.Add(float64(n))
}

// ObserveHTTPRequest records one operator API request.
func ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestSeconds.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// ConfigChangePublished counts one change announcement (published, failed or dropped).
func ConfigChangePublished(outcome string) {
	configChangesTotal.WithLabelValues(outcome).Inc()
}
