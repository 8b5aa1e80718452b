package circuit

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// ErrCircuitOpen is returned when automation is halted. It is expected, not exceptional.
var ErrCircuitOpen = errors.New("circuit breaker open: automation halted")

// Config defines breaker behaviour.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	OnStateChange    func(from, to models.CircuitState)
	Now              func() time.Time
	Logger           *slog.Logger
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State            models.CircuitState `json:"state"`
	FailureCount     int                 `json:"failure_count"`
	SuccessCount     int                 `json:"success_count"`
	FailureThreshold int                 `json:"failure_threshold"`
	SuccessThreshold int                 `json:"success_threshold"`
	LastStateChange  time.Time           `json:"last_state_change"`
	LastFailure      time.Time           `json:"last_failure,omitempty"`
	LastError        string              `json:"last_error,omitempty"`
	ReopensAt        time.Time           `json:"reopens_at,omitempty"`
}

// Breaker gates the control loop after consecutive cycle failures.
type Breaker struct {
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	state           models.CircuitState
	failureCount    int
	successCount    int
	lastStateChange time.Time
	lastFailure     time.Time
	lastErr         error
	opened          chan struct{}
}

type transition struct {
	from, to models.CircuitState
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:             cfg,
		logger:          logger,
		state:           models.CircuitClosed,
		lastStateChange: cfg.Now(),
		opened:          make(chan struct{}),
	}
}

// AllowCycle reports whether automation may run. An Open breaker whose recovery
// timeout has elapsed moves to HalfOpen and admits a trial cycle.
func (b *Breaker) AllowCycle() bool {
	b.mu.Lock()
	var changes []transition
	allowed := true
	switch b.state {
	case models.CircuitOpen:
		if b.cfg.Now().Sub(b.lastStateChange) >= b.cfg.RecoveryTimeout {
			changes = b.setStateLocked(models.CircuitHalfOpen)
			b.logger.Info("circuit breaker half-open", slog.Duration("recovery_timeout", b.cfg.RecoveryTimeout))
		} else {
			allowed = false
		}
	}
	b.mu.Unlock()
	b.notify(changes)
	return allowed
}

// RecordSuccess records a successful cycle.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var changes []transition
	switch b.state {
	case models.CircuitClosed:
		b.failureCount = 0
	case models.CircuitHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			changes = b.setStateLocked(models.CircuitClosed)
			b.logger.Info("circuit breaker closed", slog.Int("successes", b.cfg.SuccessThreshold))
		}
	}
	b.mu.Unlock()
	b.notify(changes)
}

// RecordFailure records a failed cycle.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	var changes []transition
	b.lastFailure = b.cfg.Now()
	b.lastErr = err
	switch b.state {
	case models.CircuitClosed:
		b.failureCount++
		b.logger.Warn("cycle failure recorded",
			slog.Int("failure_count", b.failureCount),
			slog.Int("threshold", b.cfg.FailureThreshold),
			slog.Any("error", err))
		if b.failureCount >= b.cfg.FailureThreshold {
			changes = b.setStateLocked(models.CircuitOpen)
			b.logger.Error("circuit breaker opened", slog.Int("consecutive_failures", b.cfg.FailureThreshold))
		}
	case models.CircuitHalfOpen:
		changes = b.setStateLocked(models.CircuitOpen)
		b.logger.Warn("circuit breaker reopened after trial failure", slog.Any("error", err))
	}
	b.mu.Unlock()
	b.notify(changes)
}

// ForceOpen halts automation immediately, restarting the recovery timeout.
func (b *Breaker) ForceOpen(reason error) {
	b.mu.Lock()
	b.lastFailure = b.cfg.Now()
	b.lastErr = reason
	var changes []transition
	if b.state == models.CircuitOpen {
		b.lastStateChange = b.cfg.Now()
	} else {
		changes = b.setStateLocked(models.CircuitOpen)
	}
	b.mu.Unlock()
	b.logger.Error("circuit breaker forced open", slog.Any("reason", reason))
	b.notify(changes)
}

// State returns the current state without advancing it.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Opened returns a channel closed when the breaker enters Open. While Open, the
// returned channel is already closed.
func (b *Breaker) Opened() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Stats returns counters for status reporting.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		LastStateChange:  b.lastStateChange,
		LastFailure:      b.lastFailure,
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	if b.state == models.CircuitOpen {
		s.ReopensAt = b.lastStateChange.Add(b.cfg.RecoveryTimeout)
	}
	return s
}

func (b *Breaker) setStateLocked(next models.CircuitState) []transition {
	if b.state == next {
		return nil
	}
	prev := b.state
	b.state = next
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = b.cfg.Now()
	switch {
	case next == models.CircuitOpen:
		close(b.opened)
	case prev == models.CircuitOpen:
		b.opened = make(chan struct{})
	}
	return []transition{{from: prev, to: next}}
}

func (b *Breaker) notify(changes []transition) {
	if b.cfg.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		b.cfg.OnStateChange(c.from, c.to)
	}
}
