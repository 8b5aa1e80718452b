package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errCycle = errors.New("storage unavailable")

func newTestBreaker(clock *fakeClock, transitions *[]models.CircuitState) *Breaker {
	return New(Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Minute,
		Now:              clock.Now,
		OnStateChange: func(_, to models.CircuitState) {
			if transitions != nil {
				*transitions = append(*transitions, to)
			}
		},
	})
}

func TestOpensAfterExactlyFailureThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)

	b.RecordFailure(errCycle)
	b.RecordFailure(errCycle)
	assert.Equal(t, models.CircuitClosed, b.State())
	assert.True(t, b.AllowCycle())

	b.RecordFailure(errCycle)
	assert.Equal(t, models.CircuitOpen, b.State())
	assert.False(t, b.AllowCycle())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)

	b.RecordFailure(errCycle)
	b.RecordFailure(errCycle)
	b.RecordSuccess()
	b.RecordFailure(errCycle)
	b.RecordFailure(errCycle)
	assert.Equal(t, models.CircuitClosed, b.State())
}

func TestHalfOpenTransitions(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var transitions []models.CircuitState
	b := newTestBreaker(clock, &transitions)

	for i := 0; i < 3; i++ {
		b.RecordFailure(errCycle)
	}
	clock.Advance(59 * time.Second)
	require.False(t, b.AllowCycle())

	clock.Advance(time.Second)
	require.True(t, b.AllowCycle())
	require.Equal(t, models.CircuitHalfOpen, b.State())

	b.RecordFailure(errCycle)
	require.Equal(t, models.CircuitOpen, b.State())

	clock.Advance(time.Minute)
	require.True(t, b.AllowCycle())
	b.RecordSuccess()
	assert.Equal(t, models.CircuitHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, models.CircuitClosed, b.State())

	assert.Equal(t, []models.CircuitState{
		models.CircuitOpen,
		models.CircuitHalfOpen,
		models.CircuitOpen,
		models.CircuitHalfOpen,
		models.CircuitClosed,
	}, transitions)
}

func TestCountersResetOnTransition(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)
	for i := 0; i < 3; i++ {
		b.RecordFailure(errCycle)
	}
	stats := b.Stats()
	assert.Equal(t, 0, stats.FailureCount)
	assert.Equal(t, clock.now.Add(time.Minute), stats.ReopensAt)
	assert.Equal(t, errCycle.Error(), stats.LastError)
}

func TestOpenedChannelSignalsOpen(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)

	ch := b.Opened()
	select {
	case <-ch:
		t.Fatal("channel closed while breaker closed")
	default:
	}

	b.ForceOpen(errors.New("rollback failed"))
	select {
	case <-ch:
	default:
		t.Fatal("expected opened channel to be closed")
	}

	clock.Advance(time.Minute)
	require.True(t, b.AllowCycle())
	select {
	case <-b.Opened():
		t.Fatal("half-open breaker must hand out a fresh channel")
	default:
	}
}

func TestForceOpenRestartsRecoveryTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock, nil)
	b.ForceOpen(errCycle)
	clock.Advance(50 * time.Second)
	b.ForceOpen(errCycle)
	clock.Advance(50 * time.Second)
	assert.False(t, b.AllowCycle())
	clock.Advance(10 * time.Second)
	assert.True(t, b.AllowCycle())
}
