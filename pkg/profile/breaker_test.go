package profile

import (
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"

	"github.com/jzx17/taskpool/internal/testutils"
)

func newTestBreaker(t *testing.T, threshold int, window time.Duration) (*CircuitBreaker, *quartz.Mock) {
	t.Helper()

	mock := quartz.NewMock(t)
	b := NewCircuitBreaker(&BreakerConfig{
		FailureThreshold: threshold,
		RecoveryWindow:   window,
		Clock:            testutils.NewClockWrapper(mock),
	})
	return b, mock
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, 3, 60*time.Second)

	assert.True(t, b.Allow())

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "below threshold must still allow")

	b.RecordFailure()
	assert.False(t, b.Allow(), "threshold reached must open")
	assert.True(t, b.IsOpen())
	assert.Equal(t, 3, b.Failures())
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(t, 3, 60*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())

	// non-consecutive failures never open
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
}

func TestCircuitBreaker_HalfOpenAfterWindow(t *testing.T) {
	b, mock := newTestBreaker(t, 2, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.Allow())

	mock.Advance(29 * time.Second)
	assert.False(t, b.Allow(), "window not yet elapsed")

	mock.Advance(time.Second)
	assert.True(t, b.Allow(), "window elapsed allows a probe attempt")

	// success closes the breaker for good
	b.RecordSuccess()
	assert.True(t, b.Allow())
	assert.Equal(t, 0, b.Failures())
}

func TestCircuitBreaker_FailureDuringHalfOpenReopens(t *testing.T) {
	b, mock := newTestBreaker(t, 2, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	mock.Advance(30 * time.Second)
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.False(t, b.Allow(), "half-open failure re-opens for a fresh window")

	mock.Advance(30 * time.Second)
	assert.True(t, b.Allow())
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	b := NewCircuitBreaker(nil)
	assert.True(t, b.Allow())

	b = NewCircuitBreaker(&BreakerConfig{FailureThreshold: -1, RecoveryWindow: -1})
	assert.True(t, b.Allow())
}
