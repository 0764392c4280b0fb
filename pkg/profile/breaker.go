// Package profile manages per-worker isolated execution contexts on the
// filesystem.
package profile

import (
	"sync"
	"time"

	"github.com/jzx17/taskpool/pkg/types"
)

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the breaker
	FailureThreshold int

	// RecoveryWindow is how long the breaker stays open before allowing a
	// probe attempt
	RecoveryWindow time.Duration

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock
}

// DefaultBreakerConfig returns default breaker configuration
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 3,
		RecoveryWindow:   60 * time.Second,
		Clock:            types.NewRealClock(),
	}
}

// CircuitBreaker gates profile template copies after repeated failures.
//
// After FailureThreshold consecutive failures the breaker opens for
// RecoveryWindow; Allow returns false and callers degrade to an empty
// profile instead of blocking. Once the window elapses the breaker is
// half-open: the next attempt is allowed through, and a success resets
// the failure count.
type CircuitBreaker struct {
	config *BreakerConfig
	clock  types.Clock

	mu       sync.Mutex
	failures int
	openedAt time.Time
	opened   bool
}

// NewCircuitBreaker creates a circuit breaker
func NewCircuitBreaker(config *BreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.RecoveryWindow <= 0 {
		config.RecoveryWindow = 60 * time.Second
	}
	if config.Clock == nil {
		config.Clock = types.NewRealClock()
	}

	return &CircuitBreaker{
		config: config,
		clock:  config.Clock,
	}
}

// Allow reports whether an attempt may proceed
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.opened {
		return true
	}
	// half-open once the recovery window has elapsed
	return b.clock.Since(b.openedAt) >= b.config.RecoveryWindow
}

// RecordFailure counts a failure, opening the breaker at the threshold.
// A failure during half-open re-opens it for a fresh window.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.opened = true
		b.openedAt = b.clock.Now()
	}
}

// RecordSuccess resets the breaker
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.opened = false
}

// IsOpen reports whether the breaker is currently rejecting attempts
func (b *CircuitBreaker) IsOpen() bool {
	return !b.Allow()
}

// Failures returns the current consecutive failure count
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
