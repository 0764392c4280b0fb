package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedBackoff(t *testing.T) {
	b := NewFixedBackoff(5 * time.Second)

	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, 5*time.Second, b.NextDelay(attempt))
	}
}

func TestLinearBackoff(t *testing.T) {
	tests := []struct {
		name     string
		initial  time.Duration
		incr     time.Duration
		attempt  int
		expected time.Duration
	}{
		{"first attempt", 5 * time.Second, 5 * time.Second, 1, 5 * time.Second},
		{"second attempt", 5 * time.Second, 5 * time.Second, 2, 10 * time.Second},
		{"third attempt", 3 * time.Second, 3 * time.Second, 3, 9 * time.Second},
		{"zero attempt treated as first", 2 * time.Second, time.Second, 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewLinearBackoff(tt.initial, tt.incr)
			assert.Equal(t, tt.expected, b.NextDelay(tt.attempt))
		})
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(2 * time.Second)

	assert.Equal(t, 2*time.Second, b.NextDelay(1))
	assert.Equal(t, 4*time.Second, b.NextDelay(2))
	assert.Equal(t, 8*time.Second, b.NextDelay(3))
	assert.Equal(t, 16*time.Second, b.NextDelay(4))
}

func TestExponentialBackoff_MaxDelayCap(t *testing.T) {
	b := NewExponentialBackoff(10*time.Second, WithMaxDelay(25*time.Second))

	assert.Equal(t, 10*time.Second, b.NextDelay(1))
	assert.Equal(t, 20*time.Second, b.NextDelay(2))
	assert.Equal(t, 25*time.Second, b.NextDelay(3))
	assert.Equal(t, 25*time.Second, b.NextDelay(10))
}

func TestBackoff_Jitter(t *testing.T) {
	b := NewFixedBackoff(10*time.Second, WithJitter(FullJitter))

	for i := 0; i < 100; i++ {
		delay := b.NextDelay(1)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, 10*time.Second)
	}
}

func TestEqualJitter_Range(t *testing.T) {
	for i := 0; i < 100; i++ {
		delay := EqualJitter(10 * time.Second)
		assert.GreaterOrEqual(t, delay, 5*time.Second)
		assert.Less(t, delay, 10*time.Second)
	}
}

func TestJitter_ZeroDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), EqualJitter(0))
}
