package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/taskpool/pkg/types"
)

func TestRequeuePolicy(t *testing.T) {
	policy := requeuePolicy()

	t.Run("rate limit backs off linearly", func(t *testing.T) {
		rule, ok := policy[types.StatusRateLimit]
		require.True(t, ok)
		assert.Equal(t, 3, rule.maxAttempts)
		assert.False(t, rule.globalRestart)
		assert.Equal(t, 5*time.Second, rule.backoff.NextDelay(1))
		assert.Equal(t, 10*time.Second, rule.backoff.NextDelay(2))
		assert.Equal(t, 15*time.Second, rule.backoff.NextDelay(3))
	})

	t.Run("access denied retries once after fixed delay", func(t *testing.T) {
		rule, ok := policy[types.StatusAccessDenied]
		require.True(t, ok)
		assert.Equal(t, 1, rule.maxAttempts)
		assert.False(t, rule.globalRestart)
		assert.Equal(t, 5*time.Second, rule.backoff.NextDelay(1))
		assert.Equal(t, 5*time.Second, rule.backoff.NextDelay(2))
	})

	t.Run("timeout triggers global restart", func(t *testing.T) {
		rule, ok := policy[types.StatusTimeout]
		require.True(t, ok)
		assert.Equal(t, 2, rule.maxAttempts)
		assert.True(t, rule.globalRestart)
		assert.Equal(t, 3*time.Second, rule.backoff.NextDelay(1))
		assert.Equal(t, 6*time.Second, rule.backoff.NextDelay(2))
	})

	t.Run("generic failures are not in the table", func(t *testing.T) {
		_, ok := policy[types.StatusFailed]
		assert.False(t, ok)
		_, ok = policy[types.StatusNotFound]
		assert.False(t, ok)
	})
}

func TestElevate(t *testing.T) {
	assert.Equal(t, 4, elevate(5))
	assert.Equal(t, 0, elevate(1))
	assert.Equal(t, 0, elevate(0))
	assert.Equal(t, 0, elevate(-3))
}
