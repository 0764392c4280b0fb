package pool

import (
	"time"

	"github.com/jzx17/taskpool/pkg/retry"
	"github.com/jzx17/taskpool/pkg/types"
)

// requeueRule caps automatic re-submissions for one failure
// classification and determines their backoff
type requeueRule struct {
	// maxAttempts bounds automatic re-submissions per task key
	maxAttempts int

	// backoff yields the delay before the nth re-submission
	backoff retry.BackoffStrategy

	// globalRestart additionally restarts every worker (subject to the
	// pool-wide cooldown)
	globalRestart bool
}

// requeuePolicy is the single consolidated table consulted by the
// completion handler. Classifications absent from the table follow the
// queue's generic retry path instead.
func requeuePolicy() map[types.StatusCode]requeueRule {
	return map[types.StatusCode]requeueRule{
		types.StatusRateLimit: {
			maxAttempts: 3,
			backoff:     retry.NewLinearBackoff(5*time.Second, 5*time.Second),
		},
		types.StatusAccessDenied: {
			maxAttempts: 1,
			backoff:     retry.NewFixedBackoff(5 * time.Second),
		},
		types.StatusTimeout: {
			maxAttempts:   2,
			backoff:       retry.NewLinearBackoff(3*time.Second, 3*time.Second),
			globalRestart: true,
		},
	}
}

// elevate returns a priority one level more urgent, floored at zero
func elevate(priority int) int {
	if priority <= 0 {
		return 0
	}
	return priority - 1
}
