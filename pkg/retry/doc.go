// Package retry provides the backoff strategies consulted by the task
// queue and the pool's failure-classification policy.
//
// Strategies are stateless given an attempt number, so a single instance
// can be shared by concurrent callers:
//
//	backoff := retry.NewExponentialBackoff(2*time.Second)
//	delay := backoff.NextDelay(task.Attempts)
//
// Jitter is opt-in and off by default; the orchestrator's policy table
// relies on exact delays for its differentiated requeue behavior.
package retry
