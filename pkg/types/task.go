// Package types defines the task model shared by the queue and the pool
package types

import (
	"time"
)

// TaskStatus defines the lifecycle state of a task
type TaskStatus int32

const (
	// TaskPending means the task is waiting in the queue
	TaskPending TaskStatus = iota
	// TaskAssigned means the task has been handed to a worker
	TaskAssigned
	// TaskProcessing means the task is being executed
	TaskProcessing
	// TaskCompleted means the task finished successfully
	TaskCompleted
	// TaskFailed means the task exhausted its retries (terminal)
	TaskFailed
	// TaskRetryPending means the task is waiting out a retry delay
	TaskRetryPending
)

// String returns the string representation of TaskStatus
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskAssigned:
		return "assigned"
	case TaskProcessing:
		return "processing"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskRetryPending:
		return "retry_pending"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a final state
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Payload is the opaque task payload handed to the executor
type Payload map[string]interface{}

// Task is a unit of work tracked by the queue.
//
// Key is the business identifier used for dedup: no two tasks sharing a
// key may be assigned or processing at the same time. ID is unique per
// task instance.
type Task struct {
	// ID is the unique task instance identifier
	ID string

	// Key is the business identifier used for per-key exclusion
	Key string

	// Payload is the opaque work description
	Payload Payload

	// Priority orders dequeue; lower values are more urgent
	Priority int

	// Attempts counts execution attempts so far
	Attempts int

	// Status is the current lifecycle state
	Status TaskStatus

	// WorkerID is the currently or last assigned worker
	WorkerID string

	// CreatedAt is when the task was accepted
	CreatedAt time.Time

	// StartedAt is when the current attempt began
	StartedAt time.Time

	// CompletedAt is when the task reached a terminal state
	CompletedAt time.Time

	// Result is the outcome of the last attempt, if any
	Result *TaskResult

	// LastError is the message of the last failure, if any
	LastError string
}

// StatusCode classifies the outcome of a task execution
type StatusCode int

const (
	// StatusCompleted means the work finished fully
	StatusCompleted StatusCode = iota
	// StatusPartial means the work finished with some items missing
	StatusPartial
	// StatusNoAttachments means the work found nothing to collect
	StatusNoAttachments
	// StatusFailed means the work failed for an unclassified reason
	StatusFailed
	// StatusNotFound means the work target does not exist
	StatusNotFound
	// StatusRateLimit means the collaborator throttled the worker
	StatusRateLimit
	// StatusAccessDenied means the collaborator rejected the worker session
	StatusAccessDenied
	// StatusTimeout means the work timed out
	StatusTimeout
)

// String returns the string representation of StatusCode
func (c StatusCode) String() string {
	switch c {
	case StatusCompleted:
		return "completed"
	case StatusPartial:
		return "partial"
	case StatusNoAttachments:
		return "no_attachments"
	case StatusFailed:
		return "failed"
	case StatusNotFound:
		return "not_found"
	case StatusRateLimit:
		return "rate_limit"
	case StatusAccessDenied:
		return "access_denied"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TaskResult is the structured outcome of one task execution
type TaskResult struct {
	// Success reports whether the attempt succeeded
	Success bool

	// Code classifies the outcome
	Code StatusCode

	// Duration is how long the attempt took
	Duration time.Duration

	// ItemsProcessed counts units of work completed inside the task
	ItemsProcessed int

	// ItemsFailed counts units of work that failed inside the task
	ItemsFailed int

	// Message is a human-readable summary
	Message string

	// Data is an arbitrary result payload
	Data map[string]interface{}
}

// FailedResult builds a failed TaskResult from an error
func FailedResult(code StatusCode, err error, duration time.Duration) *TaskResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskResult{
		Success:  false,
		Code:     code,
		Duration: duration,
		Message:  msg,
	}
}
