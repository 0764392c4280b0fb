package types

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrQueueStopped indicates the task queue no longer accepts tasks
	ErrQueueStopped = errors.New("task queue is stopped")

	// ErrPoolNotRunning indicates the worker pool is not running
	ErrPoolNotRunning = errors.New("worker pool is not running")

	// ErrPoolAlreadyRunning indicates the worker pool is already running
	ErrPoolAlreadyRunning = errors.New("worker pool is already running")

	// ErrWrongWorker indicates a worker tried to complete a task assigned to another worker
	ErrWrongWorker = errors.New("task is assigned to a different worker")

	// ErrTimeout indicates operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrProfileNotFound indicates no profile exists for the worker
	ErrProfileNotFound = errors.New("profile not found")

	// ErrBreakerOpen indicates the circuit breaker is rejecting attempts
	ErrBreakerOpen = errors.New("circuit breaker is open")
)

// ValidationError reports a task payload that is missing or carries an
// invalid required field.
type ValidationError struct {
	// Field is the name of the offending payload field
	Field string

	// Reason describes why the field was rejected
	Reason string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task payload: field %q %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error for a payload field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// CapacityError reports a bounded resource that is full.
type CapacityError struct {
	// Resource is the name of the bounded resource (queue, profiles)
	Resource string

	// Current is the current usage
	Current int

	// Max is the configured capacity
	Max int
}

// Error implements the error interface
func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s at capacity: %d/%d", e.Resource, e.Current, e.Max)
}

// NewCapacityError creates a capacity error
func NewCapacityError(resource string, current, max int) *CapacityError {
	return &CapacityError{Resource: resource, Current: current, Max: max}
}

// TaskNotFoundError reports an operation against an unknown task ID.
type TaskNotFoundError struct {
	TaskID string
}

// Error implements the error interface
func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// ProfileErrorKind classifies profile failures
type ProfileErrorKind int

const (
	// ProfileCreateFailed indicates profile creation failed
	ProfileCreateFailed ProfileErrorKind = iota
	// ProfileCleanupFailed indicates profile removal failed
	ProfileCleanupFailed
	// ProfileConflict indicates duplicate profile ownership
	ProfileConflict
	// ProfileTemplateLocked indicates the base template is locked by another process
	ProfileTemplateLocked
	// ProfileDiskFull indicates insufficient disk space
	ProfileDiskFull
	// ProfilePermissionDenied indicates a filesystem permission failure
	ProfilePermissionDenied
	// ProfileCorrupted indicates the profile failed structural validation
	ProfileCorrupted
)

// String returns the string representation of ProfileErrorKind
func (k ProfileErrorKind) String() string {
	switch k {
	case ProfileCreateFailed:
		return "create_failed"
	case ProfileCleanupFailed:
		return "cleanup_failed"
	case ProfileConflict:
		return "conflict"
	case ProfileTemplateLocked:
		return "template_locked"
	case ProfileDiskFull:
		return "disk_full"
	case ProfilePermissionDenied:
		return "permission_denied"
	case ProfileCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// ProfileError represents a profile lifecycle failure
type ProfileError struct {
	// Kind classifies the failure
	Kind ProfileErrorKind

	// WorkerID is the owner of the profile involved
	WorkerID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProfileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("profile %s for worker %s: %v", e.Kind, e.WorkerID, e.Cause)
	}
	return fmt.Sprintf("profile %s for worker %s", e.Kind, e.WorkerID)
}

// Unwrap returns the underlying error
func (e *ProfileError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is a specific error
func (e *ProfileError) Is(target error) bool {
	if other, ok := target.(*ProfileError); ok {
		return e.Kind == other.Kind
	}
	return errors.Is(e.Cause, target)
}

// NewProfileError creates a profile error
func NewProfileError(kind ProfileErrorKind, workerID string, cause error) *ProfileError {
	return &ProfileError{Kind: kind, WorkerID: workerID, Cause: cause}
}

// WorkerError represents a worker lifecycle failure
type WorkerError struct {
	// WorkerID identifies the worker
	WorkerID string

	// Op is the operation that failed (start, stop, restart)
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s %s: %v", e.WorkerID, e.Op, e.Cause)
}

// Unwrap returns the underlying error
func (e *WorkerError) Unwrap() error {
	return e.Cause
}

// NewWorkerError creates a worker error
func NewWorkerError(workerID, op string, cause error) *WorkerError {
	return &WorkerError{WorkerID: workerID, Op: op, Cause: cause}
}

// ResourceExhaustedError reports a named resource exceeding its configured
// threshold.
type ResourceExhaustedError struct {
	// Resource names the exhausted resource
	Resource string

	// Usage is the observed usage
	Usage int64

	// Threshold is the configured limit
	Threshold int64
}

// Error implements the error interface
func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource %s exhausted: usage %d exceeds threshold %d", e.Resource, e.Usage, e.Threshold)
}
