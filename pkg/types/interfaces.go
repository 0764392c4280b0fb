package types

import (
	"context"
)

// Executor is the external task execution function. It receives the opaque
// task payload and must return a structured result. Implementations should
// return rather than panic; the worker converts panics into failed results
// as a last resort.
type Executor func(ctx context.Context, payload Payload) (*TaskResult, error)

// ResultSink receives terminal task outcomes. Failures are logged by the
// pool and never affect task bookkeeping.
type ResultSink interface {
	// UpdateRecord persists fields for the given task key, reporting success
	UpdateRecord(key string, fields map[string]interface{}) bool

	// IsInitialized reports whether the sink is ready to accept updates
	IsInitialized() bool
}

// MetricsSink receives best-effort, fire-and-forget telemetry events. It
// must not block the calling worker materially.
type MetricsSink interface {
	SendMetric(event map[string]interface{})
}

// ResultCallback observes one task outcome. Callbacks run outside the
// pool's locks; a panicking callback is recovered and logged.
type ResultCallback func(task *Task, result *TaskResult)
