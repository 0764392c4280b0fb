package pool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jzx17/taskpool/pkg/types"
)

// FinalizedTask pairs a completed task with its result for batch
// finalization
type FinalizedTask struct {
	Task   *types.Task
	Result *types.TaskResult
}

// FinalizeFunc performs the costly post-processing step for a batch of
// successful results
type FinalizeFunc func(ctx context.Context, batch []FinalizedTask) error

// finalizer buffers successful results and flushes them periodically,
// trading immediacy for reduced contention on the finalize step
type finalizer struct {
	fn     FinalizeFunc
	logger *slog.Logger

	mu     sync.Mutex
	buffer []FinalizedTask
}

func newFinalizer(fn FinalizeFunc, logger *slog.Logger) *finalizer {
	return &finalizer{fn: fn, logger: logger}
}

// add buffers one result for the next flush
func (f *finalizer) add(task *types.Task, result *types.TaskResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer = append(f.buffer, FinalizedTask{Task: task, Result: result})
}

// pending returns the buffered count
func (f *finalizer) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffer)
}

// flush hands the whole buffer to the finalize function. Errors and
// panics are logged; the batch is not retried.
func (f *finalizer) flush(ctx context.Context) {
	f.mu.Lock()
	batch := f.buffer
	f.buffer = nil
	f.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("batch finalization panicked", "panic", r, "batch_size", len(batch))
		}
	}()

	if err := f.fn(ctx, batch); err != nil {
		f.logger.Error("batch finalization failed", "error", err, "batch_size", len(batch))
	}
}
