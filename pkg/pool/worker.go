package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jzx17/taskpool/pkg/profile"
	"github.com/jzx17/taskpool/pkg/queue"
	"github.com/jzx17/taskpool/pkg/types"
)

// WorkerStatus defines the lifecycle state of a worker
type WorkerStatus int32

const (
	// WorkerInitializing means the worker has been created but not started
	WorkerInitializing WorkerStatus = iota
	// WorkerStarting means the worker is acquiring its profile and session
	WorkerStarting
	// WorkerReady means the worker is idle and polling for tasks
	WorkerReady
	// WorkerProcessing means the worker is executing a task
	WorkerProcessing
	// WorkerFailed means the worker failed to start or operate
	WorkerFailed
	// WorkerCrashed means the worker loop died unexpectedly
	WorkerCrashed
	// WorkerTerminating means the worker is shutting down
	WorkerTerminating
)

// String returns the string representation of WorkerStatus
func (s WorkerStatus) String() string {
	switch s {
	case WorkerInitializing:
		return "initializing"
	case WorkerStarting:
		return "starting"
	case WorkerReady:
		return "ready"
	case WorkerProcessing:
		return "processing"
	case WorkerFailed:
		return "failed"
	case WorkerCrashed:
		return "crashed"
	case WorkerTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// workerConfig wires one worker to its collaborators
type workerConfig struct {
	id         string
	generation int

	queue    *queue.TaskQueue
	profiles *profile.Manager
	executor types.Executor

	// sessionSetup runs collaborator-specific setup after the profile is
	// ready (optional)
	sessionSetup func(ctx context.Context, profilePath string) error

	// livenessProbe is an extra collaborator health check (optional)
	livenessProbe func() bool

	// killHook force-terminates the execution context (optional)
	killHook func()

	// onResult receives every task outcome
	onResult func(w *Worker, task *types.Task, result *types.TaskResult)

	pollInterval     time.Duration
	heartbeatTimeout time.Duration

	metrics types.MetricsSink
	clock   types.Clock
	logger  *slog.Logger
}

// Worker is one persistent execution worker bound to a private profile.
// It pulls tasks from the shared queue in a loop and reports outcomes;
// errors and panics during execution never escape the loop.
type Worker struct {
	config *workerConfig
	id     string

	status        int32 // atomic WorkerStatus
	heartbeat     int64 // atomic unix nanoseconds
	processed     int64
	failed        int64
	profilePath   string
	currentTaskMu sync.Mutex
	currentTaskID string

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	done   chan struct{}

	stopOnce  sync.Once
	forceOnce sync.Once

	clock  types.Clock
	logger *slog.Logger
}

// newWorker creates a worker in the initializing state
func newWorker(config *workerConfig) *Worker {
	return &Worker{
		config: config,
		id:     config.id,
		status: int32(WorkerInitializing),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		clock:  config.clock,
		logger: config.logger.With("worker_id", config.id, "generation", config.generation),
	}
}

// ID returns the worker ID
func (w *Worker) ID() string {
	return w.id
}

// Status returns the current worker status
func (w *Worker) Status() WorkerStatus {
	return WorkerStatus(atomic.LoadInt32(&w.status))
}

func (w *Worker) setStatus(s WorkerStatus) {
	atomic.StoreInt32(&w.status, int32(s))
}

// ProfilePath returns the worker's profile directory
func (w *Worker) ProfilePath() string {
	return w.profilePath
}

// Start acquires a fresh profile, runs session setup and launches the
// pull-process loop. Failures leave the worker in the failed state.
func (w *Worker) Start(ctx context.Context) error {
	w.setStatus(WorkerStarting)

	path, err := w.config.profiles.Create(w.id, true)
	if err != nil {
		w.setStatus(WorkerFailed)
		return types.NewWorkerError(w.id, "start", err)
	}
	w.profilePath = path

	if w.config.sessionSetup != nil {
		if err := w.config.sessionSetup(ctx, path); err != nil {
			w.setStatus(WorkerFailed)
			return types.NewWorkerError(w.id, "session setup", err)
		}
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.touchHeartbeat()
	w.setStatus(WorkerReady)

	go w.run()

	w.logger.Info("worker started", "profile", path)
	w.emit(map[string]interface{}{"event": "worker_started", "worker_id": w.id})
	return nil
}

// run is the pull-process loop
func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			var buf [4096]byte
			n := runtime.Stack(buf[:], false)
			w.setStatus(WorkerCrashed)
			w.logger.Error("worker loop crashed",
				"panic", fmt.Sprintf("%v", r),
				"stack", string(buf[:n]))
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			w.setStatus(WorkerTerminating)
			return
		case <-w.quit:
			w.setStatus(WorkerTerminating)
			return
		default:
		}

		w.touchHeartbeat()

		task := w.config.queue.GetNextTask(w.id)
		if task == nil {
			w.clock.Sleep(w.config.pollInterval)
			continue
		}

		w.setStatus(WorkerProcessing)
		w.setCurrentTask(task.ID)

		result := w.execute(task)

		w.setCurrentTask("")
		if w.Status() == WorkerProcessing {
			w.setStatus(WorkerReady)
		}

		if result.Success {
			atomic.AddInt64(&w.processed, 1)
		} else {
			atomic.AddInt64(&w.failed, 1)
		}

		w.config.onResult(w, task, result)
	}
}

// execute runs the external task function, converting panics and errors
// into failed results
func (w *Worker) execute(task *types.Task) (result *types.TaskResult) {
	start := w.clock.Now()

	w.emit(map[string]interface{}{
		"event":     "task_started",
		"worker_id": w.id,
		"task_id":   task.ID,
		"task_key":  task.Key,
	})

	defer func() {
		if r := recover(); r != nil {
			result = types.FailedResult(types.StatusFailed,
				fmt.Errorf("task panicked: %v", r), w.clock.Since(start))
			w.logger.Error("task execution panicked",
				"task_id", task.ID,
				"panic", fmt.Sprintf("%v", r))
		}
	}()

	res, err := w.config.executor(w.ctx, task.Payload)
	duration := w.clock.Since(start)

	if err != nil {
		return types.FailedResult(types.StatusFailed, err, duration)
	}
	if res == nil {
		return types.FailedResult(types.StatusFailed,
			fmt.Errorf("executor returned no result"), duration)
	}
	if res.Duration == 0 {
		res.Duration = duration
	}
	return res
}

// touchHeartbeat records liveness
func (w *Worker) touchHeartbeat() {
	atomic.StoreInt64(&w.heartbeat, w.clock.Now().UnixNano())
}

// LastHeartbeat returns the time of the last heartbeat
func (w *Worker) LastHeartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.heartbeat))
}

func (w *Worker) setCurrentTask(id string) {
	w.currentTaskMu.Lock()
	w.currentTaskID = id
	w.currentTaskMu.Unlock()
}

// CurrentTask returns the in-flight task ID, if any
func (w *Worker) CurrentTask() string {
	w.currentTaskMu.Lock()
	defer w.currentTaskMu.Unlock()
	return w.currentTaskID
}

// Healthy reports whether the worker is alive and serviceable
func (w *Worker) Healthy() bool {
	switch w.Status() {
	case WorkerFailed, WorkerCrashed, WorkerTerminating:
		return false
	}
	if w.clock.Since(w.LastHeartbeat()) > w.config.heartbeatTimeout {
		return false
	}
	if !w.config.profiles.Validate(w.id) {
		return false
	}
	if w.config.livenessProbe != nil && !w.config.livenessProbe() {
		return false
	}
	return true
}

// Done exposes loop termination for the health monitor
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop requests cooperative exit and waits briefly for the loop to
// finish its current task
func (w *Worker) Stop(timeout time.Duration) error {
	w.stopOnce.Do(func() {
		close(w.quit)
	})

	select {
	case <-w.done:
		return nil
	case <-w.clock.After(timeout):
		return types.NewWorkerError(w.id, "stop", types.ErrTimeout)
	}
}

// ForceStop guarantees termination within a few seconds even if the
// execution context is unresponsive. The kill hook runs on a separate
// goroutine so an unresponsive context cannot block the caller.
func (w *Worker) ForceStop() {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
	if w.cancel != nil {
		w.cancel()
	}

	w.forceOnce.Do(func() {
		if w.config.killHook != nil {
			go func() {
				defer func() { recover() }()
				w.config.killHook()
			}()
		}
	})

	select {
	case <-w.done:
	case <-w.clock.After(3 * time.Second):
		w.logger.Warn("worker did not terminate in force-stop window")
	}
}

// WorkerStats is a snapshot of worker state
type WorkerStats struct {
	ID            string
	Generation    int
	Status        WorkerStatus
	Processed     int64
	Failed        int64
	LastHeartbeat time.Time
	CurrentTaskID string
	ProfilePath   string
}

// Stats returns a snapshot of worker state
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		ID:            w.id,
		Generation:    w.config.generation,
		Status:        w.Status(),
		Processed:     atomic.LoadInt64(&w.processed),
		Failed:        atomic.LoadInt64(&w.failed),
		LastHeartbeat: w.LastHeartbeat(),
		CurrentTaskID: w.CurrentTask(),
		ProfilePath:   w.profilePath,
	}
}

// emit sends a metric event, never letting the sink disturb the worker
func (w *Worker) emit(event map[string]interface{}) {
	if w.config.metrics == nil {
		return
	}
	defer func() { recover() }()
	w.config.metrics.SendMetric(event)
}
