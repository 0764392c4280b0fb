package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jzx17/taskpool/pkg/profile"
	"github.com/jzx17/taskpool/pkg/queue"
	"github.com/jzx17/taskpool/pkg/shutdown"
	"github.com/jzx17/taskpool/pkg/types"
)

// Pool is a persistent worker pool. A fixed set of named worker slots
// pull tasks from a shared queue; each worker owns an isolated profile
// directory for the lifetime of its generation. Failed or dead workers
// are replaced in place under the same slot name with a bumped
// generation, so the pool survives individual worker loss.
type Pool struct {
	config   *Config
	queue    *queue.TaskQueue
	profiles *profile.Manager
	executor types.Executor

	resultSink types.ResultSink
	metrics    types.MetricsSink
	finalizer  *finalizer

	sessionSetup  func(ctx context.Context, profilePath string) error
	livenessProbe func() bool
	killHook      func()

	policy map[types.StatusCode]requeueRule

	mu          sync.Mutex
	workers     map[string]*Worker
	generations map[string]int
	restarting  map[string]bool
	callbacks   []types.ResultCallback
	running     bool
	startedAt   time.Time
	lastGlobal  time.Time

	// policyAttempts counts automatic re-submissions per classification
	// and task key
	policyAttempts map[types.StatusCode]map[string]int

	loopCtx    context.Context
	loopCancel context.CancelFunc
	bg         sync.WaitGroup

	clock  types.Clock
	logger *slog.Logger
}

// Option configures a Pool
type Option func(*Pool)

// WithResultSink attaches an external record store updated with every
// terminal task outcome
func WithResultSink(sink types.ResultSink) Option {
	return func(p *Pool) { p.resultSink = sink }
}

// WithMetricsSink attaches an event sink for operational metrics
func WithMetricsSink(sink types.MetricsSink) Option {
	return func(p *Pool) { p.metrics = sink }
}

// WithBatchFinalizer defers a costly post-processing step for successful
// results into periodic batches, flushed every Config.FinalizeInterval
// and at shutdown
func WithBatchFinalizer(fn FinalizeFunc) Option {
	return func(p *Pool) { p.finalizer = newFinalizer(fn, p.logger) }
}

// WithSessionSetup runs collaborator-specific setup on every worker
// start, after its profile is ready
func WithSessionSetup(fn func(ctx context.Context, profilePath string) error) Option {
	return func(p *Pool) { p.sessionSetup = fn }
}

// WithLivenessProbe adds an extra health check consulted by the health
// monitor
func WithLivenessProbe(fn func() bool) Option {
	return func(p *Pool) { p.livenessProbe = fn }
}

// WithKillHook installs a force-termination hook used when cooperative
// worker shutdown fails
func WithKillHook(fn func()) Option {
	return func(p *Pool) { p.killHook = fn }
}

// New creates a pool from its collaborators. The queue and profile
// manager are owned by the caller until Start; after Start the pool
// drives them.
func New(config *Config, q *queue.TaskQueue, profiles *profile.Manager, executor types.Executor, opts ...Option) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if q == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if profiles == nil {
		return nil, fmt.Errorf("profile manager is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	p := &Pool{
		config:         config,
		queue:          q,
		profiles:       profiles,
		executor:       executor,
		policy:         requeuePolicy(),
		workers:        make(map[string]*Worker),
		generations:    make(map[string]int),
		restarting:     make(map[string]bool),
		policyAttempts: make(map[types.StatusCode]map[string]int),
		clock:          config.Clock,
		logger:         config.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches all workers with staggered starts and waits for every
// one to reach ready. On failure the already-started workers are torn
// down and their profiles removed.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return types.ErrPoolAlreadyRunning
	}
	p.running = true
	p.startedAt = p.clock.Now()
	p.loopCtx, p.loopCancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.logger.Info("starting worker pool", "worker_count", p.config.WorkerCount)

	for i := 1; i <= p.config.WorkerCount; i++ {
		slot := fmt.Sprintf("worker-%d", i)
		if i > 1 && p.config.StaggerDelay > 0 {
			p.clock.Sleep(p.config.StaggerDelay)
		}
		if err := p.startWorker(ctx, slot); err != nil {
			p.logger.Error("worker failed to start", "worker_id", slot, "error", err)
			p.teardownAfterFailedStart()
			return fmt.Errorf("starting %s: %w", slot, err)
		}
	}

	if err := p.waitAllReady(ctx); err != nil {
		p.teardownAfterFailedStart()
		return err
	}

	p.bg.Add(2)
	go p.healthMonitor()
	go p.queueCoordinator()
	if p.finalizer != nil && p.config.FinalizeInterval > 0 {
		p.bg.Add(1)
		go p.finalizeLoop()
	}

	p.logger.Info("worker pool started")
	p.emit(map[string]interface{}{"event": "pool_started", "worker_count": p.config.WorkerCount})
	return nil
}

// startWorker creates and starts a new worker generation in the slot.
// Caller must not hold the pool lock.
func (p *Pool) startWorker(ctx context.Context, slot string) error {
	p.mu.Lock()
	p.generations[slot]++
	gen := p.generations[slot]
	p.mu.Unlock()

	w := newWorker(&workerConfig{
		id:               slot,
		generation:       gen,
		queue:            p.queue,
		profiles:         p.profiles,
		executor:         p.executor,
		sessionSetup:     p.sessionSetup,
		livenessProbe:    p.livenessProbe,
		killHook:         p.killHook,
		onResult:         p.handleResult,
		pollInterval:     p.config.PollInterval,
		heartbeatTimeout: p.config.HeartbeatTimeout,
		metrics:          p.metrics,
		clock:            p.clock,
		logger:           p.logger,
	})

	if err := w.Start(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.workers[slot] = w
	p.mu.Unlock()
	return nil
}

// waitAllReady polls until every worker reports ready or the startup
// timeout elapses
func (p *Pool) waitAllReady(ctx context.Context) error {
	deadline := p.clock.Now().Add(p.config.WorkerStartupTimeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		allReady := true
		for _, w := range p.snapshotWorkers() {
			switch w.Status() {
			case WorkerReady, WorkerProcessing:
			case WorkerFailed, WorkerCrashed:
				return types.NewWorkerError(w.ID(), "startup", fmt.Errorf("worker entered %s state", w.Status()))
			default:
				allReady = false
			}
		}
		if allReady {
			return nil
		}

		if p.clock.Now().After(deadline) {
			return fmt.Errorf("workers not ready within %s: %w", p.config.WorkerStartupTimeout, types.ErrTimeout)
		}
		p.clock.Sleep(100 * time.Millisecond)
	}
}

// teardownAfterFailedStart force-stops everything a partial Start left
// behind
func (p *Pool) teardownAfterFailedStart() {
	for _, w := range p.snapshotWorkers() {
		w.ForceStop()
	}
	p.profiles.CleanupAll()

	p.mu.Lock()
	p.workers = make(map[string]*Worker)
	p.running = false
	if p.loopCancel != nil {
		p.loopCancel()
	}
	p.mu.Unlock()
}

func (p *Pool) snapshotWorkers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	return workers
}

// SubmitTask enqueues one task unless its key is already queued or in
// flight. Returns the task ID, or empty when the task was dropped as a
// duplicate.
func (p *Pool) SubmitTask(payload types.Payload, priority int) (string, error) {
	key, hasKey := payload[p.queue.KeyField()].(string)
	if hasKey && p.queue.HasKey(key) {
		p.logger.Debug("duplicate task dropped", "task_key", key)
		return "", nil
	}
	return p.queue.AddTask(payload, priority)
}

// SubmitTasks enqueues a batch, skipping duplicates, and returns the
// number actually added. The first enqueue error aborts the batch.
func (p *Pool) SubmitTasks(payloads []types.Payload, priority int) (int, error) {
	added := 0
	for _, payload := range payloads {
		id, err := p.SubmitTask(payload, priority)
		if err != nil {
			return added, err
		}
		if id != "" {
			added++
		}
	}
	return added, nil
}

// RegisterResultCallback adds a callback invoked after every terminal
// task outcome. Callbacks run outside pool locks; panics are contained.
func (p *Pool) RegisterResultCallback(cb types.ResultCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// handleResult is invoked on the worker's own goroutine for every task
// outcome. Anything slow or blocking here delays that worker's next
// poll, so restarts are dispatched asynchronously.
func (p *Pool) handleResult(w *Worker, task *types.Task, result *types.TaskResult) {
	if result.Success {
		completed, err := p.queue.CompleteTask(task.ID, w.ID(), result)
		if err != nil {
			p.logger.Warn("completing task", "task_id", task.ID, "error", err)
			return
		}
		p.recordOutcome(completed, result)
		if p.finalizer != nil {
			p.finalizer.add(completed, result)
		}
		p.emit(map[string]interface{}{
			"event":     "task_completed",
			"task_id":   completed.ID,
			"task_key":  completed.Key,
			"worker_id": w.ID(),
		})
		p.dispatchCallbacks(completed, result)
		return
	}

	p.emit(map[string]interface{}{
		"event":     "task_failed",
		"task_id":   task.ID,
		"task_key":  task.Key,
		"worker_id": w.ID(),
		"status":    result.Code.String(),
	})

	cause := fmt.Errorf("task failed with status %s: %s", result.Code, result.Message)

	rule, classified := p.policy[result.Code]
	if !classified {
		retried, err := p.queue.RetryTask(task.ID, cause)
		if err != nil {
			p.logger.Warn("retrying task", "task_id", task.ID, "error", err)
			return
		}
		if !retried {
			if failed, ok := p.queue.GetTask(task.ID); ok {
				p.recordOutcome(failed, result)
				p.dispatchCallbacks(failed, result)
			}
		}
		return
	}

	p.applyPolicy(w, task, result, rule, cause)
}

// applyPolicy terminates the original task and, within the rule's
// per-key cap, re-submits the same payload at elevated priority after
// the rule's backoff. The handling worker is always replaced with a
// fresh generation; timeout classifications also restart the whole pool
// under a cooldown.
func (p *Pool) applyPolicy(w *Worker, task *types.Task, result *types.TaskResult, rule requeueRule, cause error) {
	failed, err := p.queue.FailTask(task.ID, cause)
	if err != nil {
		p.logger.Warn("failing task", "task_id", task.ID, "error", err)
		return
	}

	attempt := p.bumpPolicyAttempt(result.Code, task.Key)
	if attempt <= rule.maxAttempts {
		delay := rule.backoff.NextDelay(attempt)
		if _, err := p.queue.AddTaskDelayed(task.Payload, elevate(task.Priority), delay); err != nil {
			p.logger.Error("re-submitting task", "task_key", task.Key, "status", result.Code, "error", err)
		} else {
			p.logger.Info("task re-submitted",
				"task_key", task.Key,
				"status", result.Code.String(),
				"attempt", attempt,
				"delay", delay)
		}
	} else {
		p.logger.Warn("re-submission cap reached",
			"task_key", task.Key,
			"status", result.Code.String(),
			"cap", rule.maxAttempts)
		p.recordOutcome(failed, result)
		p.dispatchCallbacks(failed, result)
	}

	p.emit(map[string]interface{}{
		"event":     "classified_failure",
		"status":    result.Code.String(),
		"task_key":  task.Key,
		"worker_id": w.ID(),
	})

	// every classification recycles the assigned worker; the cooldown
	// only gates the additional pool-wide restart
	p.asyncRestartWorker(w.ID())
	if rule.globalRestart {
		p.asyncGlobalRestart()
	}
}

func (p *Pool) bumpPolicyAttempt(code types.StatusCode, key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.policyAttempts[code] == nil {
		p.policyAttempts[code] = make(map[string]int)
	}
	p.policyAttempts[code][key]++
	return p.policyAttempts[code][key]
}

// recordOutcome pushes a terminal outcome into the result sink
func (p *Pool) recordOutcome(task *types.Task, result *types.TaskResult) {
	if p.resultSink == nil || !p.resultSink.IsInitialized() {
		return
	}

	fields := map[string]interface{}{
		"status":          result.Code.String(),
		"items_processed": result.ItemsProcessed,
		"items_failed":    result.ItemsFailed,
		"duration_ms":     result.Duration.Milliseconds(),
	}
	if result.Message != "" {
		fields["message"] = result.Message
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("result sink panicked", "task_key", task.Key, "panic", r)
		}
	}()
	if !p.resultSink.UpdateRecord(task.Key, fields) {
		p.logger.Warn("result sink rejected update", "task_key", task.Key)
	}
}

// dispatchCallbacks runs registered callbacks outside pool locks
func (p *Pool) dispatchCallbacks(task *types.Task, result *types.TaskResult) {
	p.mu.Lock()
	callbacks := make([]types.ResultCallback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("result callback panicked", "task_id", task.ID, "panic", r)
				}
			}()
			cb(task, result)
		}()
	}
}

// asyncRestartWorker replaces the worker in its slot on a background
// goroutine. At most one restart per slot runs at a time.
func (p *Pool) asyncRestartWorker(slot string) {
	p.mu.Lock()
	if !p.running || p.restarting[slot] {
		p.mu.Unlock()
		return
	}
	p.restarting[slot] = true
	p.mu.Unlock()

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.restarting, slot)
			p.mu.Unlock()
		}()
		p.restartWorker(slot)
	}()
}

// restartWorker stops the current generation in the slot, requeues its
// in-flight task and starts a replacement with a fresh profile
func (p *Pool) restartWorker(slot string) {
	p.mu.Lock()
	old := p.workers[slot]
	ctx := p.loopCtx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if old != nil {
		if taskID := old.CurrentTask(); taskID != "" {
			if err := p.queue.RequeueTask(taskID); err != nil {
				p.logger.Warn("requeueing orphaned task", "task_id", taskID, "error", err)
			}
		}
		old.ForceStop()
	}

	p.logger.Info("replacing worker", "worker_id", slot)
	if err := p.startWorker(ctx, slot); err != nil {
		p.logger.Error("worker replacement failed", "worker_id", slot, "error", err)
		return
	}
	p.emit(map[string]interface{}{"event": "worker_restarted", "worker_id": slot})
}

// asyncGlobalRestart restarts every worker, at most once per cooldown
// window
func (p *Pool) asyncGlobalRestart() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	if !p.lastGlobal.IsZero() && now.Sub(p.lastGlobal) < p.config.TimeoutGlobalRestartCooldown {
		p.mu.Unlock()
		p.logger.Debug("global restart suppressed by cooldown")
		return
	}
	p.lastGlobal = now
	slots := make([]string, 0, len(p.workers))
	for slot := range p.workers {
		slots = append(slots, slot)
	}
	p.mu.Unlock()

	p.logger.Warn("restarting all workers")
	p.emit(map[string]interface{}{"event": "global_restart", "worker_count": len(slots)})
	for _, slot := range slots {
		p.asyncRestartWorker(slot)
	}
}

// healthMonitor periodically replaces dead or unhealthy workers
func (p *Pool) healthMonitor() {
	defer p.bg.Done()

	ticker := p.clock.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C():
		}

		for _, w := range p.snapshotWorkers() {
			dead := false
			select {
			case <-w.Done():
				dead = true
			default:
			}

			if dead || !w.Healthy() {
				p.logger.Warn("unhealthy worker detected",
					"worker_id", w.ID(),
					"status", w.Status().String(),
					"dead", dead)
				p.asyncRestartWorker(w.ID())
			}
		}
	}
}

// queueCoordinator periodically observes queue depth and profile disk
// usage. When aggregate profile usage exceeds the configured threshold,
// the idle worker with the largest profile is recycled.
func (p *Pool) queueCoordinator() {
	defer p.bg.Done()

	ticker := p.clock.NewTicker(p.config.CoordinatorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C():
		}

		status := p.queue.Status()
		p.logger.Debug("queue depth",
			"pending", status.Pending,
			"active", status.Active,
			"completed", status.Completed,
			"failed", status.Failed)
		p.emit(map[string]interface{}{
			"event":   "queue_depth",
			"pending": status.Pending,
			"active":  status.Active,
		})

		if p.config.MemoryThreshold > 0 {
			p.checkDiskUsage()
		}
	}
}

// checkDiskUsage recycles the fattest idle profile when aggregate usage
// crosses the threshold
func (p *Pool) checkDiskUsage() {
	var total int64
	var fattest *Worker
	var fattestSize int64

	for _, w := range p.snapshotWorkers() {
		size, err := p.profiles.Size(w.ID())
		if err != nil {
			continue
		}
		total += size
		if w.Status() == WorkerReady && size > fattestSize {
			fattest = w
			fattestSize = size
		}
	}

	if total <= p.config.MemoryThreshold {
		return
	}

	err := &types.ResourceExhaustedError{
		Resource:  "profile disk",
		Usage:     total,
		Threshold: p.config.MemoryThreshold,
	}
	p.logger.Warn("profile disk usage over threshold", "error", err)
	if fattest != nil {
		p.asyncRestartWorker(fattest.ID())
	}
}

// finalizeLoop flushes batched results on a fixed period
func (p *Pool) finalizeLoop() {
	defer p.bg.Done()

	ticker := p.clock.NewTicker(p.config.FinalizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C():
			p.finalizer.flush(p.loopCtx)
		}
	}
}

// WaitForCompletion blocks until the queue is fully drained or the
// context ends
func (p *Pool) WaitForCompletion(ctx context.Context) error {
	for {
		status := p.queue.Status()
		if status.Pending == 0 && status.Active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(time.Second):
		}
	}
}

// Status is a snapshot of pool state
type Status struct {
	Running  bool
	Uptime   time.Duration
	Workers  []WorkerStats
	Queue    queue.Status
	Profiles profile.Stats
}

// Status returns a snapshot of pool, worker, queue and profile state
func (p *Pool) Status() Status {
	p.mu.Lock()
	running := p.running
	startedAt := p.startedAt
	p.mu.Unlock()

	st := Status{
		Running:  running,
		Queue:    p.queue.Status(),
		Profiles: p.profiles.Stats(),
	}
	if running {
		st.Uptime = p.clock.Since(startedAt)
	}
	for _, w := range p.snapshotWorkers() {
		st.Workers = append(st.Workers, w.Stats())
	}
	return st
}

// RegisterShutdown wires the pool into a shutdown coordinator so signal
// handling tears the pool down within its configured budget
func (p *Pool) RegisterShutdown(c *shutdown.Coordinator) {
	c.Register("worker-pool", p.config.ShutdownTimeout, func(ctx context.Context) error {
		return p.Shutdown(ctx, false)
	})
}

// Shutdown drains and stops the pool. Graceful shutdown spends up to
// 70% of ShutdownTimeout letting in-flight tasks finish, then 30%
// stopping workers; emergency shutdown collapses both phases to a few
// seconds, force-stops everything and never returns an error. Profiles
// are removed unless KeepProfilesOnExit is set.
func (p *Pool) Shutdown(ctx context.Context, emergency bool) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		if emergency {
			return nil
		}
		return types.ErrPoolNotRunning
	}
	p.running = false
	p.mu.Unlock()

	drainBudget := p.config.ShutdownTimeout * 7 / 10
	if drainBudget > 2*time.Minute {
		drainBudget = 2 * time.Minute
	}
	stopBudget := p.config.ShutdownTimeout * 3 / 10
	if emergency {
		drainBudget = 2 * time.Second
		stopBudget = 3 * time.Second
	}

	p.logger.Info("shutting down worker pool",
		"emergency", emergency,
		"drain_budget", drainBudget)

	p.queue.Stop()
	p.queue.Pause()

	if !emergency {
		p.drainInFlight(ctx, drainBudget)
	}

	if p.finalizer != nil {
		p.finalizer.flush(context.Background())
	}

	var firstErr error
	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, w := range p.snapshotWorkers() {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if emergency {
				w.ForceStop()
				return
			}
			if err := w.Stop(stopBudget); err != nil {
				p.logger.Warn("worker did not stop gracefully, forcing", "worker_id", w.ID())
				w.ForceStop()
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	p.loopCancel()
	p.bg.Wait()

	if !p.config.KeepProfilesOnExit {
		removed := p.profiles.CleanupAll()
		p.logger.Info("profiles removed", "count", removed)
	}

	p.mu.Lock()
	p.workers = make(map[string]*Worker)
	p.mu.Unlock()

	p.logger.Info("worker pool stopped")
	p.emit(map[string]interface{}{"event": "pool_stopped", "emergency": emergency})

	if emergency {
		return nil
	}
	return firstErr
}

// drainInFlight waits out in-flight tasks up to the budget. Queued tasks
// are left where they are; only active assignments are drained.
func (p *Pool) drainInFlight(ctx context.Context, budget time.Duration) {
	deadline := p.clock.Now().Add(budget)
	for {
		status := p.queue.Status()
		if status.Active == 0 {
			return
		}
		if ctx.Err() != nil || p.clock.Now().After(deadline) {
			p.logger.Warn("drain budget exhausted", "still_active", status.Active)
			return
		}
		p.clock.Sleep(200 * time.Millisecond)
	}
}

// emit sends a metric event; a broken sink never disturbs the pool
func (p *Pool) emit(event map[string]interface{}) {
	if p.metrics == nil {
		return
	}
	defer func() { recover() }()
	p.metrics.SendMetric(event)
}
