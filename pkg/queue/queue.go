// Package queue provides the thread-safe priority task queue with per-key
// exclusion and retry bookkeeping.
package queue

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jzx17/taskpool/pkg/retry"
	"github.com/jzx17/taskpool/pkg/types"
)

// Config contains configuration for the task queue
type Config struct {
	// MaxSize bounds the number of queued tasks (0 for unlimited)
	MaxSize int

	// MaxRetries is the maximum execution attempts per task
	MaxRetries int

	// RetryDelay is the base delay for exponential retry backoff
	RetryDelay time.Duration

	// KeyField is the payload field carrying the task key
	KeyField string

	// RequiredFields are payload fields that must be present and non-empty
	RequiredFields []string

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for structured logging (optional, defaults to slog.Default)
	Logger *slog.Logger
}

// DefaultConfig returns default queue configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSize:    1000,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		KeyField:   "key",
		Clock:      types.NewRealClock(),
	}
}

// item is a heap entry. A task is re-enqueued with a fresh item each time
// it returns to pending, so notBefore and seq always reflect the latest
// enqueue.
type item struct {
	task       *types.Task
	notBefore  time.Time // earliest eligible dequeue time
	enqueuedAt time.Time
	seq        uint64
}

// taskHeap orders items by priority (lower value first), then eligibility
// time, then enqueue sequence
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	if !h[i].notBefore.Equal(h[j].notBefore) {
		return h[i].notBefore.Before(h[j].notBefore)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*item))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[0 : n-1]
	return it
}

// Status is a snapshot of queue state and performance statistics
type Status struct {
	Pending   int
	Active    int
	Completed int64
	Failed    int64
	Retries   int64

	// AverageProcessing is the rolling average task processing time
	AverageProcessing time.Duration

	// AverageWait is the rolling average time from enqueue to dequeue
	AverageWait time.Duration

	// EstimatedCompletion is pending count x average processing time
	EstimatedCompletion time.Duration

	// Throughput is completed tasks per minute since the first completion
	Throughput float64

	Paused  bool
	Stopped bool
}

// TaskQueue is a thread-safe priority queue of tasks.
//
// All state transitions happen under a single lock; no task mutation
// escapes it. Within a priority class tasks dequeue in enqueue order, and
// no two tasks with the same key are ever assigned or processing at once.
type TaskQueue struct {
	config  *Config
	backoff retry.BackoffStrategy

	mu          sync.Mutex
	heap        taskHeap
	tasks       map[string]*types.Task // all known tasks by ID
	activeKeys  map[string]string      // key -> task ID for assigned/processing tasks
	pendingKeys map[string]int         // key -> queued task count
	assignments map[string]string      // task ID -> worker ID
	seq         uint64

	completed int64
	failed    int64
	retries   int64

	totalProcessing  time.Duration
	totalWait        time.Duration
	dequeued         int64
	firstCompletedAt time.Time
	lastCompletedAt  time.Time

	paused  bool
	stopped bool

	clock  types.Clock
	logger *slog.Logger
}

// New creates a task queue
func New(config *Config) (*TaskQueue, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxSize < 0 {
		return nil, fmt.Errorf("queue max size must be non-negative, got %d", config.MaxSize)
	}
	if config.MaxRetries <= 0 {
		return nil, fmt.Errorf("max retries must be positive, got %d", config.MaxRetries)
	}
	if config.KeyField == "" {
		return nil, fmt.Errorf("key field must be set")
	}
	if config.Clock == nil {
		config.Clock = types.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 2 * time.Second
	}

	return &TaskQueue{
		config:      config,
		backoff:     retry.NewExponentialBackoff(config.RetryDelay, retry.WithMaxDelay(5*time.Minute)),
		heap:        make(taskHeap, 0),
		tasks:       make(map[string]*types.Task),
		activeKeys:  make(map[string]string),
		pendingKeys: make(map[string]int),
		assignments: make(map[string]string),
		clock:       config.Clock,
		logger:      config.Logger,
	}, nil
}

// AddTask validates the payload, creates a task and enqueues it. Lower
// priority values dequeue first. Returns the generated task ID.
func (q *TaskQueue) AddTask(payload types.Payload, priority int) (string, error) {
	return q.add(payload, priority, 0)
}

// AddTaskDelayed enqueues a task that only becomes eligible for dequeue
// after the given delay
func (q *TaskQueue) AddTaskDelayed(payload types.Payload, priority int, delay time.Duration) (string, error) {
	return q.add(payload, priority, delay)
}

func (q *TaskQueue) add(payload types.Payload, priority int, delay time.Duration) (string, error) {
	key, err := q.validatePayload(payload)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return "", types.ErrQueueStopped
	}
	if q.config.MaxSize > 0 && len(q.heap) >= q.config.MaxSize {
		return "", types.NewCapacityError("queue", len(q.heap), q.config.MaxSize)
	}

	now := q.clock.Now()
	task := &types.Task{
		ID:        uuid.NewString(),
		Key:       key,
		Payload:   payload,
		Priority:  priority,
		Status:    types.TaskPending,
		CreatedAt: now,
	}

	q.tasks[task.ID] = task
	q.pendingKeys[key]++
	q.push(task, now.Add(delay), now)

	q.logger.Debug("task enqueued",
		"task_id", task.ID,
		"task_key", task.Key,
		"priority", priority,
		"delay", delay)

	return task.ID, nil
}

// validatePayload checks required fields and extracts the task key
func (q *TaskQueue) validatePayload(payload types.Payload) (string, error) {
	if payload == nil {
		return "", types.NewValidationError(q.config.KeyField, "is missing")
	}

	fields := append([]string{q.config.KeyField}, q.config.RequiredFields...)
	for _, field := range fields {
		value, ok := payload[field]
		if !ok || value == nil {
			return "", types.NewValidationError(field, "is missing")
		}
		if s, isString := value.(string); isString && s == "" {
			return "", types.NewValidationError(field, "is empty")
		}
	}

	key, ok := payload[q.config.KeyField].(string)
	if !ok {
		return "", types.NewValidationError(q.config.KeyField, "must be a string")
	}
	return key, nil
}

// push appends a fresh heap entry for the task. Caller must hold the lock.
func (q *TaskQueue) push(task *types.Task, notBefore, enqueuedAt time.Time) {
	q.seq++
	heap.Push(&q.heap, &item{
		task:       task,
		notBefore:  notBefore,
		enqueuedAt: enqueuedAt,
		seq:        q.seq,
	})
}

// GetNextTask pops the highest-priority eligible task and assigns it to
// the worker. It returns nil when the queue is empty, paused, the top
// task is still waiting out its retry delay, or the top task's key is
// already in flight (in which case the task is re-enqueued unchanged and
// the caller should back off briefly).
func (q *TaskQueue) GetNextTask(workerID string) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil
	}

	now := q.clock.Now()
	var it *item
	for {
		if len(q.heap) == 0 {
			return nil
		}
		it = heap.Pop(&q.heap).(*item)
		// drop stale entries for tasks failed outside the dequeue path
		if !it.task.Status.Terminal() {
			break
		}
	}
	task := it.task

	// retry delay not yet elapsed
	if it.notBefore.After(now) {
		heap.Push(&q.heap, it)
		return nil
	}
	if task.Status == types.TaskRetryPending {
		task.Status = types.TaskPending
	}

	// per-key exclusion: another task with this key is in flight
	if _, active := q.activeKeys[task.Key]; active {
		q.push(task, now, now)
		return nil
	}

	task.Status = types.TaskAssigned
	task.WorkerID = workerID
	task.Attempts++
	q.pendingKeys[task.Key]--
	if q.pendingKeys[task.Key] <= 0 {
		delete(q.pendingKeys, task.Key)
	}
	q.activeKeys[task.Key] = task.ID
	q.assignments[task.ID] = workerID

	q.totalWait += now.Sub(it.enqueuedAt)
	q.dequeued++

	task.Status = types.TaskProcessing
	task.StartedAt = now

	q.logger.Debug("task assigned",
		"task_id", task.ID,
		"task_key", task.Key,
		"worker_id", workerID,
		"attempt", task.Attempts)

	return task
}

// CompleteTask marks a task completed. The calling worker must match the
// recorded assignment.
func (q *TaskQueue) CompleteTask(taskID, workerID string, result *types.TaskResult) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, &types.TaskNotFoundError{TaskID: taskID}
	}
	if assigned := q.assignments[taskID]; assigned != workerID {
		return nil, fmt.Errorf("complete task %s by worker %s (assigned to %q): %w",
			taskID, workerID, assigned, types.ErrWrongWorker)
	}

	now := q.clock.Now()
	task.Status = types.TaskCompleted
	task.CompletedAt = now
	task.Result = result
	q.release(task)

	q.completed++
	q.totalProcessing += now.Sub(task.StartedAt)
	if q.firstCompletedAt.IsZero() {
		q.firstCompletedAt = now
	}
	q.lastCompletedAt = now

	return task, nil
}

// RetryTask re-enqueues a failed in-flight task with exponential backoff,
// or marks it terminally failed once attempts reach the configured
// maximum. It reports whether the task was re-enqueued. Like
// CompleteTask, it only accepts tasks that are currently assigned or
// processing; a task already returned to pending keeps its single heap
// entry.
func (q *TaskQueue) RetryTask(taskID string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return false, &types.TaskNotFoundError{TaskID: taskID}
	}
	if task.Status.Terminal() {
		return false, nil
	}
	if task.Status != types.TaskAssigned && task.Status != types.TaskProcessing {
		return false, fmt.Errorf("task %s is %s, not in flight", taskID, task.Status)
	}
	if cause != nil {
		task.LastError = cause.Error()
	}
	q.release(task)

	if task.Attempts >= q.config.MaxRetries {
		task.Status = types.TaskFailed
		task.CompletedAt = q.clock.Now()
		q.failed++
		q.logger.Warn("task failed permanently",
			"task_id", task.ID,
			"task_key", task.Key,
			"attempts", task.Attempts,
			"error", task.LastError)
		return false, nil
	}

	delay := q.backoff.NextDelay(task.Attempts)
	now := q.clock.Now()
	task.Status = types.TaskRetryPending
	q.pendingKeys[task.Key]++
	q.push(task, now.Add(delay), now)
	q.retries++

	q.logger.Info("task scheduled for retry",
		"task_id", task.ID,
		"task_key", task.Key,
		"attempt", task.Attempts,
		"delay", delay)

	return true, nil
}

// FailTask marks a task terminally failed regardless of remaining
// attempts. Used when the failure is handled outside the generic retry
// path.
func (q *TaskQueue) FailTask(taskID string, cause error) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, &types.TaskNotFoundError{TaskID: taskID}
	}
	if task.Status.Terminal() {
		return task, nil
	}

	if cause != nil {
		task.LastError = cause.Error()
	}
	if task.Status == types.TaskPending || task.Status == types.TaskRetryPending {
		// stale heap entry is discarded at dequeue
		q.pendingKeys[task.Key]--
		if q.pendingKeys[task.Key] <= 0 {
			delete(q.pendingKeys, task.Key)
		}
	}
	q.release(task)
	task.Status = types.TaskFailed
	task.CompletedAt = q.clock.Now()
	q.failed++

	return task, nil
}

// RequeueTask returns an in-flight task to pending without consuming an
// attempt. Used when the assigned worker died mid-task.
func (q *TaskQueue) RequeueTask(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return &types.TaskNotFoundError{TaskID: taskID}
	}
	if task.Status != types.TaskAssigned && task.Status != types.TaskProcessing {
		return fmt.Errorf("task %s is %s, not in flight", taskID, task.Status)
	}

	q.release(task)
	if task.Attempts > 0 {
		task.Attempts--
	}
	task.Status = types.TaskPending
	task.WorkerID = ""
	now := q.clock.Now()
	q.pendingKeys[task.Key]++
	q.push(task, now, now)

	return nil
}

// release drops in-flight bookkeeping for the task. Caller must hold the
// lock.
func (q *TaskQueue) release(task *types.Task) {
	if q.activeKeys[task.Key] == task.ID {
		delete(q.activeKeys, task.Key)
	}
	delete(q.assignments, task.ID)
}

// GetTask returns the task with the given ID
func (q *TaskQueue) GetTask(taskID string) (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	return task, ok
}

// KeyField returns the payload field carrying the task key
func (q *TaskQueue) KeyField() string {
	return q.config.KeyField
}

// HasKey reports whether any non-terminal task carries the given key
func (q *TaskQueue) HasKey(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, active := q.activeKeys[key]; active {
		return true
	}
	return q.pendingKeys[key] > 0
}

// Pause suspends dequeuing; queued tasks are retained
func (q *TaskQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables dequeuing
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Stop terminally stops the queue; AddTask fails from here on. In-flight
// tasks may still be completed or retried.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
}

// Stopped reports whether the queue has been stopped
func (q *TaskQueue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Clear removes queued tasks. With preserveProcessing, in-flight task
// bookkeeping survives; otherwise it is dropped as well. Returns the
// number of removed queued tasks.
func (q *TaskQueue) Clear(preserveProcessing bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := len(q.heap)
	for _, it := range q.heap {
		delete(q.tasks, it.task.ID)
	}
	q.heap = q.heap[:0]
	q.pendingKeys = make(map[string]int)

	if !preserveProcessing {
		for taskID := range q.assignments {
			delete(q.tasks, taskID)
		}
		q.assignments = make(map[string]string)
		q.activeKeys = make(map[string]string)
	}

	return removed
}

// Status returns a snapshot of queue state and statistics
func (q *TaskQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		Pending:   len(q.heap),
		Active:    len(q.assignments),
		Completed: q.completed,
		Failed:    q.failed,
		Retries:   q.retries,
		Paused:    q.paused,
		Stopped:   q.stopped,
	}

	if q.completed > 0 {
		st.AverageProcessing = q.totalProcessing / time.Duration(q.completed)
	}
	if q.dequeued > 0 {
		st.AverageWait = q.totalWait / time.Duration(q.dequeued)
	}
	st.EstimatedCompletion = time.Duration(st.Pending) * st.AverageProcessing

	if q.completed > 0 && q.lastCompletedAt.After(q.firstCompletedAt) {
		elapsed := q.lastCompletedAt.Sub(q.firstCompletedAt).Minutes()
		if elapsed > 0 {
			st.Throughput = float64(q.completed) / elapsed
		}
	}

	return st
}
