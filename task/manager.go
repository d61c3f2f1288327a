package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsforge/taskd/errors"
)

const (
	// subscriberChannelBufferSize is the buffer size for subscriber channels
	subscriberChannelBufferSize = 100

	// stopTimeout bounds how long Stop waits for workers to exit
	stopTimeout = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	// MaxQueueSize is the hard cap on pending entries in the priority queue
	MaxQueueSize int
	// Concurrency is the number of worker goroutines
	Concurrency int
	// CleanupAfter is the minimum age (since last update) before a
	// terminal record is removed
	CleanupAfter time.Duration
	// CleanupSleep is the sweeper cadence
	CleanupSleep time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxQueueSize: 100,
		Concurrency:  5,
		CleanupAfter: 60 * time.Second,
		CleanupSleep: 500 * time.Millisecond,
	}
}

// Manager admits, orders, executes, observes, cancels, and garbage-collects
// tasks. The task table is exclusively owned by the manager; callers only
// ever see Info snapshots.
type Manager struct {
	opts     Options
	registry *Registry
	clk      clock.Clock
	log      *zap.SugaredLogger

	mu    sync.Mutex // guards tasks and seq
	tasks map[uuid.UUID]*Record
	seq   uint64 // FIFO tiebreaker within same priority

	queue *pqueue

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	subMu       sync.RWMutex
	subscribers []chan Info
}

// NewManager creates a manager. Callers must invoke Start before tasks are
// executed; Submit works immediately (entries queue up).
func NewManager(opts Options, registry *Registry, clk clock.Clock, logger *zap.SugaredLogger) *Manager {
	return NewManagerWithContext(context.Background(), opts, registry, clk, logger)
}

// NewManagerWithContext creates a manager whose workers derive from the
// given parent context. Cancelling the parent shuts the pool down.
func NewManagerWithContext(parent context.Context, opts Options, registry *Registry, clk clock.Clock, logger *zap.SugaredLogger) *Manager {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultOptions().MaxQueueSize
	}
	if opts.CleanupSleep <= 0 {
		opts.CleanupSleep = DefaultOptions().CleanupSleep
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		opts:      opts,
		registry:  registry,
		clk:       clk,
		log:       logger.Named("taskmgr"),
		tasks:     make(map[uuid.UUID]*Record),
		queue:     newPQueue(opts.MaxQueueSize),
		parentCtx: parent,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Registry returns the job registry consumed by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start spawns the worker goroutines and the cleanup sweeper.
func (m *Manager) Start() {
	// If Stop was called earlier, re-derive the worker context so the
	// manager can be restarted.
	select {
	case <-m.ctx.Done():
		m.ctx, m.cancel = context.WithCancel(m.parentCtx)
	default:
	}

	m.log.Infow("Starting workers", "concurrency", m.opts.Concurrency)
	for i := 0; i < m.opts.Concurrency; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.cleanupLoop()
}

// Stop cancels the workers and the sweeper and awaits their termination.
// In-flight executors observe the cancellation at their next checkpoint and
// transition their records to cancelled.
func (m *Manager) Stop() {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Infow("Task manager stopped")
	case <-time.After(stopTimeout):
		m.log.Warnw("Task manager stop timed out", "timeout", stopTimeout)
	}
}

// Submit records a new task and enqueues it. Priority is an integer in
// [0, 10]; lower runs earlier. Fails with errors.ErrQueueFull when the
// priority queue is saturated, leaving the task table unchanged.
func (m *Manager) Submit(taskType string, parameters map[string]any, priority int) (Info, error) {
	if !m.registry.Has(taskType) {
		return Info{}, errors.Newf("unknown task type %q", taskType)
	}

	taskID := uuid.New()
	rec := newRecord(taskID, taskType, parameters, m.clk.Now())

	m.mu.Lock()
	m.tasks[taskID] = rec
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	// Snapshot before enqueueing: once the entry is visible a worker may
	// transition the record immediately, and the admission response must
	// still read queued.
	info := rec.Snapshot()

	if err := m.queue.TryEnqueue(priority, seq, taskID); err != nil {
		m.mu.Lock()
		delete(m.tasks, taskID)
		m.mu.Unlock()
		return Info{}, errors.Wrapf(err, "failed to enqueue task %s", taskID)
	}
	m.notifySubscribers(info)
	return info, nil
}

// Get returns the record for a task id, or false if it does not exist.
func (m *Manager) Get(taskID uuid.UUID) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[taskID]
	return rec, ok
}

// Cancel requests cancellation of a task.
//
// A queued task is cancelled immediately. A processing task has its flag
// set and is returned still processing; the worker honors the flag at the
// next checkpoint. Fails with errors.ErrTaskNotFound for unknown ids and
// errors.ErrNotCancellable for terminal tasks.
func (m *Manager) Cancel(taskID uuid.UUID) (Info, error) {
	m.mu.Lock()
	rec, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return Info{}, errors.Wrapf(errors.ErrTaskNotFound, "task %s", taskID)
	}

	rec.mu.Lock()
	if rec.info.Status.Terminal() {
		status := rec.info.Status
		rec.mu.Unlock()
		return Info{}, errors.WithDetailf(
			errors.Wrapf(errors.ErrNotCancellable, "task %s is already %s", taskID, status),
			"status: %s", status)
	}

	rec.cancelRequested = true
	now := m.clk.Now()
	if rec.info.Status == StatusQueued {
		// Cancel immediately; the worker tolerates the stale queue entry
		rec.info.Status = StatusCancelled
		rec.info.Error = "Cancelled before processing"
	}
	rec.updatedAt = now
	info := rec.snapshotLocked()
	rec.mu.Unlock()

	rec.notifier.Fire()
	m.notifySubscribers(info)
	return info, nil
}

// List returns Info snapshots, optionally filtered by status, up to limit
// entries (limit <= 0 means no cap). The snapshot is taken under the table
// mutex; filtering and iteration happen outside it, so listed statuses are
// a point-in-time approximation.
func (m *Manager) List(status *Status, limit int) []Info {
	m.mu.Lock()
	snapshot := make([]*Record, 0, len(m.tasks))
	for _, rec := range m.tasks {
		snapshot = append(snapshot, rec)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(snapshot))
	for _, rec := range snapshot {
		info := rec.Snapshot()
		if status != nil && info.Status != *status {
			continue
		}
		infos = append(infos, info)
		if limit > 0 && len(infos) >= limit {
			break
		}
	}
	return infos
}

// Stats reports task counts by status plus the pending queue depth.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	QueueDepth int `json:"queue_depth"`
}

// GetStats returns current task table statistics.
func (m *Manager) GetStats() Stats {
	var stats Stats
	for _, info := range m.List(nil, 0) {
		switch info.Status {
		case StatusQueued:
			stats.Queued++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	stats.QueueDepth = m.queue.Len()
	return stats
}

// worker dequeues and executes tasks until the manager context is cancelled.
func (m *Manager) worker(id int) {
	defer m.wg.Done()
	m.log.Infow("Worker started", "worker_id", id)
	for {
		item, err := m.queue.Dequeue(m.ctx)
		if err != nil {
			m.log.Infow("Worker stopped", "worker_id", id)
			return
		}
		m.processItem(item)
	}
}

func (m *Manager) processItem(item queueItem) {
	m.mu.Lock()
	rec, ok := m.tasks[item.taskID]
	m.mu.Unlock()
	if !ok {
		// Record removed while still queued; the entry is stale
		return
	}
	// The transition is conditional under the record mutex: a cancel that
	// landed while the entry sat in the queue must win
	if !rec.beginProcessing(m.clk.Now()) {
		return
	}
	m.notifySubscribers(rec.Snapshot())

	var result any
	var err error
	def := m.registry.Get(rec.Snapshot().TaskType)
	if def == nil {
		err = errors.Newf("no executor registered for task type %q", rec.Snapshot().TaskType)
	} else {
		result, err = m.runExecutor(def, rec)
	}

	now := m.clk.Now()
	switch {
	case err == nil:
		rec.markCompleted(result, now)
	case errors.IsCancelled(err) || errors.Is(err, context.Canceled):
		rec.markCancelled(now)
	default:
		var failed *FailedError
		if errors.As(err, &failed) {
			rec.markFailed(failed.Reason, now)
		} else {
			rec.markFailed(fmt.Sprintf("Unexpected error: %v", err), now)
			m.log.Errorw("Unexpected error processing task",
				"task_id", item.taskID,
				"error", err,
				"stack", errors.GetStack(err))
		}
	}

	// Wake pending waiters, then re-arm the notifier for the next one
	rec.notifier.Fire()
	rec.notifier.Clear()
	m.notifySubscribers(rec.Snapshot())
}

// runExecutor invokes the executor, converting a panic into an error so a
// misbehaving job can never take a worker down.
func (m *Manager) runExecutor(def *Definition, rec *Record) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("executor panic: %v", p)
		}
	}()
	params := rec.Snapshot().Parameters
	return def.Run(m.ctx, rec, params)
}

// cleanupLoop periodically removes terminal records older than the
// configured grace period.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	m.log.Infow("Cleanup started")
	ticker := m.clk.NewTicker(m.opts.CleanupSleep)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C():
		}

		now := m.clk.Now()
		removed := 0
		m.mu.Lock()
		for id, rec := range m.tasks {
			if rec.Status().Terminal() && now.Sub(rec.UpdatedAt()) >= m.opts.CleanupAfter {
				delete(m.tasks, id)
				removed++
			}
		}
		m.mu.Unlock()

		if removed > 0 {
			m.log.Infow("Cleaned up tasks", "count", removed)
		}
	}
}

// Subscribe returns a channel that receives an Info snapshot after every
// observable transition. The caller must call Unsubscribe when done.
// The channel is buffered; slow consumers miss updates rather than block
// the manager.
func (m *Manager) Subscribe() chan Info {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ch := make(chan Info, subscriberChannelBufferSize)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed;
// the caller owns its lifecycle.
func (m *Manager) Unsubscribe(ch chan Info) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifySubscribers(info Info) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- info:
		default:
			// Channel full, skip (non-blocking)
		}
	}
}

// ---- terminal transitions (worker classification) ----

func (r *Record) markCompleted(result any, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eta := 0
	started := r.progressStartedAtLocked()
	r.info.Status = StatusCompleted
	r.info.Result = result
	r.info.Progress = 100
	r.info.ProgressInfo = &ProgressInfo{
		Message:    "Done",
		StartedAt:  started,
		ETASeconds: &eta,
	}
	r.updatedAt = now
}

func (r *Record) markFailed(reason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.Status = StatusFailed
	r.info.Error = reason
	r.updatedAt = now
}

// markCancelled finalizes a cancellation classified by the worker. The
// simulated-duration wrapper usually set the record already; this only
// fills in for executors that returned a bare cancellation.
func (r *Record) markCancelled(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.info.Status.Terminal() {
		r.info.Status = StatusCancelled
		if r.info.Error == "" {
			r.info.Error = "Cancelled during processing"
		}
	}
	r.updatedAt = now
}
