// Package task provides in-process task scheduling and execution: a
// priority-ordered queue, a bounded worker pool, a lifecycle state machine
// with cooperative cancellation, long-poll wakeups, and TTL-based cleanup
// of terminal records.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal returns true once no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ProgressInfo describes the human-readable progress of a task.
type ProgressInfo struct {
	Message    string     `json:"message"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	ETASeconds *int       `json:"eta_seconds,omitempty"`
}

// Info is the publicly observable projection of a task. Callers only ever
// receive copies; records themselves never leave the manager.
type Info struct {
	TaskID       uuid.UUID      `json:"task_id"`
	Status       Status         `json:"status"`
	TaskType     string         `json:"task_type"`
	Parameters   map[string]any `json:"parameters"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Progress     int            `json:"progress"`
	ProgressInfo *ProgressInfo  `json:"progress_info,omitempty"`
}

// FailedError is an executor-signaled business failure. The worker records
// the task as failed with the reason as its error string.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string { return e.Reason }

// Failedf creates a FailedError with a formatted reason.
func Failedf(format string, args ...any) *FailedError {
	return &FailedError{Reason: fmt.Sprintf(format, args...)}
}

// Record wraps Info with the manager's bookkeeping. Fields are guarded by
// the record's own mutex so a concurrent Get never observes a torn write
// while a worker mutates the record outside the manager lock.
type Record struct {
	mu               sync.Mutex
	info             Info
	createdAt        time.Time
	updatedAt        time.Time
	cancelRequested  bool
	startedMonotonic time.Time // zero until processing begins
	estTotalSeconds  int
	notifier         *Notifier
}

func newRecord(id uuid.UUID, taskType string, params map[string]any, now time.Time) *Record {
	return &Record{
		info: Info{
			TaskID:     id,
			Status:     StatusQueued,
			TaskType:   taskType,
			Parameters: params,
			Progress:   0,
			ProgressInfo: &ProgressInfo{
				Message: "Queued",
			},
		},
		createdAt: now,
		updatedAt: now,
		notifier:  NewNotifier(),
	}
}

// Snapshot returns a consistent copy of the observable projection.
func (r *Record) Snapshot() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() Info {
	info := r.info
	if r.info.ProgressInfo != nil {
		pi := *r.info.ProgressInfo
		info.ProgressInfo = &pi
	}
	return info
}

// Status returns the current lifecycle state.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.Status
}

// CreatedAt returns the submission wall time.
func (r *Record) CreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt
}

// UpdatedAt returns the wall time of the last observable mutation.
func (r *Record) UpdatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatedAt
}

// CancelRequested reports whether a cancel has been requested. Executors
// poll this at checkpoint boundaries.
func (r *Record) CancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// Notifier returns the record's change notifier for long-poll waiters.
func (r *Record) Notifier() *Notifier {
	return r.notifier
}

// beginProcessing performs the queued -> processing transition. Returns
// false without mutating the record when it already left the queued
// state: a cancel can land between dequeue and pickup, and a terminal
// status must never be overwritten.
func (r *Record) beginProcessing(now time.Time) bool {
	r.mu.Lock()
	if r.info.Status != StatusQueued {
		r.mu.Unlock()
		return false
	}
	r.info.Status = StatusProcessing
	r.startedMonotonic = now
	r.updatedAt = now
	r.info.Progress = 0
	started := now
	r.info.ProgressInfo = &ProgressInfo{
		Message:   "Processing...",
		StartedAt: &started,
	}
	r.mu.Unlock()
	r.notifier.Fire()
	return true
}

// beginSimulated anchors the simulated-duration phase: total estimate,
// monotonic start if unset, and the initial "100% remaining" progress.
func (r *Record) beginSimulated(totalSeconds int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estTotalSeconds = totalSeconds
	if r.startedMonotonic.IsZero() {
		r.startedMonotonic = now
	}
	started := now
	eta := totalSeconds
	r.info.Progress = 100
	r.info.ProgressInfo = &ProgressInfo{
		Message:    "100% remaining",
		StartedAt:  &started,
		ETASeconds: &eta,
	}
	r.updatedAt = now
}

// startedMono returns the monotonic anchor set when processing began.
func (r *Record) startedMono() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedMonotonic
}

// updateSimProgress publishes a tick of simulated progress.
func (r *Record) updateSimProgress(percentCompleted, percentRemaining, etaSeconds int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eta := etaSeconds
	started := r.progressStartedAtLocked()
	r.info.Progress = percentCompleted
	r.info.ProgressInfo = &ProgressInfo{
		Message:    fmt.Sprintf("%d%% remaining", percentRemaining),
		StartedAt:  started,
		ETASeconds: &eta,
	}
	r.updatedAt = now
}

// markCancelledDuringProcessing records a cooperative cancellation observed
// at a tick checkpoint and wakes any long-poll waiters.
func (r *Record) markCancelledDuringProcessing(percentCompleted int, now time.Time) {
	r.mu.Lock()
	started := r.progressStartedAtLocked()
	r.info.Status = StatusCancelled
	r.info.Error = "Cancelled during processing"
	r.info.Progress = percentCompleted
	r.info.ProgressInfo = &ProgressInfo{
		Message:   "Cancelled on request",
		StartedAt: started,
	}
	r.updatedAt = now
	r.mu.Unlock()
	r.notifier.Fire()
}

func (r *Record) progressStartedAtLocked() *time.Time {
	if r.info.ProgressInfo != nil && r.info.ProgressInfo.StartedAt != nil {
		started := *r.info.ProgressInfo.StartedAt
		return &started
	}
	return nil
}
