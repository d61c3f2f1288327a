package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/taskd/errors"
	"github.com/opsforge/taskd/task"
)

const (
	defaultPollTimeout = 30
	maxPollTimeout     = 60

	defaultListLimit = 10
	maxListLimit     = 1000

	maxPriority = 10
)

type createTaskRequest struct {
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
	Priority   *int            `json:"priority"`
}

// handleCreateTask admits a new task: 202 with its id on success, 400 on
// schema failure, 503 when the queue is saturated.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("Invalid request body: %v", err), nil)
		return
	}

	fields := make(map[string]string)
	if req.TaskType == "" {
		fields["task_type"] = "field required"
	}
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
		if priority < 0 || priority > maxPriority {
			fields["priority"] = fmt.Sprintf("must be between 0 and %d", maxPriority)
		}
	}
	if len(fields) > 0 {
		writeError(w, r, http.StatusBadRequest, "validation_error",
			"Invalid task request.", fields)
		return
	}

	params, err := s.manager.Registry().ValidateParams(req.TaskType, req.Parameters)
	if err != nil {
		if ve, ok := task.IsValidationError(err); ok {
			writeError(w, r, http.StatusBadRequest, "validation_error",
				ve.Error(), ve.Fields)
			return
		}
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}

	info, err := s.manager.Submit(req.TaskType, params, priority)
	if err != nil {
		if errors.IsQueueFull(err) {
			s.log.Warnw("Task queue full, rejecting submission", "task_type", req.TaskType)
			writeHTTPError(w, r, http.StatusServiceUnavailable, "Task queue is full. Try again later.")
			return
		}
		s.log.Errorw("Failed to submit task", "task_type", req.TaskType, "error", err)
		writeHTTPError(w, r, http.StatusInternalServerError, "Failed to submit task.")
		return
	}

	s.log.Infow("Task submitted",
		"task_id", info.TaskID,
		"task_type", req.TaskType,
		"priority", priority,
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": info.TaskID,
		"status":  info.Status,
	})
}

// handleGetTask returns the current task snapshot, optionally long-polling
// until its state changes or the timeout elapses.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("task_id"))
	if err != nil {
		// Malformed ids are indistinguishable from unknown ones
		writeHTTPError(w, r, http.StatusNotFound, "Task not found")
		return
	}

	wait, timeout, fields := parseWaitParams(r)
	if len(fields) > 0 {
		writeError(w, r, http.StatusBadRequest, "validation_error",
			"Invalid query parameters.", fields)
		return
	}

	rec, ok := s.manager.Get(taskID)
	if !ok {
		writeHTTPError(w, r, http.StatusNotFound, "Task not found")
		return
	}

	info := rec.Snapshot()
	if !wait || info.Status.Terminal() {
		writeJSON(w, http.StatusOK, info)
		return
	}

	writeJSON(w, http.StatusOK, s.awaitChange(r, rec, info, timeout))
}

// awaitChange blocks until the record's notifier fires, the timeout
// elapses, or the client goes away, then re-reads the record. A record
// swept during the wait yields the pre-wait snapshot.
func (s *Server) awaitChange(r *http.Request, rec *task.Record, preWait task.Info, timeout time.Duration) task.Info {
	notifier := rec.Notifier()
	// Re-arm a past fire so the wait observes the next edge rather than
	// returning a state the caller already saw
	if notifier.Fired() {
		notifier.Clear()
	}
	ch := notifier.Wait()

	// A terminal transition racing the re-arm would leave nothing to
	// fire the fresh channel
	if current := rec.Snapshot(); current.Status.Terminal() {
		return current
	}

	select {
	case <-ch:
	case <-time.After(timeout):
	case <-r.Context().Done():
	}

	if current, ok := s.manager.Get(preWait.TaskID); ok {
		return current.Snapshot()
	}
	return preWait
}

// handleListTasks streams task snapshots as JSON Lines, optionally
// filtered by status.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	fields := make(map[string]string)

	var status *task.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := task.Status(raw)
		if !task.IsValidStatus(raw) {
			fields["status"] = fmt.Sprintf("invalid status %q", raw)
		} else {
			status = &st
		}
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			fields["limit"] = fmt.Sprintf("must be an integer between 1 and %d", maxListLimit)
		} else {
			limit = n
		}
	}

	if len(fields) > 0 {
		writeError(w, r, http.StatusBadRequest, "validation_error",
			"Invalid query parameters.", fields)
		return
	}

	w.Header().Set("Content-Type", "application/jsonl")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for _, info := range s.manager.List(status, limit) {
		if err := enc.Encode(info); err != nil {
			s.log.Debugw("Client gone during task list stream", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleCancelTask requests cancellation: 200 when the task reached a
// terminal state, 202 when cancellation of a processing task is pending.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("task_id"))
	if err != nil {
		writeHTTPError(w, r, http.StatusNotFound, "Task not found")
		return
	}

	wait, timeout, fields := parseWaitParams(r)
	if len(fields) > 0 {
		writeError(w, r, http.StatusBadRequest, "validation_error",
			"Invalid query parameters.", fields)
		return
	}

	info, err := s.manager.Cancel(taskID)
	switch {
	case errors.IsTaskNotFound(err):
		writeHTTPError(w, r, http.StatusNotFound, "Task not found")
		return
	case errors.IsNotCancellable(err):
		// Terminal tasks cannot transition again; report the state we saw
		message := fmt.Sprintf("Task %s is not cancellable", taskID)
		if rec, ok := s.manager.Get(taskID); ok {
			message = fmt.Sprintf("Task %s is already %s", taskID, rec.Status())
		}
		writeHTTPError(w, r, http.StatusNotFound, message)
		return
	case err != nil:
		s.log.Errorw("Failed to cancel task", "task_id", taskID, "error", err)
		writeHTTPError(w, r, http.StatusInternalServerError, "Failed to cancel task.")
		return
	}

	s.log.Infow("Task cancellation requested", "task_id", taskID, "status", info.Status)

	if info.Status != task.StatusProcessing {
		// Queued tasks cancel synchronously
		writeJSON(w, http.StatusOK, info)
		return
	}

	if !wait {
		writeJSON(w, http.StatusAccepted, info)
		return
	}

	final, reached := s.awaitTerminal(r, info, timeout)
	if reached {
		writeJSON(w, http.StatusOK, final)
	} else {
		writeJSON(w, http.StatusAccepted, final)
	}
}

// awaitTerminal blocks until the task reaches a terminal state, the
// timeout elapses, or the client goes away. Unlike awaitChange it skips
// past intermediate transitions, including the cancel request itself.
func (s *Server) awaitTerminal(r *http.Request, preWait task.Info, timeout time.Duration) (task.Info, bool) {
	deadline := time.After(timeout)
	last := preWait
	for {
		rec, ok := s.manager.Get(preWait.TaskID)
		if !ok {
			// Swept during the wait, so it had reached a terminal state
			return last, true
		}
		last = rec.Snapshot()
		if last.Status.Terminal() {
			return last, true
		}

		notifier := rec.Notifier()
		if notifier.Fired() {
			notifier.Clear()
			continue
		}
		select {
		case <-notifier.Wait():
		case <-deadline:
			return last, false
		case <-r.Context().Done():
			return last, false
		}
	}
}

// parseWaitParams reads the wait/timeout query parameters shared by the
// observe and cancel endpoints.
func parseWaitParams(r *http.Request) (wait bool, timeout time.Duration, fields map[string]string) {
	fields = make(map[string]string)
	timeout = defaultPollTimeout * time.Second

	if raw := r.URL.Query().Get("wait"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			fields["wait"] = "must be a boolean"
		} else {
			wait = b
		}
	}
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPollTimeout {
			fields["timeout"] = fmt.Sprintf("must be an integer between 1 and %d", maxPollTimeout)
		} else {
			timeout = time.Duration(n) * time.Second
		}
	}
	if len(fields) == 0 {
		fields = nil
	}
	return wait, timeout, fields
}
