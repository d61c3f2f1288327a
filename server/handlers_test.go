package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsforge/taskd/config"
	"github.com/opsforge/taskd/errors"
	"github.com/opsforge/taskd/ratelimit"
	"github.com/opsforge/taskd/task"
)

type testEnv struct {
	srv     *Server
	manager *task.Manager
	ts      *httptest.Server
}

func newTestEnv(t *testing.T, opts task.Options, registry *task.Registry, maxRequests int) *testEnv {
	t.Helper()
	log := zap.NewNop().Sugar()
	clk := clock.NewClock()

	if registry == nil {
		registry = task.DefaultRegistry(clk, time.Second, time.Second)
	}
	if opts.MaxQueueSize == 0 {
		opts.MaxQueueSize = 100
	}
	if opts.CleanupAfter == 0 {
		opts.CleanupAfter = time.Hour
	}

	manager := task.NewManager(opts, registry, clk, log)
	limiter := ratelimit.New(maxRequests, time.Minute, time.Minute, clk, log)
	srv := New(&config.Config{Port: 8080}, manager, limiter, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.cancel()
		ts.Close()
		manager.Stop()
	})
	return &testEnv{srv: srv, manager: manager, ts: ts}
}

func (e *testEnv) request(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	defer resp.Body.Close()
	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestCreateTaskAccepted(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	resp := env.request(t, http.MethodPost, "/api/v1/tasks",
		`{"task_type": "compute_sum", "parameters": {"numbers": [1, 2, 3]}}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "queued", body["status"])
	_, err := uuid.Parse(body["task_id"].(string))
	assert.NoError(t, err)
}

func TestCreateTaskValidationEnvelope(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	resp := env.request(t, http.MethodPost, "/api/v1/tasks",
		`{"task_type": "compute_sum", "parameters": {}}`,
		map[string]string{"X-Request-ID": "req-42"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	envelope := decodeEnvelope(t, resp)
	assert.Equal(t, "validation_error", envelope.Code)
	assert.Equal(t, "req-42", envelope.RequestID)
	details, ok := envelope.Details.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details, "numbers")
}

func TestCreateTaskUnknownType(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	resp := env.request(t, http.MethodPost, "/api/v1/tasks",
		`{"task_type": "mine_bitcoin"}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	envelope := decodeEnvelope(t, resp)
	assert.Equal(t, "validation_error", envelope.Code)
	details, ok := envelope.Details.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details, "task_type")
}

func TestCreateTaskRejectsBadPriority(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	for _, priority := range []int{-1, 11} {
		resp := env.request(t, http.MethodPost, "/api/v1/tasks",
			fmt.Sprintf(`{"task_type": "lucky_job", "priority": %d}`, priority), nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		envelope := decodeEnvelope(t, resp)
		assert.Equal(t, "validation_error", envelope.Code)
	}
}

func TestCreateTaskRejectsUnknownBodyField(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	resp := env.request(t, http.MethodPost, "/api/v1/tasks",
		`{"task_type": "lucky_job", "bogus": 1}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decodeEnvelope(t, resp).Code)
}

func TestCreateTaskQueueFull(t *testing.T) {
	env := newTestEnv(t, task.Options{MaxQueueSize: 1, Concurrency: 0}, nil, 1000)

	resp := env.request(t, http.MethodPost, "/api/v1/tasks",
		`{"task_type": "lucky_job"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, "/api/v1/tasks",
		`{"task_type": "lucky_job"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	envelope := decodeEnvelope(t, resp)
	assert.Equal(t, "http_error", envelope.Code)
	assert.Equal(t, "Task queue is full. Try again later.", envelope.Message)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	resp := env.request(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	envelope := decodeEnvelope(t, resp)
	assert.Equal(t, "not_found", envelope.Code)
	assert.Equal(t, "Task not found", envelope.Message)

	// Malformed ids look exactly like unknown ones
	resp = env.request(t, http.MethodGet, "/api/v1/tasks/not-a-uuid", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeEnvelope(t, resp).Code)
}

func TestGetTaskSnapshot(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	info, err := env.manager.Submit("lucky_job", map[string]any{}, 0)
	require.NoError(t, err)

	resp := env.request(t, http.MethodGet, "/api/v1/tasks/"+info.TaskID.String(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, info.TaskID.String(), body["task_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "lucky_job", body["task_type"])
}

func TestGetTaskInvalidWaitParams(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)
	info, err := env.manager.Submit("lucky_job", map[string]any{}, 0)
	require.NoError(t, err)
	base := "/api/v1/tasks/" + info.TaskID.String()

	for _, query := range []string{"?wait=banana", "?wait=true&timeout=0", "?wait=true&timeout=61", "?timeout=xyz"} {
		resp := env.request(t, http.MethodGet, base+query, "", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %s", query)
		assert.Equal(t, "validation_error", decodeEnvelope(t, resp).Code)
	}
}

func TestGetTaskLongPollWakesOnTransition(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	info, err := env.manager.Submit("lucky_job", map[string]any{}, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.manager.Cancel(info.TaskID)
	}()

	start := time.Now()
	resp := env.request(t, http.MethodGet,
		"/api/v1/tasks/"+info.TaskID.String()+"?wait=true&timeout=10", "", nil)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "cancelled", body["status"])
	assert.Less(t, elapsed, 5*time.Second, "long-poll should wake on the transition, not the timeout")
}

func TestGetTaskLongPollSeesCancellationOfProcessingTask(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register(&task.Definition{
		Name: "simulated",
		Validate: func(raw json.RawMessage) (map[string]any, error) {
			return map[string]any{}, nil
		},
		Run: task.WithSimulatedDuration(30*time.Second, 10*time.Millisecond, clock.NewClock(),
			func(ctx context.Context, params map[string]any) (any, error) {
				return nil, nil
			}),
	})

	env := newTestEnv(t, task.Options{Concurrency: 1}, registry, 1000)
	env.manager.Start()

	info, err := env.manager.Submit("simulated", map[string]any{}, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, ok := env.manager.Get(info.TaskID)
		return ok && rec.Status() == task.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	// Fire-and-forget cancellation of a processing task
	resp := env.request(t, http.MethodDelete, "/api/v1/tasks/"+info.TaskID.String(), "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// The follow-up observation must ride the long-poll to the terminal
	// state instead of returning the stale processing snapshot
	start := time.Now()
	resp = env.request(t, http.MethodGet,
		"/api/v1/tasks/"+info.TaskID.String()+"?wait=true&timeout=10", "", nil)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "Cancelled during processing", body["error"])
	assert.Less(t, elapsed, 5*time.Second, "waiter must wake on the terminal edge, not the timeout")
}

func TestListTasksStreamsJSONL(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	for i := 0; i < 3; i++ {
		_, err := env.manager.Submit("lucky_job", map[string]any{}, 0)
		require.NoError(t, err)
	}

	resp := env.request(t, http.MethodGet, "/api/v1/tasks?limit=1000", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/jsonl", resp.Header.Get("Content-Type"))

	dec := json.NewDecoder(resp.Body)
	defer resp.Body.Close()
	count := 0
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		assert.Equal(t, "queued", line["status"])
		count++
	}
	assert.Equal(t, 3, count)
}

func TestListTasksFilterAndLimitValidation(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	_, err := env.manager.Submit("lucky_job", map[string]any{}, 0)
	require.NoError(t, err)

	// Valid filter with no matches streams nothing
	resp := env.request(t, http.MethodGet, "/api/v1/tasks?status=processing", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dec := json.NewDecoder(resp.Body)
	assert.False(t, dec.More())
	resp.Body.Close()

	for _, query := range []string{"?status=bogus", "?limit=0", "?limit=1001", "?limit=abc"} {
		resp := env.request(t, http.MethodGet, "/api/v1/tasks"+query, "", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %s", query)
		assert.Equal(t, "validation_error", decodeEnvelope(t, resp).Code)
	}
}

func TestCancelQueuedTaskViaHTTP(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1000)

	info, err := env.manager.Submit("lucky_job", map[string]any{}, 0)
	require.NoError(t, err)

	resp := env.request(t, http.MethodDelete, "/api/v1/tasks/"+info.TaskID.String(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "Cancelled before processing", body["error"])

	// Cancelling a terminal task reports its state
	resp = env.request(t, http.MethodDelete, "/api/v1/tasks/"+info.TaskID.String(), "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	envelope := decodeEnvelope(t, resp)
	assert.Contains(t, envelope.Message, "already cancelled")

	resp = env.request(t, http.MethodDelete, "/api/v1/tasks/"+uuid.NewString(), "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelProcessingTaskPending(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register(&task.Definition{
		Name: "poll_cancel",
		Validate: func(raw json.RawMessage) (map[string]any, error) {
			return map[string]any{}, nil
		},
		Run: func(ctx context.Context, rec *task.Record, params map[string]any) (any, error) {
			for !rec.CancelRequested() {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}
			return nil, errors.ErrCancelled
		},
	})

	env := newTestEnv(t, task.Options{Concurrency: 1}, registry, 1000)
	env.manager.Start()

	info, err := env.manager.Submit("poll_cancel", map[string]any{}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := env.manager.Get(info.TaskID)
		return ok && rec.Status() == task.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	resp := env.request(t, http.MethodDelete, "/api/v1/tasks/"+info.TaskID.String(), "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "processing", decodeBody(t, resp)["status"])

	require.Eventually(t, func() bool {
		rec, ok := env.manager.Get(info.TaskID)
		return ok && rec.Status() == task.StatusCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCancelProcessingTaskWithWait(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register(&task.Definition{
		Name: "poll_cancel",
		Validate: func(raw json.RawMessage) (map[string]any, error) {
			return map[string]any{}, nil
		},
		Run: func(ctx context.Context, rec *task.Record, params map[string]any) (any, error) {
			for !rec.CancelRequested() {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}
			return nil, errors.ErrCancelled
		},
	})

	env := newTestEnv(t, task.Options{Concurrency: 1}, registry, 1000)
	env.manager.Start()

	info, err := env.manager.Submit("poll_cancel", map[string]any{}, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, ok := env.manager.Get(info.TaskID)
		return ok && rec.Status() == task.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	resp := env.request(t, http.MethodDelete,
		"/api/v1/tasks/"+info.TaskID.String()+"?wait=true&timeout=10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decodeBody(t, resp)["status"])
}

func TestRateLimitEnvelope(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 2)

	for i := 0; i < 2; i++ {
		resp := env.request(t, http.MethodGet, "/api/v1/tasks", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := env.request(t, http.MethodGet, "/api/v1/tasks", "", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	envelope := decodeEnvelope(t, resp)
	assert.Equal(t, "rate_limited", envelope.Code)
	assert.Equal(t, "Rate limit exceeded (max requests/min).", envelope.Message)

	// A different forwarded client has its own budget
	resp = env.request(t, http.MethodGet, "/api/v1/tasks", "",
		map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, task.Options{Concurrency: 0}, nil, 1)

	// Health is never rate limited
	for i := 0; i < 3; i++ {
		resp := env.request(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if i == 0 {
			body := decodeBody(t, resp)
			assert.Equal(t, "ok", body["status"])
			assert.Contains(t, body["task_types"], "compute_sum")
		} else {
			resp.Body.Close()
		}
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientKey(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientKey(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ""
	assert.Equal(t, "unknown", clientKey(req))
}
