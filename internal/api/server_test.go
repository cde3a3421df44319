// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presenthq/agent-core/internal/arbiter"
	"github.com/presenthq/agent-core/internal/audit"
	"github.com/presenthq/agent-core/internal/budget"
	"github.com/presenthq/agent-core/internal/dedupe"
	"github.com/presenthq/agent-core/internal/persistence/sqlite"
	"github.com/presenthq/agent-core/internal/queue"
)

// stubCanceller records cancel calls without a running worker.
type stubCanceller struct {
	lastID string
	ok     bool
	err    error
}

func (s *stubCanceller) Cancel(_ context.Context, id string) (bool, error) {
	s.lastID = id
	return s.ok, s.err
}

type testServer struct {
	srv       *Server
	handler   http.Handler
	queue     *queue.Queue
	canceller *stubCanceller
	opsLog    *audit.OpsLog
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := queue.NewStore(db, queue.StoreOptions{})
	require.NoError(t, err)
	q := queue.New(store, arbiter.New(), queue.Options{})

	opsLog, err := audit.NewOpsLog(db)
	require.NoError(t, err)

	c := &stubCanceller{ok: true}
	bud := budget.New()
	dispatch := dedupe.NewMemory(10*time.Second, nil)
	t.Cleanup(func() { _ = dispatch.Close() })

	srv := New(q, c, nil, opsLog, dispatch, bud, opts)
	return &testServer{
		srv:       srv,
		handler:   srv.Router(),
		queue:     q,
		canceller: c,
		opsLog:    opsLog,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Options{Version: "1.2.3"})
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestRunDispatchAccepted(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodPost, "/steward/run", map[string]any{
		"task":     "canvas.autorun",
		"room":     "room-1",
		"priority": 2,
		"params":   map[string]any{"message": "draw a chart"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Task              taskView `json:"task"`
		Deduplicated      bool     `json:"deduplicated"`
		DuplicateDispatch bool     `json:"duplicateDispatch"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Task.ID)
	assert.Equal(t, "queued", body.Task.Status)
	assert.Equal(t, 2, body.Task.Priority)
	assert.False(t, body.Deduplicated)
	assert.False(t, body.DuplicateDispatch)
	assert.Empty(t, body.Task.Result)
}

func TestRunMissingFields(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodPost, "/steward/run", map[string]any{"task": "canvas.autorun"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "missing_field", body["error"])
}

func TestRunInvalidBody(t *testing.T) {
	ts := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/steward/run", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "invalid_body", body["error"])
}

func TestRunRequestIDDedupe(t *testing.T) {
	ts := newTestServer(t, Options{})
	payload := map[string]any{
		"task":      "canvas.autorun",
		"room":      "room-1",
		"requestId": "req-1",
	}

	first := ts.do(t, http.MethodPost, "/steward/run", payload)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := ts.do(t, http.MethodPost, "/steward/run", payload)
	require.Equal(t, http.StatusAccepted, second.Code)

	var a, b struct {
		Task         taskView `json:"task"`
		Deduplicated bool     `json:"deduplicated"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.Task.ID, b.Task.ID, "same request id returns the same task")
	assert.True(t, b.Deduplicated)
}

func TestRunBlankRequestIDRejected(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodPost, "/steward/run", map[string]any{
		"task":      "canvas.autorun",
		"room":      "room-1",
		"requestId": "   ",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "blank_request_id", body["error"])
}

func TestRunTraceIDRequired(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodPost, "/steward/run", map[string]any{
		"task":           "scorecard.generate",
		"room":           "room-1",
		"requireTraceId": true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "TRACE_ID_REQUIRED", body["error"])
	assert.Contains(t, body["detail"], "TRACE_ID_REQUIRED:scorecard.generate")
}

func TestRunDuplicateDispatchSignal(t *testing.T) {
	ts := newTestServer(t, Options{})
	payload := map[string]any{"task": "canvas.autorun", "room": "room-1"}

	first := ts.do(t, http.MethodPost, "/steward/run", payload)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := ts.do(t, http.MethodPost, "/steward/run", payload)
	require.Equal(t, http.StatusAccepted, second.Code)

	var body struct {
		Task              taskView `json:"task"`
		DuplicateDispatch bool     `json:"duplicateDispatch"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.True(t, body.DuplicateDispatch, "same room+family inside the window flags a duplicate")
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &body))
	firstID := body.Task.ID
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.NotEqual(t, firstID, body.Task.ID, "the signal never blocks the dispatch")
}

func TestRunBudgetExceeded(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.srv.budget.SetPerMinute("search", 1)

	payload := map[string]any{"task": "search.query", "room": "room-1"}
	first := ts.do(t, http.MethodPost, "/steward/run", payload)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := ts.do(t, http.MethodPost, "/steward/run", payload)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	body := decode[map[string]any](t, second)
	assert.Equal(t, "budget_exceeded", body["error"])
	assert.Equal(t, "search", body["family"])
}

func TestGetTask(t *testing.T) {
	ts := newTestServer(t, Options{})
	task, err := ts.queue.Enqueue(context.Background(), queue.EnqueueInput{
		Room: "room-1", Task: "canvas.autorun",
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[taskView](t, rec)
	assert.Equal(t, task.ID, view.ID)
	assert.Equal(t, "canvas.autorun", view.Task)
}

func TestGetTaskNotFound(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodGet, "/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoomTasks(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := ts.queue.Enqueue(ctx, queue.EnqueueInput{
			Room:         "room-1",
			Task:         "canvas.autorun",
			ResourceKeys: []string{fmt.Sprintf("widget:%d", i)},
		})
		require.NoError(t, err)
	}
	_, err := ts.queue.Enqueue(ctx, queue.EnqueueInput{Room: "room-2", Task: "canvas.autorun"})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/rooms/room-1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tasks []taskView `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Tasks, 3)

	rec = ts.do(t, http.MethodGet, "/rooms/room-1/tasks?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Tasks, 2)

	rec = ts.do(t, http.MethodGet, "/rooms/room-1/tasks?limit=9999", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/rooms/room-1/tasks?status=succeeded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Tasks)
}

func TestCancelTask(t *testing.T) {
	ts := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/tasks/task-123/cancel", nil)
	req.Header.Set("X-Actor", "ops@example.com")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "task-123", body["id"])
	assert.Equal(t, true, body["cancelled"])
	assert.Equal(t, "task-123", ts.canceller.lastID)

	entries, err := ts.opsLog.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops@example.com", entries[0].Actor)
	assert.Equal(t, "task.cancel", entries[0].Action)
	assert.Equal(t, "task-123", entries[0].Subject)
}

func TestRequeueTask(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()

	task, err := ts.queue.Enqueue(ctx, queue.EnqueueInput{Room: "room-1", Task: "canvas.autorun"})
	require.NoError(t, err)

	// A queued task is not requeueable.
	rec := ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	cancelled, err := ts.queue.CancelQueued(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	req := httptest.NewRequest(http.MethodPost, "/tasks/"+task.ID+"/requeue", nil)
	req.Header.Set("X-Actor", "ops@example.com")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["requeued"])

	got, err := ts.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempt)

	entries, err := ts.opsLog.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task.requeue", entries[0].Action)
	assert.Equal(t, task.ID, entries[0].Subject)
}

func TestRequeueTaskNotFound(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodPost, "/tasks/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpsAudit(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	require.NoError(t, ts.opsLog.Append(ctx, "alice", "task.cancel", "t-1", "cancelled=true"))
	require.NoError(t, ts.opsLog.Append(ctx, "bob", "config.reload", "config", ""))

	rec := ts.do(t, http.MethodGet, "/ops/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []audit.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "bob", body.Entries[0].Actor, "newest first")
}

func TestOverviewUnavailableWithoutReporter(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodGet, "/ops/overview", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOverviewInvalidWindow(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodGet, "/ops/overview?window=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{RatePerMinute: 2})

	payload := map[string]any{"task": "canvas.autorun", "room": "room-1", "requestId": "req-1"}
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/steward/run", payload)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/steward/run", payload)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "rate_limit_exceeded", body["error"])

	// Reads stay outside the dispatch limiter.
	get := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, get.Code)
}

func TestRequestIDEchoedByMiddleware(t *testing.T) {
	ts := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "rid-42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "rid-42", rec.Header().Get("X-Request-ID"))
}

func TestPanicRecovered(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.srv.canceller = panicCanceller{}
	handler := ts.srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/tasks/x/cancel", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicCanceller struct{}

func (panicCanceller) Cancel(context.Context, string) (bool, error) { panic("boom") }
