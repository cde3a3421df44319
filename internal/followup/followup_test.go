// SPDX-License-Identifier: MIT

package followup

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presenthq/agent-core/internal/arbiter"
	"github.com/presenthq/agent-core/internal/persistence/sqlite"
	"github.com/presenthq/agent-core/internal/queue"
)

func newTestScheduler(t *testing.T, maxDepth int) (*Scheduler, *queue.Queue) {
	t.Helper()
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := queue.NewStore(db, queue.StoreOptions{})
	require.NoError(t, err)
	q := queue.New(store, arbiter.New(), queue.Options{})
	return New(q, maxDepth, nil, ""), q
}

func parentTask(room string, depth int) *queue.Task {
	params := queue.Params{
		"requestId": json.RawMessage(`"req-parent"`),
		"traceId":   json.RawMessage(`"trace-parent"`),
	}
	if depth > 0 {
		b, _ := json.Marshal(depth)
		params["followupDepth"] = b
	}
	return &queue.Task{ID: "parent-1", Room: room, Task: "canvas.autorun", Params: params}
}

func TestScheduleEnqueuesChild(t *testing.T) {
	s, q := newTestScheduler(t, 3)
	ctx := context.Background()

	ok, child, err := s.Schedule(ctx, parentTask("room-1", 0), Request{
		Task:    "canvas.autorun",
		Message: "refine the chart",
		Hint:    "use quarterly data",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, child)

	assert.Equal(t, "room-1", child.Room)
	assert.Equal(t, 1, Depth(child))
	assert.Equal(t, "trace-parent", child.TraceID)
	assert.Contains(t, child.ResourceKeys, "canvas:followup")
	assert.Contains(t, child.ResourceKeys, "followup-depth:1")
	assert.JSONEq(t, `"refine the chart"`, string(child.Params["message"]))
	assert.JSONEq(t, `"use quarterly data"`, string(child.Params["hint"]))

	got, err := q.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
}

func TestScheduleDepthBound(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	ctx := context.Background()

	ok, child, err := s.Schedule(ctx, parentTask("room-1", 2), Request{
		Task: "canvas.autorun", Message: "too deep",
	})
	require.NoError(t, err)
	assert.False(t, ok, "depth 3 exceeds bound 2")
	assert.Nil(t, child)
}

func TestScheduleFamilyDepthOverride(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := queue.NewStore(db, queue.StoreOptions{})
	require.NoError(t, err)
	q := queue.New(store, arbiter.New(), queue.Options{})

	s := New(q, 1, map[string]int{"search": 4}, "")
	assert.Equal(t, 4, s.MaxDepth("search.query"))
	assert.Equal(t, 1, s.MaxDepth("canvas.autorun"))
}

func TestScheduleIdempotentFingerprint(t *testing.T) {
	s, _ := newTestScheduler(t, 3)
	ctx := context.Background()
	parent := parentTask("room-1", 0)
	req := Request{
		Task:      "canvas.autorun",
		Message:   "same message",
		TargetIDs: []string{"b", "a"},
	}

	ok, first, err := s.Schedule(ctx, parent, req)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-emission, target order shuffled: same fingerprint, same row.
	req.TargetIDs = []string{"a", "b"}
	ok, second, err := s.Schedule(ctx, parent, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, second.ID)

	// A different message is new work.
	req.Message = "different message"
	ok, third, err := s.Schedule(ctx, parent, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestScheduleRuntimeScopeKey(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := queue.NewStore(db, queue.StoreOptions{})
	require.NoError(t, err)
	q := queue.New(store, arbiter.New(), queue.Options{})

	s := New(q, 3, nil, "runtime-a")
	ok, child, err := s.Schedule(context.Background(), parentTask("room-1", 0), Request{
		Task: "canvas.autorun", Message: "m",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, child.ResourceKeys, "runtime:runtime-a")
}

func TestDepthMissingOrMalformed(t *testing.T) {
	assert.Zero(t, Depth(&queue.Task{Params: queue.Params{}}))
	assert.Zero(t, Depth(&queue.Task{Params: queue.Params{
		"followupDepth": json.RawMessage(`"bogus"`),
	}}))
	assert.Equal(t, 2, Depth(&queue.Task{Params: queue.Params{
		"followupDepth": json.RawMessage(`2`),
	}}))
}
