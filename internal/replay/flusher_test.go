// SPDX-License-Identifier: MIT

package replay

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presenthq/agent-core/internal/config"
	"github.com/presenthq/agent-core/internal/persistence/sqlite"
)

func TestFlushWritesBatchWithBlobs(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, StoreOptions{})
	require.NoError(t, err)

	cfg := config.Defaults().Replay
	cfg.InlineMaxBytes = 32
	rec := NewRecorder(cfg, nil)
	f := NewFlusher(rec, store, time.Second)

	require.True(t, rec.Record(Sample{
		TaskID:    "task-1",
		EventType: "model_call",
		Status:    "succeeded",
		Stream:    StreamModelIO,
		Provider:  "openai",
		Input:     bytes.Repeat([]byte("p"), 100),
		Output:    []byte(`{"ok":true}`),
	}))
	require.True(t, rec.Record(Sample{
		TaskID:    "task-1",
		Source:    "search.web",
		EventType: "tool_call",
		Status:    "failed",
		Stream:    StreamToolIO,
		Error:     "timeout",
	}))

	f.Flush(context.Background())
	assert.Equal(t, 0, rec.Len(), "queue drained on successful flush")

	var events, modelRows, toolRows, blobs int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM agent_trace_events").Scan(&events))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM agent_model_io").Scan(&modelRows))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM agent_tool_io").Scan(&toolRows))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM agent_io_blobs").Scan(&blobs))
	assert.Equal(t, 2, events)
	assert.Equal(t, 1, modelRows)
	assert.Equal(t, 1, toolRows)
	assert.Equal(t, 1, blobs, "oversized input landed as sidecar")
}

func TestFlushIdempotentAcrossRedelivery(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, StoreOptions{})
	require.NoError(t, err)

	rec := NewRecorder(config.Defaults().Replay, nil)
	f := NewFlusher(rec, store, time.Second)

	sample := Sample{
		TaskID:    "task-1",
		EventType: "model_call",
		Status:    "succeeded",
		Stream:    StreamModelIO,
		Sequence:  7,
	}
	require.True(t, rec.Record(sample))
	f.Flush(context.Background())
	require.True(t, rec.Record(sample))
	f.Flush(context.Background())

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM agent_trace_events").Scan(&n))
	assert.Equal(t, 1, n, "deterministic event id dedupes re-emission")
}

func TestFlushFailureRequeuesBatch(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	store, err := NewStore(db, StoreOptions{})
	require.NoError(t, err)

	rec := NewRecorder(config.Defaults().Replay, nil)
	f := NewFlusher(rec, store, time.Second)

	require.True(t, rec.Record(Sample{
		TaskID:    "task-1",
		EventType: "model_call",
		Status:    "succeeded",
		Stream:    StreamModelIO,
	}))

	// A closed handle fails batch, retry and isolation writes alike.
	require.NoError(t, db.Close())
	f.Flush(context.Background())

	assert.Equal(t, 1, rec.Len(), "nothing landed, batch requeued")
	assert.Greater(t, f.nextInterval(), time.Second, "reschedule delay doubled")
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, StoreOptions{})
	require.NoError(t, err)

	rec := NewRecorder(config.Defaults().Replay, nil)
	f := NewFlusher(rec, store, time.Second)
	f.Flush(context.Background())
	assert.Equal(t, 0, rec.Len())
}

func TestRunFinalFlushOnShutdown(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, StoreOptions{})
	require.NoError(t, err)

	rec := NewRecorder(config.Defaults().Replay, nil)
	f := NewFlusher(rec, store, time.Hour) // timer never fires in-test

	require.True(t, rec.Record(Sample{
		TaskID:    "task-1",
		EventType: "model_call",
		Status:    "succeeded",
		Stream:    StreamModelIO,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 0, rec.Len(), "shutdown flush drained the queue")
}
