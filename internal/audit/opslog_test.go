// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presenthq/agent-core/internal/persistence/sqlite"
)

func TestOpsLogAppendAndRecent(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ops, err := NewOpsLog(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ops.Append(ctx, "alice", "task.cancel", "task-1", "cancelled=true"))
	require.NoError(t, ops.Append(ctx, "api", "retention.sweep", "replay", "deleted=12"))

	entries, err := ops.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "api", entries[0].Actor, "newest first")
	assert.Equal(t, "retention.sweep", entries[0].Action)
	assert.Equal(t, "task.cancel", entries[1].Action)
	assert.Equal(t, "task-1", entries[1].Subject)
	assert.Equal(t, "cancelled=true", entries[1].Detail)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestOpsLogRecentHonorsLimit(t *testing.T) {
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ops, err := NewOpsLog(db)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, ops.Append(ctx, "api", "task.cancel", fmt.Sprintf("task-%d", i), ""))
	}

	entries, err := ops.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, "task-4", entries[0].Subject)
}
