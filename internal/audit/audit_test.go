// SPDX-License-Identifier: MIT

package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerEventDefaults(t *testing.T) {
	l := NewLogger()
	require.NotNil(t, l)

	// Helper methods must not panic with empty optional fields.
	l.TaskCancel("operator", "task-1", true)
	l.TaskCancel("operator", "task-2", false)
	l.TaskRequeue("operator", "task-3")
	l.OverviewAccess("operator", 6*time.Hour)
	l.ConfigReload("system", "success", nil)
	l.RetentionSweep(17, 250*time.Millisecond)
	l.RateLimitExceeded("10.0.0.1", "/steward/run")
}

func TestEventTypeValues(t *testing.T) {
	assert.Equal(t, EventType("task.cancel"), EventTaskCancel)
	assert.Equal(t, EventType("task.requeue"), EventTaskRequeue)
	assert.Equal(t, EventType("config.reload"), EventConfigReload)
	assert.Equal(t, EventType("retention.sweep"), EventRetentionSweep)
	assert.Equal(t, EventType("overview.access"), EventOverviewAccess)
}
