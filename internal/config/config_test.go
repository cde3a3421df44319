// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

// clearEnv blanks every variable Load reads so host environments cannot
// bleed into the assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AGENT_CONFIG_FILE", "AGENT_DB_PATH", "AGENT_LISTEN_ADDR", "AGENT_WORKER_ID",
		"AGENT_REDIS_ADDR", "AGENT_WORKER_CONCURRENCY", "AGENT_HEARTBEAT_INTERVAL_MS",
		"AGENT_FOLLOWUP_MAX_DEPTH", "CANVAS_AGENT_TRANSCRIPT_WINDOW_MS",
		"AGENT_COALESCE_TASKS", "COST_SEARCH_PER_MINUTE_LIMIT", "AGENT_DISPATCH_RATE_PER_MINUTE",
		"AGENT_LEASE_TTL_MS", "AGENT_CLAIM_INTERVAL_MS", "AGENT_MAX_ATTEMPTS",
		"AGENT_BACKOFF_BASE_MS", "AGENT_BACKOFF_CAP_MS",
		"AGENT_QUEUE_AGE_BONUS_SEC", "AGENT_QUEUE_MAX_STARVATION_SEC",
		"AGENT_REPLAY_RETENTION_DAYS", "AGENT_REPLAY_QUEUE_MAX", "AGENT_REPLAY_BATCH_SIZE",
		"AGENT_REPLAY_FLUSH_MS", "AGENT_REPLAY_INLINE_MAX_BYTES",
		"AGENT_REPLAY_BLOB_MAX_BYTES", "AGENT_REPLAY_PREVIEW_CHARS",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "agent-core.db", cfg.DBPath)
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 20*time.Second, cfg.TranscriptWindow)
	assert.Equal(t, 10, cfg.SearchPerMinuteLimit)
	assert.Equal(t, 120, cfg.DispatchRatePerMinute)
	assert.Empty(t, cfg.CoalesceTasks)
	assert.Equal(t, 60*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 14, cfg.Replay.RetentionDays)
	assert.Equal(t, 2048, cfg.Replay.QueueMax)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_DB_PATH", "/var/lib/agent/core.db")
	t.Setenv("AGENT_LISTEN_ADDR", ":9000")
	t.Setenv("AGENT_WORKER_CONCURRENCY", "8")
	t.Setenv("AGENT_LEASE_TTL_MS", "30000")
	t.Setenv("CANVAS_AGENT_TRANSCRIPT_WINDOW_MS", "45000")
	t.Setenv("COST_SEARCH_PER_MINUTE_LIMIT", "25")
	t.Setenv("AGENT_COALESCE_TASKS", "canvas.autorun, canvas.refresh ,")
	t.Setenv("AGENT_REPLAY_RETENTION_DAYS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/agent/core.db", cfg.DBPath)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Queue.LeaseTTL)
	assert.Equal(t, 45*time.Second, cfg.TranscriptWindow)
	assert.Equal(t, 25, cfg.SearchPerMinuteLimit)
	assert.Equal(t, []string{"canvas.autorun", "canvas.refresh"}, cfg.CoalesceTasks)
	assert.Equal(t, 7, cfg.Replay.RetentionDays)
}

func TestLoadYAMLFileThenEnvWins(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /from/yaml.db
listen_addr: ":7000"
search_per_minute_limit: 99
coalesce_tasks:
  - canvas.autorun
replay:
  retention_days: 3
`), 0o600))
	t.Setenv("AGENT_CONFIG_FILE", path)
	t.Setenv("AGENT_LISTEN_ADDR", ":7001")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/from/yaml.db", cfg.DBPath)
	assert.Equal(t, ":7001", cfg.ListenAddr, "environment overrides the file")
	assert.Equal(t, 99, cfg.SearchPerMinuteLimit)
	assert.Equal(t, []string{"canvas.autorun"}, cfg.CoalesceTasks)
	assert.Equal(t, 3, cfg.Replay.RetentionDays)
}

func TestLoadMissingFileFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero concurrency", func(c *Config) { c.WorkerConcurrency = 0 }},
		{"lease ttl below floor", func(c *Config) { c.Queue.LeaseTTL = time.Second }},
		{"zero max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"negative followup depth", func(c *Config) { c.FollowupMaxDepth = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateClampsReplayFloors(t *testing.T) {
	cfg := Defaults()
	cfg.Replay = Replay{
		RetentionDays:  0,
		QueueMax:       1,
		BatchSize:      0,
		FlushInterval:  time.Millisecond,
		InlineMaxBytes: 1,
		BlobMaxBytes:   1,
		PreviewChars:   1,
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Replay.RetentionDays)
	assert.Equal(t, 16, cfg.Replay.QueueMax)
	assert.Equal(t, 1, cfg.Replay.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Replay.FlushInterval)
	assert.Equal(t, 256, cfg.Replay.InlineMaxBytes)
	assert.Equal(t, 1024, cfg.Replay.BlobMaxBytes)
	assert.Equal(t, 32, cfg.Replay.PreviewChars)
}

func TestManagerReloadAppliesTunableSubset(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search_per_minute_limit: 10\n"), 0o600))
	t.Setenv("AGENT_CONFIG_FILE", path)

	initial, err := Load()
	require.NoError(t, err)
	initial.WorkerConcurrency = 7 // topology knob, must survive reloads

	m := NewManager(initial)
	var seen []int
	m.OnReload(func(c Config) { seen = append(seen, c.SearchPerMinuteLimit) })

	require.NoError(t, os.WriteFile(path, []byte("search_per_minute_limit: 42\nworker_concurrency: 99\n"), 0o600))
	m.reload(testLogger())

	cur := m.Current()
	assert.Equal(t, 42, cur.SearchPerMinuteLimit)
	assert.Equal(t, 7, cur.WorkerConcurrency, "topology is not reloaded")
	assert.Equal(t, []int{42}, seen)
}

func TestManagerReloadKeepsSnapshotOnError(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search_per_minute_limit: 10\n"), 0o600))
	t.Setenv("AGENT_CONFIG_FILE", path)

	initial, err := Load()
	require.NoError(t, err)
	m := NewManager(initial)

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	m.reload(testLogger())

	assert.Equal(t, 10, m.Current().SearchPerMinuteLimit)
}
