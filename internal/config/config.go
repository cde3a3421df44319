// SPDX-License-Identifier: MIT

// Package config loads the agent core configuration. Configuration is
// env-first; an optional YAML file provides base values which the
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Replay holds the telemetry pipeline quotas. All fields have safe floors
// enforced by Validate, not at use sites.
type Replay struct {
	RetentionDays  int           `yaml:"retention_days"`
	QueueMax       int           `yaml:"queue_max"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_ms"`
	InlineMaxBytes int           `yaml:"inline_max_bytes"`
	BlobMaxBytes   int           `yaml:"blob_max_bytes"`
	PreviewChars   int           `yaml:"preview_chars"`
}

// Queue holds queue and retry tuning.
type Queue struct {
	LeaseTTL         time.Duration `yaml:"lease_ttl_ms"`
	ClaimInterval    time.Duration `yaml:"claim_interval_ms"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base_ms"`
	BackoffCap       time.Duration `yaml:"backoff_cap_ms"`
	AgeBonus         time.Duration `yaml:"age_bonus_sec"`
	MaxStarvationTTL time.Duration `yaml:"max_starvation_ttl_sec"`
}

// Config is the immutable runtime configuration of the daemon.
type Config struct {
	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`
	WorkerID   string `yaml:"worker_id"`
	RedisAddr  string `yaml:"redis_addr"`

	WorkerConcurrency int           `yaml:"worker_concurrency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval_ms"`
	FollowupMaxDepth  int           `yaml:"followup_max_depth"`

	TranscriptWindow      time.Duration `yaml:"transcript_window_ms"`
	SearchPerMinuteLimit  int           `yaml:"search_per_minute_limit"`
	DispatchRatePerMinute int           `yaml:"dispatch_rate_per_minute"`

	// CoalesceTasks lists task names whose queued siblings merge instead of
	// stacking up.
	CoalesceTasks []string `yaml:"coalesce_tasks"`

	Queue  Queue  `yaml:"queue"`
	Replay Replay `yaml:"replay"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DBPath:                "agent-core.db",
		ListenAddr:            ":8090",
		WorkerConcurrency:     4,
		HeartbeatInterval:     5 * time.Second,
		FollowupMaxDepth:      3,
		TranscriptWindow:      20 * time.Second,
		SearchPerMinuteLimit:  10,
		DispatchRatePerMinute: 120,
		Queue: Queue{
			LeaseTTL:         60 * time.Second,
			ClaimInterval:    500 * time.Millisecond,
			MaxAttempts:      5,
			BackoffBase:      time.Second,
			BackoffCap:       2 * time.Minute,
			AgeBonus:         30 * time.Second,
			MaxStarvationTTL: 10 * time.Minute,
		},
		Replay: Replay{
			RetentionDays:  14,
			QueueMax:       2048,
			BatchSize:      64,
			FlushInterval:  1500 * time.Millisecond,
			InlineMaxBytes: 16 * 1024,
			BlobMaxBytes:   512 * 1024,
			PreviewChars:   512,
		},
	}
}

// Load assembles the configuration: defaults, then the optional YAML file
// named by AGENT_CONFIG_FILE, then the environment.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("AGENT_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DBPath = ParseString("AGENT_DB_PATH", c.DBPath)
	c.ListenAddr = ParseString("AGENT_LISTEN_ADDR", c.ListenAddr)
	c.WorkerID = ParseString("AGENT_WORKER_ID", c.WorkerID)
	c.RedisAddr = ParseString("AGENT_REDIS_ADDR", c.RedisAddr)

	c.WorkerConcurrency = ParseInt("AGENT_WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.HeartbeatInterval = ParseMillis("AGENT_HEARTBEAT_INTERVAL_MS", c.HeartbeatInterval)
	c.FollowupMaxDepth = ParseInt("AGENT_FOLLOWUP_MAX_DEPTH", c.FollowupMaxDepth)

	c.TranscriptWindow = ParseMillis("CANVAS_AGENT_TRANSCRIPT_WINDOW_MS", c.TranscriptWindow)
	if raw := ParseString("AGENT_COALESCE_TASKS", strings.Join(c.CoalesceTasks, ",")); raw != "" {
		c.CoalesceTasks = c.CoalesceTasks[:0]
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.CoalesceTasks = append(c.CoalesceTasks, name)
			}
		}
	}
	c.SearchPerMinuteLimit = ParseInt("COST_SEARCH_PER_MINUTE_LIMIT", c.SearchPerMinuteLimit)
	c.DispatchRatePerMinute = ParseInt("AGENT_DISPATCH_RATE_PER_MINUTE", c.DispatchRatePerMinute)

	c.Queue.LeaseTTL = ParseMillis("AGENT_LEASE_TTL_MS", c.Queue.LeaseTTL)
	c.Queue.ClaimInterval = ParseMillis("AGENT_CLAIM_INTERVAL_MS", c.Queue.ClaimInterval)
	c.Queue.MaxAttempts = ParseInt("AGENT_MAX_ATTEMPTS", c.Queue.MaxAttempts)
	c.Queue.BackoffBase = ParseMillis("AGENT_BACKOFF_BASE_MS", c.Queue.BackoffBase)
	c.Queue.BackoffCap = ParseMillis("AGENT_BACKOFF_CAP_MS", c.Queue.BackoffCap)
	c.Queue.AgeBonus = time.Duration(ParseInt("AGENT_QUEUE_AGE_BONUS_SEC", int(c.Queue.AgeBonus/time.Second))) * time.Second
	c.Queue.MaxStarvationTTL = time.Duration(ParseInt("AGENT_QUEUE_MAX_STARVATION_SEC", int(c.Queue.MaxStarvationTTL/time.Second))) * time.Second

	c.Replay.RetentionDays = ParseInt("AGENT_REPLAY_RETENTION_DAYS", c.Replay.RetentionDays)
	c.Replay.QueueMax = ParseInt("AGENT_REPLAY_QUEUE_MAX", c.Replay.QueueMax)
	c.Replay.BatchSize = ParseInt("AGENT_REPLAY_BATCH_SIZE", c.Replay.BatchSize)
	c.Replay.FlushInterval = ParseMillis("AGENT_REPLAY_FLUSH_MS", c.Replay.FlushInterval)
	c.Replay.InlineMaxBytes = ParseInt("AGENT_REPLAY_INLINE_MAX_BYTES", c.Replay.InlineMaxBytes)
	c.Replay.BlobMaxBytes = ParseInt("AGENT_REPLAY_BLOB_MAX_BYTES", c.Replay.BlobMaxBytes)
	c.Replay.PreviewChars = ParseInt("AGENT_REPLAY_PREVIEW_CHARS", c.Replay.PreviewChars)
}

// Validate checks required fields and clamps quota floors.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: AGENT_DB_PATH must not be empty")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: AGENT_WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency)
	}
	if c.Queue.LeaseTTL < 5*time.Second {
		return fmt.Errorf("config: AGENT_LEASE_TTL_MS must be >= 5000, got %d", c.Queue.LeaseTTL.Milliseconds())
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: AGENT_MAX_ATTEMPTS must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.FollowupMaxDepth < 0 {
		return fmt.Errorf("config: AGENT_FOLLOWUP_MAX_DEPTH must be >= 0, got %d", c.FollowupMaxDepth)
	}
	if c.DispatchRatePerMinute < 0 {
		// Zero disables the dispatch limiter.
		c.DispatchRatePerMinute = 0
	}

	// Replay quota floors. Values below the floor are clamped, not rejected:
	// a misconfigured telemetry pipeline must never keep the daemon down.
	clampInt(&c.Replay.RetentionDays, 1)
	clampInt(&c.Replay.QueueMax, 16)
	clampInt(&c.Replay.BatchSize, 1)
	clampInt(&c.Replay.InlineMaxBytes, 256)
	clampInt(&c.Replay.BlobMaxBytes, 1024)
	clampInt(&c.Replay.PreviewChars, 32)
	if c.Replay.FlushInterval < 250*time.Millisecond {
		c.Replay.FlushInterval = 250 * time.Millisecond
	}
	return nil
}

func clampInt(v *int, floor int) {
	if *v < floor {
		*v = floor
	}
}
