// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/presenthq/agent-core/internal/log"
)

// Manager holds the live configuration and re-reads the optional config file
// when it changes on disk. Only the runtime-tunable subset (replay quotas,
// search budget) is applied on reload; topology knobs require a restart.
type Manager struct {
	mu       sync.RWMutex
	current  Config
	onReload []func(Config)
}

// NewManager wraps an initially loaded configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{current: cfg}
}

// Current returns the live configuration snapshot.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback invoked with the new snapshot after a
// successful reload. Callbacks run on the watcher goroutine.
func (m *Manager) OnReload(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Watch blocks until ctx is done, reloading when the config file changes.
// It is a no-op when AGENT_CONFIG_FILE is not set.
func (m *Manager) Watch(ctx context.Context) error {
	path := os.Getenv("AGENT_CONFIG_FILE")
	if path == "" {
		<-ctx.Done()
		return nil
	}

	logger := log.WithComponent("config.reload")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload(logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (m *Manager) reload(logger zerolog.Logger) {
	next, err := Load()
	if err != nil {
		logger.Warn().Err(err).Msg("config reload failed, keeping previous snapshot")
		return
	}

	m.mu.Lock()
	// Tunable subset only.
	m.current.Replay = next.Replay
	m.current.SearchPerMinuteLimit = next.SearchPerMinuteLimit
	m.current.TranscriptWindow = next.TranscriptWindow
	snap := m.current
	callbacks := append([]func(Config){}, m.onReload...)
	m.mu.Unlock()

	logger.Info().
		Int("replay_queue_max", snap.Replay.QueueMax).
		Int("search_per_minute_limit", snap.SearchPerMinuteLimit).
		Msg("configuration reloaded")

	for _, fn := range callbacks {
		fn(snap)
	}
}
