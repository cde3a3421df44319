// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const hbTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Health of a worker derived from heartbeat age.
type Health string

const (
	HealthOnline   Health = "online"
	HealthDegraded Health = "degraded"
	HealthOffline  Health = "offline"
)

// Heartbeat is one worker's liveness row.
type Heartbeat struct {
	WorkerID    string
	Host        string
	PID         int
	Version     string
	ActiveTasks int
	QueueLagMS  int64
	UpdatedAt   time.Time
}

// Health derives the liveness bucket at the given instant.
func (h Heartbeat) Health(now time.Time) Health {
	age := now.Sub(h.UpdatedAt)
	switch {
	case age <= 10*time.Second:
		return HealthOnline
	case age <= 30*time.Second:
		return HealthDegraded
	default:
		return HealthOffline
	}
}

// HeartbeatStore persists worker heartbeats.
type HeartbeatStore struct {
	db *sql.DB
}

// NewHeartbeatStore wraps a database handle, creating the table if needed.
func NewHeartbeatStore(db *sql.DB) (*HeartbeatStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_worker_heartbeats (
		worker_id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		pid INTEGER NOT NULL,
		version TEXT,
		active_tasks INTEGER NOT NULL DEFAULT 0,
		queue_lag_ms INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("heartbeat store: migrate: %w", err)
	}
	return &HeartbeatStore{db: db}, nil
}

// Publish upserts the worker's heartbeat row.
func (s *HeartbeatStore) Publish(ctx context.Context, hb Heartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_worker_heartbeats (worker_id, host, pid, version, active_tasks, queue_lag_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			host = excluded.host,
			pid = excluded.pid,
			version = excluded.version,
			active_tasks = excluded.active_tasks,
			queue_lag_ms = excluded.queue_lag_ms,
			updated_at = excluded.updated_at`,
		hb.WorkerID, hb.Host, hb.PID, hb.Version, hb.ActiveTasks, hb.QueueLagMS,
		hb.UpdatedAt.UTC().Format(hbTimeLayout))
	return err
}

// List returns all heartbeat rows, most recent first.
func (s *HeartbeatStore) List(ctx context.Context) ([]Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, host, pid, COALESCE(version, ''), active_tasks, queue_lag_ms, updated_at
		FROM agent_worker_heartbeats
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		var updatedAt string
		if err := rows.Scan(&hb.WorkerID, &hb.Host, &hb.PID, &hb.Version, &hb.ActiveTasks, &hb.QueueLagMS, &updatedAt); err != nil {
			return nil, err
		}
		hb.UpdatedAt, _ = time.Parse(hbTimeLayout, updatedAt)
		out = append(out, hb)
	}
	return out, rows.Err()
}

// Reap deletes heartbeat rows not updated since the cutoff.
func (s *HeartbeatStore) Reap(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_worker_heartbeats WHERE updated_at < ?`,
		cutoff.UTC().Format(hbTimeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
