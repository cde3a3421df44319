// SPDX-License-Identifier: MIT

package replay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// Store persists replay rows. Inserts use ON CONFLICT DO NOTHING semantics:
// event ids are deterministic, so duplicate delivery is expected and benign.
type Store struct {
	db *sql.DB

	// hasTraceEvents tracks whether the agent_trace_events table exists.
	// Older stores lack it; the pipeline then skips the common-row stream
	// instead of failing every flush.
	hasTraceEvents atomic.Bool
}

// StoreOptions controls schema management at open time.
type StoreOptions struct {
	SkipMigrate bool
}

// NewStore wraps a database handle and probes replay capabilities.
func NewStore(db *sql.DB, opts StoreOptions) (*Store, error) {
	s := &Store{db: db}
	if !opts.SkipMigrate {
		if err := s.migrate(); err != nil {
			return nil, fmt.Errorf("replay store: migrate: %w", err)
		}
	}
	s.probeCapabilities()
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_trace_events (
		event_id TEXT PRIMARY KEY,
		task_id TEXT,
		trace_id TEXT,
		request_id TEXT,
		intent_id TEXT,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		provider TEXT,
		model TEXT,
		provider_source TEXT,
		provider_path TEXT,
		provider_request_id TEXT,
		input_payload TEXT,
		output_payload TEXT,
		metadata TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trace_events_trace ON agent_trace_events(trace_id);
	CREATE INDEX IF NOT EXISTS idx_trace_events_task ON agent_trace_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_trace_events_expires ON agent_trace_events(expires_at);

	CREATE TABLE IF NOT EXISTS agent_io_blobs (
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('input','output')),
		payload BLOB NOT NULL,
		sha256 TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		truncated INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (event_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_io_blobs_expires ON agent_io_blobs(expires_at);

	CREATE TABLE IF NOT EXISTS agent_model_io (
		event_id TEXT PRIMARY KEY,
		task_id TEXT,
		trace_id TEXT,
		provider TEXT,
		model TEXT,
		status TEXT NOT NULL,
		input_payload TEXT,
		output_payload TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_io_expires ON agent_model_io(expires_at);

	CREATE TABLE IF NOT EXISTS agent_tool_io (
		event_id TEXT PRIMARY KEY,
		task_id TEXT,
		trace_id TEXT,
		tool TEXT NOT NULL,
		status TEXT NOT NULL,
		input_payload TEXT,
		output_payload TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_io_expires ON agent_tool_io(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) probeCapabilities() {
	_, err := s.db.Exec("SELECT event_id FROM agent_trace_events LIMIT 0")
	s.hasTraceEvents.Store(err == nil)
}

// HasTraceEventsTable reports whether the common event stream can persist.
func (s *Store) HasTraceEventsTable() bool { return s.hasTraceEvents.Load() }

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func nullStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullJSON(v []byte) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

// InsertEvents writes a batch of common event rows inside one transaction.
// Duplicate event ids are ignored.
func (s *Store) InsertEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	if !s.hasTraceEvents.Load() {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO agent_trace_events (
					event_id, task_id, trace_id, request_id, intent_id,
					source, event_type, status, provider, model,
					provider_source, provider_path, provider_request_id,
					input_payload, output_payload, metadata, error,
					created_at, expires_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.EventID, nullStr(e.TaskID), nullStr(e.TraceID), nullStr(e.RequestID), nullStr(e.IntentID),
				e.Source, e.EventType, e.Status, nullStr(e.Provider), nullStr(e.Model),
				nullStr(e.ProviderSource), nullStr(e.ProviderPath), nullStr(e.ProviderRequestID),
				nullJSON(e.InputPayload), nullJSON(e.OutputPayload), nullJSON(e.Metadata), nullStr(e.Error),
				fmtTime(e.CreatedAt), fmtTime(e.ExpiresAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if isMissingTable(err) {
		s.probeCapabilities()
		return nil
	}
	return err
}

// InsertEvent writes a single common event row (isolation path).
func (s *Store) InsertEvent(ctx context.Context, e *Event) error {
	return s.InsertEvents(ctx, []*Event{e})
}

// InsertStreamRows writes the stream-specific rows of a batch.
func (s *Store) InsertStreamRows(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			if err := insertStreamRow(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertStreamRow writes one stream-specific row (isolation path).
func (s *Store) InsertStreamRow(ctx context.Context, e *Event) error {
	return s.InsertStreamRows(ctx, []*Event{e})
}

func insertStreamRow(ctx context.Context, tx *sql.Tx, e *Event) error {
	switch e.Stream {
	case StreamModelIO:
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_model_io (
				event_id, task_id, trace_id, provider, model, status,
				input_payload, output_payload, error, created_at, expires_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EventID, nullStr(e.TaskID), nullStr(e.TraceID), nullStr(e.Provider), nullStr(e.Model), e.Status,
			nullJSON(e.InputPayload), nullJSON(e.OutputPayload), nullStr(e.Error),
			fmtTime(e.CreatedAt), fmtTime(e.ExpiresAt))
		return err
	case StreamToolIO:
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_tool_io (
				event_id, task_id, trace_id, tool, status,
				input_payload, output_payload, error, created_at, expires_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EventID, nullStr(e.TaskID), nullStr(e.TraceID), e.Source, e.Status,
			nullJSON(e.InputPayload), nullJSON(e.OutputPayload), nullStr(e.Error),
			fmtTime(e.CreatedAt), fmtTime(e.ExpiresAt))
		return err
	default:
		return fmt.Errorf("replay: unknown stream %q", e.Stream)
	}
}

// InsertBlobs writes the blob sidecars of a batch.
func (s *Store) InsertBlobs(ctx context.Context, blobs []Blob, createdAt, expiresAt time.Time) error {
	if len(blobs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, b := range blobs {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO agent_io_blobs (
					event_id, kind, payload, sha256, size_bytes, truncated, created_at, expires_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				b.EventID, string(b.Kind), b.Payload, b.SHA256, b.SizeBytes, boolInt(b.Truncated),
				fmtTime(createdAt), fmtTime(expiresAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SweepExpired deletes rows past their retention deadline, batched.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, batch int) (int64, error) {
	var total int64
	cutoff := fmtTime(now)
	for _, table := range []string{"agent_trace_events", "agent_io_blobs", "agent_model_io", "agent_tool_io"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE rowid IN (SELECT rowid FROM %s WHERE expires_at <= ? LIMIT ?)`,
			table, table), cutoff, batch)
		if isMissingTable(err) {
			continue
		}
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// ProviderMix returns event counts per provider since the given time, split
// by failure. A missing table or provider column degrades to ok=false.
func (s *Store) ProviderMix(ctx context.Context, since time.Time) (map[string]int, map[string]int, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(provider, 'unknown'), status, COUNT(*)
		FROM agent_trace_events
		WHERE created_at >= ?
		GROUP BY 1, 2`, fmtTime(since))
	if err != nil {
		if isMissingTable(err) || strings.Contains(err.Error(), "no such column") {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	defer func() { _ = rows.Close() }()

	mix := make(map[string]int)
	failures := make(map[string]int)
	for rows.Next() {
		var provider, status string
		var n int
		if err := rows.Scan(&provider, &status, &n); err != nil {
			return nil, nil, false, err
		}
		mix[provider] += n
		if status == "error" || status == "failed" {
			failures[provider] += n
		}
	}
	return mix, failures, true, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
