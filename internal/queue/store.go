// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// timeLayout is a fixed-width UTC timestamp format. Fixed width keeps
// lexicographic ordering of stored strings equal to chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry plain RFC3339.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// Store is the typed adapter over the agent_tasks table. All mutations that
// matter for exclusivity are conditional updates on (id, lease_token) or on
// (status='queued' AND lease_token IS NULL).
type Store struct {
	db *sql.DB

	// hasTraceID tracks whether the trace_id column exists. Probed at open
	// and re-probed after schema errors, so an older store degrades instead
	// of failing every insert.
	hasTraceID atomic.Bool
}

// StoreOptions controls schema management at open time.
type StoreOptions struct {
	// SkipMigrate leaves the schema untouched, for deployments where the
	// store is provisioned externally (and may be older than this code).
	SkipMigrate bool
}

// NewStore wraps an open database handle, optionally migrating the task
// schema, and probes store capabilities.
func NewStore(db *sql.DB, opts StoreOptions) (*Store, error) {
	s := &Store{db: db}
	if !opts.SkipMigrate {
		if err := s.migrate(); err != nil {
			return nil, fmt.Errorf("queue store: migrate: %w", err)
		}
	}
	s.probeCapabilities()
	return s, nil
}

// schemaVersion tracks the task schema via PRAGMA user_version. Migrations
// are additive; bump the version when a new step is appended.
const schemaVersion = 1

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}
	schema := `
	CREATE TABLE IF NOT EXISTS agent_tasks (
		id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		task TEXT NOT NULL,
		params_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL CHECK(status IN ('queued','running','succeeded','failed','cancelled')),
		priority INTEGER NOT NULL DEFAULT 0,
		run_at TEXT,
		attempt INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		request_id TEXT,
		trace_id TEXT,
		dedupe_key TEXT,
		resource_keys_json TEXT NOT NULL DEFAULT '[]',
		lease_token TEXT,
		lease_expires_at TEXT,
		result_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_tasks_request_active
		ON agent_tasks(request_id)
		WHERE request_id IS NOT NULL AND status IN ('queued','running');

	CREATE INDEX IF NOT EXISTS idx_agent_tasks_status_runat ON agent_tasks(status, run_at);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_room ON agent_tasks(room, status);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_coalesce ON agent_tasks(task, room, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_lease ON agent_tasks(status, lease_expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// probeCapabilities refreshes the schema capability flags.
func (s *Store) probeCapabilities() {
	_, err := s.db.Exec("SELECT trace_id FROM agent_tasks LIMIT 0")
	s.hasTraceID.Store(err == nil)
}

// HasTraceIDColumn reports whether trace ids can be persisted as a column.
func (s *Store) HasTraceIDColumn() bool {
	return s.hasTraceID.Load()
}

func marshalKeys(keys []string) string {
	if len(keys) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(keys)
	return string(b)
}

func unmarshalKeys(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var keys []string
	_ = json.Unmarshal([]byte(raw), &keys)
	return keys
}

func marshalParams(p Params) string {
	if len(p) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(p)
	return string(b)
}

// Insert persists a new queued task. A uniqueness violation on the active
// request_id index is reported as a distinguished signal so the queue can
// fall back to the existing row instead of treating it as an error.
func (s *Store) Insert(ctx context.Context, t *Task) (conflict bool, err error) {
	keys := marshalKeys(t.ResourceKeys)
	params := marshalParams(t.Params)

	exec := func(withTrace bool) error {
		cols := "id, room, task, params_json, status, priority, run_at, attempt, error, request_id, dedupe_key, resource_keys_json, created_at, updated_at"
		ph := "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"
		args := []any{
			t.ID, t.Room, t.Task, params, string(t.Status), t.Priority,
			nullTime(t.RunAt), t.Attempt, nullStr(t.Error), nullStr(t.RequestID),
			nullStr(t.DedupeKey), keys, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		}
		if withTrace {
			cols += ", trace_id"
			ph += ", ?"
			args = append(args, nullStr(t.TraceID))
		}
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO agent_tasks (%s) VALUES (%s)", cols, ph), args...)
		return err
	}

	err = exec(s.hasTraceID.Load())
	if isMissingColumn(err) {
		// Schema drift: re-probe and retry without the optional column.
		s.probeCapabilities()
		err = exec(s.hasTraceID.Load())
	}
	if isUniqueViolation(err) {
		return true, nil
	}
	return false, err
}

func (s *Store) selectColumns() string {
	trace := "''"
	if s.hasTraceID.Load() {
		trace = "COALESCE(trace_id, '')"
	}
	return fmt.Sprintf(`id, room, task, params_json, status, priority, run_at, attempt,
		COALESCE(error, ''), COALESCE(request_id, ''), %s, COALESCE(dedupe_key, ''),
		resource_keys_json, COALESCE(lease_token, ''), lease_expires_at, result_json,
		created_at, updated_at`, trace)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var params, keys, status string
	var runAt, leaseExpires, result sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Room, &t.Task, &params, &status, &t.Priority,
		&runAt, &t.Attempt, &t.Error, &t.RequestID, &t.TraceID, &t.DedupeKey,
		&keys, &t.LeaseToken, &leaseExpires, &result, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	t.Status = Status(status)
	_ = json.Unmarshal([]byte(params), &t.Params)
	t.ResourceKeys = unmarshalKeys(keys)
	if runAt.Valid {
		v := parseTime(runAt.String)
		t.RunAt = &v
	}
	if leaseExpires.Valid {
		v := parseTime(leaseExpires.String)
		t.LeaseExpires = &v
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// Get returns the task with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	q := fmt.Sprintf("SELECT %s FROM agent_tasks WHERE id = ?", s.selectColumns())
	return scanTask(s.db.QueryRowContext(ctx, q, id))
}

// FindActiveByRequestID returns the queued or running task carrying the
// request id, or nil.
func (s *Store) FindActiveByRequestID(ctx context.Context, requestID string) (*Task, error) {
	q := fmt.Sprintf(`SELECT %s FROM agent_tasks
		WHERE request_id = ? AND status IN ('queued','running')
		LIMIT 1`, s.selectColumns())
	return scanTask(s.db.QueryRowContext(ctx, q, requestID))
}

// FindCoalesceTarget returns the most recent queued row matching (task, room)
// and, when set, dedupe_key, ignoring rows created before notBefore.
func (s *Store) FindCoalesceTarget(ctx context.Context, task, room, dedupeKey string, notBefore time.Time) (*Task, error) {
	q := fmt.Sprintf(`SELECT %s FROM agent_tasks
		WHERE task = ? AND room = ? AND status = 'queued' AND created_at >= ?`, s.selectColumns())
	args := []any{task, room, fmtTime(notBefore)}
	if dedupeKey != "" {
		q += " AND dedupe_key = ?"
		args = append(args, dedupeKey)
	}
	q += " ORDER BY created_at DESC LIMIT 1"
	return scanTask(s.db.QueryRowContext(ctx, q, args...))
}

// FindActiveByDedupeKey returns the queued or running task sharing
// (task, dedupe_key), or nil.
func (s *Store) FindActiveByDedupeKey(ctx context.Context, task, dedupeKey string) (*Task, error) {
	q := fmt.Sprintf(`SELECT %s FROM agent_tasks
		WHERE task = ? AND dedupe_key = ? AND status IN ('queued','running')
		LIMIT 1`, s.selectColumns())
	return scanTask(s.db.QueryRowContext(ctx, q, task, dedupeKey))
}

// MergeCoalesce replaces the params of a queued row in place (newest caller
// wins) and bumps updated_at. The write is conditional on the row still being
// queued; a claimed row must not be mutated underneath its worker.
func (s *Store) MergeCoalesce(ctx context.Context, id string, params Params, now time.Time) (*Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET params_json = ?, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		marshalParams(params), fmtTime(now), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// SelectClaimCandidates returns up to limit due queued tasks in claim order:
// effective priority (priority minus an age credit) ascending, then FIFO.
// Tasks older than maxStarvation sort ahead of everything.
func (s *Store) SelectClaimCandidates(ctx context.Context, now time.Time, limit int, ageBonus, maxStarvation time.Duration) ([]*Task, error) {
	ageBonusSec := ageBonus.Seconds()
	if ageBonusSec <= 0 {
		ageBonusSec = 30
	}
	q := fmt.Sprintf(`SELECT %s FROM agent_tasks
		WHERE status = 'queued' AND (run_at IS NULL OR run_at <= ?)
		ORDER BY
			CASE WHEN created_at <= ? THEN 1 ELSE 0 END DESC,
			priority - CAST((julianday(?) - julianday(created_at)) * 86400.0 / ? AS INTEGER) ASC,
			created_at ASC
		LIMIT ?`, s.selectColumns())
	starvedBefore := fmtTime(now.Add(-maxStarvation))
	rows, err := s.db.QueryContext(ctx, q, fmtTime(now), starvedBefore, fmtTime(now), ageBonusSec, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim transitions one queued task to running, conditioned on it being
// unleased. Losing the race is not an error; the caller moves on.
func (s *Store) Claim(ctx context.Context, id, leaseToken string, leaseExpires, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks
		 SET status = 'running', lease_token = ?, lease_expires_at = ?,
		     attempt = attempt + 1, updated_at = ?
		 WHERE id = ? AND status = 'queued' AND lease_token IS NULL`,
		leaseToken, fmtTime(leaseExpires), fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SelectStaleLeases returns running tasks whose lease deadline has passed.
func (s *Store) SelectStaleLeases(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	q := fmt.Sprintf(`SELECT %s FROM agent_tasks
		WHERE status = 'running' AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC
		LIMIT ?`, s.selectColumns())
	rows, err := s.db.QueryContext(ctx, q, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Reclaim returns a stale running task to queued, keyed on the old lease
// token so a lease that renewed in the meantime is never stolen. The attempt
// counter stays: it was bumped at claim.
func (s *Store) Reclaim(ctx context.Context, id, oldLeaseToken string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks
		 SET status = 'queued', lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running' AND lease_token = ? AND lease_expires_at <= ?`,
		fmtTime(now), id, oldLeaseToken, fmtTime(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Complete finalizes a running task, conditional on the lease token. A
// terminal status keeps the lease columns null per invariant I1.
func (s *Store) Complete(ctx context.Context, id, leaseToken string, in CompleteInput, now time.Time) error {
	if !in.Status.Terminal() {
		return fmt.Errorf("queue: complete with non-terminal status %q", in.Status)
	}
	var result sql.NullString
	if len(in.Result) > 0 {
		result = sql.NullString{String: string(in.Result), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks
		 SET status = ?, result_json = ?, error = ?, lease_token = NULL,
		     lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running' AND lease_token = ?`,
		string(in.Status), result, nullStr(in.Error), fmtTime(now), id, leaseToken)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyConditionalMiss(ctx, id)
	}
	return nil
}

// Requeue forfeits the lease and returns the task to queued without bumping
// attempt: requeue models cooperative yield, not retry.
func (s *Store) Requeue(ctx context.Context, id, leaseToken string, in RequeueInput, now time.Time) error {
	set := "status = 'queued', lease_token = NULL, lease_expires_at = NULL, updated_at = ?"
	args := []any{fmtTime(now)}
	if in.RunAt != nil {
		set += ", run_at = ?"
		args = append(args, fmtTime(*in.RunAt))
	}
	if in.ResourceKeys != nil {
		set += ", resource_keys_json = ?"
		args = append(args, marshalKeys(in.ResourceKeys))
	}
	args = append(args, id, leaseToken)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE agent_tasks SET %s WHERE id = ? AND status = 'running' AND lease_token = ?`, set),
		args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyConditionalMiss(ctx, id)
	}
	return nil
}

// RenewLease extends the lease deadline, conditional on the token.
func (s *Store) RenewLease(ctx context.Context, id, leaseToken string, leaseExpires, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND lease_token = ?`,
		fmtTime(leaseExpires), fmtTime(now), id, leaseToken)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyConditionalMiss(ctx, id)
	}
	return nil
}

// CancelQueued transitions a queued task straight to cancelled.
func (s *Store) CancelQueued(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks
		 SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RequeueTerminal puts a failed or cancelled task back on the queue for a
// fresh run. The attempt counter is preserved (it never decreases for a
// given id; the next claim bumps it); error and lease state are cleared.
func (s *Store) RequeueTerminal(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks
		 SET status = 'queued', error = NULL, run_at = NULL,
		     lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('failed','cancelled')`,
		fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// BackfillResult writes a result onto a terminal row within the grace window.
// Terminal rows are otherwise immutable (invariant I6).
func (s *Store) BackfillResult(ctx context.Context, id string, result json.RawMessage, grace time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET result_json = ?
		 WHERE id = ? AND status IN ('succeeded','failed','cancelled') AND updated_at >= ?`,
		string(result), id, fmtTime(now.Add(-grace)))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListByRoom returns tasks for a room, optionally filtered by status, newest
// first.
func (s *Store) ListByRoom(ctx context.Context, room string, status Status, limit int) ([]*Task, error) {
	q := fmt.Sprintf("SELECT %s FROM agent_tasks WHERE room = ?", s.selectColumns())
	args := []any{room}
	if status != "" {
		q += " AND status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountByStatus returns the task count per status with updated_at in the
// window.
func (s *Store) CountByStatus(ctx context.Context, since time.Time) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agent_tasks WHERE updated_at >= ? GROUP BY status`,
		fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// OldestQueuedAge returns how long the oldest due queued task has waited.
func (s *Store) OldestQueuedAge(ctx context.Context, now time.Time) (time.Duration, bool, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM agent_tasks
		 WHERE status = 'queued' AND (run_at IS NULL OR run_at <= ?)
		 ORDER BY created_at ASC LIMIT 1`,
		fmtTime(now)).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return now.Sub(parseTime(createdAt)), true, nil
}

// classifyConditionalMiss decides whether a zero-row conditional write means
// a lost lease or a vanished row.
func (s *Store) classifyConditionalMiss(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return ErrTerminal
	}
	return ErrLeaseLost
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}
