// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Entry is one privileged action: who did what to which subject.
type Entry struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// OpsLog is the append-only record of operator actions (cancellations,
// config reloads, retention sweeps). Rows are never updated or deleted by
// the application.
type OpsLog struct {
	db *sql.DB
}

func NewOpsLog(db *sql.DB) (*OpsLog, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_ops_audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			subject    TEXT NOT NULL,
			detail     TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ops_audit_created ON agent_ops_audit_log(created_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("create ops audit log: %w", err)
	}
	return &OpsLog{db: db}, nil
}

// Append records one action. Failures are the caller's to surface; the
// action itself must not be rolled back over a logging error.
func (l *OpsLog) Append(ctx context.Context, actor, action, subject, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO agent_ops_audit_log (actor, action, subject, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		actor, action, subject, detail, time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("append ops audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (l *OpsLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, actor, action, subject, COALESCE(detail, ''), created_at
		FROM agent_ops_audit_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ops audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Subject, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan ops audit entry: %w", err)
		}
		if t, perr := time.Parse("2006-01-02T15:04:05.000Z07:00", created); perr == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
