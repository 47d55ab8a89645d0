// Package storage holds durable sinks beside the task store: the sqlite
// audit log and the JSONL event log.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// DeletionTrace is one archived record of a removed task.
type DeletionTrace struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	Record    string    `json:"record"`
	DeletedAt time.Time `json:"deleted_at"`
}

// AuditLog archives task deletions in a sqlite database so operator deletes
// and retention purges stay inspectable after the files are gone.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (and migrates) the audit database at path.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS deletions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL,
	record TEXT NOT NULL,
	deleted_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deletions_task ON deletions(task_id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	return &AuditLog{db: db}, nil
}

// Close releases the underlying database handle.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// RecordDeletion archives the full task record before its removal.
func (a *AuditLog) RecordDeletion(t *task.Task, reason string) error {
	record, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}

	_, err = a.db.Exec(
		`INSERT INTO deletions (task_id, status, reason, record, deleted_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, string(t.Status), reason, string(record), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert deletion trace: %w", err)
	}
	return nil
}

// RecentDeletions returns the latest traces, newest first.
func (a *AuditLog) RecentDeletions(limit int) ([]DeletionTrace, error) {
	rows, err := a.db.Query(
		`SELECT task_id, status, reason, record, deleted_at FROM deletions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query deletions: %w", err)
	}
	defer rows.Close()

	var traces []DeletionTrace
	for rows.Next() {
		var tr DeletionTrace
		if err := rows.Scan(&tr.TaskID, &tr.Status, &tr.Reason, &tr.Record, &tr.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan deletion trace: %w", err)
		}
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

// CountDeletions returns how many deletion traces are archived.
func (a *AuditLog) CountDeletions() (int, error) {
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM deletions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count deletions: %w", err)
	}
	return n, nil
}
