// Package db persists the recent-executions history and the per-execution
// event log in sqlite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zsprackett/execwatch/internal/execution"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS recent_executions (
			execution_id  TEXT PRIMARY KEY,
			sort_order    INTEGER NOT NULL,
			agent_id      TEXT NOT NULL DEFAULT '',
			agent_name    TEXT NOT NULL DEFAULT '',
			task_id       TEXT NOT NULL DEFAULT '',
			task_name     TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			started_at    INTEGER NOT NULL DEFAULT 0,
			completed_at  INTEGER NOT NULL DEFAULT 0,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create recent_executions: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS execution_events (
			id           INTEGER PRIMARY KEY,
			execution_id TEXT NOT NULL,
			ts           INTEGER NOT NULL,
			event_type   TEXT NOT NULL,
			detail       TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create execution_events: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_execution_events_execution_id ON execution_events(execution_id, ts DESC)`); err != nil {
		return fmt.Errorf("index execution_events: %w", err)
	}
	return nil
}

// ReplaceRecentExecutions swaps the cached history for list, keeping its
// order.
func (d *DB) ReplaceRecentExecutions(list []execution.Summary) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM recent_executions"); err != nil {
		return err
	}
	for i, s := range list {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO recent_executions (
				execution_id, sort_order, agent_id, agent_name, task_id, task_name,
				status, started_at, completed_at, duration_ms, error_message
			) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			s.ExecutionID, i, s.AgentID, s.AgentName, s.TaskID, s.TaskName,
			string(s.Status), unixMilli(s.StartedAt.Time), unixMilli(s.CompletedAt.Time), s.DurationMs, s.ErrorMessage,
		); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)",
		metaRecentRefreshed, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) LoadRecentExecutions(limit int) ([]execution.Summary, error) {
	rows, err := d.sql.Query(`
		SELECT execution_id, agent_id, agent_name, task_id, task_name,
			status, started_at, completed_at, duration_ms, error_message
		FROM recent_executions ORDER BY sort_order LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []execution.Summary
	for rows.Next() {
		var s execution.Summary
		var status string
		var startedAt, completedAt int64
		if err := rows.Scan(&s.ExecutionID, &s.AgentID, &s.AgentName, &s.TaskID, &s.TaskName,
			&status, &startedAt, &completedAt, &s.DurationMs, &s.ErrorMessage); err != nil {
			return nil, err
		}
		s.Status = execution.Status(status)
		s.StartedAt = execution.Timestamp{Time: fromUnixMilli(startedAt)}
		s.CompletedAt = execution.Timestamp{Time: fromUnixMilli(completedAt)}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentRefreshedAt returns when the history cache was last replaced, or the
// zero time if it never was.
func (d *DB) RecentRefreshedAt() time.Time {
	v, _ := d.GetMeta(metaRecentRefreshed)
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (d *DB) InsertExecutionEvent(e ExecutionEvent) error {
	_, err := d.sql.Exec(
		`INSERT INTO execution_events (execution_id, ts, event_type, detail) VALUES (?, ?, ?, ?)`,
		e.ExecutionID, e.Ts.UnixMilli(), e.EventType, e.Detail,
	)
	return err
}

// GetExecutionEvents returns the newest events for executionID first.
func (d *DB) GetExecutionEvents(executionID string, limit int) ([]ExecutionEvent, error) {
	rows, err := d.sql.Query(
		`SELECT id, execution_id, ts, event_type, detail
		 FROM execution_events
		 WHERE execution_id = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		executionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ExecutionEvent
	for rows.Next() {
		var e ExecutionEvent
		var ts int64
		if err := rows.Scan(&e.ID, &e.ExecutionID, &ts, &e.EventType, &e.Detail); err != nil {
			return nil, err
		}
		e.Ts = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneExecutionEvents deletes events older than before and returns how many
// were removed.
func (d *DB) PruneExecutionEvents(before time.Time) (int64, error) {
	res, err := d.sql.Exec("DELETE FROM execution_events WHERE ts < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

const metaRecentRefreshed = "recent_refreshed_at"

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
