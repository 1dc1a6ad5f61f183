// Package diag persists connection diagnostics across runs: every state
// transition the resilience controller records can be journaled to a small
// SQLite file for post-hoc analysis of flaky links.
package diag

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one journaled state transition.
type Entry struct {
	ID     int64     `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Journal wraps the SQLite diagnostics database.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal at path, creating parent directories as
// needed.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// WAL keeps writers from blocking the occasional reader.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure journal: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			reason     TEXT,
			at         INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create transitions table: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

// RecordTransition appends one state-machine edge.
func (j *Journal) RecordTransition(from, to, reason string, at time.Time) error {
	_, err := j.db.Exec(
		`INSERT INTO transitions (from_state, to_state, reason, at) VALUES (?, ?, ?, ?)`,
		from, to, reason, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Recent returns up to limit transitions, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, from_state, to_state, reason, at FROM transitions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var reason sql.NullString
		var at int64
		if err := rows.Scan(&e.ID, &e.From, &e.To, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.Reason = reason.String
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
