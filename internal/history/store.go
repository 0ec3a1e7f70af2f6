// Package history keeps a local journal of answered requests so the
// CLI can show what was asked and how it went.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one answered request.
type Entry struct {
	ID       int64
	AskedAt  time.Time
	Request  string
	Kind     string
	Items    int
	Failures int
	Duration time.Duration
	Outcome  string
}

// Store is a sqlite-backed journal.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	asked_at  INTEGER NOT NULL,
	request   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	items     INTEGER NOT NULL,
	failures  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_asked_at ON requests(asked_at);
`

// Open creates or opens the journal at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.AskedAt.IsZero() {
		e.AskedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (asked_at, request, kind, items, failures, duration_ms, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AskedAt.UnixMilli(), e.Request, e.Kind, e.Items, e.Failures,
		e.Duration.Milliseconds(), e.Outcome)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// Recent returns the latest n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asked_at, request, kind, items, failures, duration_ms, outcome
		 FROM requests ORDER BY asked_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var askedAt, durationMS int64
		if err := rows.Scan(&e.ID, &askedAt, &e.Request, &e.Kind, &e.Items,
			&e.Failures, &durationMS, &e.Outcome); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.AskedAt = time.UnixMilli(askedAt)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
