// Package sqlite persists agentloop threads in a SQLite database using the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/skosovsky/agentloop"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	id TEXT,
	role TEXT NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (thread_id, seq)
);`

// Store is a SQLite-backed agentloop.Store. Messages are append-only rows keyed by
// (thread, position).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema exists.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and creates the tables if needed.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, id string) (*agentloop.Thread, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: thread %q: %w", id, agentloop.ErrThreadNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load thread: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM messages WHERE thread_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load messages: %w", err)
	}
	defer rows.Close()

	thread := &agentloop.Thread{ID: id}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		var msg agentloop.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("sqlite: decode message: %w", err)
		}
		thread.Messages = append(thread.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load messages: %w", err)
	}
	return thread, nil
}

// Save inserts the messages past the stored length in one transaction. Rows already
// present are left untouched, so replaying a save is harmless.
func (s *Store) Save(ctx context.Context, thread *agentloop.Thread) error {
	if thread == nil || thread.ID == "" {
		return errors.New("sqlite: thread id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO threads (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		thread.ID, now, now); err != nil {
		return fmt.Errorf("sqlite: upsert thread: %w", err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ?`, thread.ID).Scan(&stored); err != nil {
		return fmt.Errorf("sqlite: count messages: %w", err)
	}
	if stored < len(thread.Messages) {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO messages (thread_id, seq, id, role, body) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i := stored; i < len(thread.Messages); i++ {
			msg := thread.Messages[i]
			body, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("sqlite: encode message %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, thread.ID, i, msg.ID, string(msg.Role), body); err != nil {
				return fmt.Errorf("sqlite: insert message %d: %w", i, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

var _ agentloop.Store = (*Store)(nil)
