// Package store keeps a history of detection runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

const (
	KindImage   = "image"
	KindVideo   = "video"
	KindYouTube = "youtube"
)

var ErrNotFound = errors.New("run not found")

type Run struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Source     string         `json:"source"`
	Status     string         `json:"status"`
	Frames     int            `json:"frames"`
	Detections int            `json:"detections"`
	PerClass   map[string]int `json:"perClass,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// Summary is what a finished run reports back.
type Summary struct {
	Frames     int
	Detections int
	PerClass   map[string]int
	Err        error
}

// Store wraps the SQLite connection. Writes are serialised.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		frames INTEGER DEFAULT 0,
		detections INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS run_detections (
		run_id TEXT NOT NULL,
		class_name TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (run_id, class_name),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Start records a new running run and returns its id.
func (s *Store) Start(ctx context.Context, kind, source string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO runs (id, kind, source, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, kind, source, StatusRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// Finish closes a run with its totals. A non-nil sum.Err marks it failed.
func (s *Store) Finish(ctx context.Context, id string, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, msg := StatusDone, ""
	if sum.Err != nil {
		status, msg = StatusFailed, sum.Err.Error()
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, frames = ?, detections = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, status, sum.Frames, sum.Detections, msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_detections (run_id, class_name, count) VALUES (?, ?, ?)
		ON CONFLICT(run_id, class_name) DO UPDATE SET count = excluded.count
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()
	for name, n := range sum.PerClass {
		if n <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, id, name, n); err != nil {
			return fmt.Errorf("failed to insert class count: %w", err)
		}
	}
	return tx.Commit()
}

// List returns the most recent runs first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, kind, source, status, frames, detections, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Get returns one run with its per-class counts.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRowContext(ctx, `
		SELECT id, kind, source, status, frames, detections, error, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT class_name, count FROM run_detections WHERE run_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query class counts: %w", err)
	}
	defer rows.Close()
	r.PerClass = make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan class count: %w", err)
		}
		r.PerClass[name] = n
	}
	return &r, rows.Err()
}

type ClassCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TopClasses sums the per-class counts over every run, largest first.
func (s *Store) TopClasses(ctx context.Context, limit int) ([]ClassCount, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT class_name, SUM(count) AS total FROM run_detections
		GROUP BY class_name ORDER BY total DESC, class_name LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query classes: %w", err)
	}
	defer rows.Close()

	out := []ClassCount{}
	for rows.Next() {
		var c ClassCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan class: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var finished sql.NullTime
	if err := sc.Scan(&r.ID, &r.Kind, &r.Source, &r.Status, &r.Frames, &r.Detections, &r.Error, &r.StartedAt, &finished); err != nil {
		return Run{}, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}
