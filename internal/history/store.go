// Package history keeps a local ledger of bake jobs in SQLite so finished
// bakes stay listable after the settings file forgets them.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome is where a job ended up.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Entry is one row of the ledger, keyed by submission prefix.
type Entry struct {
	Prefix      string    `json:"prefix"`
	JobID       string    `json:"jobId,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitzero"`
	Outcome     Outcome   `json:"outcome"`
	ResultPath  string    `json:"resultPath,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the ledger backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating when needed) the ledger at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bake_jobs (
		prefix TEXT PRIMARY KEY,
		job_id TEXT,
		submitted_at TEXT NOT NULL,
		finished_at TEXT,
		outcome TEXT NOT NULL,
		result_path TEXT,
		message TEXT
	);
	CREATE INDEX IF NOT EXISTS bake_jobs_submitted_at ON bake_jobs (submitted_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Record inserts or updates the entry for e.Prefix. Empty fields of e do not
// overwrite values already stored, so a finishing update need not repeat the
// job id or submission time.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	if e.Prefix == "" {
		return errors.New("entry prefix is required")
	}
	if e.Outcome == "" {
		return errors.New("entry outcome is required")
	}
	submitted := e.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bake_jobs (prefix, job_id, submitted_at, finished_at, outcome, result_path, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(prefix) DO UPDATE SET
			job_id = COALESCE(NULLIF(excluded.job_id, ''), bake_jobs.job_id),
			finished_at = COALESCE(excluded.finished_at, bake_jobs.finished_at),
			outcome = excluded.outcome,
			result_path = COALESCE(NULLIF(excluded.result_path, ''), bake_jobs.result_path),
			message = excluded.message`,
		e.Prefix, e.JobID, formatTime(submitted), nullTime(e.FinishedAt), string(e.Outcome), e.ResultPath, e.Message,
	)
	if err != nil {
		return fmt.Errorf("record bake job: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest submission first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT prefix, job_id, submitted_at, finished_at, outcome, result_path, message
		 FROM bake_jobs ORDER BY submitted_at DESC, prefix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list bake jobs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                          Entry
			jobID, finished, path, msg sql.NullString
			submitted, outcome         string
		)
		if err := rows.Scan(&e.Prefix, &jobID, &submitted, &finished, &outcome, &path, &msg); err != nil {
			return nil, fmt.Errorf("scan bake job: %w", err)
		}
		e.JobID = jobID.String
		e.Outcome = Outcome(outcome)
		e.ResultPath = path.String
		e.Message = msg.String
		if e.SubmittedAt, err = time.Parse(timeLayout, submitted); err != nil {
			return nil, fmt.Errorf("parse submitted_at: %w", err)
		}
		if finished.Valid {
			if e.FinishedAt, err = time.Parse(timeLayout, finished.String); err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
// Ready checks the database is reachable.
func (s *SQLiteStore) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := formatTime(t)
	return &s
}
