package sessions

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

var (
	ErrNotFound       = errors.New("session not found")
	ErrSchemaMismatch = errors.New("schema version mismatch")
)

// Session status values persisted alongside the in-memory progress state.
const (
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Session is a recorded visit and its processing results.
type Session struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	PatientLabel string    `json:"patient_label"`
	RecordingKey string    `json:"recording_key,omitempty"`
	Status       string    `json:"status"`
	Transcript   string    `json:"transcript,omitempty"`
	Note         string    `json:"note,omitempty"`
	Failure      string    `json:"failure,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store manages session persistence backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open initializes or connects to the session database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Create inserts a new session record with status processing.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.Status = StatusProcessing
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, patient_label, recording_key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Owner, sess.PatientLabel, sess.RecordingKey, sess.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, patient_label, recording_key, status, transcript, note, failure, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// List returns a page of the owner's sessions ordered by creation time
// descending, plus the total count.
func (s *Store) List(ctx context.Context, owner string, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sessions WHERE owner = ?", owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, patient_label, recording_key, status, transcript, note, failure, created_at, updated_at
		 FROM sessions WHERE owner = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return out, total, nil
}

// SetResult records a successful run's transcript and note.
func (s *Store) SetResult(ctx context.Context, id, transcript, note string) error {
	return s.update(ctx, id,
		"UPDATE sessions SET status = ?, transcript = ?, note = ?, updated_at = ? WHERE id = ?",
		StatusProcessed, transcript, note, time.Now().UTC().Format(time.RFC3339Nano), id)
}

// SetFailed records a failed run with its redacted failure summary.
func (s *Store) SetFailed(ctx context.Context, id, failure string) error {
	return s.update(ctx, id,
		"UPDATE sessions SET status = ?, failure = ?, updated_at = ? WHERE id = ?",
		StatusFailed, failure, time.Now().UTC().Format(time.RFC3339Nano), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var createdAt, updatedAt string

	err := row.Scan(&sess.ID, &sess.Owner, &sess.PatientLabel, &sess.RecordingKey,
		&sess.Status, &sess.Transcript, &sess.Note, &sess.Failure, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &sess, nil
}
