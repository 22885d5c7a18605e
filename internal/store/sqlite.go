package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/ashureev/droidpilot/internal/domain"
)

const (
	saveRetries      = 3
	saveInitialDelay = 50 * time.Millisecond
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the API read results while the engine writes.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger.With("component", "store")}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS results (
		task_id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		instruction TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		end_reason TEXT NOT NULL,
		total_steps INTEGER NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		trajectory_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_ended ON results(ended_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveResult inserts or replaces a result. SQLITE_BUSY errors are retried
// with exponential backoff.
func (s *SQLiteStore) SaveResult(ctx context.Context, r domain.Result) error {
	trajectory, err := json.Marshal(r.Trajectory)
	if err != nil {
		return fmt.Errorf("encode trajectory: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := s.saveOnce(ctx, r, trajectory)
		if err == nil {
			return nil
		}
		if !IsConflictError(err) {
			return backoff.Permanent(err)
		}
		s.logger.Debug("SaveResult failed with SQLITE_BUSY, retrying", "task_id", r.TaskID, "attempt", attempt)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = saveInitialDelay
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, saveRetries), ctx)); err != nil {
		return fmt.Errorf("save result %s after %d attempts: %w", r.TaskID, attempt, err)
	}
	return nil
}

func (s *SQLiteStore) saveOnce(ctx context.Context, r domain.Result, trajectory []byte) error {
	query := `
	INSERT INTO results (task_id, goal, instruction, status, end_reason, total_steps,
		answer, last_error, trajectory_json, created_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		status = excluded.status,
		end_reason = excluded.end_reason,
		total_steps = excluded.total_steps,
		answer = excluded.answer,
		last_error = excluded.last_error,
		trajectory_json = excluded.trajectory_json,
		ended_at = excluded.ended_at`

	_, err := s.db.ExecContext(ctx, query,
		r.TaskID, r.Goal, r.Instruction, string(r.Status), string(r.EndReason), r.TotalSteps,
		r.Answer, r.LastError, string(trajectory),
		r.CreatedAt.UnixMilli(), r.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

const resultColumns = `task_id, goal, instruction, status, end_reason, total_steps,
	answer, last_error, trajectory_json, created_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*domain.Result, error) {
	var (
		r                  domain.Result
		status, reason     string
		trajectory         string
		createdAt, endedAt int64
	)
	if err := row.Scan(
		&r.TaskID, &r.Goal, &r.Instruction, &status, &reason, &r.TotalSteps,
		&r.Answer, &r.LastError, &trajectory, &createdAt, &endedAt,
	); err != nil {
		return nil, err
	}
	r.Status = domain.Status(status)
	r.EndReason = domain.EndReason(reason)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.EndedAt = time.UnixMilli(endedAt).UTC()
	if err := json.Unmarshal([]byte(trajectory), &r.Trajectory); err != nil {
		return nil, fmt.Errorf("decode trajectory of %s: %w", r.TaskID, err)
	}
	if r.Trajectory == nil {
		r.Trajectory = []domain.TrajectoryEntry{}
	}
	return &r, nil
}

// GetResult retrieves a result by task id.
func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) (*domain.Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE task_id = ?`, taskID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan result row: %w", err)
	}
	return r, nil
}

// ListResults returns results, most recently ended first.
func (s *SQLiteStore) ListResults(ctx context.Context, limit int) ([]domain.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results ORDER BY ended_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close results rows", "error", closeErr)
		}
	}()

	results := []domain.Result{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		results = append(results, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

// CountResults returns the number of stored results.
func (s *SQLiteStore) CountResults(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// DeleteResultsBefore removes results that ended before t.
func (s *SQLiteStore) DeleteResultsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE ended_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old results: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
