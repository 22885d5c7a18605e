// Package store persists finished session results.
package store

import (
	"context"
	"time"

	"github.com/ashureev/droidpilot/internal/domain"
)

// Repository defines the interface for persisting session results.
type Repository interface {
	// SaveResult inserts or replaces the result of a finished session.
	SaveResult(ctx context.Context, r domain.Result) error

	// GetResult retrieves a result by task id. It returns nil, nil when the
	// result does not exist.
	GetResult(ctx context.Context, taskID string) (*domain.Result, error)

	// ListResults returns up to limit results, most recently ended first.
	// A non-positive limit returns all results.
	ListResults(ctx context.Context, limit int) ([]domain.Result, error)

	// CountResults returns the number of stored results.
	CountResults(ctx context.Context) (int, error)

	// DeleteResultsBefore removes results that ended before t.
	DeleteResultsBefore(ctx context.Context, t time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
