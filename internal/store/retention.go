package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetentionInterval is how often the retention worker sweeps.
const DefaultRetentionInterval = time.Hour

// RunRetentionWorker periodically deletes results older than retention
// until ctx is done. A non-positive retention disables the worker.
func RunRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		logger.Info("Retention worker disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("Retention worker started", "interval", interval, "retention", retention)

	for {
		select {
		case <-ticker.C:
			SweepExpired(ctx, repo, retention, logger)
		case <-ctx.Done():
			logger.Info("Retention worker shutting down", "reason", ctx.Err())
			return
		}
	}
}

// SweepExpired deletes results that ended more than retention ago.
func SweepExpired(ctx context.Context, repo Repository, retention time.Duration, logger *slog.Logger) int64 {
	deleted, err := repo.DeleteResultsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Error("Retention worker failed to delete old results", "error", err)
		return 0
	}
	if deleted > 0 {
		logger.Info("Retention worker deleted old results", "count", deleted)
	}
	return deleted
}
