package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/droidpilot/internal/action"
	"github.com/ashureev/droidpilot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "results.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testResult(id string, ended time.Time) domain.Result {
	return domain.Result{
		TaskID:     id,
		Goal:       "open settings",
		Status:     domain.StatusCompleted,
		EndReason:  domain.EndTerminated,
		TotalSteps: 2,
		Trajectory: []domain.TrajectoryEntry{
			{Step: 0, Action: action.Click(0.5, 0.25), Thought: "gear icon", Prediction: "click(500, 250)"},
			{Step: 1, Action: action.Terminate(), Prediction: "terminate()"},
		},
		CreatedAt: ended.Add(-time.Minute),
		EndedAt:   ended,
	}
}

func TestSaveAndGetResult(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ended := time.Now().UTC().Truncate(time.Millisecond)
	want := testResult("abc12345", ended)
	require.NoError(t, s.SaveResult(ctx, want))

	got, err := s.GetResult(ctx, "abc12345")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Goal, got.Goal)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.EndReason, got.EndReason)
	assert.True(t, want.EndedAt.Equal(got.EndedAt))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Trajectory, 2)
	assert.Equal(t, action.KindClick, got.Trajectory[0].Action.Kind)
	assert.InDelta(t, 0.5, got.Trajectory[0].Action.X, 0.001)
	assert.Equal(t, "gear icon", got.Trajectory[0].Thought)
}

func TestGetResultMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.GetResult(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveResultUpserts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r := testResult("same", time.Now())
	require.NoError(t, s.SaveResult(ctx, r))
	r.Status = domain.StatusErrored
	r.LastError = "inference: model down"
	require.NoError(t, s.SaveResult(ctx, r))

	n, err := s.CountResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetResult(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusErrored, got.Status)
	assert.Equal(t, "inference: model down", got.LastError)
}

func TestListResultsNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.SaveResult(ctx, testResult(fmt.Sprintf("task-%d", i), base.Add(time.Duration(i)*time.Second))))
	}

	all, err := s.ListResults(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "task-3", all[0].TaskID)
	assert.Equal(t, "task-0", all[3].TaskID)

	two, err := s.ListResults(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "task-2", two[1].TaskID)
}

func TestListResultsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	results, err := s.ListResults(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveResult(ctx, testResult("old", time.Now().Add(-48*time.Hour))))
	require.NoError(t, s.SaveResult(ctx, testResult("new", time.Now())))

	deleted := SweepExpired(ctx, s, 24*time.Hour, slog.Default())
	assert.Equal(t, int64(1), deleted)

	got, err := s.GetResult(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.GetResult(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRetentionWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	require.NoError(t, s.SaveResult(context.Background(), testResult("old", time.Now().Add(-time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		RunRetentionWorker(ctx, s, time.Minute, 10*time.Millisecond, nil)
	}()

	require.Eventually(t, func() bool {
		n, err := s.CountResults(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestRetentionWorkerDisabled(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	go func() {
		RunRetentionWorker(context.Background(), nil, 0, time.Second, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled worker did not return")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestConflictErrorDetection(t *testing.T) {
	t.Parallel()
	assert.True(t, IsConflictError(errors.New("upsert result: database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsLockedError(fmt.Errorf("wrap: %w", errors.New("database is locked"))))
	assert.False(t, IsConflictError(errors.New("constraint failed")))
	assert.False(t, IsConflictError(nil))
}
