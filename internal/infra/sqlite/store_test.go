package sqlite

import (
	"context"
	"jobq/internal/domain"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "jobq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pendingJob(id string, created time.Time) domain.Job {
	return domain.Job{
		ID: id, Type: "optimize_portfolio", Topic: "default",
		Payload: domain.Payload{"risk": "balanced", "symbols": []any{"BTC", "ETH"}},
		Status:  domain.StatusPending, MaxRetries: 2,
		CreatedAt: created, RunAt: created,
	}
}

func TestCreateGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Date(2026, 5, 2, 8, 30, 0, 123, time.UTC)

	j := pendingJob("a", created)
	require.NoError(t, s.Create(ctx, j))
	assert.ErrorIs(t, s.Create(ctx, j), domain.ErrAlreadyExists)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "balanced", got.Payload["risk"])
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Error)
	assert.False(t, got.CancelRequested)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	j := pendingJob("a", now)
	require.NoError(t, s.Create(ctx, j))

	claimed := j.Clone()
	claimed.Status = domain.StatusProcessing
	claimed.AttemptCount = 1
	claimed.StartedAt = &now
	claimed.WorkerID = "w1"
	require.NoError(t, s.Swap(ctx, j.Expect(), claimed))
	assert.ErrorIs(t, s.Swap(ctx, j.Expect(), claimed), domain.ErrConflict)
	assert.ErrorIs(t, s.Swap(ctx, j.Expect(), pendingJob("ghost", now)), domain.ErrNotFound)

	failed := claimed.Clone()
	failed.Status = domain.StatusFailed
	failed.CompletedAt = &now
	failed.Error = &domain.JobError{Kind: domain.KindFatal, Message: "bad symbol"}
	require.NoError(t, s.Swap(ctx, claimed.Expect(), failed))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "w1", got.WorkerID)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.KindFatal, got.Error.Kind)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, now.Equal(*got.CompletedAt))
}

func TestSwapSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	j := pendingJob("race", time.Now())
	require.NoError(t, s.Create(ctx, j))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := j.Clone()
			next.Status = domain.StatusProcessing
			next.AttemptCount = 1
			if s.Swap(ctx, j.Expect(), next) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestListByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Create(ctx, pendingJob(id, base.Add(time.Duration(i)*time.Second))))
	}

	all, err := s.ListByStatus(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].ID, all[1].ID, all[2].ID})

	two, err := s.ListByStatus(ctx, domain.StatusPending, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	none, err := s.ListByStatus(ctx, domain.StatusCompleted, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
