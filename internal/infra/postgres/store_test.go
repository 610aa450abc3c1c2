package postgres

import (
	"context"
	"jobq/internal/domain"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("jobq_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j := domain.Job{
		ID: "job-1", Type: "ingest_crypto", Topic: "default",
		Payload: domain.Payload{"symbol": "BTCUSDT"},
		Status:  domain.StatusPending, MaxRetries: 3,
		CreatedAt: created, RunAt: created,
	}

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, j))
		assert.ErrorIs(t, s.Create(ctx, j), domain.ErrAlreadyExists)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j, *got)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("single claim wins", func(t *testing.T) {
		started := created.Add(time.Second)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := j.Clone()
				next.Status = domain.StatusProcessing
				next.AttemptCount = 1
				next.StartedAt = &started
				if s.Swap(ctx, j.Expect(), next) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("terminal transition", func(t *testing.T) {
		cur, err := s.Get(ctx, j.ID)
		require.NoError(t, err)

		done := created.Add(2 * time.Second)
		next := cur.Clone()
		next.Status = domain.StatusFailed
		next.CompletedAt = &done
		next.Error = &domain.JobError{Kind: domain.KindFatal, Message: "bad payload"}
		require.NoError(t, s.Swap(ctx, cur.Expect(), next))
		assert.ErrorIs(t, s.Swap(ctx, cur.Expect(), next), domain.ErrConflict)
		assert.ErrorIs(t, s.Swap(ctx, cur.Expect(), domain.Job{ID: "missing"}), domain.ErrNotFound)

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, next.Error, got.Error)
		assert.Nil(t, got.Result)

		failed, err := s.ListByStatus(ctx, domain.StatusFailed, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		pending, err := s.ListByStatus(ctx, domain.StatusPending, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}
