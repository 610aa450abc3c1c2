package usecase

import (
	"context"
	"jobq/internal/domain"
	"jobq/internal/registry"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, f *fixture, j domain.Job) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), j))
}

func TestReaperResetsStaleLeases(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-20 * time.Minute)
	fresh := now.Add(-time.Minute)

	seed(t, f, domain.Job{ID: "stale", Type: "x", Topic: "default", Status: domain.StatusProcessing,
		AttemptCount: 1, MaxRetries: 3, CreatedAt: old, RunAt: old, StartedAt: &old, WorkerID: "dead"})
	seed(t, f, domain.Job{ID: "last", Type: "x", Topic: "default", Status: domain.StatusProcessing,
		AttemptCount: 4, MaxRetries: 3, CreatedAt: old, RunAt: old, StartedAt: &old, WorkerID: "dead"})
	seed(t, f, domain.Job{ID: "busy", Type: "x", Topic: "default", Status: domain.StatusProcessing,
		AttemptCount: 1, MaxRetries: 3, CreatedAt: fresh, RunAt: fresh, StartedAt: &fresh, WorkerID: "alive"})

	r := Reaper{Store: f.store, Broker: f.broker, StaleAfter: 15 * time.Minute, Now: func() time.Time { return now }}
	reaped, requeued, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)
	assert.Equal(t, 0, requeued)

	j := f.job(t, "stale")
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Equal(t, 1, j.AttemptCount)
	assert.Equal(t, now, j.RunAt)
	assert.Equal(t, domain.KindStaleLease, j.Error.Kind)

	j = f.job(t, "last")
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Equal(t, domain.KindStaleLease, j.Error.Kind)

	assert.Equal(t, domain.StatusProcessing, f.job(t, "busy").Status)
	assert.Equal(t, 1, f.broker.Len(domain.DefaultTopic))
}

func TestReaperCancelsStaleLeaseWithCancelRequested(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-20 * time.Minute)
	seed(t, f, domain.Job{ID: "doomed", Type: "x", Topic: "default", Status: domain.StatusProcessing,
		AttemptCount: 1, MaxRetries: 3, CreatedAt: old, RunAt: old, StartedAt: &old, WorkerID: "dead",
		CancelRequested: true})

	r := Reaper{Store: f.store, Broker: f.broker, StaleAfter: 15 * time.Minute, Now: func() time.Time { return now }}
	reaped, _, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	j := f.job(t, "doomed")
	assert.Equal(t, domain.StatusCancelled, j.Status)
	require.NotNil(t, j.CompletedAt)
	assert.Equal(t, now, *j.CompletedAt)
	assert.Empty(t, j.WorkerID)
	assert.Zero(t, f.broker.Len(domain.DefaultTopic), "a cancelled job is not re-enqueued")
}

func TestReaperRequeuesOrphanedPending(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	seed(t, f, domain.Job{ID: "orphan", Type: "x", Topic: "default", Status: domain.StatusPending,
		MaxRetries: 3, CreatedAt: old, RunAt: old})
	seed(t, f, domain.Job{ID: "queued", Type: "x", Topic: "default", Status: domain.StatusPending,
		MaxRetries: 3, CreatedAt: now, RunAt: now})

	r := Reaper{Store: f.store, Broker: f.broker, StaleAfter: 15 * time.Minute, Now: func() time.Time { return now }}
	_, requeued, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, now, f.job(t, "orphan").RunAt)

	e, err := f.broker.Dequeue(context.Background(), domain.DefaultTopic, time.Second)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "orphan", e.JobID)
}

func TestStaleWorkerCannotFinishReapedJob(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	f := newFixture(t, func(r *registry.Registry) {
		r.MustRegister("slow", func(context.Context, domain.Payload) domain.Outcome {
			started <- struct{}{}
			<-release
			return domain.Success("late")
		})
	})
	ctx := context.Background()

	id, err := f.submit.Submit(ctx, "slow", nil)
	require.NoError(t, err)
	e, err := f.broker.Dequeue(ctx, domain.DefaultTopic, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.consumer.Process(ctx, *e) }()
	<-started

	r := Reaper{Store: f.store, Broker: f.broker, StaleAfter: time.Nanosecond}
	reaped, _, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	close(release)
	require.NoError(t, <-done)
	j := f.job(t, id)
	assert.Equal(t, domain.StatusPending, j.Status, "result of the reaped attempt must be dropped")
	assert.Nil(t, j.Result)

	f.drain(t)
	j = f.job(t, id)
	assert.Equal(t, domain.StatusCompleted, j.Status)
	assert.Equal(t, 2, j.AttemptCount)
}
