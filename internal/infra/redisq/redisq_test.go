package redisq

import (
	"context"
	"fmt"
	"jobq/internal/config"
	"jobq/internal/domain"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewWithClient(config.Redis{KeyPrefix: "test", Group: "g"}, rdb)
	require.NoError(t, c.Init(context.Background(), "default"))
	return c, mr
}

func TestBrokerFIFO(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, c.Enqueue(ctx, "default", domain.Entry{JobID: id, Type: "t", Topic: "default", EnqueuedAt: now}))
	}
	for _, want := range []string{"1", "2", "3"} {
		e, err := c.Dequeue(ctx, "default", 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, want, e.JobID)
		assert.Equal(t, "t", e.Type)
		assert.True(t, now.Equal(e.EnqueuedAt))
	}

	ready, delayed, err := c.Len(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, ready, "acked entries are removed from the stream")
	assert.Zero(t, delayed)
}

func TestBrokerDequeueTimeout(t *testing.T) {
	c, _ := newTestClient(t)

	e, err := c.Dequeue(context.Background(), "default", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, e)

	// a topic without a group yet is created on first use
	e, err = c.Dequeue(context.Background(), "fresh", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestBrokerDelayedPromotion(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	p := NewPromoter(c, []string{"default"}, time.Second)

	due := time.Now().Add(time.Hour)
	require.NoError(t, c.EnqueueAt(ctx, "default", domain.Entry{JobID: "later"}, due))

	_, delayed, err := c.Len(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, delayed)

	n, err := p.PromoteDue(ctx, "default", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = p.PromoteDue(ctx, "default", due.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.PromoteDue(ctx, "default", due.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "an entry is promoted once")

	e, err := c.Dequeue(ctx, "default", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "later", e.JobID)
}

func TestBrokerEnqueueAtPastIsImmediate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.EnqueueAt(ctx, "default", domain.Entry{JobID: "now"}, time.Now().Add(-time.Second)))
	e, err := c.Dequeue(ctx, "default", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "now", e.JobID)
}

func TestBrokerUnavailable(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	err = c.Enqueue(context.Background(), "default", domain.Entry{JobID: "x"})
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestBrokerDropsUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.streamKey("default"),
		Values: map[string]interface{}{entryField: "\xc1 not msgpack"},
	}).Err())
	require.NoError(t, c.Enqueue(ctx, "default", domain.Entry{JobID: "good", Type: "t", Topic: "default"}))

	e, err := c.Dequeue(ctx, "default", 100*time.Millisecond)
	require.NoError(t, err, "a bad entry must not look like an outage to the worker loop")
	assert.Nil(t, e)

	e, err = c.Dequeue(ctx, "default", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "good", e.JobID)

	ready, _, err := c.Len(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, ready)
}

func sampleJob() domain.Job {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Job{
		ID:         "job-1",
		Type:       "ingest_crypto",
		Topic:      "default",
		Payload:    domain.Payload{"symbol": "BTCUSDT"},
		Status:     domain.StatusPending,
		MaxRetries: 3,
		CreatedAt:  created,
		RunAt:      created,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	j := sampleJob()

	require.NoError(t, c.Create(ctx, j))
	assert.ErrorIs(t, c.Create(ctx, j), domain.ErrAlreadyExists)

	got, err := c.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j, *got)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreSwap(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	j := sampleJob()
	require.NoError(t, c.Create(ctx, j))

	started := j.CreatedAt.Add(time.Second)
	claimed := j.Clone()
	claimed.Status = domain.StatusProcessing
	claimed.AttemptCount = 1
	claimed.StartedAt = &started
	claimed.WorkerID = "w1"
	require.NoError(t, c.Swap(ctx, j.Expect(), claimed))
	assert.ErrorIs(t, c.Swap(ctx, j.Expect(), claimed), domain.ErrConflict)

	done := started.Add(time.Second)
	completed := claimed.Clone()
	completed.Status = domain.StatusCompleted
	completed.CompletedAt = &done
	completed.WorkerID = ""
	completed.Result = map[string]any{"rows": float64(42)}
	require.NoError(t, c.Swap(ctx, claimed.Expect(), completed))

	got, err := c.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.WorkerID, "fields cleared by a swap are removed")
	assert.Equal(t, map[string]any{"rows": float64(42)}, got.Result)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	pending, err := c.ListByStatus(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	finished, err := c.ListByStatus(ctx, domain.StatusCompleted, 0)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, j.ID, finished[0].ID)

	assert.ErrorIs(t, c.Swap(ctx, j.Expect(), domain.Job{ID: "missing"}), domain.ErrNotFound)
}

func TestStoreListByStatusOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	base := sampleJob()

	// created out of order so the index, not insertion, decides
	for _, i := range []int{3, 0, 4, 1, 2} {
		j := base.Clone()
		j.ID = fmt.Sprintf("job-%d", i)
		j.CreatedAt = base.CreatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, c.Create(ctx, j))
	}
	claimed, err := c.Get(ctx, "job-1")
	require.NoError(t, err)
	next := claimed.Clone()
	next.Status = domain.StatusProcessing
	next.AttemptCount = 1
	require.NoError(t, c.Swap(ctx, claimed.Expect(), next))

	ids := func(jobs []domain.Job) []string {
		out := make([]string, len(jobs))
		for i, j := range jobs {
			out[i] = j.ID
		}
		return out
	}

	all, err := c.ListByStatus(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-0", "job-2", "job-3", "job-4"}, ids(all))

	two, err := c.ListByStatus(ctx, domain.StatusPending, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-0", "job-2"}, ids(two))

	processing, err := c.ListByStatus(ctx, domain.StatusProcessing, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids(processing))

	n, err := c.Rdb.ZCard(ctx, c.statusKey(string(domain.StatusPending))).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestStoreErrorField(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	j := sampleJob()
	j.Status = domain.StatusFailed
	j.Error = &domain.JobError{Kind: domain.KindUnknownJobType, Message: `unknown job type: "x"`}
	require.NoError(t, c.Create(ctx, j))

	got, err := c.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.Error, got.Error)
	assert.Nil(t, got.Result)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	ok, err := c.Acquire(ctx, "beat", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.Acquire(ctx, "beat", "b", 10*time.Second)
	assert.False(t, ok)
	ok, _ = c.Acquire(ctx, "beat", "a", 10*time.Second)
	assert.True(t, ok)

	mr.FastForward(11 * time.Second)
	ok, _ = c.Acquire(ctx, "beat", "b", 10*time.Second)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, c.Release(ctx, "beat", "a"))
	ok, _ = c.Acquire(ctx, "beat", "a", 10*time.Second)
	assert.False(t, ok)
	require.NoError(t, c.Release(ctx, "beat", "b"))
	ok, _ = c.Acquire(ctx, "beat", "a", 10*time.Second)
	assert.True(t, ok)
}
