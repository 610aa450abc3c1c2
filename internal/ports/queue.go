package ports

import (
	"context"
	"jobq/internal/domain"
	"time"
)

// Broker carries queue entries between submitters and workers.
// Implementations return errors wrapping domain.ErrBrokerUnavailable when
// the broker cannot be reached.
type Broker interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, topic string, e domain.Entry) error
	// EnqueueAt makes the entry visible on the topic at or after at.
	EnqueueAt(ctx context.Context, topic string, e domain.Entry, at time.Time) error
	// Dequeue waits at most timeout. A nil entry with a nil error means
	// nothing arrived in time.
	Dequeue(ctx context.Context, topic string, timeout time.Duration) (*domain.Entry, error)
}

// Store holds the canonical job records.
type Store interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, j domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	// Swap replaces the record with next only if the stored record still
	// matches expect, otherwise it returns domain.ErrConflict.
	Swap(ctx context.Context, expect domain.Expect, next domain.Job) error
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

// Locker is a TTL lease on a named key. Acquire also renews a lease the
// owner already holds.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type Scheduler interface {
	// moves due delayed entries onto their topics
	Run(ctx context.Context) error
}
