package memory

import (
	"context"
	"jobq/internal/ports"
	"sync"
	"time"
)

var _ ports.Locker = (*Locker)(nil)

type lease struct {
	owner string
	until time.Time
}

type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewLocker() *Locker {
	return &Locker{leases: make(map[string]lease), now: time.Now}
}

// WithClock swaps the time source, for tests that simulate expiry.
func (l *Locker) WithClock(now func() time.Time) *Locker {
	l.now = now
	return l
}

func (l *Locker) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[key]
	if ok && cur.owner != owner && now.Before(cur.until) {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (l *Locker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}
