package memory

import (
	"context"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"sync"
	"time"
)

var _ ports.Broker = (*Broker)(nil)

// Broker is an unbounded FIFO per topic. Delayed entries sit in timers
// until due.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	timers map[*time.Timer]struct{}
	closed bool
}

type topic struct {
	entries []domain.Entry
	signal  chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (b *Broker) Ping(context.Context) error { return nil }

// topicLocked must be called with b.mu held.
func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{signal: make(chan struct{}, 1)}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Enqueue(_ context.Context, name string, e domain.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushLocked(name, e)
	return nil
}

func (b *Broker) pushLocked(name string, e domain.Entry) {
	t := b.topicLocked(name)
	t.entries = append(t.entries, e)
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (b *Broker) EnqueueAt(ctx context.Context, name string, e domain.Entry, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return b.Enqueue(ctx, name, e)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers, timer)
		if !b.closed {
			b.pushLocked(name, e)
		}
	})
	b.timers[timer] = struct{}{}
	return nil
}

func (b *Broker) Dequeue(ctx context.Context, name string, timeout time.Duration) (*domain.Entry, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		t := b.topicLocked(name)
		if len(t.entries) > 0 {
			e := t.entries[0]
			t.entries = t.entries[1:]
			// wake the next waiter if more entries remain
			if len(t.entries) > 0 {
				select {
				case t.signal <- struct{}{}:
				default:
				}
			}
			b.mu.Unlock()
			return &e, nil
		}
		signal := t.signal
		b.mu.Unlock()

		select {
		case <-signal:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports how many entries are ready on a topic.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topicLocked(name).entries)
}

// Close drops pending delayed entries.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
}
