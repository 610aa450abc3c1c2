package usecase

import (
	"context"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// LeaderKey is the lock every beat instance competes for.
const LeaderKey = "beat"

// Beat submits recurring jobs. Only the instance holding the leader lock
// fires; the others tick idle.
type Beat struct {
	Tasks     []domain.TaskDefinition
	Submitter Submitter
	Locker    ports.Locker
	Owner     string
	LeaderTTL time.Duration
	Every     time.Duration

	mu     sync.Mutex
	leader bool
	next   map[string]time.Time
	last   map[string]string
}

func NewBeat(tasks []domain.TaskDefinition, sub Submitter, locker ports.Locker, owner string) *Beat {
	return &Beat{
		Tasks:     tasks,
		Submitter: sub,
		Locker:    locker,
		Owner:     owner,
		LeaderTTL: 15 * time.Second,
		Every:     time.Second,
	}
}

// Tick fires every task whose interval elapsed by now and returns the
// submitted job ids. A tick that arrives late fires once, never once per
// missed interval.
func (b *Beat) Tick(ctx context.Context, now time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Locker != nil {
		ok, err := b.Locker.Acquire(ctx, LeaderKey, b.Owner, b.LeaderTTL)
		if err != nil {
			return nil, fmt.Errorf("beat leader lock: %w", err)
		}
		if !ok {
			if b.leader {
				log.Ctx(ctx).Warn().Str("owner", b.Owner).Msg("beat leadership lost")
			}
			b.leader, b.next = false, nil
			return nil, nil
		}
	}
	if !b.leader {
		log.Ctx(ctx).Info().Str("owner", b.Owner).Msg("beat leadership acquired")
		b.leader = true
	}

	if b.next == nil {
		b.next = make(map[string]time.Time, len(b.Tasks))
		for _, t := range b.Tasks {
			b.next[t.TaskName] = cron.Every(t.Interval()).Next(now)
		}
		return nil, nil
	}
	if b.last == nil {
		b.last = make(map[string]string, len(b.Tasks))
	}

	var fired []string
	var errs []error
	for _, t := range b.Tasks {
		due, ok := b.next[t.TaskName]
		if !ok {
			b.next[t.TaskName] = cron.Every(t.Interval()).Next(now)
			continue
		}
		if now.Before(due) {
			continue
		}
		b.next[t.TaskName] = cron.Every(t.Interval()).Next(now)

		if t.SkipIfRunning && b.running(ctx, t.TaskName) {
			log.Ctx(ctx).Debug().Str("task", t.TaskName).Msg("previous run still active, skipped")
			continue
		}
		id, err := b.Submitter.Submit(ctx, t.TaskName, maps.Clone(t.DefaultPayload))
		if err != nil {
			errs = append(errs, fmt.Errorf("fire %s: %w", t.TaskName, err))
			continue
		}
		b.last[t.TaskName] = id
		fired = append(fired, id)
		log.Ctx(ctx).Info().Str("task", t.TaskName).Str("job_id", id).Msg("scheduled task fired")
	}
	return fired, errors.Join(errs...)
}

func (b *Beat) running(ctx context.Context, task string) bool {
	id, ok := b.last[task]
	if !ok {
		return false
	}
	j, err := b.Submitter.Get(ctx, id)
	if err != nil {
		return false
	}
	return j.Status == domain.StatusPending || j.Status == domain.StatusProcessing
}

// Run ticks on the wall clock until ctx is done, then gives up the leader
// lock.
func (b *Beat) Run(ctx context.Context) error {
	every := b.Every
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log.Info().Msgf("beat %s started with %d tasks", b.Owner, len(b.Tasks))
	if _, err := b.Tick(ctx, time.Now()); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("beat tick")
	}
	for {
		select {
		case <-ctx.Done():
			if b.Locker != nil {
				_ = b.Locker.Release(context.WithoutCancel(ctx), LeaderKey, b.Owner)
			}
			return nil
		case now := <-ticker.C:
			if _, err := b.Tick(ctx, now); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("beat tick")
			}
		}
	}
}
