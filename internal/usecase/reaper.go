package usecase

import (
	"context"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper recovers jobs that a dead worker or a lost entry left behind.
// Stale processing jobs go back to pending (or fail once their last
// attempt went stale, or cancel when a cancel was requested); pending jobs whose entry never arrived are
// re-enqueued.
type Reaper struct {
	Store      ports.Store
	Broker     ports.Broker
	StaleAfter time.Duration
	Interval   time.Duration
	Batch      int
	Now        func() time.Time
}

func (r Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Reaper) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).Warn().Err(err).Msg("reaper sweep")
		}
	}
}

// Sweep runs one pass and reports how many stale leases it reset and how
// many orphaned pending jobs it re-enqueued.
func (r Reaper) Sweep(ctx context.Context) (reaped, requeued int, err error) {
	now := r.now()
	cutoff := now.Add(-r.StaleAfter)

	processing, err := r.Store.ListByStatus(ctx, domain.StatusProcessing, r.Batch)
	if err != nil {
		return 0, 0, fmt.Errorf("list processing: %w", err)
	}
	var errs []error
	for _, j := range processing {
		if j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		ok, err := r.resetLease(ctx, j, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			reaped++
		}
	}

	pending, err := r.Store.ListByStatus(ctx, domain.StatusPending, r.Batch)
	if err != nil {
		return reaped, 0, errors.Join(append(errs, fmt.Errorf("list pending: %w", err))...)
	}
	for _, j := range pending {
		if j.RunAt.After(cutoff) {
			continue
		}
		next := j.Clone()
		next.RunAt = now
		if err := r.Store.Swap(ctx, j.Expect(), next); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				errs = append(errs, err)
			}
			continue
		}
		if err := r.Broker.Enqueue(ctx, j.Topic, domain.EntryFor(next, now)); err != nil {
			errs = append(errs, fmt.Errorf("requeue orphan %s: %w", j.ID, err))
			continue
		}
		log.Ctx(ctx).Info().Str("job_id", j.ID).Time("run_at", j.RunAt).Msg("orphaned pending job re-enqueued")
		requeued++
	}
	return reaped, requeued, errors.Join(errs...)
}

func (r Reaper) resetLease(ctx context.Context, j domain.Job, now time.Time) (bool, error) {
	next := j.Clone()
	next.WorkerID = ""
	next.Error = &domain.JobError{
		Kind:    domain.KindStaleLease,
		Message: fmt.Sprintf("worker %s held attempt %d since %s", j.WorkerID, j.AttemptCount, j.StartedAt.Format(time.RFC3339)),
	}
	switch {
	case j.CancelRequested:
		next.Status = domain.StatusCancelled
		next.CompletedAt = &now
	case j.Exhausted():
		next.Status = domain.StatusFailed
		next.CompletedAt = &now
	default:
		next.Status = domain.StatusPending
		next.RunAt = now
	}

	if err := r.Store.Swap(ctx, j.Expect(), next); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("reset lease %s: %w", j.ID, err)
	}
	log.Ctx(ctx).Warn().Str("job_id", j.ID).Str("worker", j.WorkerID).Int("attempt", j.AttemptCount).
		Str("status", string(next.Status)).Msg(string(domain.KindStaleLease))

	if next.Status == domain.StatusPending {
		if err := r.Broker.Enqueue(ctx, j.Topic, domain.EntryFor(next, now)); err != nil {
			return true, fmt.Errorf("requeue %s: %w", j.ID, err)
		}
	}
	return true, nil
}
