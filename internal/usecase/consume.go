package usecase

import (
	"context"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"jobq/internal/registry"
	"jobq/pkg/backoff"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Consumer runs the worker loop: dequeue, claim, execute, record.
type Consumer struct {
	Store    ports.Store
	Broker   ports.Broker
	Registry *registry.Registry

	WorkerID       string
	Topics         []string
	Concurrency    int
	PollTimeout    time.Duration
	HandlerTimeout time.Duration
	Retry          backoff.Policy

	// pause after a failed dequeue, grows until the broker answers again
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Now func() time.Time
}

func (c Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run blocks until ctx is done and every in-flight attempt has been
// recorded.
func (c Consumer) Run(ctx context.Context) error {
	topics := c.Topics
	if len(topics) == 0 {
		topics = []string{domain.DefaultTopic}
	}
	n := c.Concurrency
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		for slot := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				logger := log.With().
					Str("component", "consumer").
					Str("worker", c.WorkerID).
					Str("topic", topic).
					Int("slot", slot).
					Logger()
				c.loop(logger.WithContext(ctx), topic)
			}()
		}
	}
	log.Info().Msgf("worker %s consuming %v with %d slots per topic", c.WorkerID, topics, n)
	wg.Wait()
	return nil
}

func (c Consumer) loop(ctx context.Context, topic string) {
	poll := c.PollTimeout
	if poll <= 0 {
		poll = 2 * time.Second
	}
	base, ceiling := c.BaseBackoff, c.MaxBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e, err := c.Broker.Dequeue(ctx, topic, poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			pause := backoff.ExponentialJitter(base, ceiling, failures)
			log.Ctx(ctx).Warn().Err(err).Dur("pause", pause).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
			continue
		}
		failures = 0
		if e == nil {
			continue
		}

		if err := c.Process(ctx, *e); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("job_id", e.JobID).Msg("process entry")
		}
	}
}

// Process runs one delivered entry to its next recorded state. Stale or
// duplicate deliveries are dropped without error. Shutdown of ctx does not
// interrupt an attempt that has already been claimed.
func (c Consumer) Process(ctx context.Context, e domain.Entry) error {
	ctx = context.WithoutCancel(ctx)
	logger := log.Ctx(ctx).With().Str("job_id", e.JobID).Str("type", e.Type).Logger()

	j, err := c.Store.Get(ctx, e.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("entry without a job record, dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", e.JobID, err)
	}
	if j.Status != domain.StatusPending {
		logger.Debug().Str("status", string(j.Status)).Msg("duplicate delivery, dropped")
		return nil
	}

	now := c.now()
	if j.RunAt.After(now) {
		// still backing off; park this copy until run_at, the claim guard drops the spare one
		logger.Debug().Time("run_at", j.RunAt).Msg("delivered before run_at, deferred")
		if err := c.Broker.EnqueueAt(ctx, j.Topic, e, j.RunAt); err != nil {
			return fmt.Errorf("defer %s: %w", j.ID, err)
		}
		return nil
	}

	claimed := j.Clone()
	claimed.Status = domain.StatusProcessing
	claimed.AttemptCount++
	claimed.StartedAt = &now
	claimed.CompletedAt = nil
	claimed.WorkerID = c.WorkerID
	if err := c.Store.Swap(ctx, j.Expect(), claimed); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			logger.Debug().Msg("claim lost to another worker")
			return nil
		}
		return fmt.Errorf("claim %s: %w", j.ID, err)
	}
	logger = logger.With().Int("attempt", claimed.AttemptCount).Logger()

	reg, err := c.Registry.Resolve(claimed.Type)
	if err != nil {
		logger.Error().Err(err).Msg("no handler registered")
		return c.fail(ctx, claimed, domain.NewJobError(domain.KindUnknownJobType, err))
	}

	out := c.execute(ctx, reg, claimed)
	switch {
	case out.OK():
		logger.Info().Msg("job completed")
		return c.complete(ctx, claimed, out.Result)
	case out.Kind.Retryable():
		logger.Warn().Err(out.Err).Str("kind", string(out.Kind)).Msg("attempt failed")
		return c.retry(ctx, claimed, domain.NewJobError(out.Kind, out.Err), logger)
	default:
		logger.Error().Err(out.Err).Str("kind", string(out.Kind)).Msg("job failed")
		return c.fail(ctx, claimed, domain.NewJobError(out.Kind, out.Err))
	}
}

// execute runs the handler under the type's time limit. A handler that
// ignores its context is abandoned when the limit passes.
func (c Consumer) execute(ctx context.Context, reg registry.Registration, j domain.Job) domain.Outcome {
	limit := reg.Timeout
	if limit <= 0 {
		limit = c.HandlerTimeout
	}
	var (
		hctx   context.Context
		cancel context.CancelFunc
	)
	if limit > 0 {
		hctx, cancel = context.WithTimeout(ctx, limit)
	} else {
		hctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan domain.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.Retry(fmt.Errorf("handler panic: %v", r))
			}
		}()
		done <- reg.Handler(hctx, j.Clone().Payload)
	}()

	timedOut := domain.Outcome{
		Err:  fmt.Errorf("handler exceeded %s", limit),
		Kind: domain.KindHandlerTimeout,
	}
	select {
	case out := <-done:
		if out.Err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return timedOut
		}
		if out.Err != nil && out.Kind == "" {
			out.Kind = domain.KindRecoverable
		}
		return out
	case <-hctx.Done():
		return timedOut
	}
}

func (c Consumer) complete(ctx context.Context, j domain.Job, result any) error {
	return c.transition(ctx, j, func(next *domain.Job) {
		now := c.now()
		next.Status = domain.StatusCompleted
		next.Result = result
		next.Error = nil
		next.CompletedAt = &now
	})
}

func (c Consumer) fail(ctx context.Context, j domain.Job, jerr *domain.JobError) error {
	return c.transition(ctx, j, func(next *domain.Job) {
		now := c.now()
		next.Status = domain.StatusFailed
		next.Error = jerr
		next.CompletedAt = &now
	})
}

func (c Consumer) retry(ctx context.Context, j domain.Job, jerr *domain.JobError, logger zerolog.Logger) error {
	var runAt time.Time
	var requeue bool
	err := c.transition(ctx, j, func(next *domain.Job) {
		now := c.now()
		next.Error = jerr
		switch {
		case next.CancelRequested:
			next.Status = domain.StatusCancelled
			next.CompletedAt = &now
		case next.Exhausted():
			next.Status = domain.StatusFailed
			next.CompletedAt = &now
		default:
			policy := c.Retry
			if policy.Base <= 0 {
				policy = backoff.DefaultPolicy()
			}
			runAt = now.Add(policy.Delay(next.AttemptCount))
			requeue = true
			next.Status = domain.StatusPending
			next.RunAt = runAt
			next.WorkerID = ""
		}
	})
	if err != nil || !requeue {
		return err
	}

	logger.Info().Time("run_at", runAt).Msg("retry scheduled")
	if err := c.Broker.EnqueueAt(ctx, j.Topic, domain.EntryFor(j, c.now()), runAt); err != nil {
		// the record stays pending; the reaper's orphan sweep re-enqueues it
		return fmt.Errorf("requeue %s: %w", j.ID, err)
	}
	return nil
}

// transition re-reads the record so flags set while the handler ran
// (cancel_requested) survive, then applies mutate under the claim guard.
// Losing the guard means the reaper took the job back; the result of this
// attempt is discarded.
func (c Consumer) transition(ctx context.Context, claimed domain.Job, mutate func(*domain.Job)) error {
	cur, err := c.Store.Get(ctx, claimed.ID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", claimed.ID, err)
	}
	if cur.Expect() != claimed.Expect() {
		log.Ctx(ctx).Warn().Str("job_id", claimed.ID).Str("status", string(cur.Status)).
			Int("attempt", cur.AttemptCount).Msg("lease lost, attempt result dropped")
		return nil
	}

	next := cur.Clone()
	mutate(&next)
	if err := c.Store.Swap(ctx, cur.Expect(), next); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Ctx(ctx).Warn().Str("job_id", claimed.ID).Msg("lease lost, attempt result dropped")
			return nil
		}
		return fmt.Errorf("record %s: %w", claimed.ID, err)
	}
	return nil
}
