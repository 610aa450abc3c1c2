package usecase

import (
	"context"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"jobq/internal/registry"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Submitter is the submission side of the queue: it creates job records,
// hands their entries to the broker and lets callers follow them.
type Submitter struct {
	Store    ports.Store
	Broker   ports.Broker
	Registry *registry.Registry

	// PollInterval is how often Await re-reads the record.
	PollInterval time.Duration
	Now          func() time.Time
}

type submitOptions struct {
	topic      string
	maxRetries *int
	runAt      time.Time
}

type SubmitOption func(*submitOptions)

// WithRunAt delays the first attempt until at.
func WithRunAt(at time.Time) SubmitOption {
	return func(o *submitOptions) { o.runAt = at }
}

// OnTopic overrides the topic the type is registered on.
func OnTopic(topic string) SubmitOption {
	return func(o *submitOptions) { o.topic = topic }
}

// Retries overrides the registered retry budget for this one job.
func Retries(n int) SubmitOption {
	return func(o *submitOptions) { o.maxRetries = &n }
}

func (s Submitter) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Submit records a pending job and enqueues it. Unknown types are accepted
// here; the worker fails them with UnknownJobType.
func (s Submitter) Submit(ctx context.Context, jobType string, payload domain.Payload, opts ...SubmitOption) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("submit: job type is required")
	}

	o := submitOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	topic, maxRetries := domain.DefaultTopic, domain.DefaultMaxRetries
	if s.Registry != nil {
		if reg, err := s.Registry.Resolve(jobType); err == nil {
			topic, maxRetries = reg.Topic, reg.MaxRetries
		}
	}
	if o.topic != "" {
		topic = o.topic
	}
	if o.maxRetries != nil {
		if *o.maxRetries < 0 {
			return "", fmt.Errorf("submit %s: negative max retries", jobType)
		}
		maxRetries = *o.maxRetries
	}
	if payload == nil {
		payload = domain.Payload{}
	}

	now := s.now()
	runAt := now
	if o.runAt.After(now) {
		runAt = o.runAt
	}

	j := domain.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Topic:      topic,
		Payload:    payload,
		Status:     domain.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		RunAt:      runAt,
	}
	if err := s.Store.Create(ctx, j); err != nil {
		return "", fmt.Errorf("submit %s: %w", jobType, err)
	}

	var err error
	if runAt.After(now) {
		err = s.Broker.EnqueueAt(ctx, topic, domain.EntryFor(j, now), runAt)
	} else {
		err = s.Broker.Enqueue(ctx, topic, domain.EntryFor(j, now))
	}
	if err == nil {
		log.Ctx(ctx).Debug().Str("job_id", j.ID).Str("type", jobType).Str("topic", topic).Msg("job submitted")
		return j.ID, nil
	}

	failed := j.Clone()
	failed.Status = domain.StatusFailed
	failed.CompletedAt = &now
	failed.Error = domain.NewJobError(domain.KindBrokerUnavailable, err)
	if serr := s.Store.Swap(context.WithoutCancel(ctx), j.Expect(), failed); serr != nil {
		log.Ctx(ctx).Error().Err(serr).Str("job_id", j.ID).Msg("mark unsubmitted job failed")
	}
	if !errors.Is(err, domain.ErrBrokerUnavailable) {
		err = fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, err)
	}
	return "", fmt.Errorf("submit %s: %w", j.ID, err)
}

func (s Submitter) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.Store.Get(ctx, id)
}

// List returns jobs in one status, oldest first.
func (s Submitter) List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidState, status)
	}
	return s.Store.ListByStatus(ctx, status, limit)
}

// Await polls the record until it is terminal. A failed job comes back
// together with its *domain.JobError, a cancelled one with ErrCancelled.
func (s Submitter) Await(ctx context.Context, id string, timeout time.Duration) (*domain.Job, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		j, err := s.Store.Get(ctx, id)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if j != nil && j.Status.Terminal() {
			switch j.Status {
			case domain.StatusFailed:
				if j.Error == nil {
					return j, fmt.Errorf("job %s failed", id)
				}
				return j, j.Error
			case domain.StatusCancelled:
				return j, domain.ErrCancelled
			}
			return j, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return j, fmt.Errorf("await %s: %w", id, domain.ErrTimedOut)
			}
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel stops a pending job outright and flags a processing one so the
// worker cancels it instead of retrying.
func (s Submitter) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	for range 5 {
		j, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := j.Clone()
		switch j.Status {
		case domain.StatusPending:
			now := s.now()
			next.Status = domain.StatusCancelled
			next.CompletedAt = &now
		case domain.StatusProcessing:
			if j.CancelRequested {
				return j, nil
			}
			next.CancelRequested = true
		default:
			return j, fmt.Errorf("cancel %s in status %s: %w", id, j.Status, domain.ErrInvalidState)
		}

		err = s.Store.Swap(ctx, j.Expect(), next)
		if err == nil {
			log.Ctx(ctx).Info().Str("job_id", id).Str("status", string(next.Status)).Msg("job cancel requested")
			return &next, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("cancel %s: %w", id, domain.ErrConflict)
}
