// Package memory holds in-process adapters. Nothing here survives a
// restart: records, queued entries and locks live only in this process.
// They back tests and single-process development, and act as an
// ephemeral status cache; anything that must outlive the process goes
// through the redis or SQL adapters.
package memory

import (
	"context"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/ports"
	"sort"
	"sync"
)

var _ ports.Store = (*Store)(nil)

type Store struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]domain.Job)}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Create(_ context.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("create %s: %w", j.ID, domain.ErrAlreadyExists)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := j.Clone()
	return &c, nil
}

func (s *Store) Swap(_ context.Context, expect domain.Expect, next domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[next.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Expect() != expect {
		return domain.ErrConflict
	}
	s.jobs[next.ID] = next.Clone()
	return nil
}

func (s *Store) ListByStatus(_ context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	out := make([]domain.Job, 0)
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
