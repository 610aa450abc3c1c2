// Package registry maps job types to the handlers that process them.
//
// A Registry is filled once during process start and then frozen; after
// Freeze every call to Register fails, so dispatch never races a
// registration.
package registry

import (
	"errors"
	"fmt"
	"jobq/internal/domain"
	"sort"
	"sync"
	"time"
)

var (
	ErrFrozen    = errors.New("registry is frozen")
	ErrDuplicate = errors.New("job type already registered")
)

// Registration is a resolved handler together with its per-type policy.
type Registration struct {
	Type       string
	Handler    domain.Handler
	MaxRetries int
	Timeout    time.Duration
	Topic      string
}

type Option func(*Registration)

// WithMaxRetries overrides the default retry budget for the type.
func WithMaxRetries(n int) Option {
	return func(r *Registration) { r.MaxRetries = n }
}

// WithTimeout bounds a single attempt. Zero uses the worker default.
func WithTimeout(d time.Duration) Option {
	return func(r *Registration) { r.Timeout = d }
}

// WithTopic routes jobs of the type onto a dedicated broker topic.
func WithTopic(topic string) Option {
	return func(r *Registration) { r.Topic = topic }
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
	frozen  bool
}

func New() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

func (r *Registry) Register(jobType string, h domain.Handler, opts ...Option) error {
	if jobType == "" || h == nil {
		return fmt.Errorf("register %q: type and handler are required", jobType)
	}
	reg := Registration{
		Type:       jobType,
		Handler:    h,
		MaxRetries: domain.DefaultMaxRetries,
		Topic:      domain.DefaultTopic,
	}
	for _, o := range opts {
		o(&reg)
	}
	if reg.MaxRetries < 0 {
		return fmt.Errorf("register %q: negative max retries", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %q: %w", jobType, ErrFrozen)
	}
	if _, ok := r.entries[jobType]; ok {
		return fmt.Errorf("register %q: %w", jobType, ErrDuplicate)
	}
	r.entries[jobType] = reg
	return nil
}

// MustRegister is Register for process wiring code, where a failure is a
// programming error.
func (r *Registry) MustRegister(jobType string, h domain.Handler, opts ...Option) {
	if err := r.Register(jobType, h, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Resolve(jobType string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[jobType]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, jobType)
	}
	return reg, nil
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Topics returns the distinct topics the registered types travel on.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, reg := range r.entries {
		seen[reg.Topic] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
