// Package infra picks the adapters a process runs on.
package infra

import (
	"context"
	"errors"
	"fmt"
	"jobq/internal/config"
	"jobq/internal/infra/memory"
	"jobq/internal/infra/postgres"
	"jobq/internal/infra/redisq"
	"jobq/internal/infra/sqlite"
	"jobq/internal/ports"

	"github.com/rs/zerolog/log"
)

// Backend is the broker, record store and lock service of one process.
// Scheduler is nil when the broker needs no promoter.
type Backend struct {
	Store     ports.Store
	Broker    ports.Broker
	Locker    ports.Locker
	Scheduler ports.Scheduler

	closers []func() error
}

// Open connects the adapters cfg.Store selects and checks both broker and
// store answer. Redis is the broker for every durable store; "memory"
// keeps everything in this process.
func Open(ctx context.Context, cfg *config.Config, topics []string) (*Backend, error) {
	b := &Backend{}
	if cfg.Store == "memory" {
		log.Warn().Msg("memory backend: jobs are lost when the process exits")
		broker := memory.NewBroker()
		b.Store, b.Broker, b.Locker = memory.NewStore(), broker, memory.NewLocker()
		b.closers = append(b.closers, func() error { broker.Close(); return nil })
		return b, nil
	}

	rc := redisq.New(cfg.Redis)
	b.closers = append(b.closers, rc.Close)
	if err := rc.Init(ctx, topics...); err != nil {
		b.Close()
		return nil, err
	}
	b.Broker, b.Locker = rc, rc
	b.Scheduler = redisq.NewPromoter(rc, topics, cfg.Worker.PromoteEvery)

	switch cfg.Store {
	case "redis":
		b.Store = rc
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Store = pg
		b.closers = append(b.closers, func() error { pg.Close(); return nil })
	case "sqlite":
		lite, err := sqlite.Open(ctx, cfg.Sqlite.Path)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Store = lite
		b.closers = append(b.closers, lite.Close)
	default:
		b.Close()
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}

	if err := b.Store.Ping(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}
	log.Info().Msgf("backend ready: store=%s broker=redis topics=%v", cfg.Store, topics)
	return b, nil
}

func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
