package worker

import (
	"context"
	"errors"
	"fmt"
	"jobq/internal/api"
	"jobq/internal/beat"
	"jobq/internal/config"
	"jobq/internal/handlers"
	"jobq/internal/infra"
	"jobq/internal/registry"
	"jobq/internal/usecase"
	"jobq/pkg/backoff"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config holds the per-process overrides the worker command takes on top
// of the environment.
type Config struct {
	ConsumerName string
	Concurrency  int
	Topics       []string
	// WithBeat runs the scheduler in this process as well.
	WithBeat bool
	// APIPort > 0 serves the submission API from this process.
	APIPort int
}

// DefaultName identifies a worker as host plus a short random suffix.
func DefaultName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Run blocks until SIGINT or SIGTERM, drains in-flight jobs and returns nil.
// It fails fast when the broker or the store cannot be reached.
func Run(appCfg *config.Config, cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ConsumerName == "" {
		cfg.ConsumerName = DefaultName()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = appCfg.Worker.Concurrency
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = appCfg.Worker.Topics
	}

	reg, err := handlers.NewRegistry()
	if err != nil {
		return err
	}
	if err := checkLeases(reg, appCfg.Worker.StaleAfter); err != nil {
		return err
	}
	be, err := infra.Open(ctx, appCfg, cfg.Topics)
	if err != nil {
		return err
	}
	defer be.Close()

	consumer := usecase.Consumer{
		Store:          be.Store,
		Broker:         be.Broker,
		Registry:       reg,
		WorkerID:       cfg.ConsumerName,
		Topics:         cfg.Topics,
		Concurrency:    cfg.Concurrency,
		PollTimeout:    appCfg.Worker.PollTimeout,
		HandlerTimeout: appCfg.Worker.HandlerTimeout,
		Retry:          backoff.Policy{Base: appCfg.Worker.BaseBackoff, Max: appCfg.Worker.MaxBackoff},
	}
	reaper := usecase.Reaper{
		Store:      be.Store,
		Broker:     be.Broker,
		StaleAfter: appCfg.Worker.StaleAfter,
		Interval:   appCfg.Worker.ReapInterval,
		Batch:      500,
	}
	sub := usecase.Submitter{Store: be.Store, Broker: be.Broker, Registry: reg}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	if be.Scheduler != nil {
		g.Go(func() error { return ignoreCancel(be.Scheduler.Run(gctx)) })
	}
	if cfg.WithBeat {
		g.Go(func() error { return beat.Run(gctx, appCfg, sub, be.Locker, cfg.ConsumerName) })
	}
	if cfg.APIPort > 0 {
		g.Go(func() error { return api.NewServer(sub).Serve(gctx, cfg.APIPort) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msgf("worker %s stopped", cfg.ConsumerName)
	return nil
}

// checkLeases refuses to start when a handler may legitimately run longer
// than the reaper lets a lease live.
func checkLeases(reg *registry.Registry, staleAfter time.Duration) error {
	for _, t := range reg.Types() {
		r, err := reg.Resolve(t)
		if err != nil {
			return err
		}
		if r.Timeout >= staleAfter {
			return fmt.Errorf("handler %s timeout %s must be below Worker_StaleAfter %s", t, r.Timeout, staleAfter)
		}
	}
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
