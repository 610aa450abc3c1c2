// Package beat runs the recurring-task scheduler as a process.
package beat

import (
	"context"
	"jobq/internal/config"
	"jobq/internal/infra"
	"jobq/internal/ports"
	"jobq/internal/registry"
	"jobq/internal/usecase"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Run drives a beat on the wall clock until ctx is done.
func Run(ctx context.Context, appCfg *config.Config, sub usecase.Submitter, locker ports.Locker, owner string) error {
	tasks, err := config.LoadSchedule(appCfg.ScheduleFile)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		log.Warn().Msg("beat: no scheduled tasks configured, set JOBQ_SCHEDULE_FILE")
	}

	b := usecase.NewBeat(tasks, sub, locker, owner)
	b.LeaderTTL = appCfg.Beat.LeaderTTL
	b.Every = appCfg.Beat.TickInterval
	logger := log.With().Str("component", "beat").Str("owner", owner).Logger()
	return b.Run(logger.WithContext(ctx))
}

// Serve is the standalone beat process: it opens its own backend and
// stops on SIGINT or SIGTERM.
func Serve(appCfg *config.Config, owner string, reg *registry.Registry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := infra.Open(ctx, appCfg, reg.Topics())
	if err != nil {
		return err
	}
	defer be.Close()

	sub := usecase.Submitter{Store: be.Store, Broker: be.Broker, Registry: reg}
	return Run(ctx, appCfg, sub, be.Locker, owner)
}
