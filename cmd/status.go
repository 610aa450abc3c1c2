package cmd

import (
	"jobq/internal/domain"
	"jobq/internal/handlers"
	"jobq/internal/infra"
	"jobq/internal/usecase"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var (
		status string
		limit  int
		cancel bool
	)

	var command = &cobra.Command{
		Use:   "status [ID]",
		Short: "Show one job, or list jobs by status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := handlers.NewRegistry()
			if err != nil {
				return err
			}
			be, err := infra.Open(cmd.Context(), cfg, reg.Topics())
			if err != nil {
				return err
			}
			defer be.Close()
			sub := usecase.Submitter{Store: be.Store, Broker: be.Broker, Registry: reg}

			if len(args) == 0 {
				jobs, err := sub.List(cmd.Context(), domain.JobStatus(status), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, jobs)
			}

			var j *domain.Job
			if cancel {
				j, err = sub.Cancel(cmd.Context(), args[0])
			} else {
				j, err = sub.Get(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, j)
		},
	}

	command.Flags().StringVar(&status, "status", string(domain.StatusPending), "Status to list when no ID is given")
	command.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to list")
	command.Flags().BoolVar(&cancel, "cancel", false, "Cancel the job instead of only showing it")
	return command
}
