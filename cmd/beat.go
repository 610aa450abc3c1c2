package cmd

import (
	"jobq/internal/beat"
	"jobq/internal/handlers"
	"jobq/internal/worker"

	"github.com/spf13/cobra"
)

func beatCmd() *cobra.Command {
	var owner, schedule string

	var command = &cobra.Command{
		Use:   "beat",
		Short: "Start the recurring-task scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if schedule != "" {
				cfg.ScheduleFile = schedule
			}
			if owner == "" {
				owner = worker.DefaultName()
			}
			reg, err := handlers.NewRegistry()
			if err != nil {
				return err
			}
			return beat.Serve(cfg, owner, reg)
		},
	}

	command.Flags().StringVar(&owner, "owner", "", "Leader lock owner id (default host plus random suffix)")
	command.Flags().StringVarP(&schedule, "schedule", "s", "", "Schedule file (default JOBQ_SCHEDULE_FILE)")
	return command
}
