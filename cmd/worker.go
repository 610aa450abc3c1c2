package cmd

import (
	"jobq/internal/worker"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var wc worker.Config

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start worker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return worker.Run(cfg, wc)
		},
	}

	command.Flags().StringVar(&wc.ConsumerName, "consumer", "", "Worker name (default host plus random suffix)")
	command.Flags().IntVarP(&wc.Concurrency, "concurrency", "c", 0, "Handler slots per topic (default Worker_Concurrency)")
	command.Flags().StringSliceVar(&wc.Topics, "topics", nil, "Topics to consume (default Worker_Topics)")
	command.Flags().BoolVar(&wc.WithBeat, "beat", false, "Also run the recurring-task scheduler")
	command.Flags().IntVar(&wc.APIPort, "api-port", 0, "Also serve the API on this port")

	return command
}
