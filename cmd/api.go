package cmd

import (
	"jobq/internal/api"
	"jobq/internal/handlers"
	"jobq/internal/infra"
	"jobq/internal/usecase"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
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

			log.Info().Msgf("API server using store: %s, group: %s", cfg.Store, cfg.Redis.Group)
			server := api.NewServer(usecase.Submitter{Store: be.Store, Broker: be.Broker, Registry: reg})
			return server.Run(port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
