package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"jobq/internal/domain"
	"jobq/internal/handlers"
	"jobq/internal/infra"
	"jobq/internal/usecase"
	"time"

	"github.com/spf13/cobra"
)

func submitCmd() *cobra.Command {
	var (
		payload    string
		topic      string
		maxRetries int
		delay      time.Duration
		wait       time.Duration
	)

	var command = &cobra.Command{
		Use:   "submit TYPE",
		Short: "Submit a job and optionally wait for its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p domain.Payload
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}

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

			var opts []usecase.SubmitOption
			if topic != "" {
				opts = append(opts, usecase.OnTopic(topic))
			}
			if cmd.Flags().Changed("max-retries") {
				opts = append(opts, usecase.Retries(maxRetries))
			}
			if delay > 0 {
				opts = append(opts, usecase.WithRunAt(time.Now().Add(delay)))
			}

			id, err := sub.Submit(cmd.Context(), args[0], p, opts...)
			if err != nil {
				return err
			}
			if wait <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			j, err := sub.Await(cmd.Context(), id, wait)
			var jerr *domain.JobError
			if err != nil && !errors.As(err, &jerr) && !errors.Is(err, domain.ErrCancelled) {
				return err
			}
			return printJSON(cmd, j)
		},
	}

	command.Flags().StringVarP(&payload, "payload", "d", "", "JSON object handed to the handler")
	command.Flags().StringVar(&topic, "topic", "", "Override the registered topic")
	command.Flags().IntVar(&maxRetries, "max-retries", domain.DefaultMaxRetries, "Override the registered retry budget")
	command.Flags().DurationVar(&delay, "delay", 0, "Delay the first attempt")
	command.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait this long for the job to finish and print it")
	return command
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
