package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/birdtrack/enrichflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the enrichment stage",
	Long:  "Consume the configured queue until interrupted, enriching and forwarding every record.",
	Example: `  enrichflow run
  ENRICHFLOW_PUBSUB_SYSTEM=kafka ENRICHFLOW_KAFKA_BROKERS=localhost:9092 enrichflow run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stage, err := enrichflow.NewStage(ctx, cfg, logger, enrichflow.ServiceDependencies{})
		if err != nil {
			return err
		}
		defer func() {
			if err := stage.Close(); err != nil {
				logger.Error("Failed to close stage", err, nil)
			}
		}()

		if err := stage.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
