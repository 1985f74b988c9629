package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/birdtrack/enrichflow"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "enrichflow",
	Short: "Air-quality enrichment stage for bird migration records",
	Long: `enrichflow consumes bird position records, appends the current air
quality for the configured city, stamps the stage arrival time and forwards
the record to the next stage.

Configuration is read from enrichflow.yaml (or --config) and ENRICHFLOW_*
environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./enrichflow.yaml or /etc/enrichflow/enrichflow.yaml)")
}

// loadConfig reads and validates the configuration.
func loadConfig() (*enrichflow.Config, error) {
	cfg, err := enrichflow.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := enrichflow.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *enrichflow.Config, w io.Writer) (enrichflow.ServiceLogger, error) {
	level, err := enrichflow.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	return enrichflow.NewSlogServiceLogger(enrichflow.NewSlogLogger(w, cfg.LogFormat, level)), nil
}
