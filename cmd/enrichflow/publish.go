package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/birdtrack/enrichflow"
)

var publishCmd = &cobra.Command{
	Use:   "publish [file]",
	Short: "Publish JSON records to the consume queue",
	Long: `Publish one record per line from file (or stdin when file is "-" or
omitted) to the consume queue. Lines are sent as-is, so malformed records can
be injected to exercise the poison queue.`,
	Example: `  enrichflow publish records.jsonl
  echo '{"uuid":"a1","start_time":1700000000.0,"air_quality":[]}' | enrichflow publish --topic start_migration`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		topic, _ := cmd.Flags().GetString("topic")
		if topic == "" {
			topic = cfg.ConsumeQueue
		}
		attrs, _ := cmd.Flags().GetStringToString("attr")

		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		svc, err := enrichflow.TryNewService(cfg, logger, cmd.Context(), enrichflow.ServiceDependencies{
			DisableDefaultMiddlewares: true,
		})
		if err != nil {
			return err
		}
		defer svc.Close()

		n, err := enrichflow.PublishRecords(cmd.Context(), svc, topic, in, enrichflow.Metadata(attrs))
		fmt.Fprintf(cmd.OutOrStdout(), "published %d record(s) to %s\n", n, topic)
		return err
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("topic", "", "topic to publish to (default: consume_queue)")
	publishCmd.Flags().StringToString("attr", nil, "attribute to attach to every record, key=value (repeatable)")
}
