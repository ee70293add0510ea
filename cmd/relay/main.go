package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay log-stream records to a trace-ingestion service",
		Long: "relay consumes records from a Redis Streams or NATS JetStream log stream, " +
			"turns each one into a trace with a generation, and delivers it downstream. " +
			"Records that cannot be delivered are kept in a dead-letter store.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: relay.yaml in . or /etc/relay)")

	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newDeadLetterCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
