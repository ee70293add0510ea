package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loghub/trace-relay/internal/config"
	"github.com/loghub/trace-relay/internal/db"
	"github.com/loghub/trace-relay/internal/deadletter"
	"github.com/loghub/trace-relay/internal/domain"
)

func newDeadLetterCmd(configPath *string) *cobra.Command {
	dlCmd := &cobra.Command{Use: "deadletter", Short: "Inspect records that could not be delivered"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the most recent dead-letter entries as JSON lines, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("path")
			limit, _ := cmd.Flags().GetInt("limit")
			if path == "" {
				path = cfg.DeadLetter.Path
			}

			var entries []domain.DeadLetterEntry
			switch cfg.DeadLetter.Backend {
			case config.BackendFile:
				entries, err = deadletter.Tail(path, limit)
			case config.BackendPostgres:
				pool, cerr := db.Connect(cmd.Context(), cfg.DeadLetter.DatabaseURL, 1)
				if cerr != nil {
					return cerr
				}
				defer pool.Close()
				entries, err = deadletter.NewPostgresSink(pool, nil).List(cmd.Context(), limit)
			default:
				return fmt.Errorf("%w: %q", domain.ErrUnknownBackend, cfg.DeadLetter.Backend)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			cmd.PrintErrf("%d entries\n", len(entries))
			return nil
		},
	}
	listCmd.Flags().String("path", "", "dead-letter file (default: deadletter.path from config)")
	listCmd.Flags().Int("limit", 20, "maximum entries to print; 0 prints all")

	dlCmd.AddCommand(listCmd)
	return dlCmd
}
