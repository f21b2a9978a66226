package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skylab-hpc/skylab/cmd/skyctl/config"
)

// NewEventsCommand creates the events command
func NewEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent control plane events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			events, err := cfg.NewClient().ListEvents(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}

			headers := []string{"TIME", "TYPE", "RESOURCE", "DESCRIPTION"}
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				rows = append(rows, []string{
					config.FormatTime(ev.Timestamp),
					ev.Type,
					ev.ResourceID,
					ev.Description,
				})
			}
			return config.NewOutputter(cfg.Output).Render(events, headers, rows, "")
		},
	}

	cmd.Flags().IntP("limit", "n", 50, "Maximum events to show")
	return cmd
}
