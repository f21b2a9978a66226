package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skylab-hpc/skylab/cmd/skyctl/config"
	"github.com/skylab-hpc/skylab/pkg/api"
)

// NewSessionCommand creates the session command
func NewSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage interactive sessions",
		Long:  "Request, inspect, and terminate interactive desktop sessions",
	}

	cmd.AddCommand(newSessionListCommand())
	cmd.AddCommand(newSessionGetCommand())
	cmd.AddCommand(newSessionCreateCommand())
	cmd.AddCommand(newSessionTerminateCommand())
	return cmd
}

func newSessionListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			sessions, err := cfg.NewClient().ListSessions(ctx)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			out := config.NewOutputter(cfg.Output)
			return out.Render(sessions, sessionHeaders, sessionRows(sessions), "sessions")
		},
	}
}

func newSessionGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get SESSION_ID",
		Short: "Get session details, including the connection token when active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			session, err := cfg.NewClient().GetSession(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			out := config.NewOutputter(cfg.Output)
			return out.Render(session, sessionHeaders, sessionRows([]api.SessionResponse{session}), "")
		},
	}
}

func newSessionCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a new interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			class, _ := cmd.Flags().GetString("class")
			owner, _ := cmd.Flags().GetString("owner")
			if class == "" || owner == "" {
				return fmt.Errorf("--class and --owner are required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			session, err := cfg.NewClient().CreateSession(ctx, class, owner)
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}

			fmt.Printf("Session %s requested (state: %s)\n", session.ID, session.State)
			fmt.Printf("Poll 'skyctl session get %s' for the connection token.\n", session.ID)
			return nil
		},
	}

	cmd.Flags().StringP("class", "c", "", "Capability class")
	cmd.Flags().StringP("owner", "u", "", "Session owner")
	return cmd
}

func newSessionTerminateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate SESSION_ID",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := cfg.NewClient().TerminateSession(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to terminate session: %w", err)
			}
			fmt.Printf("Session %s terminated\n", args[0])
			return nil
		},
	}
}

var sessionHeaders = []string{"ID", "OWNER", "CLASS", "STATE", "NODE", "LAST ACTIVITY"}

func sessionRows(sessions []api.SessionResponse) [][]string {
	rows := make([][]string, 0, len(sessions))
	for _, session := range sessions {
		rows = append(rows, []string{
			session.ID,
			session.Owner,
			session.Class,
			session.State,
			session.NodeID,
			config.FormatTime(session.LastActivity),
		})
	}
	return rows
}
