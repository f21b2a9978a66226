package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skylab-hpc/skylab/cmd/skyctl/commands"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skyctl",
		Short: "Skylab CLI",
		Long: `skyctl is the command-line interface for the Skylab research computing
control plane.

It provides commands to submit batch jobs, manage interactive sessions, and
inspect the compute fleet.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().String("server", "", "Control plane API URL (default: $SKYLAB_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().String("output", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(commands.NewNodeCommand())
	rootCmd.AddCommand(commands.NewSessionCommand())
	rootCmd.AddCommand(commands.NewJobCommand())
	rootCmd.AddCommand(commands.NewEventsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(Version, BuildTime, GitCommit))

	return rootCmd
}
