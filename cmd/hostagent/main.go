package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/hostagent"
	"github.com/skylab-hpc/skylab/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	rootCmd = &cobra.Command{
		Use:   "hostagent",
		Short: "Skylab host agent - heartbeat reporter for compute nodes",
		RunE:  run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("node-id", "", "This host's node id")
	rootCmd.PersistentFlags().String("controlplane-url", "http://localhost:8080", "Control plane API base URL")
	rootCmd.PersistentFlags().Duration("interval", 15*time.Second, "Heartbeat interval")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlag("node_id", rootCmd.PersistentFlags().Lookup("node-id"))
	viper.BindPFlag("controlplane_url", rootCmd.PersistentFlags().Lookup("controlplane-url"))
	viper.BindPFlag("interval", rootCmd.PersistentFlags().Lookup("interval"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("SKYLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Skylab Host Agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	agent, err := hostagent.New(hostagent.Config{
		NodeID:          viper.GetString("node_id"),
		ControlPlaneURL: viper.GetString("controlplane_url"),
		Interval:        viper.GetDuration("interval"),
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("Host agent starting",
		zap.String("node_id", viper.GetString("node_id")),
		zap.String("controlplane_url", viper.GetString("controlplane_url")),
		zap.Duration("interval", viper.GetDuration("interval")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	agent.Run(ctx)
	return nil
}
