package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/skylab-hpc/skylab/pkg/api"
	"github.com/skylab-hpc/skylab/pkg/config"
	"github.com/skylab-hpc/skylab/pkg/fleet"
	"github.com/skylab-hpc/skylab/pkg/gateway"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/scheduler"
	"github.com/skylab-hpc/skylab/pkg/session"
	"github.com/skylab-hpc/skylab/pkg/store"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "controlplane",
		Short: "Skylab control plane - scheduler and gateway for shared research computing",
		Long: `The Skylab control plane admits batch jobs and interactive session requests,
places them onto capability-class compute nodes, and fronts active sessions
with a token-checked connection gateway.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().String("api-addr", "0.0.0.0:8080", "HTTP API bind address")
	rootCmd.PersistentFlags().String("grpc-addr", "0.0.0.0:8081", "gRPC health/debug bind address")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	rootCmd.PersistentFlags().String("gateway-addr", "0.0.0.0:7000", "Gateway TCP bind address")
	rootCmd.PersistentFlags().String("gateway-quic-addr", "", "Gateway QUIC bind address (requires TLS cert/key)")
	rootCmd.PersistentFlags().String("tls-cert", "", "TLS certificate file for the QUIC gateway")
	rootCmd.PersistentFlags().String("tls-key", "", "TLS key file for the QUIC gateway")
	rootCmd.PersistentFlags().String("token-signing-key", "", "HS256 signing key for connection tokens")
	rootCmd.PersistentFlags().String("store", "memory", "Store backend (memory, raft)")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/skylab", "Data directory for the raft store")
	rootCmd.PersistentFlags().String("raft-addr", "", "Raft consensus bind address")
	rootCmd.PersistentFlags().String("raft-id", "", "Raft server ID")
	rootCmd.PersistentFlags().Bool("raft-bootstrap", false, "Bootstrap a new raft cluster")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Enable OTLP trace export")
	rootCmd.PersistentFlags().String("tracing-endpoint", "localhost:4317", "OTLP collector endpoint")
	rootCmd.PersistentFlags().Float64("tracing-sample-rate", 0.1, "Trace sampling rate")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("api_addr", rootCmd.PersistentFlags().Lookup("api-addr"))
	viper.BindPFlag("grpc_addr", rootCmd.PersistentFlags().Lookup("grpc-addr"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("gateway.addr", rootCmd.PersistentFlags().Lookup("gateway-addr"))
	viper.BindPFlag("gateway.quic_addr", rootCmd.PersistentFlags().Lookup("gateway-quic-addr"))
	viper.BindPFlag("tls.cert", rootCmd.PersistentFlags().Lookup("tls-cert"))
	viper.BindPFlag("tls.key", rootCmd.PersistentFlags().Lookup("tls-key"))
	viper.BindPFlag("token_signing_key", rootCmd.PersistentFlags().Lookup("token-signing-key"))
	viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("raft.addr", rootCmd.PersistentFlags().Lookup("raft-addr"))
	viper.BindPFlag("raft.id", rootCmd.PersistentFlags().Lookup("raft-id"))
	viper.BindPFlag("raft.bootstrap", rootCmd.PersistentFlags().Lookup("raft-bootstrap"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.endpoint", rootCmd.PersistentFlags().Lookup("tracing-endpoint"))
	viper.BindPFlag("tracing.sample_rate", rootCmd.PersistentFlags().Lookup("tracing-sample-rate"))

	viper.SetEnvPrefix("SKYLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Skylab Control Plane\n")
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
	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Skylab control plane",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if key := viper.GetString("token_signing_key"); key != "" {
		cfg.TokenSigningKey = key
	}
	if cfg.TokenSigningKey == "" {
		return fmt.Errorf("a token signing key is required (--token-signing-key or config)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    "skylab-controlplane",
		ServiceVersion: Version,
		SampleRate:     viper.GetFloat64("tracing.sample_rate"),
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer st.Close()

	events := observability.NewEventStream(0, logger)
	fleetCtl := fleet.NewSim(fleet.SimConfig{}, logger)

	sched, err := scheduler.New(st, fleetCtl, cfg, events, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	jobs := scheduler.NewJobTracker(st, sched, events, logger)

	tokens, err := session.NewTokenIssuer(cfg.TokenSigningKey, 0)
	if err != nil {
		return err
	}
	engine, err := session.NewEngine(st, sched, tokens, cfg, events, logger)
	if err != nil {
		return fmt.Errorf("failed to create session engine: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		TCPAddr:  viper.GetString("gateway.addr"),
		QUICAddr: viper.GetString("gateway.quic_addr"),
	}, st, tokens, engine, events, logger)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	apiServer := api.NewServer(viper.GetString("api_addr"), st, sched, engine, jobs, events, logger)
	metricsServer := observability.NewMetricsServer(viper.GetString("metrics_addr"), nil, logger)

	grpcServer, grpcListener, err := setupGRPCServer(viper.GetString("grpc_addr"))
	if err != nil {
		return fmt.Errorf("failed to set up gRPC server: %w", err)
	}

	go sched.Run(ctx)
	go engine.Run(ctx)
	go gw.WatchRoutes(ctx)
	go func() {
		if err := gw.ServeTCP(ctx); err != nil {
			logger.Error("Gateway TCP listener failed", zap.Error(err))
			cancel()
		}
	}()
	if viper.GetString("gateway.quic_addr") != "" {
		tlsConfig, err := loadTLSConfig()
		if err != nil {
			return err
		}
		go func() {
			if err := gw.ServeQUIC(ctx, tlsConfig); err != nil {
				logger.Error("Gateway QUIC listener failed", zap.Error(err))
				cancel()
			}
		}()
	}

	apiServer.Start()
	metricsServer.Start()
	go func() {
		logger.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	grpcServer.GracefulStop()
	gw.Close()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping API server", zap.Error(err))
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping tracer", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

func openStore(logger *zap.Logger) (store.Store, error) {
	switch backend := viper.GetString("store"); backend {
	case "memory":
		logger.Warn("Using in-memory store; state will not survive a restart")
		return store.NewMemory(), nil
	case "raft":
		raftStore, err := store.NewRaft(&store.RaftConfig{
			DataDir:   viper.GetString("data_dir"),
			BindAddr:  viper.GetString("raft.addr"),
			ServerID:  viper.GetString("raft.id"),
			Bootstrap: viper.GetBool("raft.bootstrap"),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open raft store: %w", err)
		}
		if viper.GetBool("raft.bootstrap") {
			if err := raftStore.WaitForLeader(30 * time.Second); err != nil {
				return nil, err
			}
		}
		return raftStore, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

func setupGRPCServer(addr string) (*grpc.Server, net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	return grpcServer, listener, nil
}

func loadTLSConfig() (*tls.Config, error) {
	certFile := viper.GetString("tls.cert")
	keyFile := viper.GetString("tls.key")
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("QUIC gateway requires --tls-cert and --tls-key")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
