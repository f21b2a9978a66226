package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics plus liveness/readiness probes.
type MetricsServer struct {
	addr   string
	logger *zap.Logger
	server *http.Server
}

// NewMetricsServer creates a metrics server. ready is consulted by the
// /ready probe; pass nil to always report ready.
func NewMetricsServer(addr string, ready func() bool, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return &MetricsServer{
		addr:   addr,
		logger: logger,
		server: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving in the background.
func (ms *MetricsServer) Start() {
	ms.logger.Info("Starting metrics server", zap.String("address", ms.addr))

	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.logger.Info("Stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ms.server.Shutdown(shutdownCtx)
}
