// Package hostagent runs on every compute node and reports liveness and
// resource usage to the control plane. A node that stops reporting is
// declared lost after its class's grace period.
package hostagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/api"
)

// Config configures the host agent.
type Config struct {
	// NodeID is this host's node record id, assigned at provisioning.
	NodeID string

	// ControlPlaneURL is the base URL of the control plane API.
	ControlPlaneURL string

	// Interval between heartbeats.
	Interval time.Duration
}

// Agent reports heartbeats until stopped.
type Agent struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// New creates a host agent.
func New(config Config, logger *zap.Logger) (*Agent, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if config.ControlPlaneURL == "" {
		return nil, fmt.Errorf("control plane URL is required")
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}

	return &Agent{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Run sends heartbeats until ctx is cancelled. Send failures are logged and
// retried on the next interval; the control plane's grace period absorbs
// transient gaps.
func (a *Agent) Run(ctx context.Context) {
	a.logger.Info("Host agent started",
		zap.String("node_id", a.config.NodeID),
		zap.String("control_plane", a.config.ControlPlaneURL),
		zap.Duration("interval", a.config.Interval),
	)

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		if err := a.heartbeat(ctx); err != nil {
			a.logger.Warn("Heartbeat failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			a.logger.Info("Host agent stopped")
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	cpuPercent, memPercent, err := a.sample(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(api.HeartbeatRequest{
		CPUPercent: cpuPercent,
		MemPercent: memPercent,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/nodes/%s/heartbeat", a.config.ControlPlaneURL, a.config.NodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("heartbeat rejected with status %d", resp.StatusCode)
	}
	return nil
}

// sample reads instantaneous CPU and memory usage.
func (a *Agent) sample(ctx context.Context) (float64, float64, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read CPU usage: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read memory usage: %w", err)
	}
	return cpuPercent, vm.UsedPercent, nil
}
