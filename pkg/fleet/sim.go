package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sim is an in-process fleet driver. It stands in for the cloud provider in
// tests and local development: hosts become ready after a configurable delay,
// and failures can be scripted per class.
type Sim struct {
	logger *zap.Logger
	config SimConfig

	mu       sync.Mutex
	nodes    map[string]*simNode
	failures map[string]int // class -> remaining scripted failures
	seq      int
}

// SimConfig controls the simulator.
type SimConfig struct {
	// ReadyDelay is how long a host stays in provisioning before ready.
	// Zero means hosts are ready immediately.
	ReadyDelay time.Duration

	// AddressBase formats provisioned host addresses; the node ordinal is
	// appended. Defaults to "127.0.0.1:91" (ports 9100, 9101, ...).
	AddressBase string
}

type simNode struct {
	handle  NodeHandle
	state   HealthState
	readyAt time.Time
}

// NewSim creates a fleet simulator.
func NewSim(config SimConfig, logger *zap.Logger) *Sim {
	if config.AddressBase == "" {
		config.AddressBase = "127.0.0.1:91"
	}
	return &Sim{
		logger:   logger,
		config:   config,
		nodes:    make(map[string]*simNode),
		failures: make(map[string]int),
	}
}

// FailNext makes the next n Provision calls for class fail. Used to exercise
// the scheduler's retry and backoff behavior.
func (s *Sim) FailNext(class string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[class] = n
}

// Provision issues a simulated host.
func (s *Sim) Provision(ctx context.Context, class string) (*NodeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if remaining := s.failures[class]; remaining > 0 {
		s.failures[class] = remaining - 1
		return nil, &ProvisionError{Class: class, Reason: "simulated capacity shortage", Retryable: true}
	}

	s.seq++
	node := &simNode{
		handle: NodeHandle{
			NodeID:  uuid.New().String(),
			Class:   class,
			Address: fmt.Sprintf("%s%02d", s.config.AddressBase, s.seq%100),
		},
		state:   HealthProvisioning,
		readyAt: time.Now().Add(s.config.ReadyDelay),
	}
	if s.config.ReadyDelay == 0 {
		node.state = HealthReady
	}
	s.nodes[node.handle.NodeID] = node

	s.logger.Info("Provisioned simulated node",
		zap.String("node_id", node.handle.NodeID),
		zap.String("class", class),
		zap.String("address", node.handle.Address),
	)

	handle := node.handle
	return &handle, nil
}

// Terminate marks a simulated host terminated. Unknown ids are a no-op.
func (s *Sim) Terminate(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok || node.state == HealthTerminated {
		return nil
	}
	node.state = HealthTerminated

	s.logger.Info("Terminated simulated node", zap.String("node_id", nodeID))
	return nil
}

// MarkUnhealthy flips a host to unhealthy, simulating host loss.
func (s *Sim) MarkUnhealthy(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodes[nodeID]; ok {
		node.state = HealthUnhealthy
	}
}

// ListHealth reports the state of every simulated host. Hosts past their
// ready delay flip to ready here, mirroring a provider whose instances come
// up asynchronously.
func (s *Sim) ListHealth(ctx context.Context) ([]NodeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	statuses := make([]NodeStatus, 0, len(s.nodes))
	for _, node := range s.nodes {
		if node.state == HealthProvisioning && !now.Before(node.readyAt) {
			node.state = HealthReady
		}
		statuses = append(statuses, NodeStatus{
			NodeID:  node.handle.NodeID,
			Class:   node.handle.Class,
			Address: node.handle.Address,
			State:   node.state,
			SeenAt:  now,
		})
	}
	return statuses, nil
}
