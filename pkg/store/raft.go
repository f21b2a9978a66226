package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/zap"
)

const (
	retainSnapshotCount = 2
	applyTimeout        = 10 * time.Second
	leaderWaitDelay     = 100 * time.Millisecond
)

// Raft is the replicated Store used in production. Writes go through the
// raft log; the conditional-put version check runs inside the FSM so it is
// serialized with every other write regardless of which control-plane
// instance proposed it.
type Raft struct {
	raft   *raft.Raft
	fsm    *fsm
	config *RaftConfig
	logger *zap.Logger

	shutdownCh chan struct{}
}

// RaftConfig contains configuration for the replicated store.
type RaftConfig struct {
	DataDir        string
	BindAddr       string
	ServerID       string
	Bootstrap      bool
	SnapshotRetain int
}

// NewRaft creates and starts a raft-backed store.
func NewRaft(config *RaftConfig, logger *zap.Logger) (*Raft, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if config.BindAddr == "" {
		return nil, fmt.Errorf("bind address is required")
	}
	if config.ServerID == "" {
		return nil, fmt.Errorf("server id is required")
	}
	if config.SnapshotRetain <= 0 {
		config.SnapshotRetain = retainSnapshotCount
	}

	if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Raft{
		config:     config,
		logger:     logger,
		fsm:        newFSM(logger),
		shutdownCh: make(chan struct{}),
	}

	if err := s.initRaft(); err != nil {
		return nil, fmt.Errorf("failed to initialize raft: %w", err)
	}

	return s, nil
}

func (s *Raft) initRaft() error {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(s.config.ServerID)
	cfg.Logger = newHashiLogger(s.logger.Named("raft"))
	cfg.SnapshotThreshold = 1024
	cfg.SnapshotInterval = 120 * time.Second

	addr, err := net.ResolveTCPAddr("tcp", s.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(s.config.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.config.DataDir, s.config.SnapshotRetain, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.config.DataDir, "raft.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.config.DataDir, "stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	ra, err := raft.NewRaft(cfg, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	s.raft = ra

	if s.config.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      cfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		ra.BootstrapCluster(configuration)
		s.logger.Info("Bootstrapped raft cluster",
			zap.String("id", string(cfg.LocalID)),
			zap.String("addr", string(transport.LocalAddr())),
		)
	}

	return nil
}

// Get serves a read from the local replica. Control-plane writers run on the
// leader, which gives read-after-write per key for the reconciliation loops.
func (s *Raft) Get(ctx context.Context, key string) (Record, error) {
	return s.fsm.get(key)
}

// Put writes value unconditionally.
func (s *Raft) Put(ctx context.Context, key string, value []byte) (Record, error) {
	return s.propose(&command{Op: opPut, Key: key, Value: value})
}

// ConditionalPut writes value only at the expected version.
func (s *Raft) ConditionalPut(ctx context.Context, key string, expectedVersion uint64, value []byte) (Record, error) {
	return s.propose(&command{Op: opPut, Key: key, Value: value, ExpectedVersion: &expectedVersion})
}

// Delete removes key.
func (s *Raft) Delete(ctx context.Context, key string) error {
	_, err := s.propose(&command{Op: opDelete, Key: key})
	return err
}

// List returns records under prefix from the local replica.
func (s *Raft) List(ctx context.Context, prefix string) ([]Record, error) {
	return s.fsm.list(prefix), nil
}

func (s *Raft) propose(cmd *command) (Record, error) {
	if s.raft.State() != raft.Leader {
		return Record{}, &NotLeaderError{LeaderAddr: string(s.raft.Leader()), Operation: cmd.Op}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := s.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return Record{}, fmt.Errorf("failed to apply command: %w", err)
	}

	switch resp := future.Response().(type) {
	case error:
		return Record{}, resp
	case Record:
		return resp, nil
	default:
		return Record{}, nil
	}
}

// IsLeader reports whether this instance is the raft leader.
func (s *Raft) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Join adds a server to the cluster, replacing any stale membership for the
// same id.
func (s *Raft) Join(serverID, addr string) error {
	s.logger.Info("Received join request",
		zap.String("server_id", serverID),
		zap.String("addr", addr),
	)

	configFuture := s.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return fmt.Errorf("failed to get configuration: %w", err)
	}

	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(serverID) {
			if srv.Address == raft.ServerAddress(addr) {
				s.logger.Info("Server already a cluster member", zap.String("server_id", serverID))
				return nil
			}
			removeFuture := s.raft.RemoveServer(srv.ID, 0, 0)
			if err := removeFuture.Error(); err != nil {
				return fmt.Errorf("failed to remove stale member: %w", err)
			}
		}
	}

	f := s.raft.AddVoter(raft.ServerID(serverID), raft.ServerAddress(addr), 0, 0)
	if err := f.Error(); err != nil {
		return err
	}

	s.logger.Info("Server joined cluster", zap.String("server_id", serverID))
	return nil
}

// WaitForLeader blocks until a leader is elected or the timeout expires.
func (s *Raft) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(leaderWaitDelay)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			if leader := s.raft.Leader(); leader != "" {
				s.logger.Info("Leader detected", zap.String("leader", string(leader)))
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for leader")
		}
	}
}

// Close shuts down the raft store.
func (s *Raft) Close() error {
	s.logger.Info("Shutting down replicated store")
	close(s.shutdownCh)

	if s.raft != nil {
		future := s.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	return nil
}

// hashiLogger adapts zap to hclog for the raft library.
type hashiLogger struct {
	logger *zap.Logger
	name   string
}

func newHashiLogger(logger *zap.Logger) hclog.Logger {
	return &hashiLogger{logger: logger}
}

func (h *hashiLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		h.Debug(msg, args...)
	case hclog.Warn:
		h.Warn(msg, args...)
	case hclog.Error:
		h.Error(msg, args...)
	default:
		h.Info(msg, args...)
	}
}

func (h *hashiLogger) Trace(msg string, args ...interface{}) {
	h.logger.Debug(msg, hclogFields(args)...)
}

func (h *hashiLogger) Debug(msg string, args ...interface{}) {
	h.logger.Debug(msg, hclogFields(args)...)
}

func (h *hashiLogger) Info(msg string, args ...interface{}) {
	h.logger.Info(msg, hclogFields(args)...)
}

func (h *hashiLogger) Warn(msg string, args ...interface{}) {
	h.logger.Warn(msg, hclogFields(args)...)
}

func (h *hashiLogger) Error(msg string, args ...interface{}) {
	h.logger.Error(msg, hclogFields(args)...)
}

func (h *hashiLogger) IsTrace() bool { return h.logger.Core().Enabled(zap.DebugLevel) }
func (h *hashiLogger) IsDebug() bool { return h.logger.Core().Enabled(zap.DebugLevel) }
func (h *hashiLogger) IsInfo() bool  { return h.logger.Core().Enabled(zap.InfoLevel) }
func (h *hashiLogger) IsWarn() bool  { return h.logger.Core().Enabled(zap.WarnLevel) }
func (h *hashiLogger) IsError() bool { return h.logger.Core().Enabled(zap.ErrorLevel) }

func (h *hashiLogger) ImpliedArgs() []interface{} { return nil }

func (h *hashiLogger) With(args ...interface{}) hclog.Logger {
	return &hashiLogger{logger: h.logger.With(hclogFields(args)...), name: h.name}
}

func (h *hashiLogger) Name() string { return h.name }

func (h *hashiLogger) Named(name string) hclog.Logger {
	return &hashiLogger{logger: h.logger.Named(name), name: name}
}

func (h *hashiLogger) ResetNamed(name string) hclog.Logger {
	return &hashiLogger{logger: h.logger.Named(name), name: name}
}

func (h *hashiLogger) SetLevel(level hclog.Level) {}

func (h *hashiLogger) GetLevel() hclog.Level {
	switch {
	case h.IsDebug():
		return hclog.Debug
	case h.IsInfo():
		return hclog.Info
	case h.IsWarn():
		return hclog.Warn
	default:
		return hclog.Error
	}
}

func (h *hashiLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(h.StandardWriter(opts), "", 0)
}

func (h *hashiLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}

func hclogFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(args[i]), args[i+1]))
	}
	return fields
}
