// Package scheduler maps queued jobs and session requests onto the compute
// fleet. It owns admission, placement order, node-slot reservation, idle
// reclamation, and provisioning retries. All shared state lives in the
// versioned store; concurrent scheduler instances coordinate only through
// conditional writes.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/config"
	"github.com/skylab-hpc/skylab/pkg/fleet"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/store"
)

// casRetryLimit bounds local retries of conditional writes within one
// operation. Conflicts mean another loop is making progress, so giving up
// and letting the next tick re-read is always safe.
const casRetryLimit = 8

// Request is a placement request submitted to the scheduler.
type Request struct {
	Kind      cluster.RequestKind
	RequestID string
	Class     string
	Priority  int
	Owner     string
}

// PlacementHandler receives placement outcomes for one request kind. The
// session lifecycle engine registers for sessions; the job tracker registers
// for jobs.
type PlacementHandler interface {
	// HandleReserved is called when a new node has been requested for the
	// entry and the request is now awaiting provisioning.
	HandleReserved(ctx context.Context, entry cluster.QueueEntry, nodeID string) error

	// HandlePlaced is called after a slot on a Ready node was reserved
	// for the entry and the entry left the queue.
	HandlePlaced(ctx context.Context, entry cluster.QueueEntry, node cluster.NodeRecord) error

	// HandleFailed is called when the provisioning retry budget is
	// exhausted and the entry was removed from the queue.
	HandleFailed(ctx context.Context, entry cluster.QueueEntry, cause error) error

	// HandleNodeLost is called for each occupant of a node declared lost.
	// The scheduler has already re-queued the occupant's request.
	HandleNodeLost(ctx context.Context, occupantID string, node cluster.NodeRecord) error
}

// Scheduler assigns queued requests to nodes.
type Scheduler struct {
	store  store.Store
	fleet  fleet.Controller
	config *config.Config
	logger *zap.Logger
	events *observability.EventStream

	mu       sync.RWMutex
	handlers map[cluster.RequestKind]PlacementHandler

	kickCh chan struct{}
}

// New creates a scheduler.
func New(st store.Store, fl fleet.Controller, cfg *config.Config, events *observability.EventStream, logger *zap.Logger) (*Scheduler, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fl == nil {
		return nil, fmt.Errorf("fleet controller is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Scheduler{
		store:    st,
		fleet:    fl,
		config:   cfg,
		logger:   logger,
		events:   events,
		handlers: make(map[cluster.RequestKind]PlacementHandler),
		kickCh:   make(chan struct{}, 1),
	}, nil
}

// RegisterHandler wires the placement handler for a request kind.
func (s *Scheduler) RegisterHandler(kind cluster.RequestKind, handler PlacementHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

func (s *Scheduler) handler(kind cluster.RequestKind) PlacementHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[kind]
}

// Submit admits a request into the queue. It returns the assigned sequence
// number, or *AdmissionError if the class is unknown or its pending backlog
// is at the configured cap.
func (s *Scheduler) Submit(ctx context.Context, req Request) (uint64, error) {
	class, err := s.config.Class(req.Class)
	if err != nil {
		observability.AdmissionRejectionsTotal.WithLabelValues(req.Class, "unknown_class").Inc()
		return 0, &AdmissionError{Class: req.Class, Reason: "unknown capability class"}
	}

	if class.MaxPending > 0 {
		pending, err := s.store.List(ctx, store.QueueClassPrefix(req.Class))
		if err != nil {
			return 0, fmt.Errorf("failed to read queue: %w", err)
		}
		if len(pending) >= class.MaxPending {
			observability.AdmissionRejectionsTotal.WithLabelValues(req.Class, "backlog_full").Inc()
			return 0, &AdmissionError{Class: req.Class, Reason: "pending backlog is full"}
		}
	}

	seq, err := s.nextSequence(ctx)
	if err != nil {
		return 0, err
	}

	entry := cluster.QueueEntry{
		Sequence:    seq,
		Kind:        req.Kind,
		RequestID:   req.RequestID,
		Class:       req.Class,
		Priority:    req.Priority,
		Owner:       req.Owner,
		SubmittedAt: time.Now(),
	}
	value, err := cluster.Encode(&entry)
	if err != nil {
		return 0, err
	}

	// Create-only write: sequence numbers are never reused, so the key is
	// fresh by construction.
	if _, err := s.store.ConditionalPut(ctx, store.QueueKey(req.Class, seq), 0, value); err != nil {
		return 0, fmt.Errorf("failed to enqueue request: %w", err)
	}

	s.logger.Info("Request admitted",
		zap.String("kind", string(req.Kind)),
		zap.String("request_id", req.RequestID),
		zap.String("class", req.Class),
		zap.Int("priority", req.Priority),
		zap.Uint64("sequence", seq),
	)

	s.Kick()
	return seq, nil
}

// nextSequence atomically increments the global sequence counter. Conflicts
// mean a concurrent submitter won the increment; re-read and try again.
func (s *Scheduler) nextSequence(ctx context.Context) (uint64, error) {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		rec, err := s.store.Get(ctx, store.SequenceKey)
		if store.IsNotFound(err) {
			if _, err := s.store.ConditionalPut(ctx, store.SequenceKey, 0, []byte("1")); err != nil {
				if store.IsConflict(err) {
					observability.StoreConflictsTotal.Inc()
					continue
				}
				return 0, err
			}
			return 1, nil
		}
		if err != nil {
			return 0, err
		}

		current, err := strconv.ParseUint(string(rec.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence counter: %w", err)
		}
		next := current + 1
		if _, err := s.store.ConditionalPut(ctx, store.SequenceKey, rec.Version, []byte(strconv.FormatUint(next, 10))); err != nil {
			if store.IsConflict(err) {
				observability.StoreConflictsTotal.Inc()
				continue
			}
			return 0, err
		}
		return next, nil
	}
	return 0, fmt.Errorf("sequence counter contention exceeded %d attempts", casRetryLimit)
}

// Kick triggers an immediate reconciliation pass. Safe to call from any
// goroutine; coalesces with a pending kick.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Run executes reconciliation ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", zap.Duration("tick_interval", s.config.TickInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
		case <-s.kickCh:
		}

		if err := s.Tick(ctx); err != nil {
			s.logger.Error("Reconciliation tick failed", zap.Error(err))
		}
	}
}

// ReleaseSlot removes occupantID from a node's occupant list, marking the
// node Ready (and idle) when it empties. Called by the lifecycle engine on
// session termination and by the job tracker on completion.
func (s *Scheduler) ReleaseSlot(ctx context.Context, nodeID, occupantID string) error {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		rec, err := s.store.Get(ctx, store.NodeKey(nodeID))
		if store.IsNotFound(err) {
			return nil // node already gone
		}
		if err != nil {
			return err
		}

		var node cluster.NodeRecord
		if err := cluster.Decode(rec.Value, &node); err != nil {
			return err
		}
		if !node.HasOccupant(occupantID) {
			return nil
		}

		node.RemoveOccupant(occupantID)
		node.UpdatedAt = time.Now()
		if node.Occupancy() == 0 && node.State == cluster.NodeInUse {
			node.State = cluster.NodeReady
			node.IdleSince = time.Now()
		}

		value, err := cluster.Encode(&node)
		if err != nil {
			return err
		}
		if _, err := s.store.ConditionalPut(ctx, rec.Key, rec.Version, value); err != nil {
			if store.IsConflict(err) {
				observability.StoreConflictsTotal.Inc()
				continue
			}
			return err
		}

		s.logger.Info("Released node slot",
			zap.String("node_id", nodeID),
			zap.String("occupant", occupantID),
			zap.Int("occupancy", node.Occupancy()),
		)
		s.Kick()
		return nil
	}
	return fmt.Errorf("slot release contention on node %s exceeded %d attempts", nodeID, casRetryLimit)
}

// reserveSlot adds occupantID to the node's occupant list with a conditional
// write, guaranteeing at most Slots concurrent occupants no matter how many
// scheduler instances race. Returns the updated node record.
func (s *Scheduler) reserveSlot(ctx context.Context, nodeID, occupantID string) (cluster.NodeRecord, error) {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		rec, err := s.store.Get(ctx, store.NodeKey(nodeID))
		if err != nil {
			return cluster.NodeRecord{}, err
		}

		var node cluster.NodeRecord
		if err := cluster.Decode(rec.Value, &node); err != nil {
			return cluster.NodeRecord{}, err
		}

		if node.State != cluster.NodeReady && node.State != cluster.NodeInUse {
			return cluster.NodeRecord{}, errNoFreeSlot
		}
		if node.Occupancy() >= node.Slots {
			return cluster.NodeRecord{}, errNoFreeSlot
		}
		if node.HasOccupant(occupantID) {
			return node, nil // already reserved, idempotent
		}

		node.Occupants = append(node.Occupants, occupantID)
		node.State = cluster.NodeInUse
		node.IdleSince = time.Time{}
		node.UpdatedAt = time.Now()

		value, err := cluster.Encode(&node)
		if err != nil {
			return cluster.NodeRecord{}, err
		}
		if _, err := s.store.ConditionalPut(ctx, rec.Key, rec.Version, value); err != nil {
			if store.IsConflict(err) {
				observability.StoreConflictsTotal.Inc()
				continue
			}
			return cluster.NodeRecord{}, err
		}
		return node, nil
	}
	return cluster.NodeRecord{}, errNoFreeSlot
}
