package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/config"
	"github.com/skylab-hpc/skylab/pkg/fleet"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/store"
)

// Tick runs one reconciliation pass: absorb fleet health, expire silent
// nodes, place queued requests, and reclaim idle capacity. Ticks are
// idempotent; every mutation is a conditional write, so overlapping ticks
// from concurrent instances cannot violate slot capacity.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.TickDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	ctx, span := observability.StartSpan(ctx, "scheduler", "tick")
	defer span.End()

	if err := s.syncFleet(ctx); err != nil {
		s.logger.Warn("Fleet health sync failed", zap.Error(err))
	}
	if err := s.expireHeartbeats(ctx); err != nil {
		s.logger.Warn("Heartbeat expiry pass failed", zap.Error(err))
	}
	if err := s.placeQueued(ctx); err != nil {
		s.logger.Warn("Placement pass failed", zap.Error(err))
	}
	if err := s.reclaimIdle(ctx); err != nil {
		s.logger.Warn("Idle reclamation pass failed", zap.Error(err))
	}

	s.updateGauges(ctx)
	return nil
}

// syncFleet folds the provider's health report into node records:
// provisioning nodes flip to Ready when the provider reports them up, and
// nodes the provider has terminated are handled as lost.
func (s *Scheduler) syncFleet(ctx context.Context) error {
	statuses, err := s.fleet.ListHealth(ctx)
	if err != nil {
		return fmt.Errorf("fleet health report failed: %w", err)
	}
	health := make(map[string]fleet.NodeStatus, len(statuses))
	for _, st := range statuses {
		health[st.NodeID] = st
	}

	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		st, known := health[node.ID]

		switch node.State {
		case cluster.NodeProvisioning:
			if !known || st.State == fleet.HealthTerminated {
				// The provider gave up on the node before it came up;
				// requests awaiting it fall back to normal placement.
				if err := s.markNodeLost(ctx, node, "lost while provisioning"); err != nil {
					s.logger.Warn("Failed to handle node lost while provisioning", zap.String("node_id", node.ID), zap.Error(err))
				}
				continue
			}
			if st.State == fleet.HealthReady {
				err := s.updateNode(ctx, node.ID, func(n *cluster.NodeRecord) bool {
					if n.State != cluster.NodeProvisioning {
						return false
					}
					n.State = cluster.NodeReady
					n.Address = st.Address
					n.LastHeartbeat = time.Now()
					n.IdleSince = time.Now()
					return true
				})
				if err != nil {
					s.logger.Warn("Failed to mark node ready", zap.String("node_id", node.ID), zap.Error(err))
					continue
				}
				s.recordEvent(observability.EventNodeReady, node.ID, "node reported ready", "")
				s.Kick()
			}
		case cluster.NodeReady, cluster.NodeInUse:
			if known && st.State == fleet.HealthTerminated {
				if err := s.markNodeLost(ctx, node, "terminated by provider"); err != nil {
					s.logger.Warn("Failed to handle provider-terminated node", zap.String("node_id", node.ID), zap.Error(err))
				}
			}
		case cluster.NodeDraining:
			if !known || st.State == fleet.HealthTerminated {
				err := s.updateNode(ctx, node.ID, func(n *cluster.NodeRecord) bool {
					if n.State != cluster.NodeDraining {
						return false
					}
					n.State = cluster.NodeTerminated
					return true
				})
				if err != nil {
					s.logger.Warn("Failed to finish draining node", zap.String("node_id", node.ID), zap.Error(err))
					continue
				}
				s.recordEvent(observability.EventNodeTerminated, node.ID, "drained node terminated", "")
			}
		}
	}
	return nil
}

// RecordHeartbeat refreshes a node's heartbeat timestamp and usage figures.
// Called by the API layer on behalf of host agents.
func (s *Scheduler) RecordHeartbeat(ctx context.Context, nodeID string, cpuPercent, memPercent float64) error {
	return s.updateNode(ctx, nodeID, func(n *cluster.NodeRecord) bool {
		if n.State == cluster.NodeTerminated {
			return false
		}
		n.LastHeartbeat = time.Now()
		n.CPUPercent = cpuPercent
		n.MemPercent = memPercent
		return true
	})
}

// expireHeartbeats declares nodes lost once they have been silent past their
// class's grace period, re-queuing everything assigned to them.
func (s *Scheduler) expireHeartbeats(ctx context.Context) error {
	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, node := range nodes {
		if node.State != cluster.NodeReady && node.State != cluster.NodeInUse {
			continue
		}
		class, err := s.config.Class(node.Class)
		if err != nil {
			continue
		}
		if node.LastHeartbeat.IsZero() || now.Sub(node.LastHeartbeat) <= class.HeartbeatGrace {
			continue
		}

		if err := s.markNodeLost(ctx, node, "heartbeat grace period exceeded"); err != nil {
			s.logger.Warn("Failed to mark node lost", zap.String("node_id", node.ID), zap.Error(err))
		}
	}
	return nil
}

// markNodeLost terminates a lost node and re-queues its occupants for
// reassignment. Placement is at-least-once: a session may briefly hold a
// stale route until its handler reacts.
func (s *Scheduler) markNodeLost(ctx context.Context, node cluster.NodeRecord, reason string) error {
	err := s.updateNode(ctx, node.ID, func(n *cluster.NodeRecord) bool {
		if n.State == cluster.NodeTerminated {
			return false
		}
		node = *n // capture occupants as of the transition
		n.State = cluster.NodeTerminated
		n.Occupants = nil
		return true
	})
	if err != nil {
		return err
	}

	observability.NodesLostTotal.WithLabelValues(node.Class).Inc()
	s.recordEvent(observability.EventNodeLost, node.ID, "node lost: "+reason, "")
	s.logger.Warn("Node lost",
		zap.String("node_id", node.ID),
		zap.String("class", node.Class),
		zap.String("reason", reason),
		zap.Int("occupants", node.Occupancy()),
	)

	// Terminate is idempotent; a node that is already gone is a no-op.
	if err := s.fleet.Terminate(ctx, node.ID); err != nil {
		s.logger.Warn("Fleet terminate failed for lost node", zap.String("node_id", node.ID), zap.Error(err))
	}

	for _, occupant := range node.Occupants {
		if err := s.requeueOccupant(ctx, occupant, node); err != nil {
			s.logger.Error("Failed to requeue occupant of lost node",
				zap.String("node_id", node.ID),
				zap.String("occupant", occupant),
				zap.Error(err),
			)
		}
	}

	s.Kick()
	return nil
}

// requeueOccupant re-enqueues the request behind a session or job that was
// assigned to a lost node, then notifies the kind's handler.
func (s *Scheduler) requeueOccupant(ctx context.Context, occupantID string, node cluster.NodeRecord) error {
	req, ok, err := s.describeOccupant(ctx, occupantID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // record gone; nothing to reassign
	}

	if _, err := s.Submit(ctx, req); err != nil {
		return err
	}
	s.recordEvent(observability.EventRequestRequeued, occupantID, "requeued after node loss", "")

	if handler := s.handler(req.Kind); handler != nil {
		if err := handler.HandleNodeLost(ctx, occupantID, node); err != nil {
			return err
		}
	}
	return nil
}

// describeOccupant reconstructs the original request for a session or job id.
func (s *Scheduler) describeOccupant(ctx context.Context, occupantID string) (Request, bool, error) {
	if rec, err := s.store.Get(ctx, store.SessionKey(occupantID)); err == nil {
		var session cluster.SessionRecord
		if err := cluster.Decode(rec.Value, &session); err != nil {
			return Request{}, false, err
		}
		if session.State.Terminal() || session.State == cluster.SessionTerminating {
			return Request{}, false, nil
		}
		return Request{
			Kind:      cluster.KindSession,
			RequestID: session.ID,
			Class:     session.Class,
			Owner:     session.Owner,
		}, true, nil
	} else if !store.IsNotFound(err) {
		return Request{}, false, err
	}

	if rec, err := s.store.Get(ctx, store.JobKey(occupantID)); err == nil {
		var job cluster.JobRecord
		if err := cluster.Decode(rec.Value, &job); err != nil {
			return Request{}, false, err
		}
		if job.State == cluster.JobCompleted || job.State == cluster.JobFailed {
			return Request{}, false, nil
		}
		return Request{
			Kind:      cluster.KindJob,
			RequestID: job.ID,
			Class:     job.Class,
			Priority:  job.Priority,
			Owner:     job.Owner,
		}, true, nil
	} else if !store.IsNotFound(err) {
		return Request{}, false, err
	}

	return Request{}, false, nil
}

// placeQueued satisfies pending requests oldest-first within each class:
// priority band first, then sequence number. When no Ready slot exists and
// the class is under its node ceiling, one new node is requested per entry
// and the entry waits on it instead of being re-evaluated every tick.
func (s *Scheduler) placeQueued(ctx context.Context) error {
	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return err
	}
	byClass := make(map[string][]cluster.NodeRecord)
	for _, node := range nodes {
		byClass[node.Class] = append(byClass[node.Class], node)
	}

	for name, class := range s.config.Classes {
		if err := s.placeClass(ctx, class, byClass[name]); err != nil {
			s.logger.Warn("Placement failed for class", zap.String("class", name), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) placeClass(ctx context.Context, class config.CapabilityClass, nodes []cluster.NodeRecord) error {
	entries, err := s.loadQueue(ctx, class.Name)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	// Count nodes that hold or will hold capacity against the ceiling.
	nodeByID := make(map[string]cluster.NodeRecord, len(nodes))
	activeNodes := 0
	for _, node := range nodes {
		nodeByID[node.ID] = node
		switch node.State {
		case cluster.NodeProvisioning, cluster.NodeReady, cluster.NodeInUse:
			activeNodes++
		}
	}

	// Prefer filling partially occupied nodes before opening fresh ones.
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Occupancy() > nodes[j].Occupancy()
	})

	now := time.Now()
	for _, entry := range entries {
		if entry.AwaitingNodeID != "" {
			awaited, exists := nodeByID[entry.AwaitingNodeID]
			if exists && awaited.State == cluster.NodeProvisioning {
				continue // still coming up; nothing to re-evaluate
			}
			// The awaited node came up or is gone. Either way the mark has
			// served its purpose; resume normal placement so a request that
			// lost its node's slot to a higher-priority entry can take any
			// other slot or provision a replacement.
			entry.AwaitingNodeID = ""
			if err := s.updateQueueEntry(ctx, entry); err != nil {
				continue
			}
		}

		placed, err := s.tryPlace(ctx, entry, nodes)
		if err != nil {
			s.logger.Warn("Placement attempt failed",
				zap.String("request_id", entry.RequestID),
				zap.Error(err),
			)
			continue
		}
		if placed {
			observability.PlacementsTotal.WithLabelValues(class.Name, "placed").Inc()
			continue
		}

		// No Ready slot. Request a new node if the ceiling allows and the
		// entry's backoff window has passed.
		if activeNodes >= class.MaxNodes {
			observability.PlacementsTotal.WithLabelValues(class.Name, "deferred").Inc()
			continue
		}
		if !entry.NextAttemptAt.IsZero() && now.Before(entry.NextAttemptAt) {
			continue
		}

		provisioned, err := s.provisionFor(ctx, class, entry)
		if err != nil {
			s.logger.Warn("Provisioning failed",
				zap.String("class", class.Name),
				zap.String("request_id", entry.RequestID),
				zap.Error(err),
			)
			continue
		}
		if provisioned {
			activeNodes++
		}
	}
	return nil
}

// tryPlace reserves a slot for the entry on one of the class's Ready nodes.
// Returns true if the entry was placed and removed from the queue.
func (s *Scheduler) tryPlace(ctx context.Context, entry cluster.QueueEntry, nodes []cluster.NodeRecord) (bool, error) {
	for _, candidate := range nodes {
		if candidate.State != cluster.NodeReady && candidate.State != cluster.NodeInUse {
			continue
		}
		if candidate.Occupancy() >= candidate.Slots {
			continue
		}

		node, err := s.reserveSlot(ctx, candidate.ID, entry.RequestID)
		if errors.Is(err, errNoFreeSlot) {
			continue // raced another placement; try the next node
		}
		if err != nil {
			return false, err
		}

		if handler := s.handler(entry.Kind); handler != nil {
			if err := handler.HandlePlaced(ctx, entry, node); err != nil {
				// Roll the reservation back so the slot is not leaked;
				// the entry stays queued for the next tick.
				if relErr := s.ReleaseSlot(ctx, node.ID, entry.RequestID); relErr != nil {
					s.logger.Error("Failed to roll back reservation",
						zap.String("node_id", node.ID),
						zap.String("request_id", entry.RequestID),
						zap.Error(relErr),
					)
				}
				return false, err
			}
		}

		if err := s.dequeue(ctx, entry); err != nil {
			return false, err
		}

		s.logger.Info("Request placed",
			zap.String("kind", string(entry.Kind)),
			zap.String("request_id", entry.RequestID),
			zap.String("node_id", node.ID),
			zap.Uint64("sequence", entry.Sequence),
		)
		return true, nil
	}
	return false, nil
}

// provisionFor asks the fleet for a new node on behalf of entry. Failures
// consume the entry's retry budget with exponential backoff; exhaustion
// fails the request with a capacity error.
func (s *Scheduler) provisionFor(ctx context.Context, class config.CapabilityClass, entry cluster.QueueEntry) (bool, error) {
	handle, err := s.fleet.Provision(ctx, class.Name)
	if err != nil {
		observability.ProvisionAttemptsTotal.WithLabelValues(class.Name, "error").Inc()
		entry.Attempts++

		if !fleet.IsRetryable(err) || entry.Attempts > class.ProvisionRetryLimit {
			cause := &CapacityError{Class: class.Name, Attempts: entry.Attempts}
			if failErr := s.failEntry(ctx, entry, cause); failErr != nil {
				return false, failErr
			}
			return false, nil
		}

		backoff := class.ProvisionBackoff << (entry.Attempts - 1)
		if backoff > class.ProvisionBackoffMax {
			backoff = class.ProvisionBackoffMax
		}
		entry.NextAttemptAt = time.Now().Add(backoff)
		s.recordEvent(observability.EventProvisionRetried, entry.RequestID,
			fmt.Sprintf("provisioning retry %d scheduled", entry.Attempts), err.Error())
		return false, s.updateQueueEntry(ctx, entry)
	}

	observability.ProvisionAttemptsTotal.WithLabelValues(class.Name, "ok").Inc()

	node := cluster.NodeRecord{
		ID:        handle.NodeID,
		Class:     class.Name,
		Address:   handle.Address,
		State:     cluster.NodeProvisioning,
		Slots:     class.Slots,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	value, err := cluster.Encode(&node)
	if err != nil {
		return false, err
	}
	if _, err := s.store.ConditionalPut(ctx, store.NodeKey(node.ID), 0, value); err != nil {
		return false, fmt.Errorf("failed to record provisioned node: %w", err)
	}
	s.recordEvent(observability.EventNodeProvisioned, node.ID, "node provisioning started", "")

	// Attempts counts failures only: a request that loses its node after a
	// successful provision keeps its full retry budget.
	entry.AwaitingNodeID = node.ID
	if err := s.updateQueueEntry(ctx, entry); err != nil {
		return true, err
	}

	if handler := s.handler(entry.Kind); handler != nil {
		if err := handler.HandleReserved(ctx, entry, node.ID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// failEntry removes entry from the queue and reports the failure.
func (s *Scheduler) failEntry(ctx context.Context, entry cluster.QueueEntry, cause error) error {
	if err := s.dequeue(ctx, entry); err != nil {
		return err
	}

	observability.PlacementsTotal.WithLabelValues(entry.Class, "failed").Inc()
	s.recordEvent(observability.EventPlacementFailed, entry.RequestID, "placement failed", cause.Error())
	s.logger.Warn("Request failed",
		zap.String("kind", string(entry.Kind)),
		zap.String("request_id", entry.RequestID),
		zap.Error(cause),
	)

	if handler := s.handler(entry.Kind); handler != nil {
		return handler.HandleFailed(ctx, entry, cause)
	}
	return nil
}

// reclaimIdle drains and terminates nodes that have sat at zero occupancy
// past their class's idle timeout. Occupied nodes are never drained.
func (s *Scheduler) reclaimIdle(ctx context.Context) error {
	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, node := range nodes {
		if node.State != cluster.NodeReady || node.Occupancy() != 0 {
			continue
		}
		class, err := s.config.Class(node.Class)
		if err != nil {
			continue
		}
		if node.IdleSince.IsZero() || now.Sub(node.IdleSince) < class.IdleTimeout {
			continue
		}

		err = s.updateNode(ctx, node.ID, func(n *cluster.NodeRecord) bool {
			// Re-check under the conditional write: a concurrent
			// placement may have taken the slot since we listed.
			if n.State != cluster.NodeReady || n.Occupancy() != 0 {
				return false
			}
			n.State = cluster.NodeDraining
			return true
		})
		if err != nil {
			s.logger.Warn("Failed to drain idle node", zap.String("node_id", node.ID), zap.Error(err))
			continue
		}

		observability.NodesReclaimedTotal.WithLabelValues(node.Class).Inc()
		s.recordEvent(observability.EventNodeDraining, node.ID, "idle node draining", "")
		s.logger.Info("Draining idle node",
			zap.String("node_id", node.ID),
			zap.String("class", node.Class),
			zap.Duration("idle", now.Sub(node.IdleSince)),
		)

		if err := s.fleet.Terminate(ctx, node.ID); err != nil {
			s.logger.Warn("Fleet terminate failed for draining node", zap.String("node_id", node.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) updateGauges(ctx context.Context) {
	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]map[cluster.NodeState]int)
	for _, node := range nodes {
		if counts[node.Class] == nil {
			counts[node.Class] = make(map[cluster.NodeState]int)
		}
		counts[node.Class][node.State]++
	}
	states := []cluster.NodeState{
		cluster.NodeProvisioning, cluster.NodeReady, cluster.NodeInUse,
		cluster.NodeDraining, cluster.NodeTerminated,
	}
	for name := range s.config.Classes {
		for _, state := range states {
			observability.NodesByState.WithLabelValues(name, string(state)).Set(float64(counts[name][state]))
		}

		entries, err := s.loadQueue(ctx, name)
		if err == nil {
			observability.QueueDepth.WithLabelValues(name).Set(float64(len(entries)))
		}
	}
}

// loadNodes reads and decodes every node record.
func (s *Scheduler) loadNodes(ctx context.Context) ([]cluster.NodeRecord, error) {
	records, err := s.store.List(ctx, store.NodesPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]cluster.NodeRecord, 0, len(records))
	for _, rec := range records {
		var node cluster.NodeRecord
		if err := cluster.Decode(rec.Value, &node); err != nil {
			s.logger.Error("Corrupt node record", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// loadQueue reads a class's queue in placement order: priority band first,
// then sequence.
func (s *Scheduler) loadQueue(ctx context.Context, class string) ([]cluster.QueueEntry, error) {
	records, err := s.store.List(ctx, store.QueueClassPrefix(class))
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	entries := make([]cluster.QueueEntry, 0, len(records))
	for _, rec := range records {
		var entry cluster.QueueEntry
		if err := cluster.Decode(rec.Value, &entry); err != nil {
			s.logger.Error("Corrupt queue entry", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].Sequence < entries[j].Sequence
	})
	return entries, nil
}

// updateQueueEntry rewrites a queue entry in place. Entry keys embed the
// sequence number, so the key is stable across updates.
func (s *Scheduler) updateQueueEntry(ctx context.Context, entry cluster.QueueEntry) error {
	key := store.QueueKey(entry.Class, entry.Sequence)
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	value, err := cluster.Encode(&entry)
	if err != nil {
		return err
	}
	if _, err := s.store.ConditionalPut(ctx, key, rec.Version, value); err != nil {
		if store.IsConflict(err) {
			observability.StoreConflictsTotal.Inc()
		}
		return err
	}
	return nil
}

func (s *Scheduler) dequeue(ctx context.Context, entry cluster.QueueEntry) error {
	err := s.store.Delete(ctx, store.QueueKey(entry.Class, entry.Sequence))
	if store.IsNotFound(err) {
		return nil
	}
	return err
}

// Cancel withdraws a request that is still queued. Returns true if an entry
// was removed; false means the request was already placed (or never queued)
// and the caller must release its slot instead.
func (s *Scheduler) Cancel(ctx context.Context, class, requestID string) (bool, error) {
	entries, err := s.loadQueue(ctx, class)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.RequestID != requestID {
			continue
		}
		if err := s.dequeue(ctx, entry); err != nil {
			return false, err
		}
		s.logger.Info("Queued request cancelled",
			zap.String("kind", string(entry.Kind)),
			zap.String("request_id", requestID),
			zap.Uint64("sequence", entry.Sequence),
		)
		return true, nil
	}
	return false, nil
}

// updateNode applies mutate to a node record under a conditional write.
// mutate returns false to abandon the update.
func (s *Scheduler) updateNode(ctx context.Context, nodeID string, mutate func(*cluster.NodeRecord) bool) error {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		rec, err := s.store.Get(ctx, store.NodeKey(nodeID))
		if err != nil {
			return err
		}

		var node cluster.NodeRecord
		if err := cluster.Decode(rec.Value, &node); err != nil {
			return err
		}
		if !mutate(&node) {
			return nil
		}
		node.UpdatedAt = time.Now()

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
		return nil
	}
	return fmt.Errorf("node update contention on %s exceeded %d attempts", nodeID, casRetryLimit)
}

func (s *Scheduler) recordEvent(eventType observability.EventType, resourceID, description, errMsg string) {
	if s.events == nil {
		return
	}
	s.events.Record(observability.Event{
		Type:        eventType,
		ResourceID:  resourceID,
		Description: description,
		Error:       errMsg,
	})
}
