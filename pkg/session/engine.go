// Package session implements the interactive session lifecycle: state
// transitions, connection token issuance, and route publication. Tokens and
// routes exist only while a session is Active; everything else is driven by
// placement outcomes delivered by the scheduler.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/config"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/scheduler"
	"github.com/skylab-hpc/skylab/pkg/store"
)

const casRetryLimit = 8

// validTransitions is the session state machine. Any transition not listed
// here is rejected with *TransitionError.
var validTransitions = map[cluster.SessionState][]cluster.SessionState{
	cluster.SessionRequested:    {cluster.SessionPending, cluster.SessionTerminating, cluster.SessionFailed},
	cluster.SessionPending:      {cluster.SessionProvisioning, cluster.SessionActive, cluster.SessionTerminating, cluster.SessionFailed},
	cluster.SessionProvisioning: {cluster.SessionActive, cluster.SessionPending, cluster.SessionTerminating, cluster.SessionFailed},
	cluster.SessionActive:       {cluster.SessionTerminating, cluster.SessionPending},
	cluster.SessionTerminating:  {cluster.SessionTerminated},
}

func transitionAllowed(from, to cluster.SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Engine owns session records. It is the PlacementHandler for KindSession.
type Engine struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	tokens    *TokenIssuer
	config    *config.Config
	events    *observability.EventStream
	logger    *zap.Logger
}

// NewEngine creates the lifecycle engine and registers it with the scheduler.
func NewEngine(st store.Store, sched *scheduler.Scheduler, tokens *TokenIssuer, cfg *config.Config, events *observability.EventStream, logger *zap.Logger) (*Engine, error) {
	if st == nil || sched == nil || tokens == nil || cfg == nil || logger == nil {
		return nil, fmt.Errorf("store, scheduler, token issuer, config, and logger are required")
	}

	e := &Engine{
		store:     st,
		scheduler: sched,
		tokens:    tokens,
		config:    cfg,
		events:    events,
		logger:    logger,
	}
	sched.RegisterHandler(cluster.KindSession, e)
	return e, nil
}

// Create records a new session and submits it for placement. On admission
// rejection no session record is kept and the *scheduler.AdmissionError is
// returned to the caller.
func (e *Engine) Create(ctx context.Context, owner, class string) (cluster.SessionRecord, error) {
	session := cluster.SessionRecord{
		ID:        uuid.New().String(),
		Owner:     owner,
		Class:     class,
		State:     cluster.SessionRequested,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	value, err := cluster.Encode(&session)
	if err != nil {
		return cluster.SessionRecord{}, err
	}
	if _, err := e.store.ConditionalPut(ctx, store.SessionKey(session.ID), 0, value); err != nil {
		return cluster.SessionRecord{}, fmt.Errorf("failed to record session: %w", err)
	}

	if _, err := e.scheduler.Submit(ctx, scheduler.Request{
		Kind:      cluster.KindSession,
		RequestID: session.ID,
		Class:     class,
		Owner:     owner,
	}); err != nil {
		if delErr := e.store.Delete(ctx, store.SessionKey(session.ID)); delErr != nil && !store.IsNotFound(delErr) {
			e.logger.Warn("Failed to remove rejected session record", zap.String("session_id", session.ID), zap.Error(delErr))
		}
		return cluster.SessionRecord{}, err
	}

	if err := e.transition(ctx, session.ID, cluster.SessionPending, nil); err != nil {
		return cluster.SessionRecord{}, err
	}
	session.State = cluster.SessionPending

	e.recordEvent(observability.EventSessionRequested, session.ID, owner, "session requested", "")
	e.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("owner", owner),
		zap.String("class", class),
	)
	return session, nil
}

// Get returns a session record by id.
func (e *Engine) Get(ctx context.Context, sessionID string) (cluster.SessionRecord, error) {
	rec, err := e.store.Get(ctx, store.SessionKey(sessionID))
	if err != nil {
		return cluster.SessionRecord{}, err
	}
	var session cluster.SessionRecord
	if err := cluster.Decode(rec.Value, &session); err != nil {
		return cluster.SessionRecord{}, err
	}
	return session, nil
}

// List returns all session records.
func (e *Engine) List(ctx context.Context) ([]cluster.SessionRecord, error) {
	records, err := e.store.List(ctx, store.SessionsPrefix())
	if err != nil {
		return nil, err
	}
	sessions := make([]cluster.SessionRecord, 0, len(records))
	for _, rec := range records {
		var session cluster.SessionRecord
		if err := cluster.Decode(rec.Value, &session); err != nil {
			e.logger.Error("Corrupt session record", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Terminate ends a session from any non-terminal state. Queued sessions are
// withdrawn from the scheduler without consuming a node; active sessions have
// their route retracted before the slot is released, so the gateway stops
// admitting the token immediately. Terminating an already-terminal session is
// a no-op.
func (e *Engine) Terminate(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		session, err := e.Get(ctx, sessionID)
		if err != nil {
			return err
		}

		switch session.State {
		case cluster.SessionTerminated, cluster.SessionFailed, cluster.SessionTerminating:
			return nil

		case cluster.SessionRequested, cluster.SessionPending, cluster.SessionProvisioning:
			cancelled, err := e.scheduler.Cancel(ctx, session.Class, sessionID)
			if err != nil {
				return err
			}
			if !cancelled && session.State != cluster.SessionRequested {
				// Lost a race with placement; re-read and take the
				// active path on the next iteration.
				updated, err := e.Get(ctx, sessionID)
				if err != nil {
					return err
				}
				if updated.State == cluster.SessionActive {
					continue
				}
			}
			return e.finishTermination(ctx, session)

		case cluster.SessionActive:
			if err := e.retractRoute(ctx, session.TokenID); err != nil {
				return err
			}
			if err := e.transition(ctx, sessionID, cluster.SessionTerminating, nil); err != nil {
				if IsTransitionError(err) {
					continue // state moved underneath us
				}
				return err
			}
			observability.ActiveSessions.WithLabelValues(session.Class).Dec()
			if session.NodeID != "" {
				if err := e.scheduler.ReleaseSlot(ctx, session.NodeID, sessionID); err != nil {
					return err
				}
			}
			return e.transition(ctx, sessionID, cluster.SessionTerminated, func(s *cluster.SessionRecord) {
				s.ConnectionToken = ""
				s.TokenID = ""
			})

		default:
			return fmt.Errorf("session %s in unknown state %q", sessionID, session.State)
		}
	}
	return fmt.Errorf("termination contention on session %s exceeded %d attempts", sessionID, casRetryLimit)
}

// finishTermination walks a never-activated session through Terminating to
// Terminated.
func (e *Engine) finishTermination(ctx context.Context, session cluster.SessionRecord) error {
	if err := e.transition(ctx, session.ID, cluster.SessionTerminating, nil); err != nil {
		return err
	}
	return e.transition(ctx, session.ID, cluster.SessionTerminated, nil)
}

// ReportActivity advances a session's last-activity timestamp. Stale reports
// (older than the recorded timestamp) are ignored.
func (e *Engine) ReportActivity(ctx context.Context, sessionID string, at time.Time) error {
	return e.updateSession(ctx, sessionID, func(s *cluster.SessionRecord) bool {
		if s.State != cluster.SessionActive || !at.After(s.LastActivity) {
			return false
		}
		s.LastActivity = at
		return true
	})
}

// Run expires idle sessions until ctx is cancelled. A session with no
// proxied traffic for its class's idle timeout is terminated the same way an
// explicit terminate request would be.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.expireIdle(ctx)
		}
	}
}

func (e *Engine) expireIdle(ctx context.Context) {
	sessions, err := e.List(ctx)
	if err != nil {
		e.logger.Warn("Idle session scan failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, session := range sessions {
		if session.State != cluster.SessionActive {
			continue
		}
		class, err := e.config.Class(session.Class)
		if err != nil {
			continue
		}
		lastActivity := session.LastActivity
		if lastActivity.IsZero() {
			lastActivity = session.UpdatedAt
		}
		if now.Sub(lastActivity) < class.IdleTimeout {
			continue
		}

		e.logger.Info("Terminating idle session",
			zap.String("session_id", session.ID),
			zap.Duration("idle", now.Sub(lastActivity)),
		)
		if err := e.Terminate(ctx, session.ID); err != nil {
			e.logger.Warn("Failed to terminate idle session", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
}

// HandleReserved moves a pending session to Provisioning while its node
// comes up.
func (e *Engine) HandleReserved(ctx context.Context, entry cluster.QueueEntry, nodeID string) error {
	err := e.transition(ctx, entry.RequestID, cluster.SessionProvisioning, func(s *cluster.SessionRecord) {
		s.NodeID = nodeID
	})
	if IsTransitionError(err) {
		return nil // session no longer pending; nothing to do
	}
	return err
}

// HandlePlaced activates the session: a connection token is minted and its
// route published, in that order, so the gateway only ever resolves tokens
// that belong to an Active session. Re-invocation after a partial activation
// re-publishes the existing route rather than minting a second token.
func (e *Engine) HandlePlaced(ctx context.Context, entry cluster.QueueEntry, node cluster.NodeRecord) error {
	session, err := e.Get(ctx, entry.RequestID)
	if err != nil {
		return err
	}

	if session.State == cluster.SessionActive && session.NodeID == node.ID {
		return e.publishRoute(ctx, session.TokenID, session.ID, node)
	}
	if session.State.Terminal() || session.State == cluster.SessionTerminating {
		// Terminated while queued; give the reservation back.
		return e.scheduler.ReleaseSlot(ctx, node.ID, session.ID)
	}

	e.recordEvent(observability.EventSessionPlaced, session.ID, session.Owner, "session placed on "+node.ID, "")

	token, tokenID, err := e.tokens.Mint(session.ID, session.Owner, node.ID)
	if err != nil {
		return err
	}

	if err := e.transition(ctx, session.ID, cluster.SessionActive, func(s *cluster.SessionRecord) {
		s.NodeID = node.ID
		s.ConnectionToken = token
		s.TokenID = tokenID
		s.LastActivity = time.Now()
	}); err != nil {
		return err
	}

	if err := e.publishRoute(ctx, tokenID, session.ID, node); err != nil {
		return err
	}

	observability.ActiveSessions.WithLabelValues(session.Class).Inc()
	e.recordEvent(observability.EventSessionActive, session.ID, session.Owner, "session active on "+node.ID, "")
	e.logger.Info("Session activated",
		zap.String("session_id", session.ID),
		zap.String("node_id", node.ID),
		zap.String("token_id", tokenID),
	)
	return nil
}

// HandleFailed marks the session failed after placement gave up.
func (e *Engine) HandleFailed(ctx context.Context, entry cluster.QueueEntry, cause error) error {
	err := e.transition(ctx, entry.RequestID, cluster.SessionFailed, func(s *cluster.SessionRecord) {
		s.FailureReason = cause.Error()
	})
	if IsTransitionError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	e.recordEvent(observability.EventSessionFailed, entry.RequestID, entry.Owner, "session failed", cause.Error())
	return nil
}

// HandleNodeLost retracts the session's route and returns it to Pending; the
// scheduler has already re-queued the request.
func (e *Engine) HandleNodeLost(ctx context.Context, occupantID string, node cluster.NodeRecord) error {
	session, err := e.Get(ctx, occupantID)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if session.TokenID != "" {
		if err := e.retractRoute(ctx, session.TokenID); err != nil {
			return err
		}
	}
	if session.State == cluster.SessionActive {
		observability.ActiveSessions.WithLabelValues(session.Class).Dec()
	}

	err = e.transition(ctx, occupantID, cluster.SessionPending, func(s *cluster.SessionRecord) {
		s.NodeID = ""
		s.ConnectionToken = ""
		s.TokenID = ""
	})
	if IsTransitionError(err) {
		return nil
	}
	return err
}

// publishRoute makes the token resolvable by the gateway. Publication is
// create-only; a re-publish of the same token after a partial activation is
// the only legitimate repeat and is treated as success.
func (e *Engine) publishRoute(ctx context.Context, tokenID, sessionID string, node cluster.NodeRecord) error {
	route := cluster.RouteRecord{
		TokenID:     tokenID,
		SessionID:   sessionID,
		NodeID:      node.ID,
		Address:     node.Address,
		PublishedAt: time.Now(),
	}
	value, err := cluster.Encode(&route)
	if err != nil {
		return err
	}
	_, err = e.store.ConditionalPut(ctx, store.RouteKey(tokenID), 0, value)
	if store.IsConflict(err) {
		return nil // already published
	}
	return err
}

func (e *Engine) retractRoute(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return nil
	}
	err := e.store.Delete(ctx, store.RouteKey(tokenID))
	if store.IsNotFound(err) {
		return nil
	}
	return err
}

// transition moves a session to a new state under a conditional write,
// validating the edge against the state machine. mutate, when non-nil, is
// applied to the record inside the same write.
func (e *Engine) transition(ctx context.Context, sessionID string, to cluster.SessionState, mutate func(*cluster.SessionRecord)) error {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		rec, err := e.store.Get(ctx, store.SessionKey(sessionID))
		if err != nil {
			return err
		}

		var session cluster.SessionRecord
		if err := cluster.Decode(rec.Value, &session); err != nil {
			return err
		}
		if session.State == to {
			return nil
		}
		if !transitionAllowed(session.State, to) {
			return &TransitionError{SessionID: sessionID, From: session.State, To: to}
		}

		from := session.State
		session.State = to
		session.UpdatedAt = time.Now()
		if mutate != nil {
			mutate(&session)
		}

		value, err := cluster.Encode(&session)
		if err != nil {
			return err
		}
		if _, err := e.store.ConditionalPut(ctx, rec.Key, rec.Version, value); err != nil {
			if store.IsConflict(err) {
				observability.StoreConflictsTotal.Inc()
				continue
			}
			return err
		}

		observability.SessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		if to == cluster.SessionTerminated {
			e.recordEvent(observability.EventSessionTerminated, sessionID, session.Owner, "session terminated", "")
		}
		return nil
	}
	return fmt.Errorf("transition contention on session %s exceeded %d attempts", sessionID, casRetryLimit)
}

// updateSession applies mutate under a conditional write without a state
// change. mutate returns false to abandon the update.
func (e *Engine) updateSession(ctx context.Context, sessionID string, mutate func(*cluster.SessionRecord) bool) error {
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		rec, err := e.store.Get(ctx, store.SessionKey(sessionID))
		if err != nil {
			return err
		}

		var session cluster.SessionRecord
		if err := cluster.Decode(rec.Value, &session); err != nil {
			return err
		}
		if !mutate(&session) {
			return nil
		}

		value, err := cluster.Encode(&session)
		if err != nil {
			return err
		}
		if _, err := e.store.ConditionalPut(ctx, rec.Key, rec.Version, value); err != nil {
			if store.IsConflict(err) {
				observability.StoreConflictsTotal.Inc()
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("update contention on session %s exceeded %d attempts", sessionID, casRetryLimit)
}

func (e *Engine) recordEvent(eventType observability.EventType, resourceID, actorID, description, errMsg string) {
	if e.events == nil {
		return
	}
	e.events.Record(observability.Event{
		Type:        eventType,
		ResourceID:  resourceID,
		ActorID:     actorID,
		Description: description,
		Error:       errMsg,
	})
}
