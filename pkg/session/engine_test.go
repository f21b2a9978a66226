package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/config"
	"github.com/skylab-hpc/skylab/pkg/fleet"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/scheduler"
	"github.com/skylab-hpc/skylab/pkg/store"
)

func testConfig() *config.Config {
	return &config.Config{
		TickInterval:    10 * time.Millisecond,
		TokenSigningKey: "test-key",
		Classes: map[string]config.CapabilityClass{
			"desktop": {
				Name:                "desktop",
				Slots:               1,
				MaxNodes:            2,
				IdleTimeout:         time.Hour,
				HeartbeatGrace:      time.Hour,
				ProvisionRetryLimit: 1,
				ProvisionBackoff:    time.Millisecond,
				ProvisionBackoffMax: 5 * time.Millisecond,
			},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *scheduler.Scheduler, store.Store, *fleet.Sim) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemory()
	sim := fleet.NewSim(fleet.SimConfig{}, logger)
	cfg := testConfig()

	sched, err := scheduler.New(st, sim, cfg, nil, logger)
	require.NoError(t, err)

	tokens, err := NewTokenIssuer(cfg.TokenSigningKey, time.Hour)
	require.NoError(t, err)

	engine, err := NewEngine(st, sched, tokens, cfg, nil, logger)
	require.NoError(t, err)
	return engine, sched, st, sim
}

func tick(t *testing.T, sched *scheduler.Scheduler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, sched.Tick(context.Background()))
	}
}

func routeExists(t *testing.T, st store.Store, tokenID string) bool {
	t.Helper()
	_, err := st.Get(context.Background(), store.RouteKey(tokenID))
	if store.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestCreateRejectsUnknownClass(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, "alice", "no-such-class")
	require.Error(t, err)
	assert.True(t, scheduler.IsAdmissionError(err))

	// No session record survives a rejected request.
	sessions, err := engine.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionHasNoTokenBeforeActive(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)
	assert.Equal(t, cluster.SessionPending, created.State)
	assert.Empty(t, created.ConnectionToken)

	got, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ConnectionToken)
	assert.Empty(t, got.TokenID)
}

func TestSessionActivation(t *testing.T) {
	engine, sched, st, _ := newTestEngine(t)
	ctx := context.Background()

	gaugeBefore := testutil.ToFloat64(observability.ActiveSessions.WithLabelValues("desktop"))

	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)

	// Tick 1 provisions a node (session moves to Provisioning); tick 2
	// places and activates.
	tick(t, sched, 1)
	mid, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.SessionProvisioning, mid.State)
	assert.Empty(t, mid.ConnectionToken)

	tick(t, sched, 1)
	active, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.SessionActive, active.State)
	assert.NotEmpty(t, active.ConnectionToken)
	assert.NotEmpty(t, active.NodeID)
	assert.True(t, routeExists(t, st, active.TokenID), "activation must publish the route")

	// The per-class gauge tracks the activation.
	assert.Equal(t, gaugeBefore+1, testutil.ToFloat64(observability.ActiveSessions.WithLabelValues("desktop")))
}

func TestTerminateActiveSessionRetractsRouteAndFreesSlot(t *testing.T) {
	engine, sched, st, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)
	tick(t, sched, 2)

	active, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, cluster.SessionActive, active.State)

	require.NoError(t, engine.Terminate(ctx, created.ID))

	ended, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.SessionTerminated, ended.State)
	assert.Empty(t, ended.ConnectionToken)
	assert.False(t, routeExists(t, st, active.TokenID), "termination must retract the route")

	// The node slot is free again.
	rec, err := st.Get(ctx, store.NodeKey(active.NodeID))
	require.NoError(t, err)
	var node cluster.NodeRecord
	require.NoError(t, cluster.Decode(rec.Value, &node))
	assert.Equal(t, cluster.NodeReady, node.State)
	assert.Empty(t, node.Occupants)

	// Terminating again is a no-op.
	require.NoError(t, engine.Terminate(ctx, created.ID))
}

func TestTerminatePendingSessionConsumesNoNode(t *testing.T) {
	engine, sched, st, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)
	require.NoError(t, engine.Terminate(ctx, created.ID))

	ended, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.SessionTerminated, ended.State)

	// Nothing left in the queue, so ticking provisions nothing.
	tick(t, sched, 3)
	nodes, err := st.List(ctx, store.NodesPrefix())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestPlacementFailureMarksSessionFailed(t *testing.T) {
	engine, sched, _, sim := newTestEngine(t)
	ctx := context.Background()

	sim.FailNext("desktop", 10)
	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tick(t, sched, 1)
		time.Sleep(2 * time.Millisecond)
	}

	failed, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.SessionFailed, failed.State)
	assert.NotEmpty(t, failed.FailureReason)
	assert.Empty(t, failed.ConnectionToken)
}

func TestNodeLossReturnsSessionToPending(t *testing.T) {
	engine, sched, st, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)
	tick(t, sched, 2)

	active, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, cluster.SessionActive, active.State)

	// Lost node: route retracted, session back to Pending, placement
	// re-queued. Invoke the handler directly the way the scheduler would.
	node := cluster.NodeRecord{ID: active.NodeID, Class: "desktop"}
	require.NoError(t, engine.HandleNodeLost(ctx, created.ID, node))

	pending, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.SessionPending, pending.State)
	assert.Empty(t, pending.ConnectionToken)
	assert.Empty(t, pending.NodeID)
	assert.False(t, routeExists(t, st, active.TokenID))
}

func TestReportActivityAdvancesOnlyForward(t *testing.T) {
	engine, sched, _, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)
	tick(t, sched, 2)

	now := time.Now()
	require.NoError(t, engine.ReportActivity(ctx, created.ID, now))

	got, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.WithinDuration(t, now, got.LastActivity, time.Millisecond)

	// A stale report does not move the timestamp back.
	require.NoError(t, engine.ReportActivity(ctx, created.ID, now.Add(-time.Minute)))
	again, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, got.LastActivity.UnixNano(), again.LastActivity.UnixNano())
}

func TestIdleSessionIsTerminated(t *testing.T) {
	engine, sched, st, _ := newTestEngine(t)
	engine.config.Classes["desktop"] = func() config.CapabilityClass {
		class := engine.config.Classes["desktop"]
		class.IdleTimeout = 15 * time.Millisecond
		return class
	}()
	ctx := context.Background()

	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)
	tick(t, sched, 2)

	active, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, cluster.SessionActive, active.State)

	time.Sleep(25 * time.Millisecond)
	engine.expireIdle(ctx)

	ended, err := engine.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.SessionTerminated, ended.State)
	assert.False(t, routeExists(t, st, active.TokenID))
}

func TestInvalidTransitionRejected(t *testing.T) {
	engine, sched, _, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, "alice", "desktop")
	require.NoError(t, err)
	tick(t, sched, 2)
	require.NoError(t, engine.Terminate(ctx, created.ID))

	// Terminal states admit nothing.
	err = engine.transition(ctx, created.ID, cluster.SessionActive, nil)
	require.Error(t, err)
	assert.True(t, IsTransitionError(err))
}
