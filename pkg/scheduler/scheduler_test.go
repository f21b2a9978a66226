package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/config"
	"github.com/skylab-hpc/skylab/pkg/fleet"
	"github.com/skylab-hpc/skylab/pkg/store"
)

func testConfig(mutate func(*config.CapabilityClass)) *config.Config {
	class := config.CapabilityClass{
		Name:                "batch",
		Slots:               2,
		MaxNodes:            2,
		IdleTimeout:         time.Hour,
		HeartbeatGrace:      time.Hour,
		ProvisionRetryLimit: 1,
		ProvisionBackoff:    time.Millisecond,
		ProvisionBackoffMax: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&class)
	}
	return &config.Config{
		TickInterval:    10 * time.Millisecond,
		TokenSigningKey: "test-key",
		Classes:         map[string]config.CapabilityClass{"batch": class},
	}
}

// recordingHandler captures placement outcomes for assertions.
type recordingHandler struct {
	mu       sync.Mutex
	reserved []string
	placed   map[string]string // request id -> node id
	failed   map[string]error
	lost     []string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		placed: make(map[string]string),
		failed: make(map[string]error),
	}
}

func (h *recordingHandler) HandleReserved(ctx context.Context, entry cluster.QueueEntry, nodeID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved = append(h.reserved, entry.RequestID)
	return nil
}

func (h *recordingHandler) HandlePlaced(ctx context.Context, entry cluster.QueueEntry, node cluster.NodeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.placed[entry.RequestID] = node.ID
	return nil
}

func (h *recordingHandler) HandleFailed(ctx context.Context, entry cluster.QueueEntry, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[entry.RequestID] = cause
	return nil
}

func (h *recordingHandler) HandleNodeLost(ctx context.Context, occupantID string, node cluster.NodeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = append(h.lost, occupantID)
	return nil
}

func (h *recordingHandler) placedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.placed)
}

func newTestScheduler(t *testing.T, cfg *config.Config) (*Scheduler, store.Store, *fleet.Sim, *recordingHandler) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemory()
	sim := fleet.NewSim(fleet.SimConfig{}, logger)

	s, err := New(st, sim, cfg, nil, logger)
	require.NoError(t, err)

	handler := newRecordingHandler()
	s.RegisterHandler(cluster.KindJob, handler)
	return s, st, sim, handler
}

// submitJob stores a job record and queues a request for it, mirroring what
// the job tracker does.
func submitJob(t *testing.T, s *Scheduler, st store.Store, id string, priority int) {
	t.Helper()
	ctx := context.Background()

	job := cluster.JobRecord{ID: id, Class: "batch", Priority: priority, State: cluster.JobPending}
	value, err := cluster.Encode(&job)
	require.NoError(t, err)
	_, err = st.ConditionalPut(ctx, store.JobKey(id), 0, value)
	require.NoError(t, err)

	_, err = s.Submit(ctx, Request{Kind: cluster.KindJob, RequestID: id, Class: "batch", Priority: priority})
	require.NoError(t, err)
}

func tick(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Tick(context.Background()))
	}
}

func loadNodeStates(t *testing.T, st store.Store) map[string]cluster.NodeRecord {
	t.Helper()
	records, err := st.List(context.Background(), store.NodesPrefix())
	require.NoError(t, err)

	nodes := make(map[string]cluster.NodeRecord, len(records))
	for _, rec := range records {
		var node cluster.NodeRecord
		require.NoError(t, cluster.Decode(rec.Value, &node))
		nodes[node.ID] = node
	}
	return nodes
}

func queueLen(t *testing.T, st store.Store) int {
	t.Helper()
	records, err := st.List(context.Background(), store.QueueClassPrefix("batch"))
	require.NoError(t, err)
	return len(records)
}

func TestSubmitUnknownClass(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, testConfig(nil))

	_, err := s.Submit(context.Background(), Request{Kind: cluster.KindJob, RequestID: "j1", Class: "nope"})
	require.Error(t, err)
	assert.True(t, IsAdmissionError(err))
}

func TestSubmitBacklogCap(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) { c.MaxPending = 1 })
	s, _, _, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	_, err := s.Submit(ctx, Request{Kind: cluster.KindJob, RequestID: "j1", Class: "batch"})
	require.NoError(t, err)

	_, err = s.Submit(ctx, Request{Kind: cluster.KindJob, RequestID: "j2", Class: "batch"})
	require.Error(t, err)
	assert.True(t, IsAdmissionError(err))
}

func TestSubmitAssignsMonotonicSequences(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, testConfig(nil))
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		seq, err := s.Submit(ctx, Request{
			Kind:      cluster.KindJob,
			RequestID: fmt.Sprintf("j%d", i),
			Class:     "batch",
		})
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestPlacementProvisionsAndPlaces(t *testing.T) {
	s, st, _, handler := newTestScheduler(t, testConfig(nil))

	submitJob(t, s, st, "j1", 0)

	// Tick 1 provisions a node for the entry; tick 2 sees it ready and
	// reserves the slot.
	tick(t, s, 2)

	assert.Equal(t, 1, handler.placedCount())
	assert.Equal(t, 0, queueLen(t, st))

	nodes := loadNodeStates(t, st)
	require.Len(t, nodes, 1)
	for _, node := range nodes {
		assert.Equal(t, cluster.NodeInUse, node.State)
		assert.Equal(t, []string{"j1"}, node.Occupants)
	}
}

func TestSlotCapacityNeverExceeded(t *testing.T) {
	// One node of two slots; three requests. Exactly two may hold slots.
	cfg := testConfig(func(c *config.CapabilityClass) { c.MaxNodes = 1; c.Slots = 2 })
	s, st, _, handler := newTestScheduler(t, cfg)

	for i := 1; i <= 3; i++ {
		submitJob(t, s, st, fmt.Sprintf("j%d", i), 0)
	}
	tick(t, s, 4)

	assert.Equal(t, 2, handler.placedCount())
	assert.Equal(t, 1, queueLen(t, st))

	nodes := loadNodeStates(t, st)
	require.Len(t, nodes, 1)
	for _, node := range nodes {
		assert.Equal(t, 2, node.Occupancy())
	}
}

func TestNodeCeilingHolds(t *testing.T) {
	// Ceiling of two single-slot nodes with three jobs: all three are
	// admitted, two run, the third waits for a slot to free up.
	cfg := testConfig(func(c *config.CapabilityClass) { c.MaxNodes = 2; c.Slots = 1 })
	s, st, _, handler := newTestScheduler(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		submitJob(t, s, st, fmt.Sprintf("j%d", i), 0)
	}
	tick(t, s, 4)

	assert.Equal(t, 2, handler.placedCount())
	assert.Equal(t, 1, queueLen(t, st))
	assert.Len(t, loadNodeStates(t, st), 2)

	// Releasing one slot lets the queued job in without a third node.
	handler.mu.Lock()
	var doneJob, doneNode string
	for id, nodeID := range handler.placed {
		doneJob, doneNode = id, nodeID
		break
	}
	handler.mu.Unlock()

	require.NoError(t, s.ReleaseSlot(ctx, doneNode, doneJob))
	tick(t, s, 2)

	assert.Equal(t, 3, handler.placedCount())
	assert.Equal(t, 0, queueLen(t, st))
	assert.Len(t, loadNodeStates(t, st), 2)
}

func TestHigherPriorityPlacesFirst(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) { c.MaxNodes = 1; c.Slots = 1 })
	s, st, _, handler := newTestScheduler(t, cfg)

	submitJob(t, s, st, "low", 0)
	submitJob(t, s, st, "high", 5)
	tick(t, s, 3)

	assert.Equal(t, 1, handler.placedCount())
	handler.mu.Lock()
	_, highPlaced := handler.placed["high"]
	handler.mu.Unlock()
	assert.True(t, highPlaced, "the higher priority band must place first")
}

func TestProvisionRetryExhaustionFailsRequest(t *testing.T) {
	s, st, sim, handler := newTestScheduler(t, testConfig(nil))
	sim.FailNext("batch", 10)

	submitJob(t, s, st, "j1", 0)

	// Retry limit is 1, so the second failed attempt gives up. Backoff is
	// a millisecond; a few spaced ticks are enough.
	for i := 0; i < 5; i++ {
		tick(t, s, 1)
		time.Sleep(2 * time.Millisecond)
	}

	handler.mu.Lock()
	cause, failed := handler.failed["j1"]
	handler.mu.Unlock()
	require.True(t, failed, "request must fail once the retry budget is exhausted")
	assert.True(t, IsCapacityError(cause))
	assert.Equal(t, 0, queueLen(t, st))
}

func TestIdleNodeIsReclaimed(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) {
		c.MaxNodes = 1
		c.IdleTimeout = 20 * time.Millisecond
	})
	s, st, _, handler := newTestScheduler(t, cfg)
	ctx := context.Background()

	submitJob(t, s, st, "j1", 0)
	tick(t, s, 2)
	require.Equal(t, 1, handler.placedCount())

	handler.mu.Lock()
	nodeID := handler.placed["j1"]
	handler.mu.Unlock()

	require.NoError(t, s.ReleaseSlot(ctx, nodeID, "j1"))
	time.Sleep(30 * time.Millisecond)
	tick(t, s, 1)

	nodes := loadNodeStates(t, st)
	assert.Equal(t, cluster.NodeDraining, nodes[nodeID].State)

	// The simulator reports the terminate; the next tick finishes draining.
	tick(t, s, 1)
	nodes = loadNodeStates(t, st)
	assert.Equal(t, cluster.NodeTerminated, nodes[nodeID].State)
}

func TestOccupiedNodeIsNotReclaimed(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) {
		c.MaxNodes = 1
		c.IdleTimeout = 10 * time.Millisecond
	})
	s, st, _, handler := newTestScheduler(t, cfg)

	submitJob(t, s, st, "j1", 0)
	tick(t, s, 2)
	require.Equal(t, 1, handler.placedCount())

	time.Sleep(20 * time.Millisecond)
	tick(t, s, 1)

	for _, node := range loadNodeStates(t, st) {
		assert.Equal(t, cluster.NodeInUse, node.State)
	}
}

func TestHeartbeatExpiryRequeuesOccupants(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) {
		c.MaxNodes = 1
		c.HeartbeatGrace = 20 * time.Millisecond
	})
	s, st, _, handler := newTestScheduler(t, cfg)

	submitJob(t, s, st, "j1", 0)
	tick(t, s, 2)
	require.Equal(t, 1, handler.placedCount())

	handler.mu.Lock()
	lostNodeID := handler.placed["j1"]
	handler.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	tick(t, s, 1)

	handler.mu.Lock()
	lost := append([]string(nil), handler.lost...)
	handler.mu.Unlock()
	assert.Equal(t, []string{"j1"}, lost)
	assert.Equal(t, 1, queueLen(t, st), "the occupant's request must be re-queued")

	// Only the silent node is torn down; the same tick may already be
	// provisioning its replacement.
	lostNode := loadNodeStates(t, st)[lostNodeID]
	assert.Equal(t, cluster.NodeTerminated, lostNode.State)
	assert.Empty(t, lostNode.Occupants)
}

func TestAwaitingEntryFallsBackWhenSlotIsTaken(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) { c.MaxNodes = 2; c.Slots = 1 })
	s, st, _, handler := newTestScheduler(t, cfg)

	// j1 provisions a node and waits on it.
	submitJob(t, s, st, "j1", 0)
	tick(t, s, 1)
	require.Equal(t, 0, handler.placedCount())

	// A higher-priority job grabs that node's only slot the moment it comes
	// up; j1 must fall back to a fresh node instead of starving on its mark.
	submitJob(t, s, st, "j2", 5)
	tick(t, s, 3)

	assert.Equal(t, 2, handler.placedCount())
	assert.Equal(t, 0, queueLen(t, st))
	assert.Len(t, loadNodeStates(t, st), 2)
}

func TestProvisioningNodeLostBeforeReady(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) { c.MaxNodes = 1; c.Slots = 1 })
	s, st, sim, handler := newTestScheduler(t, cfg)

	submitJob(t, s, st, "j1", 0)
	tick(t, s, 1)

	nodes := loadNodeStates(t, st)
	require.Len(t, nodes, 1)
	var firstNodeID string
	for id := range nodes {
		firstNodeID = id
	}

	// The provider tears the node down before it ever reports ready.
	require.NoError(t, sim.Terminate(context.Background(), firstNodeID))
	tick(t, s, 3)

	first := loadNodeStates(t, st)[firstNodeID]
	assert.Equal(t, cluster.NodeTerminated, first.State)
	assert.Equal(t, 1, handler.placedCount(), "the awaiting request must place on a replacement node")
	assert.Equal(t, 0, queueLen(t, st))
}

func TestSuccessfulProvisionKeepsRetryBudget(t *testing.T) {
	// Retry limit 1: a request survives one provisioning failure. A node
	// that provisioned fine but was lost before ready must not count
	// against that budget.
	cfg := testConfig(func(c *config.CapabilityClass) { c.MaxNodes = 1; c.Slots = 1 })
	s, st, sim, handler := newTestScheduler(t, cfg)
	ctx := context.Background()

	submitJob(t, s, st, "j1", 0)
	tick(t, s, 1)

	nodes := loadNodeStates(t, st)
	require.Len(t, nodes, 1)
	var firstNodeID string
	for id := range nodes {
		firstNodeID = id
	}
	require.NoError(t, sim.Terminate(ctx, firstNodeID))

	// The replacement attempt fails once, then succeeds.
	sim.FailNext("batch", 1)
	for i := 0; i < 5; i++ {
		tick(t, s, 1)
		time.Sleep(2 * time.Millisecond)
	}

	handler.mu.Lock()
	_, failed := handler.failed["j1"]
	handler.mu.Unlock()
	assert.False(t, failed, "a lost provision must not consume the retry budget")
	assert.Equal(t, 1, handler.placedCount())
}

func TestRecordHeartbeatKeepsNodeAlive(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) {
		c.MaxNodes = 1
		c.HeartbeatGrace = 30 * time.Millisecond
	})
	s, st, _, handler := newTestScheduler(t, cfg)
	ctx := context.Background()

	submitJob(t, s, st, "j1", 0)
	tick(t, s, 2)
	require.Equal(t, 1, handler.placedCount())

	handler.mu.Lock()
	nodeID := handler.placed["j1"]
	handler.mu.Unlock()

	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		require.NoError(t, s.RecordHeartbeat(ctx, nodeID, 12.5, 40.0))
		tick(t, s, 1)
	}

	nodes := loadNodeStates(t, st)
	assert.Equal(t, cluster.NodeInUse, nodes[nodeID].State)
	assert.Equal(t, 12.5, nodes[nodeID].CPUPercent)
}

func TestReserveSlotConcurrentRespectsCapacity(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, testConfig(nil))
	ctx := context.Background()

	node := cluster.NodeRecord{
		ID:    "n1",
		Class: "batch",
		State: cluster.NodeReady,
		Slots: 2,
	}
	value, err := cluster.Encode(&node)
	require.NoError(t, err)
	_, err = st.ConditionalPut(ctx, store.NodeKey("n1"), 0, value)
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.reserveSlot(ctx, "n1", fmt.Sprintf("occ-%d", n))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, errNoFreeSlot)
		}
	}
	assert.Equal(t, 2, succeeded, "slot reservations must never exceed capacity")

	nodes := loadNodeStates(t, st)
	reserved := nodes["n1"]
	assert.Equal(t, 2, reserved.Occupancy())
}

func TestCancelRemovesQueuedEntry(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, testConfig(nil))
	ctx := context.Background()

	_, err := s.Submit(ctx, Request{Kind: cluster.KindJob, RequestID: "j1", Class: "batch"})
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, "batch", "j1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, 0, queueLen(t, st))

	cancelled, err = s.Cancel(ctx, "batch", "j1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestReleaseSlotMarksNodeIdle(t *testing.T) {
	cfg := testConfig(func(c *config.CapabilityClass) { c.MaxNodes = 1; c.Slots = 1 })
	s, st, _, handler := newTestScheduler(t, cfg)
	ctx := context.Background()

	submitJob(t, s, st, "j1", 0)
	tick(t, s, 2)
	require.Equal(t, 1, handler.placedCount())

	handler.mu.Lock()
	nodeID := handler.placed["j1"]
	handler.mu.Unlock()

	require.NoError(t, s.ReleaseSlot(ctx, nodeID, "j1"))

	nodes := loadNodeStates(t, st)
	assert.Equal(t, cluster.NodeReady, nodes[nodeID].State)
	assert.False(t, nodes[nodeID].IdleSince.IsZero())

	// Releasing again is a no-op.
	require.NoError(t, s.ReleaseSlot(ctx, nodeID, "j1"))
}
