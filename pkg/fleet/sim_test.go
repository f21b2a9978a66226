package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimProvisionImmediatelyReady(t *testing.T) {
	sim := NewSim(SimConfig{}, zap.NewNop())
	ctx := context.Background()

	handle, err := sim.Provision(ctx, "batch")
	require.NoError(t, err)
	assert.NotEmpty(t, handle.NodeID)
	assert.NotEmpty(t, handle.Address)

	statuses, err := sim.ListHealth(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, HealthReady, statuses[0].State)
	assert.Equal(t, "batch", statuses[0].Class)
}

func TestSimReadyDelay(t *testing.T) {
	sim := NewSim(SimConfig{ReadyDelay: 20 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	_, err := sim.Provision(ctx, "batch")
	require.NoError(t, err)

	statuses, err := sim.ListHealth(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, HealthProvisioning, statuses[0].State)

	time.Sleep(30 * time.Millisecond)
	statuses, err = sim.ListHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthReady, statuses[0].State)
}

func TestSimScriptedFailures(t *testing.T) {
	sim := NewSim(SimConfig{}, zap.NewNop())
	ctx := context.Background()

	sim.FailNext("batch", 2)

	for i := 0; i < 2; i++ {
		_, err := sim.Provision(ctx, "batch")
		require.Error(t, err)
		assert.True(t, IsProvisionError(err))
		assert.True(t, IsRetryable(err))
	}

	// Other classes are unaffected, and the budget runs out.
	_, err := sim.Provision(ctx, "desktop")
	require.NoError(t, err)
	_, err = sim.Provision(ctx, "batch")
	require.NoError(t, err)
}

func TestSimTerminateIdempotent(t *testing.T) {
	sim := NewSim(SimConfig{}, zap.NewNop())
	ctx := context.Background()

	handle, err := sim.Provision(ctx, "batch")
	require.NoError(t, err)

	require.NoError(t, sim.Terminate(ctx, handle.NodeID))
	require.NoError(t, sim.Terminate(ctx, handle.NodeID))
	require.NoError(t, sim.Terminate(ctx, "unknown-node"))

	statuses, err := sim.ListHealth(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, HealthTerminated, statuses[0].State)
}

func TestSimMarkUnhealthy(t *testing.T) {
	sim := NewSim(SimConfig{}, zap.NewNop())
	ctx := context.Background()

	handle, err := sim.Provision(ctx, "batch")
	require.NoError(t, err)

	sim.MarkUnhealthy(handle.NodeID)
	statuses, err := sim.ListHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, statuses[0].State)
}
