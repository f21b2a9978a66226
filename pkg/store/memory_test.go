package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetPut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "nodes/a")
	assert.True(t, IsNotFound(err))

	rec, err := m.Put(ctx, "nodes/a", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)

	rec, err = m.Put(ctx, "nodes/a", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)

	got, err := m.Get(ctx, "nodes/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.Value)
	assert.Equal(t, uint64(2), got.Version)
}

func TestMemoryConditionalPut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Create-only write succeeds once.
	rec, err := m.ConditionalPut(ctx, "sessions/s1", 0, []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)

	_, err = m.ConditionalPut(ctx, "sessions/s1", 0, []byte("v1-again"))
	assert.True(t, IsConflict(err))

	// Matching version advances; stale version conflicts.
	rec, err = m.ConditionalPut(ctx, "sessions/s1", 1, []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)

	_, err = m.ConditionalPut(ctx, "sessions/s1", 1, []byte("stale"))
	assert.True(t, IsConflict(err))

	got, err := m.Get(ctx, "sessions/s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
}

func TestMemoryConditionalPutConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.ConditionalPut(ctx, "counter", 0, []byte("0"))
	require.NoError(t, err)

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan int, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := m.ConditionalPut(ctx, "counter", 1, []byte(fmt.Sprintf("%d", n))); err == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one conditional write against the same version must win")

	got, err := m.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.Delete(ctx, "missing")
	assert.True(t, IsNotFound(err))

	_, err = m.Put(ctx, "routes/t1", []byte("r"))
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "routes/t1"))

	_, err = m.Get(ctx, "routes/t1")
	assert.True(t, IsNotFound(err))
}

func TestMemoryListPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, key := range []string{
		QueueKey("batch", 3),
		QueueKey("batch", 1),
		QueueKey("batch", 2),
		QueueKey("desktop", 1),
		NodeKey("n1"),
	} {
		_, err := m.Put(ctx, key, []byte("x"))
		require.NoError(t, err)
	}

	records, err := m.List(ctx, QueueClassPrefix("batch"))
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Zero-padded sequence keys list in submission order.
	assert.Equal(t, QueueKey("batch", 1), records[0].Key)
	assert.Equal(t, QueueKey("batch", 2), records[1].Key)
	assert.Equal(t, QueueKey("batch", 3), records[2].Key)
}

func TestMemoryValueIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	value := []byte("original")
	_, err := m.Put(ctx, "k", value)
	require.NoError(t, err)

	value[0] = 'X'
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got.Value)

	got.Value[0] = 'Y'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again.Value)
}

func TestErrorHelpers(t *testing.T) {
	conflict := &ConflictError{Key: "k", ExpectedVersion: 1, ActualVersion: 2}
	assert.True(t, IsConflict(fmt.Errorf("wrapped: %w", conflict)))
	assert.False(t, IsConflict(fmt.Errorf("plain")))

	notFound := &NotFoundError{Key: "k"}
	assert.True(t, IsNotFound(fmt.Errorf("wrapped: %w", notFound)))
	assert.False(t, IsNotFound(conflict))

	notLeader := &NotLeaderError{Operation: "put"}
	assert.True(t, IsNotLeader(notLeader))
	assert.False(t, IsNotLeader(notFound))
}
