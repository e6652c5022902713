package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerAcquireWithinCapacity(t *testing.T) {
	m := NewManager(2)

	rel1, err := m.Acquire(context.Background(), "db", 0)
	require.NoError(t, err)
	rel2, err := m.Acquire(context.Background(), "db", 0)
	require.NoError(t, err)

	snap := m.Snapshot("db")
	assert.Equal(t, 2, snap.Active)
	assert.Equal(t, 0, snap.Queued)

	rel1()
	rel2()

	snap = m.Snapshot("db")
	assert.Equal(t, 0, snap.Active)
}

func TestManagerAcquireBlocksThenGrants(t *testing.T) {
	m := NewManager(1)

	rel, err := m.Acquire(context.Background(), "db", 0)
	require.NoError(t, err)

	acquired := make(chan Release, 1)
	go func() {
		r, err := m.Acquire(context.Background(), "db", 0)
		require.NoError(t, err)
		acquired <- r
	}()

	time.Sleep(20 * time.Millisecond)
	snap := m.Snapshot("db")
	assert.Equal(t, 1, snap.Queued)

	rel()

	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked")
	}
}

func TestManagerPriorityOrdering(t *testing.T) {
	m := NewManager(1)
	rel, err := m.Acquire(context.Background(), "db", 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for _, p := range []int{1, 5, 3} {
		wg.Add(1)
		go func(priority int) {
			defer wg.Done()
			r, err := m.Acquire(context.Background(), "db", priority)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, priority)
			mu.Unlock()
			r()
		}(p)
		time.Sleep(10 * time.Millisecond) // ensure enqueue order is deterministic
	}

	rel()
	wg.Wait()

	require.Len(t, order, 3)
	assert.Equal(t, []int{5, 3, 1}, order)
}

func TestManagerAcquireCanceledByContext(t *testing.T) {
	m := NewManager(1)
	rel, err := m.Acquire(context.Background(), "db", 0)
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "db", 0)
	require.Error(t, err)

	snap := m.Snapshot("db")
	assert.Equal(t, 0, snap.Queued)
}

func TestManagerTryAcquire(t *testing.T) {
	m := NewManager(1)

	rel, ok := m.TryAcquire("db", 0)
	require.True(t, ok)

	_, ok = m.TryAcquire("db", 0)
	assert.False(t, ok)

	rel()

	rel2, ok := m.TryAcquire("db", 0)
	require.True(t, ok)
	rel2()
}

func TestManagerConfigurePerPoolCapacity(t *testing.T) {
	m := NewManager(1)
	m.Configure("wide", 5)

	var rels []Release
	for i := 0; i < 5; i++ {
		r, err := m.Acquire(context.Background(), "wide", 0)
		require.NoError(t, err)
		rels = append(rels, r)
	}
	snap := m.Snapshot("wide")
	assert.Equal(t, 5, snap.Active)

	for _, r := range rels {
		r()
	}
}
