// Package pool implements the Resource Pool Manager (spec 4.4): named,
// priority-queued, cancellable semaphores with per-pool metrics. No teacher
// file implements this directly; it is built fresh in the teacher's idiom
// (explicit structs, mutex-guarded state, no channel-per-waiter goroutine
// leaks), borrowing the waiter-queue-with-cancellation shape the spec asks
// for and applying container/heap for O(log n) priority insert/cancel.
package pool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	engerrors "github.com/loomwork/engine/pkg/errors"
)

// Metrics is the per-pool snapshot spec 4.4 requires.
type Metrics struct {
	Active        int
	Queued        int
	Capacity      int
	TotalAcquired int64
	TotalWaitMs   int64
}

// waiter is one pending acquirer, ordered by (-priority, seq) so higher
// priority is served first and ties break FIFO.
type waiter struct {
	priority int
	seq      int64
	grant    chan struct{}
	canceled bool
	index    int // heap index, maintained by container/heap
	enqueued time.Time
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	return h[i].seq < h[j].seq // FIFO within a priority
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// namedPool is the per-name semaphore state.
type namedPool struct {
	mu       sync.Mutex
	capacity int
	active   int
	waiters  waiterHeap
	nextSeq  int64
	metrics  Metrics
}

// Manager owns every named pool plus a `default` fallback capacity.
type Manager struct {
	mu             sync.Mutex
	pools          map[string]*namedPool
	defaultCap     int
}

// NewManager constructs a Manager. defaultCapacity is used for any pool name
// not explicitly configured via Configure.
func NewManager(defaultCapacity int) *Manager {
	return &Manager{pools: make(map[string]*namedPool), defaultCap: defaultCapacity}
}

// Configure sets (or resets) the capacity for a named pool. Calling it after
// acquisitions have happened against that pool is only safe when the pool
// is idle; it is intended for startup-time setup from workflow.pools.
func (m *Manager) Configure(name string, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.getOrCreateLocked(name, capacity)
	p.mu.Lock()
	p.capacity = capacity
	p.mu.Unlock()
}

func (m *Manager) getOrCreateLocked(name string, capacity int) *namedPool {
	p, ok := m.pools[name]
	if !ok {
		if capacity <= 0 {
			capacity = m.defaultCap
		}
		p = &namedPool{capacity: capacity}
		m.pools[name] = p
	}
	return p
}

func (m *Manager) pool(name string) *namedPool {
	if name == "" {
		name = "default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(name, 0)
}

// Release returns a previously acquired slot back to the named pool.
type Release func()

// Acquire blocks until a slot in poolName is available, ctx is done
// (returning Aborted), or the priority wins the slot immediately because
// capacity is free. Higher priority values are served first; ties are FIFO.
func (m *Manager) Acquire(ctx context.Context, poolName string, priority int) (Release, error) {
	p := m.pool(poolName)

	p.mu.Lock()
	if p.active < p.capacity {
		p.active++
		p.metrics.TotalAcquired++
		p.mu.Unlock()
		return m.releaseFunc(p), nil
	}

	w := &waiter{priority: priority, seq: p.nextSeq, grant: make(chan struct{}, 1), enqueued: time.Now()}
	p.nextSeq++
	heap.Push(&p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w.grant:
		p.mu.Lock()
		p.metrics.TotalWaitMs += time.Since(w.enqueued).Milliseconds()
		p.mu.Unlock()
		return m.releaseFunc(p), nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&p.waiters, w.index)
			p.mu.Unlock()
			return nil, &engerrors.ResourceError{Resource: "pool:" + poolName, Reason: "Aborted"}
		}
		// Already granted the slot racing with cancellation: drain the
		// grant and release immediately rather than leaking the slot.
		p.mu.Unlock()
		<-w.grant
		rel := m.releaseFunc(p)
		rel()
		return nil, &engerrors.ResourceError{Resource: "pool:" + poolName, Reason: "Aborted"}
	}
}

// TryAcquire attempts a non-blocking acquire, returning (nil, false) if the
// pool is saturated.
func (m *Manager) TryAcquire(poolName string, priority int) (Release, bool) {
	_ = priority
	p := m.pool(poolName)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active >= p.capacity {
		return nil, false
	}
	p.active++
	p.metrics.TotalAcquired++
	return m.releaseFunc(p), true
}

func (m *Manager) releaseFunc(p *namedPool) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.waiters.Len() > 0 {
				// Hand the slot directly to the highest-priority waiter --
				// no spurious wake-ups, active count stays the same since
				// one holder leaves and another immediately takes over.
				next := heap.Pop(&p.waiters).(*waiter)
				p.metrics.TotalAcquired++
				next.grant <- struct{}{}
				return
			}
			p.active--
		})
	}
}

// Snapshot returns the current metrics for poolName (spec 4.4).
func (m *Manager) Snapshot(poolName string) Metrics {
	p := m.pool(poolName)
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.metrics
	snap.Active = p.active
	snap.Queued = p.waiters.Len()
	snap.Capacity = p.capacity
	return snap
}
