// Package framepool implements the fixed-capacity slot allocator that backs
// frame storage.
//
// A Pool owns a contiguous []T plus an in-use bitmap. Allocate hands out
// pointers into that slice, so a frame archive can recycle frame objects
// without per-frame heap churn. Capacity is small (≈128) and the linear scan
// is cheaper than any free-list bookkeeping at that size.
//
// Contract:
//   - Deallocate MUST only receive pointers returned by Allocate on the same
//     pool. Anything else is a programmer error and panics.
//   - StopAllocating is one-way. It is used during shutdown together with
//     WaitUntilEmpty to guarantee no callback still references pool memory.
package framepool

import (
	"fmt"
	"sync"
	"time"
)

// Pool is a lock-protected fixed-capacity object pool.
//
// Thread-safety: all methods are safe for concurrent use.
type Pool[T any] struct {
	mu   sync.Mutex
	idle *sync.Cond // Broadcast when inUse drops to zero

	slots   []T
	used    []bool
	inUse   int
	stopped bool
}

// New creates a pool with room for capacity objects, all zero valued.
// A capacity of 0 yields a pool that never hands out slots; callers treat
// that as "unbounded" and fall back to heap allocation.
func New[T any](capacity int) *Pool[T] {
	if capacity < 0 {
		capacity = 0
	}
	p := &Pool[T]{
		slots: make([]T, capacity),
		used:  make([]bool, capacity),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() int {
	return len(p.slots)
}

// Allocate claims a free slot.
//
// Returns (nil, false) if every slot is in use or StopAllocating was called.
func (p *Pool[T]) Allocate() (*T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, false
	}

	for i := range p.used {
		if !p.used[i] {
			p.used[i] = true
			p.inUse++
			return &p.slots[i], true
		}
	}
	return nil, false
}

// Deallocate resets the slot behind ptr to its zero value and frees it.
//
// Panics if ptr does not point into this pool's backing array or if the
// slot is already free. Both cases mean memory corruption is one step away.
func (p *Pool[T]) Deallocate(ptr *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(ptr)
	if i < 0 {
		panic(fmt.Sprintf("framepool: deallocate of %p which does not belong to this pool", ptr))
	}
	if !p.used[i] {
		panic(fmt.Sprintf("framepool: double deallocate of slot %d", i))
	}

	var zero T
	p.slots[i] = zero
	p.used[i] = false
	p.inUse--

	if p.inUse == 0 {
		p.idle.Broadcast()
	}
}

// Owns reports whether ptr points into this pool's backing array.
func (p *Pool[T]) Owns(ptr *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexOf(ptr) >= 0
}

func (p *Pool[T]) indexOf(ptr *T) int {
	if ptr == nil {
		return -1
	}
	for i := range p.slots {
		if &p.slots[i] == ptr {
			return i
		}
	}
	return -1
}

// StopAllocating puts the pool into its terminal state: every later
// Allocate returns false. Outstanding slots can still be deallocated.
func (p *Pool[T]) StopAllocating() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

// Stopped reports whether StopAllocating was called.
func (p *Pool[T]) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// InUse returns the number of outstanding slots.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// WaitUntilEmpty blocks until every slot is free or timeout elapses.
// Returns true if the pool drained.
func (p *Pool[T]) WaitUntilEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	// sync.Cond has no timed wait: a timer broadcasts once the deadline
	// passes so the loop below can observe it.
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.idle.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.inUse > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		p.idle.Wait()
	}
	return true
}
