package frame

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/framepool"
)

// DefaultPoolCapacity is the number of pooled frame slots per archive.
const DefaultPoolCapacity = 128

// ArchiveStats is a snapshot of one archive.
type ArchiveStats struct {
	Kind         Kind
	Capacity     int    // Pool slots
	InUse        int    // Pool slots held
	Published    int64  // Frames out and not kept
	MaxPublished int64  // Backpressure bound, 0 = unbounded
	Refused      uint64 // Publishes refused by backpressure
	HeapFrames   uint64 // Frames allocated outside the pool
	Inflight     int    // Callbacks running now
}

// Archive allocates frames of one kind from a fixed pool and accounts for
// frames handed to the user.
//
// Backpressure: when MaxPublished > 0 and that many frames are out (and not
// kept), publish refuses new frames. The capture side drops them, and the
// user learns they are holding too much.
type Archive struct {
	kind Kind
	pool *framepool.Pool[Frame]

	maxPublished atomic.Int64
	published    atomic.Int64
	refused      atomic.Uint64
	heapFrames   atomic.Uint64

	// mu serializes publish, zero-ref transitions and Flush.
	mu      sync.Mutex
	flushed bool

	inflight *counter
}

// NewArchive creates an archive of kind with capacity pool slots.
// A capacity of 0 makes every frame heap allocated.
func NewArchive(kind Kind, capacity int, maxPublished int) *Archive {
	a := &Archive{
		kind:     kind,
		pool:     framepool.New[Frame](capacity),
		inflight: newCounter(),
	}
	a.maxPublished.Store(int64(maxPublished))
	return a
}

// Kind returns the kind of frames this archive allocates.
func (a *Archive) Kind() Kind {
	return a.kind
}

// SetMaxPublished changes the backpressure bound. 0 disables it.
func (a *Archive) SetMaxPublished(n int) {
	a.maxPublished.Store(int64(n))
}

// publish returns a fresh frame with one reference, or nil when the user
// holds too many frames or the archive was flushed.
//
// A full pool falls back to a heap frame, counted in HeapFrames. Only the
// published bound refuses frames.
func (a *Archive) publish() *Frame {
	limit := a.maxPublished.Load()

	a.mu.Lock()
	if a.flushed {
		a.mu.Unlock()
		slog.Debug("frame: publish on flushed archive", "kind", a.kind.String())
		return nil
	}
	if published := a.published.Load(); limit > 0 && published >= limit {
		a.mu.Unlock()
		a.refused.Add(1)
		slog.Warn("frame: user didn't release frame resource",
			"kind", a.kind.String(),
			"published", published,
			"max_published", limit,
		)
		return nil
	}

	f, fixed := a.pool.Allocate()
	if !fixed {
		f = &Frame{}
		a.heapFrames.Add(1)
	}
	f.kind = a.kind
	f.owner = a
	f.fixed = fixed
	f.refs = 1
	a.published.Add(1)
	a.mu.Unlock()
	return f
}

// unpublish runs when the last reference is dropped.
func (a *Archive) unpublish(f *Frame) {
	for _, child := range f.children {
		child.Release()
	}
	f.children = nil

	a.mu.Lock()
	defer a.mu.Unlock()

	if atomic.CompareAndSwapInt32(&f.kept, 0, 1) {
		a.published.Add(-1)
	}
	if f.fixed {
		a.pool.Deallocate(f)
		return
	}
	*f = Frame{}
}

// keep removes f from backpressure accounting exactly once. Keeping a
// composite keeps its children.
func (a *Archive) keep(f *Frame) {
	if atomic.CompareAndSwapInt32(&f.kept, 0, 1) {
		a.published.Add(-1)
	}
	for _, child := range f.children {
		child.Keep()
	}
}

// beginCallback and endCallback bracket user callbacks so Flush can wait
// for them.
func (a *Archive) beginCallback() { a.inflight.add(1) }
func (a *Archive) endCallback()   { a.inflight.add(-1) }

// Flush stops the archive from publishing, then waits up to timeout for
// running callbacks to return. Frames the user still holds stay valid; their
// slots are returned on release.
//
// Returns false if callbacks were still running at the deadline.
func (a *Archive) Flush(timeout time.Duration) bool {
	a.mu.Lock()
	a.flushed = true
	a.mu.Unlock()
	a.pool.StopAllocating()

	drained := a.inflight.waitUntilZero(timeout)
	if !drained {
		slog.Warn("frame: callbacks still running after flush",
			"kind", a.kind.String(),
			"inflight", a.inflight.value(),
			"timeout", timeout,
		)
	}
	if held := a.pool.InUse(); held > 0 {
		slog.Info("frame: user still holds frames after flush",
			"kind", a.kind.String(),
			"frames", held,
		)
	}
	return drained
}

// Stats returns a snapshot of the archive counters.
func (a *Archive) Stats() ArchiveStats {
	return ArchiveStats{
		Kind:         a.kind,
		Capacity:     a.pool.Cap(),
		InUse:        a.pool.InUse(),
		Published:    a.published.Load(),
		MaxPublished: a.maxPublished.Load(),
		Refused:      a.refused.Load(),
		HeapFrames:   a.heapFrames.Load(),
		Inflight:     a.inflight.value(),
	}
}

// counter is an in-flight counter with a timed wait for zero.
type counter struct {
	mu   sync.Mutex
	zero *sync.Cond
	n    int
}

func newCounter() *counter {
	c := &counter{}
	c.zero = sync.NewCond(&c.mu)
	return c
}

func (c *counter) add(delta int) {
	c.mu.Lock()
	c.n += delta
	if c.n <= 0 {
		c.n = 0
		c.zero.Broadcast()
	}
	c.mu.Unlock()
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *counter) waitUntilZero(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.zero.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.n > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		c.zero.Wait()
	}
	return true
}
