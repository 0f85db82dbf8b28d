// Package queue provides ConsumerQueue, the bounded cross-goroutine handoff
// used by every stage of the frame pipeline.
//
// Two enqueue policies share one queue:
//   - Enqueue: drop-oldest. Never blocks. Used for lossy streams (telemetry,
//     per-stream pending frames) where the latest sample matters most.
//   - BlockingEnqueue: waits for space. Used where every sample must be
//     delivered (frames flagged as blocking), even if it stalls the producer.
//
// Shutdown: Clear puts the queue into a flushing state backed by a
// cancel.Token, wakes every blocked producer and consumer, and drains storage.
// Start leaves the flushing state.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/cancel"
)

// DefaultCapacity is used when New receives a non-positive capacity.
const DefaultCapacity = 10

// Stats is a snapshot of queue counters.
type Stats struct {
	// Enqueued counts items accepted by Enqueue/BlockingEnqueue.
	Enqueued uint64

	// Dequeued counts items handed to consumers.
	Dequeued uint64

	// Dropped counts items discarded: oldest evicted by Enqueue, items
	// refused while flushing, and items drained by Clear.
	Dropped uint64

	// Len is the number of items queued at snapshot time.
	Len int

	// Capacity is the configured bound.
	Capacity int
}

// Option configures a ConsumerQueue.
type Option[T any] func(*ConsumerQueue[T])

// WithDropHandler registers fn to receive every item the queue discards.
// Queues of frame holders use it to release the dropped reference.
func WithDropHandler[T any](fn func(T)) Option[T] {
	return func(q *ConsumerQueue[T]) {
		q.onDrop = fn
	}
}

// ConsumerQueue is a bounded FIFO guarded by one mutex and two condition
// variables (non-empty, non-full).
//
// Thread-safety: all methods are safe for concurrent use.
type ConsumerQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	// Ring buffer: items live in buf[head], buf[head+1], ... (mod cap).
	buf  []T
	head int
	n    int

	flushing *cancel.Token
	onDrop   func(T)

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int, opts ...Option[T]) *ConsumerQueue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &ConsumerQueue[T]{
		buf:      make([]T, capacity),
		flushing: cancel.New(),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}

	q.flushing.OnCancel(func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	return q
}

// Enqueue appends item. If the queue is over capacity afterwards, the oldest
// item is evicted and handed to the drop handler.
//
// Returns false if the queue is flushing; the item is dropped in that case.
func (q *ConsumerQueue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	if q.flushing.Canceled() {
		q.mu.Unlock()
		q.drop(item)
		return false
	}

	var (
		evicted    T
		hasEvicted bool
	)
	if q.n == len(q.buf) {
		evicted, hasEvicted = q.popLocked(), true
	}
	q.pushLocked(item)
	q.enqueued.Add(1)
	q.notEmpty.Signal()
	q.mu.Unlock()

	if hasEvicted {
		q.drop(evicted)
	}
	return true
}

// BlockingEnqueue waits until there is room for item or the queue starts
// flushing. Returns false (and drops item) if the queue is flushing.
func (q *ConsumerQueue[T]) BlockingEnqueue(item T) bool {
	q.mu.Lock()
	for q.n == len(q.buf) && !q.flushing.Canceled() {
		q.notFull.Wait()
	}
	if q.flushing.Canceled() {
		q.mu.Unlock()
		q.drop(item)
		return false
	}

	q.pushLocked(item)
	q.enqueued.Add(1)
	q.notEmpty.Signal()
	q.mu.Unlock()
	return true
}

// Dequeue waits up to timeout for an item.
// Returns false on timeout or when the queue is flushing and empty.
func (q *ConsumerQueue[T]) Dequeue(timeout time.Duration) (T, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.n == 0 {
		if q.flushing.Canceled() || !time.Now().Before(deadline) {
			var zero T
			return zero, false
		}
		q.notEmpty.Wait()
	}
	return q.takeLocked(), true
}

// TryDequeue returns the oldest item without waiting.
func (q *ConsumerQueue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		var zero T
		return zero, false
	}
	return q.takeLocked(), true
}

// Peek returns the oldest item without removing it.
// The value is borrowed: it still belongs to the queue.
func (q *ConsumerQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		var zero T
		return zero, false
	}
	return q.buf[q.head], true
}

// Clear enters the flushing state, wakes every waiter and drops all queued
// items. Enqueue and BlockingEnqueue refuse items until Start is called.
func (q *ConsumerQueue[T]) Clear() {
	q.flushing.Cancel()

	q.mu.Lock()
	drained := make([]T, 0, q.n)
	for q.n > 0 {
		drained = append(drained, q.popLocked())
	}
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, item := range drained {
		q.drop(item)
	}
}

// Start leaves the flushing state entered by Clear.
func (q *ConsumerQueue[T]) Start() {
	q.flushing.Reset()
}

// Flushing reports whether the queue is between Clear and Start.
func (q *ConsumerQueue[T]) Flushing() bool {
	return q.flushing.Canceled()
}

// Len returns the number of queued items.
func (q *ConsumerQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Empty reports whether the queue holds no items.
func (q *ConsumerQueue[T]) Empty() bool {
	return q.Len() == 0
}

// Cap returns the capacity.
func (q *ConsumerQueue[T]) Cap() int {
	return len(q.buf)
}

// Stats returns a counters snapshot.
func (q *ConsumerQueue[T]) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Dropped:  q.dropped.Load(),
		Len:      q.Len(),
		Capacity: len(q.buf),
	}
}

func (q *ConsumerQueue[T]) pushLocked(item T) {
	tail := (q.head + q.n) % len(q.buf)
	q.buf[tail] = item
	q.n++
}

func (q *ConsumerQueue[T]) popLocked() T {
	var zero T
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return item
}

// takeLocked pops for a consumer and wakes one blocked producer.
func (q *ConsumerQueue[T]) takeLocked() T {
	item := q.popLocked()
	q.dequeued.Add(1)
	q.notFull.Signal()
	return item
}

func (q *ConsumerQueue[T]) drop(item T) {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop(item)
	}
}
