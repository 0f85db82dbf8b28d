package framesync

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/queue"
)

const (
	// DefaultAggregatorCapacity bounds completed sets awaiting a reader.
	DefaultAggregatorCapacity = 250

	// stoppedBackoff throttles producers feeding a stopped aggregator.
	stoppedBackoff = 10 * time.Millisecond
)

// AggregatorStats is a snapshot of an Aggregator.
type AggregatorStats struct {
	Handled   uint64
	Completed uint64
	Rejected  uint64 // Frames released because the aggregator was stopped
	Waiting   int    // Streams holding a frame for the next set
	Queue     queue.Stats
}

// Aggregator collects the latest frame of each stream and, once every
// required stream is present, publishes them as one composite for a polling
// reader (WaitForFrames style APIs).
//
// Single frames complete a set when all streamsToAggregate are present.
// Composites (already synchronized) complete one when all streamsToSync are.
//
// Thread-safety: all methods are safe for concurrent use.
type Aggregator struct {
	source *frame.Source

	mu          sync.Mutex
	lastSet     map[int]frame.Holder
	toAggregate []int
	toSync      []int

	output    *queue.ConsumerQueue[frame.Holder]
	accepting atomic.Bool

	handled   atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
}

// NewAggregator creates a started aggregator. source allocates the output
// composites.
func NewAggregator(source *frame.Source, streamsToAggregate, streamsToSync []int, capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultAggregatorCapacity
	}
	a := &Aggregator{
		source:      source,
		lastSet:     make(map[int]frame.Holder),
		toAggregate: append([]int(nil), streamsToAggregate...),
		toSync:      append([]int(nil), streamsToSync...),
		output:      queue.New[frame.Holder](capacity, queue.WithDropHandler(frame.ReleaseHolder)),
	}
	a.accepting.Store(true)
	return a
}

// SetStreams replaces the stream id sets. Frames already collected stay.
func (a *Aggregator) SetStreams(streamsToAggregate, streamsToSync []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toAggregate = append([]int(nil), streamsToAggregate...)
	a.toSync = append([]int(nil), streamsToSync...)
}

// HandleFrame records h and publishes a set when it completes one.
// The aggregator takes ownership of h.
func (a *Aggregator) HandleFrame(h frame.Holder) {
	if !h.Valid() {
		return
	}
	if !a.accepting.Load() {
		a.rejected.Add(1)
		time.Sleep(stoppedBackoff)
		h.Release()
		return
	}
	a.handled.Add(1)

	a.mu.Lock()
	f := h.Frame()
	var required []int
	if f.IsComposite() {
		for _, c := range f.Children() {
			a.record(frame.Acquire(c))
		}
		h.Release()
		required = a.toSync
	} else {
		a.record(h.Move())
		required = a.toAggregate
	}

	for _, id := range required {
		if _, ok := a.lastSet[id]; !ok {
			a.mu.Unlock()
			return
		}
	}

	ids := make([]int, 0, len(a.lastSet))
	for id := range a.lastSet {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	set := make([]frame.Holder, 0, len(ids))
	for _, id := range ids {
		held := a.lastSet[id]
		set = append(set, held.Move())
		delete(a.lastSet, id)
	}
	a.mu.Unlock()

	comp := a.source.AllocComposite(set)
	if comp == nil {
		return
	}
	a.completed.Add(1)
	a.output.Enqueue(frame.Wrap(comp))
}

// Callback adapts the aggregator to frame.Callback.
func (a *Aggregator) Callback() frame.Callback {
	return func(f *frame.Frame) {
		a.HandleFrame(frame.Acquire(f))
	}
}

// record replaces the frame held for the stream. Caller holds a.mu.
func (a *Aggregator) record(h frame.Holder) {
	id := h.Frame().Stream.UniqueID
	if prev, ok := a.lastSet[id]; ok {
		prev.Release()
	}
	a.lastSet[id] = h
}

// Dequeue waits up to timeout for a completed set.
func (a *Aggregator) Dequeue(timeout time.Duration) (frame.Holder, bool) {
	return a.output.Dequeue(timeout)
}

// TryDequeue returns a completed set without waiting.
func (a *Aggregator) TryDequeue() (frame.Holder, bool) {
	return a.output.TryDequeue()
}

// Stop rejects new frames and drops everything collected or queued.
func (a *Aggregator) Stop() {
	a.accepting.Store(false)
	a.output.Clear()

	a.mu.Lock()
	for id, h := range a.lastSet {
		h.Release()
		delete(a.lastSet, id)
	}
	a.mu.Unlock()
}

// Start accepts frames again after Stop.
func (a *Aggregator) Start() {
	a.output.Start()
	a.accepting.Store(true)
}

// Stats returns a snapshot.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	waiting := len(a.lastSet)
	a.mu.Unlock()

	return AggregatorStats{
		Handled:   a.handled.Load(),
		Completed: a.completed.Load(),
		Rejected:  a.rejected.Load(),
		Waiting:   waiting,
		Queue:     a.output.Stats(),
	}
}
