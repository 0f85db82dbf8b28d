package framesync

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/dispatch"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/queue"
)

const (
	// DefaultMatchesCapacity bounds matched sets waiting for delivery.
	DefaultMatchesCapacity = 10

	// DefaultDispatcherCapacity bounds pending delivery tasks.
	DefaultDispatcherCapacity = 10
)

// SyncerConfig sizes a Syncer.
type SyncerConfig struct {
	MatchesCapacity    int
	DispatcherCapacity int
	Source             frame.SourceConfig // Output composites
}

// SyncerStats is a snapshot of a Syncer.
type SyncerStats struct {
	Received  uint64
	Matched   uint64
	Pending   int // Frames waiting in matcher queues
	Matches   queue.Stats
	Delivery  dispatch.Stats
	Output    frame.SourceStats
	Root      string
	Stopped   bool
}

// Syncer is the top-level synchronization block. Capture goroutines Invoke
// frames; matched sets are delivered to the callback on the syncer's own
// dispatcher goroutine.
//
// Thread-safety: Invoke may be called from any number of goroutines.
// The callback runs on one goroutine.
type Syncer struct {
	mu   sync.Mutex
	root *Matcher
	env  *Env

	source     *frame.Source
	matches    *queue.ConsumerQueue[frame.Holder]
	dispatcher *dispatch.Dispatcher

	received atomic.Uint64
	matched  atomic.Uint64
}

// NewSyncer creates a stopped syncer around root. Call Start to deliver.
func NewSyncer(ctx *frame.Context, root *Matcher, cfg SyncerConfig) *Syncer {
	if cfg.MatchesCapacity <= 0 {
		cfg.MatchesCapacity = DefaultMatchesCapacity
	}
	if cfg.DispatcherCapacity <= 0 {
		cfg.DispatcherCapacity = DefaultDispatcherCapacity
	}

	s := &Syncer{
		root:       root,
		source:     frame.NewSource(ctx, cfg.Source),
		matches:    queue.New[frame.Holder](cfg.MatchesCapacity, queue.WithDropHandler(frame.ReleaseHolder)),
		dispatcher: dispatch.New("framesync", cfg.DispatcherCapacity),
	}
	s.env = &Env{Source: s.source, Clock: ctx.Clock()}
	root.emit = s.onMatch
	s.matches.Clear()
	return s
}

// SetCallback installs the callback receiving matched sets.
func (s *Syncer) SetCallback(cb frame.Callback) {
	s.source.SetCallback(cb)
}

// Source returns the source allocating output composites.
func (s *Syncer) Source() *frame.Source {
	return s.source
}

// Start begins delivery.
func (s *Syncer) Start() {
	s.matches.Start()
	s.dispatcher.Start()
}

// Invoke routes h through the matcher tree and schedules delivery. The
// syncer takes ownership of h.
func (s *Syncer) Invoke(h frame.Holder) {
	f := h.Frame()
	if f == nil {
		return
	}
	s.received.Add(1)
	blocking := f.Ext.Blocking

	s.mu.Lock()
	s.root.Dispatch(h, s.env)
	s.mu.Unlock()

	s.dispatcher.Invoke(s.deliver, blocking)
}

// onMatch runs under s.mu, called by the root matcher.
func (s *Syncer) onMatch(h frame.Holder, _ *Env) {
	f := h.Frame()
	if f.TraceID == "" {
		f.TraceID = uuid.NewString()
	}
	s.matched.Add(1)

	slog.Debug("framesync: matched set",
		"trace_id", f.TraceID,
		"frames", f.Len(),
		"timestamp", f.Timestamp(),
	)

	if f.Ext.Blocking {
		s.matches.BlockingEnqueue(h)
		return
	}
	s.matches.Enqueue(h)
}

func (s *Syncer) deliver(*dispatch.CancellableTimer) {
	for {
		h, ok := s.matches.TryDequeue()
		if !ok {
			return
		}
		s.source.Invoke(h)
	}
}

// Flush waits until every matched set queued so far was delivered.
func (s *Syncer) Flush() bool {
	return s.dispatcher.Flush()
}

// Stop halts delivery and drops every pending and matched frame.
func (s *Syncer) Stop() {
	s.dispatcher.Stop()
	s.matches.Clear()

	s.mu.Lock()
	s.root.Reset()
	s.mu.Unlock()
}

// Close stops the syncer, terminates its goroutine and flushes the output
// source.
func (s *Syncer) Close() {
	s.Stop()
	s.dispatcher.Close()
	s.source.Flush()
}

// Stats returns a snapshot.
func (s *Syncer) Stats() SyncerStats {
	s.mu.Lock()
	pending := s.root.Pending()
	name := s.root.Name()
	s.mu.Unlock()

	return SyncerStats{
		Received:  s.received.Load(),
		Matched:   s.matched.Load(),
		Pending:   pending,
		Matches:   s.matches.Stats(),
		Delivery:  s.dispatcher.Stats(),
		Output:    s.source.Stats(),
		Root:      name,
		Stopped:   s.dispatcher.Stopped(),
	}
}
