package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/dispatch"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/queue"
)

const (
	// DefaultInterval is the sampling period when none is configured.
	DefaultInterval = 5 * time.Second

	// DefaultBacklog bounds snapshots waiting for the publisher. The oldest
	// is dropped when a slow broker falls behind.
	DefaultBacklog = 8

	publishTimeout = 5 * time.Second
	publishPoll    = 100 * time.Millisecond
)

// Publisher delivers snapshots to an external sink.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
	Close() error
}

// EmitterStats reports emitter activity.
type EmitterStats struct {
	Sampled   uint64
	Published uint64
	Failures  uint64
	Backlog   queue.Stats
}

// Emitter samples a snapshot provider every interval and hands the samples
// to a publisher on a separate goroutine, so a stalled broker never delays
// sampling. A nil publisher keeps only the latest sample (for HTTP).
//
// Thread-safety: all methods are safe for concurrent use.
type Emitter struct {
	provider func() Snapshot
	sink     Publisher
	interval time.Duration

	backlog *queue.ConsumerQueue[Snapshot]
	sampler *dispatch.ActiveObject
	sender  *dispatch.ActiveObject

	latest    atomic.Pointer[Snapshot]
	sampled   atomic.Uint64
	published atomic.Uint64
	failures  atomic.Uint64
}

// NewEmitter creates a stopped emitter.
func NewEmitter(provider func() Snapshot, publisher Publisher, interval time.Duration) *Emitter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	e := &Emitter{
		provider: provider,
		sink:     publisher,
		interval: interval,
		backlog:  queue.New[Snapshot](DefaultBacklog),
	}
	e.sampler = dispatch.NewActiveObject("telemetry-sampler", e.sample)
	e.sender = dispatch.NewActiveObject("telemetry-publisher", e.send)
	return e
}

func (e *Emitter) sample(t *dispatch.CancellableTimer) {
	snap := e.provider()
	e.latest.Store(&snap)
	e.sampled.Add(1)
	if e.sink != nil {
		e.backlog.Enqueue(snap)
	}
	t.TrySleep(e.interval)
}

func (e *Emitter) send(t *dispatch.CancellableTimer) {
	snap, ok := e.backlog.Dequeue(publishPoll)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := e.sink.Publish(ctx, snap); err != nil {
		e.failures.Add(1)
		slog.Warn("telemetry: publish failed", "error", err, "session", snap.Session)
		return
	}
	e.published.Add(1)
}

// Start begins sampling. The first sample is taken immediately.
func (e *Emitter) Start() {
	e.backlog.Start()
	if e.sink != nil {
		e.sender.Start()
	}
	e.sampler.Start()
	slog.Info("telemetry: emitter started", "interval", e.interval, "publisher", e.sink != nil)
}

// Stop halts sampling and discards unpublished snapshots.
func (e *Emitter) Stop() {
	e.sampler.Stop()
	e.backlog.Clear()
	e.sender.Stop()
}

// Close stops the emitter and closes the publisher.
func (e *Emitter) Close() error {
	e.Stop()
	e.sampler.Close()
	e.sender.Close()
	if e.sink != nil {
		return e.sink.Close()
	}
	return nil
}

// Latest returns the most recent sample.
func (e *Emitter) Latest() (Snapshot, bool) {
	snap := e.latest.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// Stats returns emitter counters.
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Sampled:   e.sampled.Load(),
		Published: e.published.Load(),
		Failures:  e.failures.Load(),
		Backlog:   e.backlog.Stats(),
	}
}
