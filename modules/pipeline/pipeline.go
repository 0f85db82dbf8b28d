// Package pipeline wires devices, the syncer and the aggregator into one
// object with a polling API.
//
// Data flow:
//
//	Device ──▶ capture Source ──▶ Syncer (matcher tree) ──▶ Aggregator ──▶ WaitForFrames
//	   │                                                        ▲
//	   └── Watchdog (kicked per frame, resyncs the device) ─────┘ (no frames → failure)
//
// A Device is the transport boundary: it allocates frames from the capture
// source handed to Start and pushes them into the sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/dispatch"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/framesync"
)

var (
	ErrInvalidConfig  = errors.New("pipeline: invalid config")
	ErrNoDevices      = errors.New("pipeline: no devices registered")
	ErrAlreadyStarted = errors.New("pipeline: already started")
	ErrNotStarted     = errors.New("pipeline: not started")
	ErrTimeout        = errors.New("pipeline: timed out waiting for frames")
)

// Sink receives frames from a device. It takes ownership of the holder.
type Sink func(h frame.Holder)

// Device produces frames for a set of streams.
type Device interface {
	Name() string
	Streams() []*frame.Stream

	// Start begins streaming. Frames are allocated from src and handed to
	// sink from the device's own goroutines.
	Start(src *frame.Source, sink Sink) error

	// Stop ends streaming. No sink call may happen after Stop returns.
	Stop() error
}

// Strategy names accepted in Config.
const (
	StrategyTimestamp   = "timestamp"
	StrategyFrameNumber = "frame_number"
	StrategyNone        = "none"
)

// Config configures a Pipeline.
type Config struct {
	Capture            frame.SourceConfig
	Sync               framesync.SyncerConfig
	Strategy           string // StrategyTimestamp (default), StrategyFrameNumber or StrategyNone
	AggregatorCapacity int

	// WatchdogTimeout is how long a device may stay silent before it is
	// resynchronized. 0 disables the watchdog.
	WatchdogTimeout time.Duration
	Backoff         dispatch.BackoffConfig
}

// DefaultConfig returns the configuration used by New when cfg is zero.
func DefaultConfig() Config {
	return Config{
		Capture:            frame.SourceConfig{PoolCapacity: frame.DefaultPoolCapacity, MaxPublished: 16},
		Strategy:           StrategyTimestamp,
		AggregatorCapacity: framesync.DefaultAggregatorCapacity,
		WatchdogTimeout:    2 * time.Second,
		Backoff:            dispatch.DefaultBackoffConfig(),
	}
}

// Option configures optional Pipeline behavior.
type Option func(*Pipeline)

// WithFrameObserver registers fn to see every captured frame before it
// enters the syncer. fn must not retain the frame without Acquire.
func WithFrameObserver(fn func(*frame.Frame)) Option {
	return func(p *Pipeline) {
		p.observers = append(p.observers, fn)
	}
}

// Pipeline runs registered devices and exposes synchronized frame sets.
//
// Thread-safety: all methods are safe for concurrent use.
type Pipeline struct {
	cfg       Config
	ctx       *frame.Context
	capture   *frame.Source
	observers []func(*frame.Frame)

	mu         sync.Mutex
	devices    []*deviceEntry
	syncer     *framesync.Syncer
	aggregator *framesync.Aggregator
	cancel     context.CancelFunc
	running    bool
	started    time.Time
}

// New validates cfg and creates a pipeline.
func New(ctx *frame.Context, cfg Config, opts ...Option) (*Pipeline, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: nil frame context", ErrInvalidConfig)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:     cfg,
		ctx:     ctx,
		capture: frame.NewSource(ctx, cfg.Capture),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func validate(cfg *Config) error {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	switch cfg.Strategy {
	case StrategyTimestamp, StrategyFrameNumber, StrategyNone:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
	if cfg.Capture.MaxPublished < 0 {
		return fmt.Errorf("%w: max published must be >= 0, got %d", ErrInvalidConfig, cfg.Capture.MaxPublished)
	}
	if cfg.WatchdogTimeout < 0 {
		return fmt.Errorf("%w: watchdog timeout must be >= 0, got %v", ErrInvalidConfig, cfg.WatchdogTimeout)
	}
	if cfg.AggregatorCapacity <= 0 {
		cfg.AggregatorCapacity = def.AggregatorCapacity
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff = def.Backoff
	}
	return nil
}

// Context returns the frame context shared by the pipeline.
func (p *Pipeline) Context() *frame.Context {
	return p.ctx
}

// AddDevice registers dev. Devices can only be added while stopped.
func (p *Pipeline) AddDevice(dev Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyStarted
	}
	p.devices = append(p.devices, &deviceEntry{dev: dev})
	return nil
}

// Streams returns the streams of every registered device.
func (p *Pipeline) Streams() []*frame.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()

	var streams []*frame.Stream
	for _, d := range p.devices {
		streams = append(streams, d.dev.Streams()...)
	}
	return streams
}

func (p *Pipeline) buildRoot(streams []*frame.Stream) *framesync.Matcher {
	var strategy framesync.Strategy
	switch p.cfg.Strategy {
	case StrategyNone:
		return framesync.NewCompositeIdentity()
	case StrategyFrameNumber:
		strategy = framesync.FrameNumberStrategy{}
	default:
		strategy = framesync.TimestampStrategy{}
	}

	children := make([]*framesync.Matcher, 0, len(streams))
	for _, s := range streams {
		children = append(children, framesync.NewIdentity(s))
	}
	return framesync.NewComposite(strategy, children, nil)
}

// Start builds the matcher tree for the registered streams and starts every
// device. If a device fails to start, the ones already started are stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyStarted
	}
	if len(p.devices) == 0 {
		return ErrNoDevices
	}

	var ids []int
	var streams []*frame.Stream
	for _, d := range p.devices {
		for _, s := range d.dev.Streams() {
			streams = append(streams, s)
			ids = append(ids, s.UniqueID)
		}
	}

	p.syncer = framesync.NewSyncer(p.ctx, p.buildRoot(streams), p.cfg.Sync)
	p.aggregator = framesync.NewAggregator(p.syncer.Source(), nil, ids, p.cfg.AggregatorCapacity)
	p.syncer.SetCallback(p.aggregator.Callback())
	p.syncer.Start()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i, d := range p.devices {
		d.pipeline = p
		d.ctx = runCtx
		if err := d.start(); err != nil {
			for _, started := range p.devices[:i] {
				started.stop()
			}
			cancel()
			p.syncer.Close()
			return fmt.Errorf("pipeline: start device %q: %w", d.dev.Name(), err)
		}
	}

	p.running = true
	p.started = time.Now()
	slog.Info("pipeline: started",
		"devices", len(p.devices),
		"streams", len(streams),
		"strategy", p.cfg.Strategy,
		"session", p.ctx.ID.String(),
	)
	return nil
}

func (p *Pipeline) sink(d *deviceEntry) Sink {
	syncer := p.syncer
	return func(h frame.Holder) {
		f := h.Frame()
		if f == nil {
			return
		}
		d.frames.Add(1)
		if d.watchdog != nil {
			d.watchdog.Kick()
		}
		for _, obs := range p.observers {
			obs(f)
		}
		syncer.Invoke(h)
	}
}

// WaitForFrames blocks until a synchronized set is available or timeout
// elapses. The caller owns the returned holder.
func (p *Pipeline) WaitForFrames(timeout time.Duration) (frame.Holder, error) {
	agg, err := p.currentAggregator()
	if err != nil {
		return frame.Holder{}, err
	}
	h, ok := agg.Dequeue(timeout)
	if !ok {
		return frame.Holder{}, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
	return h, nil
}

// PollForFrames returns a synchronized set if one is ready.
func (p *Pipeline) PollForFrames() (frame.Holder, bool) {
	agg, err := p.currentAggregator()
	if err != nil {
		return frame.Holder{}, false
	}
	return agg.TryDequeue()
}

func (p *Pipeline) currentAggregator() (*framesync.Aggregator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrNotStarted
	}
	return p.aggregator, nil
}

// Stop stops every device and drops pending frames. The pipeline can be
// started again.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNotStarted
	}
	p.running = false
	p.cancel()

	var errs []error
	for _, d := range p.devices {
		if err := d.stop(); err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", d.dev.Name(), err))
		}
	}

	p.aggregator.Stop()
	p.syncer.Close()

	slog.Info("pipeline: stopped",
		"uptime", time.Since(p.started).Round(time.Millisecond),
	)
	return errors.Join(errs...)
}

// Close stops the pipeline if running, releases the watchdogs and flushes
// the capture source.
func (p *Pipeline) Close() error {
	err := p.Stop()
	if errors.Is(err, ErrNotStarted) {
		err = nil
	}

	p.mu.Lock()
	for _, d := range p.devices {
		if d.watchdog != nil {
			d.watchdog.Close()
			d.watchdog = nil
		}
	}
	p.mu.Unlock()

	p.capture.Flush()
	return err
}

// Running reports whether the pipeline is started.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats is a snapshot of the pipeline.
type Stats struct {
	Running    bool
	Uptime     time.Duration
	Devices    []DeviceStats
	Capture    frame.SourceStats
	Sync       framesync.SyncerStats
	Aggregator framesync.AggregatorStats
}

// Stats returns a snapshot. Sync and Aggregator are zero while stopped.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	running := p.running
	syncer, agg := p.syncer, p.aggregator
	devices := make([]DeviceStats, 0, len(p.devices))
	for _, d := range p.devices {
		devices = append(devices, d.stats())
	}
	started := p.started
	p.mu.Unlock()

	st := Stats{
		Running: running,
		Devices: devices,
		Capture: p.capture.Stats(),
	}
	if running {
		st.Uptime = time.Since(started)
		st.Sync = syncer.Stats()
		st.Aggregator = agg.Stats()
	}
	return st
}

// DeviceStats is a snapshot of one registered device.
type DeviceStats struct {
	Name             string
	Frames           uint64
	Resyncs          uint64
	ResyncFailures   uint64
	WatchdogFailures uint64
}

// deviceEntry tracks one registered device.
type deviceEntry struct {
	dev      Device
	pipeline *Pipeline
	ctx      context.Context
	sink     Sink
	watchdog *dispatch.Watchdog
	retry    dispatch.RetryState

	frames         atomic.Uint64
	resyncs        atomic.Uint64
	resyncFailures atomic.Uint64
}

func (d *deviceEntry) start() error {
	p := d.pipeline
	if p.cfg.WatchdogTimeout > 0 && d.watchdog == nil {
		d.watchdog = dispatch.NewWatchdog("watchdog:"+d.dev.Name(), p.cfg.WatchdogTimeout, d.resync)
	}
	d.sink = p.sink(d)

	if err := d.dev.Start(p.capture, d.sink); err != nil {
		return err
	}
	if d.watchdog != nil {
		d.watchdog.SetTimeout(p.cfg.WatchdogTimeout)
		d.watchdog.Start()
	}
	return nil
}

func (d *deviceEntry) stop() error {
	if d.watchdog != nil {
		d.watchdog.Stop()
	}
	return d.dev.Stop()
}

// resync runs on the watchdog goroutine when the device went silent.
func (d *deviceEntry) resync() {
	p := d.pipeline
	slog.Warn("pipeline: device stopped delivering frames, resyncing",
		"device", d.dev.Name(),
		"timeout", p.cfg.WatchdogTimeout,
	)

	err := dispatch.RetryWithBackoff(d.ctx, func(ctx context.Context) error {
		if err := d.dev.Stop(); err != nil {
			slog.Debug("pipeline: stop before resync failed", "device", d.dev.Name(), "error", err)
		}
		return d.dev.Start(p.capture, d.sink)
	}, p.cfg.Backoff, &d.retry)

	if err != nil {
		d.resyncFailures.Add(1)
		if !errors.Is(err, context.Canceled) {
			slog.Error("pipeline: device resync failed",
				"device", d.dev.Name(),
				"error", err,
			)
		}
		return
	}
	d.resyncs.Add(1)
	slog.Info("pipeline: device resynced", "device", d.dev.Name())
}

func (d *deviceEntry) stats() DeviceStats {
	st := DeviceStats{
		Name:           d.dev.Name(),
		Frames:         d.frames.Load(),
		Resyncs:        d.resyncs.Load(),
		ResyncFailures: d.resyncFailures.Load(),
	}
	if d.watchdog != nil {
		st.WatchdogFailures = d.watchdog.Failures()
	}
	return st
}
