package frame

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFlushTimeout bounds Source.Flush.
const DefaultFlushTimeout = 5 * time.Second

// Callback receives every frame a Source delivers. The frame is valid until
// the callback returns; call Acquire (or Keep for long holds) to retain it.
type Callback func(f *Frame)

// SourceConfig sizes the archives of a Source.
type SourceConfig struct {
	PoolCapacity int // Pool slots per kind (default: DefaultPoolCapacity)
	MaxPublished int // Backpressure bound per kind, 0 = unbounded
}

// SourceStats is a snapshot of a Source.
type SourceStats struct {
	Archives       []ArchiveStats
	Delivered      uint64
	Dropped        uint64 // Frames invoked with no callback set
	CallbackPanics uint64
}

// Source owns one archive per frame kind and delivers frames to a user
// callback.
//
// Thread-safety: all methods are safe for concurrent use. The callback runs
// on whichever goroutine calls Invoke.
type Source struct {
	ctx      *Context
	archives [numKinds]*Archive

	mu       sync.RWMutex
	callback Callback

	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// NewSource creates a source with one archive per kind.
func NewSource(ctx *Context, cfg SourceConfig) *Source {
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = DefaultPoolCapacity
	}
	s := &Source{ctx: ctx}
	for _, k := range Kinds {
		s.archives[k] = NewArchive(k, cfg.PoolCapacity, cfg.MaxPublished)
	}
	return s
}

// Context returns the context the source was created with.
func (s *Source) Context() *Context {
	return s.ctx
}

// Archive returns the archive for kind.
func (s *Source) Archive(kind Kind) *Archive {
	if !kind.Valid() {
		return nil
	}
	return s.archives[kind]
}

// SetCallback installs cb. A nil callback makes Invoke release frames
// unseen.
func (s *Source) SetCallback(cb Callback) {
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
}

// Callback returns the installed callback.
func (s *Source) Callback() Callback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callback
}

// SetMaxPublished sets the backpressure bound of every archive.
func (s *Source) SetMaxPublished(n int) {
	for _, a := range s.archives {
		a.SetMaxPublished(n)
	}
}

// AllocFrame publishes a frame of kind for stream. With needsBacking the
// frame gets a zeroed Data buffer of size bytes; otherwise the caller
// attaches its own buffer.
//
// The metadata blob in ext is decoded once here. Returns nil under
// backpressure or after Flush; the caller drops the sample.
func (s *Source) AllocFrame(kind Kind, stream *Stream, size int, ext Extension, needsBacking bool) *Frame {
	a := s.Archive(kind)
	if a == nil {
		panic("frame: alloc of invalid kind " + kind.String())
	}
	f := a.publish()
	if f == nil {
		return nil
	}

	f.Stream = stream
	f.Ext = ext
	if needsBacking && size > 0 {
		f.Data = make([]byte, size)
	}
	if len(ext.Metadata) > 0 {
		meta, err := DecodeMetadata(ext.Metadata)
		if err != nil {
			slog.Warn("frame: dropping metadata",
				"stream", stream.String(),
				"index", ext.Index,
				"error", err,
			)
		}
		f.meta = meta
	}
	return f
}

// AllocComposite builds a composite owning the given holders, in order.
// Composite holders are flattened: their children are shared into the new
// composite. The holders are consumed; on failure they are released.
// The composite takes its header and stream from the first child.
func (s *Source) AllocComposite(holders []Holder) *Frame {
	f := s.archives[KindComposite].publish()
	if f == nil {
		for i := range holders {
			holders[i].Release()
		}
		return nil
	}

	children := make([]*Frame, 0, len(holders))
	for i := range holders {
		h := holders[i].Move()
		if !h.Valid() {
			continue
		}
		if !h.Frame().IsComposite() {
			children = append(children, h.Frame())
			continue
		}
		for _, c := range h.Frame().Children() {
			c.Acquire()
			children = append(children, c)
		}
		h.Release()
	}

	f.children = children
	if len(children) > 0 {
		first := children[0]
		f.Ext = first.Ext
		f.Ext.Metadata = nil
		f.Stream = first.Stream
		for _, c := range children {
			if c.Ext.Blocking {
				f.Ext.Blocking = true
			}
		}
	}
	return f
}

// Invoke delivers h to the callback and releases it afterwards. A panicking
// callback is logged and does not propagate.
func (s *Source) Invoke(h Holder) {
	f := h.Frame()
	if f == nil {
		return
	}
	defer h.Release()

	cb := s.Callback()
	if cb == nil {
		s.dropped.Add(1)
		return
	}

	a := f.owner
	a.beginCallback()
	defer a.endCallback()

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			slog.Error("frame: user callback panicked",
				"kind", f.kind.String(),
				"stream", f.Stream.String(),
				"index", f.Ext.Index,
				"panic", r,
			)
		}
	}()

	cb(f)
	s.delivered.Add(1)
}

// Flush flushes every archive with DefaultFlushTimeout.
func (s *Source) Flush() bool {
	return s.FlushTimeout(DefaultFlushTimeout)
}

// FlushTimeout flushes every archive, sharing one deadline.
func (s *Source) FlushTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ok := true
	for _, a := range s.archives {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !a.Flush(remaining) {
			ok = false
		}
	}
	return ok
}

// Stats returns a snapshot of the source and its archives.
func (s *Source) Stats() SourceStats {
	st := SourceStats{
		Archives:       make([]ArchiveStats, 0, len(s.archives)),
		Delivered:      s.delivered.Load(),
		Dropped:        s.dropped.Load(),
		CallbackPanics: s.panics.Load(),
	}
	for _, a := range s.archives {
		st.Archives = append(st.Archives, a.Stats())
	}
	return st
}
