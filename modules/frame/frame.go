// Package frame implements reference-counted, pooled frames and the sources
// that allocate and deliver them.
//
// Lifecycle:
//
//	Source.AllocFrame ──▶ caller fills Data ──▶ Source.Invoke(holder)
//	        │                                          │
//	  Archive.publish (refs=1)               user Callback (may Acquire/Keep)
//	                                                   │
//	                     last Release ──▶ Archive.unpublish ──▶ pool slot free
//
// Every kind (video, disparity, motion, pose, record, composite) is the same
// Frame type. Composite frames own their children and release them when the
// composite itself is released.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

var (
	// ErrWrongKind is returned by kind-specific accessors.
	ErrWrongKind = errors.New("frame: wrong frame kind")

	// ErrShortPayload is returned when Data is too small for its header.
	ErrShortPayload = errors.New("frame: payload too short")
)

// Extension is the per-frame header filled by the capture side.
type Extension struct {
	Index      uint64          // Device frame counter
	Timestamp  float64         // Milliseconds, in Domain
	Domain     TimestampDomain // Clock that produced Timestamp
	SystemTime float64         // Host arrival time, milliseconds
	Blocking   bool            // Must not be dropped by lossy stages
	Metadata   []byte          // msgpack blob, at most MaxMetadataSize bytes
}

// VideoInfo describes the image layout of video and disparity frames.
type VideoInfo struct {
	Width  int
	Height int
	Stride int
	BPP    int
}

// Frame is a pooled, reference-counted frame.
//
// Thread-safety: reference counting is lock-free. Data and header fields are
// written by the allocating goroutine before Source.Invoke and are read-only
// afterwards.
type Frame struct {
	Data   []byte
	Ext    Extension
	Stream *Stream
	Video  VideoInfo

	// TraceID correlates a composite across log lines. Empty for plain frames.
	TraceID string

	meta     Metadata
	children []*Frame
	kind     Kind
	owner    *Archive
	refs     int32
	kept     int32
	fixed    bool
}

// Kind returns the frame kind.
func (f *Frame) Kind() Kind {
	return f.kind
}

// IsComposite reports whether f is a composite frame.
func (f *Frame) IsComposite() bool {
	return f.kind == KindComposite
}

// Children returns the frames of a composite, ordered as built.
// The slice is borrowed: callers must Acquire a child to keep it past
// the composite's release.
func (f *Frame) Children() []*Frame {
	return f.children
}

// Len returns 1 for a plain frame and the child count for a composite.
func (f *Frame) Len() int {
	if f.IsComposite() {
		return len(f.children)
	}
	return 1
}

// Metadata returns the decoded metadata, or nil.
func (f *Frame) Metadata() Metadata {
	return f.meta
}

// MetadataValue returns one metadata attribute.
func (f *Frame) MetadataValue(attr MetadataAttr) (int64, bool) {
	v, ok := f.meta[attr]
	return v, ok
}

// FPS returns the measured rate from metadata when present, else the
// stream's declared rate, else 0.
func (f *Frame) FPS() float64 {
	if v, ok := f.meta[MetaActualFPS]; ok && v > 0 {
		return float64(v) / 1000
	}
	if f.Stream != nil {
		return f.Stream.FPS
	}
	return 0
}

// Timestamp is shorthand for Ext.Timestamp.
func (f *Frame) Timestamp() float64 {
	return f.Ext.Timestamp
}

// Refs returns the current reference count.
func (f *Frame) Refs() int32 {
	return atomic.LoadInt32(&f.refs)
}

// Acquire adds a reference. Prefer the Holder helpers.
//
// Panics if the frame was already released.
func (f *Frame) Acquire() {
	if atomic.AddInt32(&f.refs, 1) <= 1 {
		atomic.AddInt32(&f.refs, -1)
		panic(fmt.Sprintf("frame: acquire of released %s frame %p", f.kind, f))
	}
}

// Release drops a reference. The last release returns the frame to its
// archive; f must not be touched afterwards.
//
// Panics if the frame has no references left.
func (f *Frame) Release() {
	n := atomic.AddInt32(&f.refs, -1)
	switch {
	case n == 0:
		f.owner.unpublish(f)
	case n < 0:
		panic(fmt.Sprintf("frame: release of %s frame %p with no references", f.kind, f))
	}
}

// Keep takes the frame out of its archive's backpressure accounting. Use it
// when a callback holds frames for a long time (recording, aggregation).
// Keep is idempotent.
func (f *Frame) Keep() {
	f.owner.keep(f)
}

// MotionSample is the payload of a motion frame.
type MotionSample struct {
	Accel [3]float32 // m/s^2
	Gyro  [3]float32 // rad/s
}

// MotionSampleSize is the encoded size of a MotionSample.
const MotionSampleSize = 24

// Motion decodes the payload of a motion frame.
func (f *Frame) Motion() (MotionSample, error) {
	var s MotionSample
	if f.kind != KindMotion {
		return s, fmt.Errorf("%w: %s is not motion", ErrWrongKind, f.kind)
	}
	if len(f.Data) < MotionSampleSize {
		return s, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(f.Data))
	}
	for i := 0; i < 3; i++ {
		s.Accel[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.Data[4*i:]))
		s.Gyro[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.Data[12+4*i:]))
	}
	return s, nil
}

// PutMotion encodes s into dst, which must hold MotionSampleSize bytes.
func PutMotion(dst []byte, s MotionSample) error {
	if len(dst) < MotionSampleSize {
		return fmt.Errorf("%w: %d bytes", ErrShortPayload, len(dst))
	}
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(s.Accel[i]))
		binary.LittleEndian.PutUint32(dst[12+4*i:], math.Float32bits(s.Gyro[i]))
	}
	return nil
}
