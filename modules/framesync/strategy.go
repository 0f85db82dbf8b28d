package framesync

import (
	"math"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
)

// DefaultFPS is assumed for frames whose rate is unknown.
const DefaultFPS = 30.0

// missingStreamWindow is how many frame periods a composite keeps waiting
// for a stream that is late but still expected.
const missingStreamWindow = 10

// StreamState is what a composite matcher knows about one of its inputs.
type StreamState struct {
	Stream             *frame.Stream
	Active             bool
	Arrived            bool    // NextExpected is valid
	NextExpected       float64 // Timestamp (ms) the next frame should carry
	NextExpectedDomain frame.TimestampDomain
	FPS                float64
	Waited             float64 // ms since the composite saw its first frame
}

// Strategy decides which frames of different streams belong together.
type Strategy interface {
	Name() string

	// Equivalent reports whether a and b belong to the same set.
	Equivalent(a, b *frame.Frame) bool

	// LessThan reports whether a is older than b.
	LessThan(a, b *frame.Frame) bool

	// SkipMissingStream reports whether a set led by synced may be emitted
	// without a frame from missing.
	SkipMissingStream(synced *frame.Frame, missing StreamState) bool
}

// TimestampStrategy matches frames whose timestamps lie within half a frame
// period of each other.
type TimestampStrategy struct{}

func (TimestampStrategy) Name() string { return "timestamp" }

// Equivalent uses the period of the slower of the two streams.
func (TimestampStrategy) Equivalent(a, b *frame.Frame) bool {
	return EquivalentTimestamps(a.Timestamp(), b.Timestamp(), min(fpsOf(a), fpsOf(b)))
}

func (TimestampStrategy) LessThan(a, b *frame.Frame) bool {
	return a.Timestamp() < b.Timestamp()
}

// SkipMissingStream waits for a missing stream while its next frame is due
// within a few periods, and gives up on it once the synced frame has moved
// past the expected timestamp. A stream that never delivered is awaited for
// as long as it would take to be declared inactive.
func (TimestampStrategy) SkipMissingStream(synced *frame.Frame, missing StreamState) bool {
	if !missing.Active {
		return true
	}
	if !missing.Arrived {
		return missing.Waited > inactivityThreshold(missing.FPS)
	}
	if missing.NextExpectedDomain != synced.Ext.Domain {
		return false
	}

	fps := fpsOf(synced)
	gap := 1000 / fps
	ts := synced.Timestamp()
	if ts > missing.NextExpected && math.Abs(ts-missing.NextExpected) < gap*missingStreamWindow {
		return false
	}
	return !EquivalentTimestamps(ts, missing.NextExpected, fps)
}

// EquivalentTimestamps reports whether |a-b| is strictly below half the
// frame period at fps.
func EquivalentTimestamps(a, b, fps float64) bool {
	if fps <= 0 {
		fps = DefaultFPS
	}
	gap := 1000 / fps
	return math.Abs(a-b) < gap/2
}

// FrameNumberStrategy matches frames carrying the same device frame index.
// Used for streams produced by one sensor readout.
type FrameNumberStrategy struct{}

func (FrameNumberStrategy) Name() string { return "frame_number" }

func (FrameNumberStrategy) Equivalent(a, b *frame.Frame) bool {
	return a.Ext.Index == b.Ext.Index
}

func (FrameNumberStrategy) LessThan(a, b *frame.Frame) bool {
	return a.Ext.Index < b.Ext.Index
}

func (FrameNumberStrategy) SkipMissingStream(_ *frame.Frame, missing StreamState) bool {
	return !missing.Active
}

func fpsOf(f *frame.Frame) float64 {
	if fps := f.FPS(); fps > 0 {
		return fps
	}
	return DefaultFPS
}
