package framesync

import (
	"testing"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
)

func TestEquivalentTimestamps(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		fps  float64
		want bool
	}{
		{"30fps 10ms apart", 100, 110, 30, true},
		{"30fps 20ms apart", 100, 120, 30, false},
		{"10fps 40ms apart", 100, 140, 10, true},
		{"10fps exactly half period", 100, 150, 10, false},
		{"unknown fps uses default", 0, 16, 0, true},
		{"order does not matter", 110, 100, 30, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EquivalentTimestamps(tt.a, tt.b, tt.fps); got != tt.want {
				t.Errorf("EquivalentTimestamps(%v, %v, %v) = %v, want %v", tt.a, tt.b, tt.fps, got, tt.want)
			}
		})
	}
}

func TestTimestampStrategyUsesSlowerStream(t *testing.T) {
	h := newHarness(t)
	fast := h.ctx.NewStream(frame.StreamLeft, 0, 30, "fast")
	slow := h.ctx.NewStream(frame.StreamRight, 0, 10, "slow")

	a := h.frame(fast, 100, 0)
	b := h.frame(slow, 140, 0)
	defer a.Release()
	defer b.Release()

	s := TimestampStrategy{}
	if !s.Equivalent(a.Frame(), b.Frame()) {
		t.Error("Equivalent() = false for 40ms at min fps 10")
	}
	if !s.LessThan(a.Frame(), b.Frame()) || s.LessThan(b.Frame(), a.Frame()) {
		t.Error("LessThan() does not order by timestamp")
	}
}

func TestTimestampSkipMissingStream(t *testing.T) {
	h := newHarness(t)
	stream := h.ctx.NewStream(frame.StreamLeft, 0, 30, "left")
	s := TimestampStrategy{}

	tests := []struct {
		name    string
		ts      float64
		missing StreamState
		want    bool
	}{
		{"inactive stream is skipped", 500, StreamState{Active: false}, true},
		{"domain mismatch waits", 500, StreamState{Active: true, Arrived: true, NextExpected: 0, NextExpectedDomain: frame.DomainSystem}, false},
		{"expected frame is due", 100, StreamState{Active: true, Arrived: true, NextExpected: 100}, false},
		{"slightly late stream is awaited", 150, StreamState{Active: true, Arrived: true, NextExpected: 100}, false},
		{"synced frame before next expected", 33, StreamState{Active: true, Arrived: true, NextExpected: 66}, true},
		{"stream far behind is skipped", 1000, StreamState{Active: true, Arrived: true, NextExpected: 100}, true},
		{"never arrived stream is awaited", 1_000_000, StreamState{Active: true, FPS: 30, Waited: 100}, false},
		{"never arrived stream is given up", 1_000_000, StreamState{Active: true, FPS: 30, Waited: 200}, true},
		{"never arrived stream of unknown rate", 1_000_000, StreamState{Active: true, Waited: 400}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := h.frame(stream, tt.ts, 0)
			defer f.Release()
			if got := s.SkipMissingStream(f.Frame(), tt.missing); got != tt.want {
				t.Errorf("SkipMissingStream() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameNumberStrategy(t *testing.T) {
	h := newHarness(t)
	stream := h.ctx.NewStream(frame.StreamLeft, 0, 30, "left")
	s := FrameNumberStrategy{}

	a := h.frame(stream, 0, 7)
	b := h.frame(stream, 50, 7)
	c := h.frame(stream, 0, 8)
	defer a.Release()
	defer b.Release()
	defer c.Release()

	if !s.Equivalent(a.Frame(), b.Frame()) {
		t.Error("same index not equivalent")
	}
	if s.Equivalent(a.Frame(), c.Frame()) || !s.LessThan(a.Frame(), c.Frame()) {
		t.Error("different index misordered")
	}
	if s.SkipMissingStream(a.Frame(), StreamState{Active: true}) {
		t.Error("active stream skipped")
	}
	if !s.SkipMissingStream(a.Frame(), StreamState{Active: false}) {
		t.Error("inactive stream not skipped")
	}
}
