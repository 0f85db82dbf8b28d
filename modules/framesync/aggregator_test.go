package framesync

import (
	"testing"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
)

func TestAggregatorWaitsForEveryStream(t *testing.T) {
	h := newHarness(t)
	a := h.ctx.NewStream(frame.StreamLeft, 0, 30, "A")
	b := h.ctx.NewStream(frame.StreamRight, 0, 30, "B")

	agg := NewAggregator(h.output, []int{a.UniqueID, b.UniqueID}, nil, 0)

	agg.HandleFrame(h.frame(a, 0, 1))
	agg.HandleFrame(h.frame(a, 33, 2))
	if _, ok := agg.TryDequeue(); ok {
		t.Fatal("set published before B arrived")
	}
	if got := h.capture.Archive(frame.KindVideo).Stats().InUse; got != 1 {
		t.Errorf("replaced frame not released: InUse = %d, want 1", got)
	}

	agg.HandleFrame(h.frame(b, 40, 1))
	set, ok := agg.Dequeue(time.Second)
	if !ok {
		t.Fatal("Dequeue() timed out after every stream arrived")
	}

	f := set.Frame()
	if f.Len() != 2 || f.Children()[0].Stream != a || f.Children()[1].Stream != b {
		t.Fatalf("set children not ordered by stream id")
	}
	if f.Children()[0].Ext.Index != 2 {
		t.Errorf("set holds A index %d, want latest 2", f.Children()[0].Ext.Index)
	}
	set.Release()

	if st := agg.Stats(); st.Completed != 1 || st.Waiting != 0 {
		t.Errorf("Stats() = %+v", st)
	}
	h.leaks()
}

func TestAggregatorAcceptsSyncedComposites(t *testing.T) {
	h := newHarness(t)
	a := h.ctx.NewStream(frame.StreamLeft, 0, 30, "A")
	b := h.ctx.NewStream(frame.StreamRight, 0, 30, "B")

	agg := NewAggregator(h.output, nil, []int{a.UniqueID, b.UniqueID}, 0)

	comp := h.output.AllocComposite([]frame.Holder{h.frame(a, 0, 0), h.frame(b, 0, 0)})
	agg.Callback()(comp)
	comp.Release()

	set, ok := agg.TryDequeue()
	if !ok {
		t.Fatal("synced composite did not complete a set")
	}
	if set.Frame().Len() != 2 {
		t.Errorf("set has %d frames, want 2", set.Frame().Len())
	}
	set.Release()
	h.leaks()
}

func TestAggregatorStopRejects(t *testing.T) {
	h := newHarness(t)
	a := h.ctx.NewStream(frame.StreamLeft, 0, 30, "A")
	b := h.ctx.NewStream(frame.StreamRight, 0, 30, "B")

	agg := NewAggregator(h.output, []int{a.UniqueID, b.UniqueID}, nil, 0)
	agg.HandleFrame(h.frame(a, 0, 0))
	agg.Stop()

	start := time.Now()
	agg.HandleFrame(h.frame(b, 0, 0))
	if elapsed := time.Since(start); elapsed < stoppedBackoff {
		t.Errorf("rejected frame returned after %v, want backoff", elapsed)
	}
	if _, ok := agg.Dequeue(10 * time.Millisecond); ok {
		t.Fatal("Dequeue() returned a set while stopped")
	}
	if st := agg.Stats(); st.Rejected != 1 || st.Waiting != 0 {
		t.Errorf("Stats() = %+v", st)
	}
	h.leaks()

	agg.Start()
	agg.HandleFrame(h.frame(a, 0, 0))
	agg.HandleFrame(h.frame(b, 0, 0))
	set, ok := agg.TryDequeue()
	if !ok {
		t.Fatal("no set after Start()")
	}
	set.Release()
	h.leaks()
}
