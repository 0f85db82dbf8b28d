package framesync

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
)

func TestSyncerDeliversMatchedSets(t *testing.T) {
	h := newHarness(t)
	a := h.ctx.NewStream(frame.StreamLeft, 0, 30, "A")
	b := h.ctx.NewStream(frame.StreamRight, 0, 30, "B")

	root := NewComposite(TimestampStrategy{}, []*Matcher{NewIdentity(a), NewIdentity(b)}, nil)
	s := NewSyncer(h.ctx, root, SyncerConfig{})
	defer s.Close()

	var (
		mu   sync.Mutex
		sets []string
		ids  = map[string]bool{}
	)
	s.SetCallback(func(f *frame.Frame) {
		var parts []string
		for _, c := range f.Children() {
			parts = append(parts, fmt.Sprintf("%s@%.0f", c.Stream.Name, c.Timestamp()))
		}
		mu.Lock()
		sets = append(sets, strings.Join(parts, "+"))
		ids[f.TraceID] = true
		mu.Unlock()
	})
	s.Start()

	for i := 0; i < 3; i++ {
		ts := float64(i) * 1000 / 30
		h.now = ts
		s.Invoke(h.frame(a, ts, uint64(i)))
		s.Invoke(h.frame(b, ts, uint64(i)))
	}
	if !s.Flush() {
		t.Fatal("Flush() = false")
	}

	mu.Lock()
	got := fmt.Sprint(sets)
	traces := len(ids)
	mu.Unlock()

	if want := "[A@0+B@0 A@33+B@33 A@67+B@67]"; got != want {
		t.Errorf("delivered %s, want %s", got, want)
	}
	if traces != 3 {
		t.Errorf("%d distinct trace ids, want 3", traces)
	}

	st := s.Stats()
	if st.Received != 6 || st.Matched != 3 {
		t.Errorf("Stats() received=%d matched=%d, want 6 and 3", st.Received, st.Matched)
	}
	if st.Output.Delivered != 3 {
		t.Errorf("Output.Delivered = %d, want 3", st.Output.Delivered)
	}
	h.leaks()
}

func TestSyncerCallbackRunsOffCaptureGoroutine(t *testing.T) {
	h := newHarness(t)
	a := h.ctx.NewStream(frame.StreamLeft, 0, 30, "A")

	s := NewSyncer(h.ctx, NewCompositeIdentity(), SyncerConfig{})
	defer s.Close()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s.SetCallback(func(*frame.Frame) {
		entered <- struct{}{}
		<-release
	})
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Invoke(h.frame(a, 0, 0))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Invoke() blocked on a slow callback")
	}
	<-entered
	close(release)
	s.Flush()
}

func TestSyncerStopDropsPending(t *testing.T) {
	h := newHarness(t)
	a := h.ctx.NewStream(frame.StreamLeft, 0, 30, "A")
	b := h.ctx.NewStream(frame.StreamRight, 0, 30, "B")

	root := NewComposite(TimestampStrategy{}, []*Matcher{NewIdentity(a), NewIdentity(b)}, nil)
	s := NewSyncer(h.ctx, root, SyncerConfig{})
	defer s.Close()
	s.Start()

	s.Invoke(h.frame(a, 0, 0))
	if st := s.Stats(); st.Pending != 1 {
		t.Fatalf("Pending = %d, want 1 (A waiting for B)", st.Pending)
	}

	s.Stop()
	if st := s.Stats(); st.Pending != 0 || !st.Stopped {
		t.Errorf("after Stop() pending=%d stopped=%v", st.Pending, st.Stopped)
	}
	h.leaks()
}

func TestSyncerDropsBeforeStart(t *testing.T) {
	h := newHarness(t)
	a := h.ctx.NewStream(frame.StreamLeft, 0, 30, "A")

	s := NewSyncer(h.ctx, NewCompositeIdentity(), SyncerConfig{})
	defer s.Close()

	delivered := 0
	s.SetCallback(func(*frame.Frame) { delivered++ })
	s.Invoke(h.frame(a, 0, 0))

	if delivered != 0 {
		t.Error("frame delivered before Start()")
	}
	h.leaks()
}
