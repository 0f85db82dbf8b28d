package framepool

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type sample struct {
	seq  uint64
	data []byte
}

// TestAllocateCapacityBound validates that at most C allocations succeed.
func TestAllocateCapacityBound(t *testing.T) {
	for _, capacity := range []int{1, 2, 8, 128} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			p := New[sample](capacity)

			ptrs := make([]*sample, 0, capacity)
			for i := 0; i < capacity; i++ {
				ptr, ok := p.Allocate()
				if !ok {
					t.Fatalf("Allocate() #%d failed with capacity %d", i, capacity)
				}
				ptrs = append(ptrs, ptr)
			}

			if _, ok := p.Allocate(); ok {
				t.Fatalf("Allocate() #%d succeeded past capacity %d", capacity+1, capacity)
			}
			if got := p.InUse(); got != capacity {
				t.Errorf("InUse() = %d, want %d", got, capacity)
			}

			for _, ptr := range ptrs {
				p.Deallocate(ptr)
			}

			start := time.Now()
			if !p.WaitUntilEmpty(time.Second) {
				t.Fatal("WaitUntilEmpty() = false after all slots freed")
			}
			if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
				t.Errorf("WaitUntilEmpty() took %v on an empty pool", elapsed)
			}
		})
	}
}

func TestDeallocateResetsSlot(t *testing.T) {
	p := New[sample](1)

	ptr, _ := p.Allocate()
	ptr.seq = 42
	ptr.data = []byte("payload")
	p.Deallocate(ptr)

	again, ok := p.Allocate()
	if !ok {
		t.Fatal("Allocate() failed after Deallocate()")
	}
	if again != ptr {
		t.Errorf("expected slot reuse, got %p want %p", again, ptr)
	}
	if again.seq != 0 || again.data != nil {
		t.Errorf("slot not reset: %+v", *again)
	}
}

func TestDeallocateForeignPointerPanics(t *testing.T) {
	p := New[sample](2)

	defer func() {
		if recover() == nil {
			t.Fatal("Deallocate() of foreign pointer did not panic")
		}
	}()
	p.Deallocate(&sample{})
}

func TestDoubleDeallocatePanics(t *testing.T) {
	p := New[sample](2)
	ptr, _ := p.Allocate()
	p.Deallocate(ptr)

	defer func() {
		if recover() == nil {
			t.Fatal("second Deallocate() did not panic")
		}
	}()
	p.Deallocate(ptr)
}

func TestStopAllocating(t *testing.T) {
	p := New[sample](4)
	held, _ := p.Allocate()

	p.StopAllocating()
	if !p.Stopped() {
		t.Error("Stopped() = false after StopAllocating()")
	}
	if _, ok := p.Allocate(); ok {
		t.Fatal("Allocate() succeeded after StopAllocating()")
	}

	// Outstanding slots can still be returned.
	p.Deallocate(held)
	if p.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", p.InUse())
	}
	if _, ok := p.Allocate(); ok {
		t.Error("Allocate() succeeded after drain of a stopped pool")
	}
}

func TestWaitUntilEmptyTimeout(t *testing.T) {
	p := New[sample](1)
	p.Allocate()

	start := time.Now()
	if p.WaitUntilEmpty(30 * time.Millisecond) {
		t.Fatal("WaitUntilEmpty() = true with an outstanding slot")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("WaitUntilEmpty() returned early after %v", elapsed)
	}
}

func TestWaitUntilEmptyWakesOnLastDeallocate(t *testing.T) {
	p := New[sample](2)
	a, _ := p.Allocate()
	b, _ := p.Allocate()

	drained := make(chan bool, 1)
	go func() {
		drained <- p.WaitUntilEmpty(5 * time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Deallocate(a)
	p.Deallocate(b)

	select {
	case ok := <-drained:
		if !ok {
			t.Fatal("WaitUntilEmpty() = false after drain")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitUntilEmpty() not woken by last Deallocate()")
	}
}

func TestConcurrentAllocateDeallocate(t *testing.T) {
	const capacity = 16
	p := New[sample](capacity)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				ptr, ok := p.Allocate()
				if !ok {
					continue
				}
				if n := p.InUse(); n > capacity {
					t.Errorf("InUse() = %d exceeds capacity", n)
				}
				p.Deallocate(ptr)
			}
		}()
	}
	wg.Wait()

	if p.InUse() != 0 {
		t.Errorf("InUse() = %d after concurrent run, want 0", p.InUse())
	}
}

func TestZeroCapacity(t *testing.T) {
	p := New[sample](0)
	if _, ok := p.Allocate(); ok {
		t.Error("Allocate() succeeded on zero-capacity pool")
	}
	if !p.WaitUntilEmpty(time.Millisecond) {
		t.Error("WaitUntilEmpty() = false on zero-capacity pool")
	}
}
