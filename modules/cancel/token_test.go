package cancel

import (
	"sync"
	"testing"
	"time"
)

func TestTokenCancelClosesDone(t *testing.T) {
	tok := New()
	if tok.Canceled() {
		t.Fatal("new token must not be canceled")
	}

	done := tok.Done()
	if !tok.Cancel() {
		t.Fatal("first Cancel() returned false")
	}
	if tok.Cancel() {
		t.Error("second Cancel() returned true")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Cancel()")
	}
	if !tok.Canceled() {
		t.Error("Canceled() = false after Cancel()")
	}
}

func TestTokenResetRearms(t *testing.T) {
	tok := New()
	tok.Cancel()
	tok.Reset()

	if tok.Canceled() {
		t.Fatal("Canceled() = true after Reset()")
	}
	select {
	case <-tok.Done():
		t.Fatal("Done() closed after Reset()")
	default:
	}

	// Reset on an armed token keeps the same channel.
	ch := tok.Done()
	tok.Reset()
	if ch != tok.Done() {
		t.Error("Reset() on armed token replaced Done channel")
	}
}

func TestTokenHooksWakeCondWaiters(t *testing.T) {
	tok := New()

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	tok.OnCancel(func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})

	woke := make(chan struct{})
	go func() {
		mu.Lock()
		for !tok.Canceled() {
			cond.Wait()
		}
		mu.Unlock()
		close(woke)
	}()

	time.Sleep(10 * time.Millisecond)
	tok.Cancel()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("cond waiter not woken by Cancel()")
	}
}
