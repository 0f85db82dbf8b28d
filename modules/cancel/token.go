// Package cancel provides the cancellation token shared by every blocking
// primitive of the frame pipeline.
//
// A Token is an atomic flag plus a broadcast. Waiters either poll Canceled,
// select on Done, or register a hook that wakes their own sync.Cond when the
// token fires. Reset re-arms the token for the next run.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Token is a resettable cancellation flag with broadcast semantics.
//
// The zero value is not usable; create tokens with New.
type Token struct {
	canceled atomic.Bool

	mu    sync.Mutex
	done  chan struct{}
	hooks []func()
}

// New returns an armed (not canceled) token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Canceled reports whether Cancel was called since the last Reset.
func (t *Token) Canceled() bool {
	return t.canceled.Load()
}

// Done returns a channel closed when the token is canceled.
// After Reset a new channel is returned, so callers must not cache it across
// runs.
func (t *Token) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// OnCancel registers fn to run on every Cancel. Hooks are used to broadcast
// condition variables so cond waiters observe the flag immediately.
//
// fn runs on the canceling goroutine and must not call back into the token.
func (t *Token) OnCancel(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// Cancel sets the flag, closes Done and runs the hooks.
// Returns false if the token was already canceled.
func (t *Token) Cancel() bool {
	t.mu.Lock()
	if t.canceled.Load() {
		t.mu.Unlock()
		return false
	}
	t.canceled.Store(true)
	close(t.done)
	hooks := make([]func(), len(t.hooks))
	copy(hooks, t.hooks)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return true
}

// Reset re-arms a canceled token. Resetting an armed token is a no-op.
func (t *Token) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canceled.Load() {
		return
	}
	t.done = make(chan struct{})
	t.canceled.Store(false)
}
