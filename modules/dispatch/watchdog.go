package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Watchdog calls onFailure whenever a full timeout interval passes without a
// Kick. It keeps running after a failure: a device that stays silent fires
// once per interval.
//
// Thread-safety: all methods are safe for concurrent use. onFailure runs on
// the watchdog goroutine.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	kicked  bool
	running bool

	onFailure func()
	failures  atomic.Uint64

	ao *ActiveObject
}

// NewWatchdog creates a stopped watchdog.
func NewWatchdog(name string, timeout time.Duration, onFailure func()) *Watchdog {
	w := &Watchdog{
		timeout:   timeout,
		onFailure: onFailure,
	}
	w.ao = NewActiveObject(name, w.check)
	return w
}

func (w *Watchdog) check(t *CancellableTimer) {
	w.mu.Lock()
	timeout := w.timeout
	w.mu.Unlock()

	if !t.TrySleep(timeout) {
		return
	}

	w.mu.Lock()
	kicked := w.kicked
	w.kicked = false
	w.mu.Unlock()

	if !kicked {
		w.failures.Add(1)
		if w.onFailure != nil {
			w.onFailure()
		}
	}
}

// Start arms the watchdog. The first interval starts now.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.kicked = false
	w.running = true
	w.mu.Unlock()

	w.ao.Start()
}

// Stop disarms the watchdog and waits for a pending check to return.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.ao.Stop()
}

// Close stops the watchdog and releases its goroutine.
func (w *Watchdog) Close() {
	w.Stop()
	w.ao.Close()
}

// Kick marks the current interval as healthy.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	w.kicked = true
	w.mu.Unlock()
}

// SetTimeout changes the interval. It applies from the next interval on.
func (w *Watchdog) SetTimeout(timeout time.Duration) {
	w.mu.Lock()
	w.timeout = timeout
	w.mu.Unlock()
}

// Running reports whether the watchdog is armed.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Failures returns how many intervals elapsed without a kick.
func (w *Watchdog) Failures() uint64 {
	return w.failures.Load()
}
