package dispatch

import "sync"

// ActiveObject runs one operation over and over on a private dispatcher
// until stopped. The operation receives the dispatcher's timer and should
// pace itself with TrySleep.
type ActiveObject struct {
	d  *Dispatcher
	op Task

	mu      sync.Mutex
	running bool
}

// NewActiveObject creates a stopped active object.
func NewActiveObject(name string, op Task) *ActiveObject {
	return &ActiveObject{
		d:  New(name, 1),
		op: op,
	}
}

// Start begins looping op. No-op if already running.
func (a *ActiveObject) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.running = true
	a.d.Start()
	a.d.Invoke(a.step, false)
}

func (a *ActiveObject) step(t *CancellableTimer) {
	a.op(t)
	if !t.Stopped() {
		a.d.Invoke(a.step, false)
	}
}

// Stop interrupts the current iteration and waits for it to return.
func (a *ActiveObject) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false
	a.d.Stop()
}

// Running reports whether the loop is active.
func (a *ActiveObject) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Close stops the loop and releases the worker goroutine.
func (a *ActiveObject) Close() {
	a.Stop()
	a.d.Close()
}
