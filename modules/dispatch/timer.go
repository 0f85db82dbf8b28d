package dispatch

import (
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/cancel"
)

// CancellableTimer is handed to every task. It lets a long-running task
// sleep without delaying Stop.
type CancellableTimer struct {
	stopped *cancel.Token
}

// TrySleep sleeps for d. Returns false without completing the sleep if the
// owning dispatcher is (or becomes) stopped.
func (t *CancellableTimer) TrySleep(d time.Duration) bool {
	if t.stopped.Canceled() {
		return false
	}
	done := t.stopped.Done()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-timer.C:
		return !t.stopped.Canceled()
	}
}

// Stopped reports whether the owning dispatcher was stopped.
func (t *CancellableTimer) Stopped() bool {
	return t.stopped.Canceled()
}
