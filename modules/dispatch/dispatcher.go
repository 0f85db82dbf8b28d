// Package dispatch runs work off the capture goroutines.
//
// A Dispatcher owns one worker goroutine and a queue.ConsumerQueue of tasks.
// Producers Invoke tasks; the worker runs them in order. Stop interrupts the
// running task (through CancellableTimer) and discards pending ones, so a
// stuck consumer can never wedge device shutdown.
//
// On top of Dispatcher:
//   - ActiveObject re-schedules one operation until stopped.
//   - Watchdog is an ActiveObject that fires a callback when not kicked
//     within its timeout.
//   - RetryWithBackoff is the exponential backoff loop used to recover a
//     device after a watchdog failure.
package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/cancel"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/queue"
)

const (
	// DefaultCapacity is the task queue bound used when New gets 0.
	DefaultCapacity = 10

	// flushTimeout bounds Stop and Flush.
	flushTimeout = 10 * time.Second

	// idlePoll is how long the worker waits for a task before re-checking
	// its closed flag.
	idlePoll = 5 * time.Second

	invokeAndWaitPoll = 10 * time.Millisecond
)

// Task is a unit of work. The timer lets it sleep interruptibly.
type Task func(t *CancellableTimer)

// job is a queued task. dropped, when set, runs if the queue discards the
// job instead of running it.
type job struct {
	task    Task
	dropped func()
}

func dropJob(j job) {
	if j.dropped != nil {
		j.dropped()
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Name      string
	Queued    int
	Invoked   uint64
	Completed uint64
	Panics    uint64
	Dropped   uint64
	Stopped   bool
}

// Dispatcher serializes tasks onto one worker goroutine.
//
// A new Dispatcher is stopped: Invoke drops tasks until Start is called.
//
// Thread-safety: all methods are safe for concurrent use. Tasks run one at a
// time on the worker goroutine and must not call Stop, Flush or Close on
// their own dispatcher.
type Dispatcher struct {
	name    string
	queue   *queue.ConsumerQueue[job]
	stopped *cancel.Token
	timer   *CancellableTimer

	mu          sync.Mutex
	flushedCond *sync.Cond
	flushed     bool

	closed atomic.Bool
	done   chan struct{}

	invoked   atomic.Uint64
	completed atomic.Uint64
	panics    atomic.Uint64
}

// New creates a stopped dispatcher and launches its worker goroutine.
func New(name string, capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	d := &Dispatcher{
		name:    name,
		queue:   queue.New[job](capacity, queue.WithDropHandler(dropJob)),
		stopped: cancel.New(),
		done:    make(chan struct{}),
	}
	d.stopped.Cancel()
	d.timer = &CancellableTimer{stopped: d.stopped}
	d.flushedCond = sync.NewCond(&d.mu)

	go d.run()
	return d
}

// Name returns the dispatcher name given to New.
func (d *Dispatcher) Name() string {
	return d.name
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for !d.closed.Load() {
		if j, ok := d.queue.Dequeue(idlePoll); ok {
			d.runTask(j.task)
		} else if d.queue.Flushing() {
			// Stop is between Clear and Start: yield instead of spinning.
			time.Sleep(time.Millisecond)
		}

		d.mu.Lock()
		d.flushed = true
		d.flushedCond.Broadcast()
		d.mu.Unlock()
	}
}

func (d *Dispatcher) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			slog.Error("dispatch: task panicked",
				"dispatcher", d.name,
				"panic", r,
			)
		}
	}()

	task(d.timer)
	d.completed.Add(1)
}

// Start arms the dispatcher. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start() {
	d.queue.Start()
	d.stopped.Reset()
}

// Invoke queues task. With blocking=false a full queue drops its oldest
// task; with blocking=true Invoke waits for room.
//
// Returns false if the dispatcher is stopped or closed and the task was not
// queued.
func (d *Dispatcher) Invoke(task Task, blocking bool) bool {
	return d.invoke(job{task: task}, blocking)
}

func (d *Dispatcher) invoke(j job, blocking bool) bool {
	if d.stopped.Canceled() || d.closed.Load() {
		return false
	}

	var ok bool
	if blocking {
		ok = d.queue.BlockingEnqueue(j)
	} else {
		ok = d.queue.Enqueue(j)
	}
	if ok {
		d.invoked.Add(1)
	}
	return ok
}

// InvokeAndWait queues task and waits for it to finish.
//
// Every 10ms the wait re-checks exit (may be nil) and the stopped flag.
// Returns true only if the task ran to completion; false as soon as the task
// is evicted by a newer one or discarded by Stop.
func (d *Dispatcher) InvokeAndWait(task func(), exit func() bool, blocking bool) bool {
	done := make(chan struct{})
	lost := make(chan struct{})
	completed := false

	queued := d.invoke(job{
		task: func(*CancellableTimer) {
			defer close(done)
			task()
			completed = true
		},
		dropped: func() { close(lost) },
	}, blocking)
	if !queued {
		return false
	}

	ticker := time.NewTicker(invokeAndWaitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return completed
		case <-lost:
			return false
		case <-ticker.C:
			if (exit != nil && exit()) || d.stopped.Canceled() {
				return false
			}
		}
	}
}

// Stop interrupts the running task, discards pending tasks and waits (at
// most 10s) until the worker is idle. The dispatcher stays usable: Start
// re-arms it.
func (d *Dispatcher) Stop() {
	d.stopped.Cancel()
	d.queue.Clear()

	d.mu.Lock()
	d.flushed = false
	if !d.waitFlushedLocked(flushTimeout) {
		slog.Warn("dispatch: stop timed out waiting for running task",
			"dispatcher", d.name,
			"timeout", flushTimeout,
		)
	}
	d.mu.Unlock()

	d.queue.Start()
}

func (d *Dispatcher) waitFlushedLocked(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.flushedCond.Broadcast()
		d.mu.Unlock()
	})
	defer timer.Stop()

	for !d.flushed {
		if d.closed.Load() || !time.Now().Before(deadline) {
			return d.flushed
		}
		d.flushedCond.Wait()
	}
	return true
}

// Flush waits (at most 10s) until every task queued before the call has
// run. Returns false on timeout or if the dispatcher is stopped.
func (d *Dispatcher) Flush() bool {
	if d.stopped.Canceled() {
		return false
	}
	stoppedCh := d.stopped.Done()

	barrier := make(chan struct{})
	if !d.Invoke(func(*CancellableTimer) { close(barrier) }, true) {
		return false
	}

	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()

	select {
	case <-barrier:
		return true
	case <-stoppedCh:
		return false
	case <-timer.C:
		return false
	}
}

// Empty reports whether no task is pending.
func (d *Dispatcher) Empty() bool {
	return d.queue.Empty()
}

// Stopped reports whether the dispatcher is stopped.
func (d *Dispatcher) Stopped() bool {
	return d.stopped.Canceled()
}

// Close stops the dispatcher and terminates its worker goroutine.
// Close is idempotent.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		<-d.done
		return
	}
	d.stopped.Cancel()
	d.queue.Clear()
	<-d.done
}

// Stats returns a counters snapshot.
func (d *Dispatcher) Stats() Stats {
	qs := d.queue.Stats()
	return Stats{
		Name:      d.name,
		Queued:    qs.Len,
		Invoked:   d.invoked.Load(),
		Completed: d.completed.Load(),
		Panics:    d.panics.Load(),
		Dropped:   qs.Dropped,
		Stopped:   d.stopped.Canceled(),
	}
}
