package frame

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time in milliseconds.
type Clock func() float64

// SystemClock returns wall-clock time in milliseconds since the Unix epoch.
func SystemClock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}

// Context holds what used to be process-wide state: the stream id
// generator and the clock. One Context is shared by every source, matcher
// and pipeline of a session.
type Context struct {
	ID uuid.UUID

	nextStream atomic.Int64
	clock      Clock
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithClock replaces the system clock. Tests use it to drive time.
func WithClock(clock Clock) ContextOption {
	return func(c *Context) {
		c.clock = clock
	}
}

// NewContext creates a context with a fresh session id.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		ID:    uuid.New(),
		clock: SystemClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the context clock in milliseconds.
func (c *Context) Now() float64 {
	return c.clock()
}

// Clock returns the context clock.
func (c *Context) Clock() Clock {
	return c.clock
}

// NextStreamID returns a new process-unique stream id. Ids start at 1.
func (c *Context) NextStreamID() int {
	return int(c.nextStream.Add(1))
}

// NewStream creates a stream descriptor with a fresh unique id.
func (c *Context) NewStream(kind StreamKind, index int, fps float64, name string) *Stream {
	return &Stream{
		UniqueID: c.NextStreamID(),
		Kind:     kind,
		Index:    index,
		FPS:      fps,
		Name:     name,
	}
}
