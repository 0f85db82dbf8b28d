// Package framesync groups frames of different streams into time-aligned
// sets.
//
// The matcher tree is a tagged variant:
//
//	composite-identity (root)         wraps single frames into composites
//	└── composite (Strategy)          pairs frames across its children
//	    ├── identity (left)           one per stream
//	    ├── identity (right)
//	    └── composite (Strategy)      nested groups are allowed
//	        └── ...
//
// Matchers never lock. The Syncer that owns the tree serializes every
// Dispatch under its own mutex, so a frame travels from the capture goroutine
// to the root callback without lock hand-offs.
package framesync

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/queue"
)

const (
	// PendingCapacity bounds the frames a composite holds per child.
	PendingCapacity = 10

	// inactivityPeriods is how many frame periods a stream may be silent
	// before its matcher is marked inactive.
	inactivityPeriods = 5

	// inactivityFallback (ms) applies when the stream rate is unknown.
	inactivityFallback = 500.0
)

// Env is what matchers need from their owner.
type Env struct {
	// Source allocates output composites.
	Source *frame.Source

	// Clock returns the current time in milliseconds.
	Clock frame.Clock
}

// Factory creates the matcher for a stream the tree has not seen before.
// Returning nil selects an identity matcher.
type Factory func(f *frame.Frame) *Matcher

// emitFunc receives a matched holder. It takes ownership.
type emitFunc func(h frame.Holder, env *Env)

type matcherKind int

const (
	kindIdentity matcherKind = iota
	kindComposite
	kindCompositeIdentity
)

// Matcher is one node of the matcher tree.
type Matcher struct {
	kind    matcherKind
	name    string
	streams []*frame.Stream
	active  bool
	emit    emitFunc

	// Composite state.
	strategy  Strategy
	factory   Factory
	inputs    []*input
	byMatcher map[*Matcher]*input
	byStream  map[int]*Matcher
	started   bool
	startedAt float64 // Clock (ms) of the first frame
}

// input is a composite's view of one child.
type input struct {
	m       *Matcher
	pending *queue.ConsumerQueue[frame.Holder]

	arrived     bool
	lastArrived float64

	expecting          bool
	nextExpected       float64
	nextExpectedDomain frame.TimestampDomain
	fps                float64
}

// NewIdentity returns a leaf matcher for one stream.
func NewIdentity(stream *frame.Stream) *Matcher {
	return &Matcher{
		kind:    kindIdentity,
		name:    stream.String(),
		streams: []*frame.Stream{stream},
		active:  true,
	}
}

// NewComposite returns a matcher pairing frames of children with strategy.
// Frames of streams no child covers get a matcher from factory (identity if
// factory is nil or returns nil).
func NewComposite(strategy Strategy, children []*Matcher, factory Factory) *Matcher {
	m := &Matcher{
		kind:      kindComposite,
		active:    true,
		strategy:  strategy,
		factory:   factory,
		byMatcher: make(map[*Matcher]*input),
		byStream:  make(map[int]*Matcher),
	}
	for _, c := range children {
		m.addChild(c)
	}
	m.rename()
	return m
}

// NewCompositeIdentity returns the root pass-through matcher: composite
// frames go through untouched, single frames are wrapped into one-frame
// composites so the user always receives a frame set.
func NewCompositeIdentity() *Matcher {
	return &Matcher{
		kind:   kindCompositeIdentity,
		name:   "composite-identity",
		active: true,
	}
}

// Name describes the matcher for logs.
func (m *Matcher) Name() string {
	return m.name
}

// Streams returns the streams routed through this matcher.
func (m *Matcher) Streams() []*frame.Stream {
	return m.streams
}

// Active reports whether the matcher is receiving frames.
func (m *Matcher) Active() bool {
	return m.active
}

// Pending returns the number of frames waiting in composite queues,
// recursively.
func (m *Matcher) Pending() int {
	n := 0
	for _, in := range m.inputs {
		n += in.pending.Len() + in.m.Pending()
	}
	return n
}

// Dispatch routes h through the matcher. The matcher takes ownership.
func (m *Matcher) Dispatch(h frame.Holder, env *Env) {
	switch m.kind {
	case kindIdentity:
		m.emitHolder(h, env)
	case kindCompositeIdentity:
		m.dispatchCompositeIdentity(h, env)
	case kindComposite:
		m.dispatchComposite(h, env)
	}
}

// Reset drops every pending frame in the subtree.
func (m *Matcher) Reset() {
	for _, in := range m.inputs {
		in.pending.Clear()
		in.pending.Start()
		in.m.Reset()
	}
}

func (m *Matcher) emitHolder(h frame.Holder, env *Env) {
	if m.emit == nil {
		h.Release()
		return
	}
	m.emit(h, env)
}

func (m *Matcher) dispatchCompositeIdentity(h frame.Holder, env *Env) {
	if h.Frame().IsComposite() {
		m.emitHolder(h, env)
		return
	}
	comp := env.Source.AllocComposite([]frame.Holder{h.Move()})
	if comp == nil {
		return
	}
	m.emitHolder(frame.Wrap(comp), env)
}

func (m *Matcher) dispatchComposite(h frame.Holder, env *Env) {
	f := h.Frame()
	if !m.started {
		m.started = true
		m.startedAt = env.Clock()
	}
	m.cleanInactiveStreams(f, env)

	child := m.findMatcher(f)
	in := m.byMatcher[child]
	in.arrived = true
	in.lastArrived = env.Clock()
	in.fps = f.FPS()

	child.Dispatch(h, env)
}

// addChild registers c for all its streams and routes its output into sync.
func (m *Matcher) addChild(c *Matcher) *input {
	in := &input{
		m:       c,
		pending: queue.New[frame.Holder](PendingCapacity, queue.WithDropHandler(frame.ReleaseHolder)),
	}
	m.inputs = append(m.inputs, in)
	m.byMatcher[c] = in
	for _, s := range c.streams {
		m.byStream[s.UniqueID] = c
		m.streams = append(m.streams, s)
	}
	c.emit = func(h frame.Holder, env *Env) {
		m.sync(in, h, env)
	}
	return in
}

func (m *Matcher) rename() {
	names := make([]string, 0, len(m.inputs))
	for _, in := range m.inputs {
		names = append(names, in.m.name)
	}
	m.name = m.strategy.Name() + "(" + strings.Join(names, ",") + ")"
}

func (m *Matcher) findMatcher(f *frame.Frame) *Matcher {
	if c, ok := m.byStream[f.Stream.UniqueID]; ok {
		if !c.active {
			c.active = true
			m.byMatcher[c].pending.Start()
			slog.Debug("framesync: stream reactivated",
				"matcher", m.name,
				"stream", c.name,
			)
		}
		return c
	}

	var c *Matcher
	if m.factory != nil {
		c = m.factory(f)
	}
	if c == nil {
		c = NewIdentity(f.Stream)
	}
	m.addChild(c)
	m.rename()
	slog.Debug("framesync: stream added",
		"matcher", m.name,
		"stream", c.name,
	)
	return c
}

// cleanInactiveStreams marks children silent for inactivityPeriods frame
// periods as inactive, so sets stop waiting for them. Blocking frames skip
// the check: a stalled consumer must not look like a dead stream.
func (m *Matcher) cleanInactiveStreams(f *frame.Frame, env *Env) {
	if f.Ext.Blocking {
		return
	}
	now := env.Clock()
	for _, in := range m.inputs {
		if !in.arrived || !in.m.active {
			continue
		}
		if now-in.lastArrived > inactivityThreshold(in.fps) {
			in.m.active = false
			in.pending.Clear()
			slog.Debug("framesync: stream inactive",
				"matcher", m.name,
				"stream", in.m.name,
				"silent_ms", now-in.lastArrived,
			)
		}
	}
}

// inactivityThreshold is how long (ms) a stream at fps may stay silent.
func inactivityThreshold(fps float64) float64 {
	if fps > 0 {
		return inactivityPeriods * 1000 / fps
	}
	return inactivityFallback
}

func (m *Matcher) updateNextExpected(in *input, f *frame.Frame) {
	fps := fpsOf(f)
	in.expecting = true
	in.nextExpected = f.Timestamp() + 1000/fps
	in.nextExpectedDomain = f.Ext.Domain
}

func (m *Matcher) state(in *input, now float64) StreamState {
	var stream *frame.Stream
	if len(in.m.streams) > 0 {
		stream = in.m.streams[0]
	}
	fps := in.fps
	if fps <= 0 && stream != nil {
		fps = stream.FPS
	}
	return StreamState{
		Stream:             stream,
		Active:             in.m.active,
		Arrived:            in.expecting,
		NextExpected:       in.nextExpected,
		NextExpectedDomain: in.nextExpectedDomain,
		FPS:                fps,
		Waited:             now - m.startedAt,
	}
}

// sync queues h from child in and emits every set that is complete.
func (m *Matcher) sync(in *input, h frame.Holder, env *Env) {
	m.updateNextExpected(in, h.Frame())
	in.pending.Enqueue(h)

	for {
		var (
			arrived []*input
			heads   []*frame.Frame
			missing []*input
		)
		for _, c := range m.inputs {
			if head, ok := c.pending.Peek(); ok {
				arrived = append(arrived, c)
				heads = append(heads, head.Frame())
			} else {
				missing = append(missing, c)
			}
		}
		if len(arrived) == 0 {
			return
		}

		synced := []*input{arrived[0]}
		curr := heads[0]
		oldFrames := false
		for i := 1; i < len(arrived); i++ {
			switch {
			case m.strategy.Equivalent(heads[i], curr):
				synced = append(synced, arrived[i])
			case m.strategy.LessThan(heads[i], curr):
				oldFrames = true
				synced = []*input{arrived[i]}
				curr = heads[i]
			default:
				oldFrames = true
			}
		}

		if !oldFrames {
			now := env.Clock()
			for _, c := range missing {
				if !m.strategy.SkipMissingStream(curr, m.state(c, now)) {
					return
				}
			}
		}

		match := make([]frame.Holder, 0, len(synced))
		for _, c := range synced {
			if held, ok := c.pending.TryDequeue(); ok {
				match = append(match, held)
			}
		}
		sort.SliceStable(match, func(i, j int) bool {
			return match[i].Frame().Stream.UniqueID < match[j].Frame().Stream.UniqueID
		})

		comp := env.Source.AllocComposite(match)
		if comp == nil {
			continue
		}
		m.emitHolder(frame.Wrap(comp), env)
	}
}
