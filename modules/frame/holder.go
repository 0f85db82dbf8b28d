package frame

// Holder owns exactly one reference to a frame.
//
// Holders are values. Copying a Holder with = does NOT add a reference; use
// Clone to share and Move to hand ownership over.
type Holder struct {
	f *Frame
}

// Wrap adopts the reference the caller already owns (the one returned by
// Source.AllocFrame, for instance).
func Wrap(f *Frame) Holder {
	return Holder{f: f}
}

// Acquire adds a reference to f and returns a holder owning it.
func Acquire(f *Frame) Holder {
	if f != nil {
		f.Acquire()
	}
	return Holder{f: f}
}

// Frame returns the held frame, or nil.
func (h Holder) Frame() *Frame {
	return h.f
}

// Valid reports whether the holder owns a frame.
func (h Holder) Valid() bool {
	return h.f != nil
}

// Clone returns a second holder sharing the same frame.
func (h Holder) Clone() Holder {
	return Acquire(h.f)
}

// Move transfers ownership to the returned holder and empties h.
func (h *Holder) Move() Holder {
	out := Holder{f: h.f}
	h.f = nil
	return out
}

// Release drops the reference and empties h. Releasing an empty holder is a
// no-op.
func (h *Holder) Release() {
	if h.f == nil {
		return
	}
	f := h.f
	h.f = nil
	f.Release()
}

// ReleaseHolder releases h. It matches the queue drop-handler signature.
func ReleaseHolder(h Holder) {
	h.Release()
}
