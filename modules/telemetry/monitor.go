package telemetry

import (
	"math"
	"sort"
	"sync"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
)

const (
	// DefaultWindow is the number of timestamps kept per stream.
	DefaultWindow = 120

	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS. 30 FPS mean → stable if stddev < 4.5 FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the mean frame interval. 30 FPS (33ms) → stable if jitter < 6.6ms.
	jitterStabilityThreshold = 0.20
)

// StreamStats describes the measured rate of one stream over the monitor
// window. Times are milliseconds.
type StreamStats struct {
	StreamID     int     `json:"stream_id" msgpack:"stream_id"`
	Name         string  `json:"name" msgpack:"name"`
	DeclaredFPS  float64 `json:"declared_fps" msgpack:"declared_fps"`
	Frames       uint64  `json:"frames" msgpack:"frames"`
	FPSMean      float64 `json:"fps_mean" msgpack:"fps_mean"`
	FPSStdDev    float64 `json:"fps_stddev" msgpack:"fps_stddev"`
	FPSMin       float64 `json:"fps_min" msgpack:"fps_min"`
	FPSMax       float64 `json:"fps_max" msgpack:"fps_max"`
	JitterMean   float64 `json:"jitter_mean_ms" msgpack:"jitter_mean_ms"`
	JitterStdDev float64 `json:"jitter_stddev_ms" msgpack:"jitter_stddev_ms"`
	JitterMax    float64 `json:"jitter_max_ms" msgpack:"jitter_max_ms"`
	IsStable     bool    `json:"is_stable" msgpack:"is_stable"`
}

// StreamMonitor measures per-stream rate and jitter from frame timestamps.
// Register Observe with pipeline.WithFrameObserver.
//
// Thread-safety: all methods are safe for concurrent use.
type StreamMonitor struct {
	window int

	mu      sync.Mutex
	streams map[int]*streamWindow
}

type streamWindow struct {
	stream *frame.Stream
	frames uint64
	times  []float64 // Ring of the last window timestamps
	next   int
}

// NewStreamMonitor creates a monitor keeping window timestamps per stream.
func NewStreamMonitor(window int) *StreamMonitor {
	if window < 2 {
		window = DefaultWindow
	}
	return &StreamMonitor{
		window:  window,
		streams: make(map[int]*streamWindow),
	}
}

// Observe records f. Composite frames record each child.
func (m *StreamMonitor) Observe(f *frame.Frame) {
	if f.IsComposite() {
		for _, c := range f.Children() {
			m.Observe(c)
		}
		return
	}
	if f.Stream == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.streams[f.Stream.UniqueID]
	if !ok {
		w = &streamWindow{stream: f.Stream, times: make([]float64, 0, m.window)}
		m.streams[f.Stream.UniqueID] = w
	}
	w.frames++
	if len(w.times) < m.window {
		w.times = append(w.times, f.Timestamp())
		return
	}
	w.times[w.next] = f.Timestamp()
	w.next = (w.next + 1) % m.window
}

// Snapshot returns stats for every observed stream, ordered by stream id.
func (m *StreamMonitor) Snapshot() []StreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StreamStats, 0, len(m.streams))
	for _, w := range m.streams {
		ordered := make([]float64, 0, len(w.times))
		ordered = append(ordered, w.times[w.next:]...)
		ordered = append(ordered, w.times[:w.next]...)

		st := CalculateFPSStats(ordered)
		st.StreamID = w.stream.UniqueID
		st.Name = w.stream.String()
		st.DeclaredFPS = w.stream.FPS
		st.Frames = w.frames
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Reset forgets every stream.
func (m *StreamMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[int]*streamWindow)
}

// CalculateFPSStats computes rate statistics from ordered timestamps in
// milliseconds:
//  1. mean FPS over the window
//  2. instantaneous FPS per interval, with min, max and standard deviation
//  3. jitter: deviation of each interval from the mean interval
//  4. stability: stddev < 15% of mean FPS and mean jitter < 20% of the
//     mean interval
func CalculateFPSStats(times []float64) StreamStats {
	n := len(times)
	if n < 2 {
		return StreamStats{}
	}

	span := times[n-1] - times[0]
	if span <= 0 {
		return StreamStats{}
	}
	fpsMean := float64(n-1) * 1000 / span
	expectedInterval := span / float64(n-1)

	instantaneous := make([]float64, 0, n-1)
	jitters := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := times[i] - times[i-1]
		if interval > 0 {
			instantaneous = append(instantaneous, 1000/interval)
		}
		jitters = append(jitters, math.Abs(interval-expectedInterval))
	}

	st := StreamStats{FPSMean: fpsMean}
	if len(instantaneous) > 0 {
		st.FPSMin, st.FPSMax = instantaneous[0], instantaneous[0]
		var sumSquares float64
		for _, fps := range instantaneous {
			st.FPSMin = min(st.FPSMin, fps)
			st.FPSMax = max(st.FPSMax, fps)
			diff := fps - fpsMean
			sumSquares += diff * diff
		}
		st.FPSStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))
	}

	var jitterSum float64
	for _, j := range jitters {
		jitterSum += j
		st.JitterMax = max(st.JitterMax, j)
	}
	st.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - st.JitterMean
		jitterSquares += diff * diff
	}
	st.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	fpsStable := st.FPSStdDev < fpsMean*fpsStabilityThreshold
	jitterStable := st.JitterMean < expectedInterval*jitterStabilityThreshold
	st.IsStable = fpsStable && jitterStable
	return st
}
