// Package sim provides synthetic devices for exercising the frame pipeline
// without hardware.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/pipeline"
)

// StereoConfig configures a synthetic stereo camera.
type StereoConfig struct {
	Name      string
	FPS       float64
	Width     int
	Height    int
	Disparity bool    // Emit a 16-bit disparity stream
	IMURateHz float64 // 0 disables the motion stream
	JitterMS  float64 // Uniform timestamp jitter in [-JitterMS, +JitterMS]
	Seed      int64
}

// StereoStats reports device activity.
type StereoStats struct {
	Running bool
	Ticks   uint64 // Video capture instants
	Emitted uint64 // Frames handed to the sink
	Dropped uint64 // Frames refused by the source (backpressure)
	Motion  uint64 // Motion samples emitted
}

// Stereo is a synthetic stereo camera: left and right 8-bit images, an
// optional disparity image sharing their timestamp, and an optional IMU.
//
// Thread-safety: all methods are safe for concurrent use.
type Stereo struct {
	cfg StereoConfig
	ctx *frame.Context

	left, right *frame.Stream
	disparity   *frame.Stream
	motion      *frame.Stream

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	index   uint64

	paused  atomic.Bool
	ticks   atomic.Uint64
	emitted atomic.Uint64
	dropped atomic.Uint64
	samples atomic.Uint64
}

var _ pipeline.Device = (*Stereo)(nil)

// NewStereo creates a stopped device with its streams registered in ctx.
func NewStereo(ctx *frame.Context, cfg StereoConfig) *Stereo {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 400
	}
	if cfg.Name == "" {
		cfg.Name = "stereo"
	}

	s := &Stereo{cfg: cfg, ctx: ctx}
	s.left = ctx.NewStream(frame.StreamLeft, 0, cfg.FPS, cfg.Name+"/left")
	s.right = ctx.NewStream(frame.StreamRight, 0, cfg.FPS, cfg.Name+"/right")
	if cfg.Disparity {
		s.disparity = ctx.NewStream(frame.StreamDisparity, 0, cfg.FPS, cfg.Name+"/disparity")
	}
	if cfg.IMURateHz > 0 {
		s.motion = ctx.NewStream(frame.StreamMotion, 0, cfg.IMURateHz, cfg.Name+"/imu")
	}
	return s
}

// Name returns the device name.
func (s *Stereo) Name() string { return s.cfg.Name }

// Streams returns left, right, then disparity and motion when enabled.
func (s *Stereo) Streams() []*frame.Stream {
	streams := []*frame.Stream{s.left, s.right}
	if s.disparity != nil {
		streams = append(streams, s.disparity)
	}
	if s.motion != nil {
		streams = append(streams, s.motion)
	}
	return streams
}

// Start launches the capture goroutines.
func (s *Stereo) Start(src *frame.Source, sink pipeline.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sim: device %q already running", s.cfg.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.captureVideo(ctx, src, sink)
	if s.motion != nil {
		s.wg.Add(1)
		go s.captureMotion(ctx, src, sink)
	}

	slog.Info("sim: stereo device started",
		"device", s.cfg.Name,
		"fps", s.cfg.FPS,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"disparity", s.disparity != nil,
		"imu_rate_hz", s.cfg.IMURateHz,
	)
	return nil
}

// Stop ends capture. No sink call happens after Stop returns.
func (s *Stereo) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("sim: stereo device stopped", "device", s.cfg.Name, "frames_emitted", s.emitted.Load())
	return nil
}

// Pause makes the device go silent without stopping it, as an unplugged
// cable would.
func (s *Stereo) Pause() { s.paused.Store(true) }

// Resume undoes Pause.
func (s *Stereo) Resume() { s.paused.Store(false) }

// Stats returns device counters.
func (s *Stereo) Stats() StereoStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return StereoStats{
		Running: running,
		Ticks:   s.ticks.Load(),
		Emitted: s.emitted.Load(),
		Dropped: s.dropped.Load(),
		Motion:  s.samples.Load(),
	}
}

func (s *Stereo) captureVideo(ctx context.Context, src *frame.Source, sink pipeline.Sink) {
	defer s.wg.Done()

	rng := rand.New(rand.NewSource(s.cfg.Seed))
	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.paused.Load() {
			continue
		}

		s.mu.Lock()
		s.index++
		index := s.index
		s.mu.Unlock()
		s.ticks.Add(1)

		ts := s.ctx.Now()
		if s.cfg.JitterMS > 0 {
			ts += (rng.Float64()*2 - 1) * s.cfg.JitterMS
		}
		ext := frame.Extension{
			Index:      index,
			Timestamp:  ts,
			Domain:     frame.DomainHardware,
			SystemTime: s.ctx.Now(),
			Metadata:   s.metadata(index),
		}

		s.emitImage(src, sink, s.left, ext, 1)
		s.emitImage(src, sink, s.right, ext, 1)
		if s.disparity != nil {
			s.emitImage(src, sink, s.disparity, ext, 2)
		}
	}
}

func (s *Stereo) metadata(index uint64) []byte {
	blob, err := frame.EncodeMetadata(frame.Metadata{
		frame.MetaFrameCounter: int64(index),
		frame.MetaActualFPS:    int64(s.cfg.FPS * 1000),
		frame.MetaExposure:     8000,
		frame.MetaGain:         16,
		frame.MetaTemperature:  42000,
	})
	if err != nil {
		slog.Warn("sim: metadata encode failed", "device", s.cfg.Name, "error", err)
		return nil
	}
	return blob
}

func (s *Stereo) emitImage(src *frame.Source, sink pipeline.Sink, stream *frame.Stream, ext frame.Extension, bpp int) {
	stride := s.cfg.Width * bpp
	f := src.AllocFrame(stream.Kind.FrameKind(), stream, stride*s.cfg.Height, ext, true)
	if f == nil {
		s.dropped.Add(1)
		return
	}
	f.Video = frame.VideoInfo{Width: s.cfg.Width, Height: s.cfg.Height, Stride: stride, BPP: bpp}
	f.Data[0] = byte(ext.Index)

	s.emitted.Add(1)
	sink(frame.Wrap(f))
}

func (s *Stereo) captureMotion(ctx context.Context, src *frame.Source, sink pipeline.Sink) {
	defer s.wg.Done()

	period := time.Duration(float64(time.Second) / s.cfg.IMURateHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var index uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.paused.Load() {
			continue
		}
		index++

		f := src.AllocFrame(frame.KindMotion, s.motion, frame.MotionSampleSize, frame.Extension{
			Index:      index,
			Timestamp:  s.ctx.Now(),
			Domain:     frame.DomainHardware,
			SystemTime: s.ctx.Now(),
		}, true)
		if f == nil {
			s.dropped.Add(1)
			continue
		}

		// Slow rotation about z while resting flat.
		phase := float64(index) * period.Seconds()
		sample := frame.MotionSample{
			Accel: [3]float32{0, 0, 9.81},
			Gyro:  [3]float32{0, 0, float32(0.1 * math.Sin(phase))},
		}
		if err := frame.PutMotion(f.Data, sample); err != nil {
			slog.Warn("sim: motion encode failed", "device", s.cfg.Name, "error", err)
		}

		s.samples.Add(1)
		s.emitted.Add(1)
		sink(frame.Wrap(f))
	}
}
