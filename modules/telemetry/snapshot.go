// Package telemetry observes a running pipeline: per-stream rate monitoring,
// periodic snapshots published over MQTT, and HTTP health endpoints.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/pipeline"
)

// Payload formats.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Health states, as reported by Snapshot.Status.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrUnknownFormat is returned by Encode for an unsupported format.
var ErrUnknownFormat = errors.New("telemetry: unknown payload format")

// Snapshot is one sample of pipeline state.
type Snapshot struct {
	Session       string            `json:"session" msgpack:"session"`
	TakenAt       time.Time         `json:"taken_at" msgpack:"taken_at"`
	Running       bool              `json:"running" msgpack:"running"`
	UptimeSeconds float64           `json:"uptime_seconds" msgpack:"uptime_seconds"`
	Devices       []DeviceSnapshot  `json:"devices" msgpack:"devices"`
	Streams       []StreamStats     `json:"streams" msgpack:"streams"`
	Archives      []ArchiveSnapshot `json:"archives" msgpack:"archives"`
	Sync          SyncSnapshot      `json:"sync" msgpack:"sync"`
}

// DeviceSnapshot mirrors pipeline.DeviceStats.
type DeviceSnapshot struct {
	Name             string `json:"name" msgpack:"name"`
	Frames           uint64 `json:"frames" msgpack:"frames"`
	Resyncs          uint64 `json:"resyncs" msgpack:"resyncs"`
	ResyncFailures   uint64 `json:"resync_failures" msgpack:"resync_failures"`
	WatchdogFailures uint64 `json:"watchdog_failures" msgpack:"watchdog_failures"`
}

// ArchiveSnapshot mirrors frame.ArchiveStats for the capture source.
type ArchiveSnapshot struct {
	Kind       string `json:"kind" msgpack:"kind"`
	Capacity   int    `json:"capacity" msgpack:"capacity"`
	InUse      int    `json:"in_use" msgpack:"in_use"`
	Published  int64  `json:"published" msgpack:"published"`
	Refused    uint64 `json:"refused" msgpack:"refused"`
	HeapFrames uint64 `json:"heap_frames" msgpack:"heap_frames"`
}

// SyncSnapshot summarizes the syncer and aggregator.
type SyncSnapshot struct {
	Received       uint64 `json:"received" msgpack:"received"`
	Matched        uint64 `json:"matched" msgpack:"matched"`
	Pending        int    `json:"pending" msgpack:"pending"`
	MatchesDropped uint64 `json:"matches_dropped" msgpack:"matches_dropped"`
	Delivered      uint64 `json:"delivered" msgpack:"delivered"`
	CallbackPanics uint64 `json:"callback_panics" msgpack:"callback_panics"`
	SetsCompleted  uint64 `json:"sets_completed" msgpack:"sets_completed"`
	SetsDropped    uint64 `json:"sets_dropped" msgpack:"sets_dropped"`
}

// Collect samples p. monitor may be nil.
func Collect(p *pipeline.Pipeline, monitor *StreamMonitor) Snapshot {
	st := p.Stats()

	snap := Snapshot{
		Session:       p.Context().ID.String(),
		TakenAt:       time.Now(),
		Running:       st.Running,
		UptimeSeconds: st.Uptime.Seconds(),
		Sync: SyncSnapshot{
			Received:       st.Sync.Received,
			Matched:        st.Sync.Matched,
			Pending:        st.Sync.Pending,
			MatchesDropped: st.Sync.Matches.Dropped,
			Delivered:      st.Sync.Output.Delivered,
			CallbackPanics: st.Sync.Output.CallbackPanics + st.Capture.CallbackPanics,
			SetsCompleted:  st.Aggregator.Completed,
			SetsDropped:    st.Aggregator.Queue.Dropped,
		},
	}
	for _, d := range st.Devices {
		snap.Devices = append(snap.Devices, DeviceSnapshot{
			Name:             d.Name,
			Frames:           d.Frames,
			Resyncs:          d.Resyncs,
			ResyncFailures:   d.ResyncFailures,
			WatchdogFailures: d.WatchdogFailures,
		})
	}
	for _, a := range st.Capture.Archives {
		snap.Archives = append(snap.Archives, ArchiveSnapshot{
			Kind:       a.Kind.String(),
			Capacity:   a.Capacity,
			InUse:      a.InUse,
			Published:  a.Published,
			Refused:    a.Refused,
			HeapFrames: a.HeapFrames,
		})
	}
	if monitor != nil {
		snap.Streams = monitor.Snapshot()
	}
	return snap
}

// Status classifies the snapshot:
//   - unhealthy: pipeline not running
//   - degraded: a device failed to resync, or a measured stream is unstable
//   - healthy: otherwise
func (s Snapshot) Status() string {
	if !s.Running {
		return StatusUnhealthy
	}
	for _, d := range s.Devices {
		if d.ResyncFailures > 0 {
			return StatusDegraded
		}
	}
	for _, st := range s.Streams {
		if st.FPSMean > 0 && !st.IsStable {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// Encode serializes the snapshot as FormatJSON or FormatMsgpack.
func (s Snapshot) Encode(format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.Marshal(s)
	case FormatMsgpack:
		return msgpack.Marshal(s)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
