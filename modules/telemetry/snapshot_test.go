package telemetry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/pipeline"
)

func TestSnapshotStatus(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{"stopped", Snapshot{}, StatusUnhealthy},
		{"running", Snapshot{Running: true}, StatusHealthy},
		{
			"resync failed",
			Snapshot{Running: true, Devices: []DeviceSnapshot{{Name: "cam", ResyncFailures: 1}}},
			StatusDegraded,
		},
		{
			"unstable stream",
			Snapshot{Running: true, Streams: []StreamStats{{FPSMean: 30, IsStable: false}}},
			StatusDegraded,
		},
		{
			"unmeasured stream",
			Snapshot{Running: true, Streams: []StreamStats{{Frames: 1}}},
			StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.Status(); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSnapshotEncode(t *testing.T) {
	snap := Snapshot{
		Session: "s-1",
		Running: true,
		Devices: []DeviceSnapshot{{Name: "stereo", Frames: 42}},
	}

	data, err := snap.Encode(FormatJSON)
	if err != nil {
		t.Fatalf("Encode(json): %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("json payload: %v", err)
	}
	if fields["session"] != "s-1" || fields["running"] != true {
		t.Errorf("json payload = %s", data)
	}

	data, err = snap.Encode(FormatMsgpack)
	if err != nil {
		t.Fatalf("Encode(msgpack): %v", err)
	}
	var decoded Snapshot
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("msgpack payload: %v", err)
	}
	if decoded.Session != "s-1" || len(decoded.Devices) != 1 || decoded.Devices[0].Frames != 42 {
		t.Errorf("msgpack payload decoded to %+v", decoded)
	}

	if _, err := snap.Encode("xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Encode(xml) error = %v, want ErrUnknownFormat", err)
	}
}

func TestCollectStoppedPipeline(t *testing.T) {
	ctx := frame.NewContext()
	p, err := pipeline.New(ctx, pipeline.DefaultConfig())
	if err != nil {
		t.Fatalf("pipeline.New(): %v", err)
	}
	defer p.Close()

	snap := Collect(p, NewStreamMonitor(0))
	if snap.Session != ctx.ID.String() {
		t.Errorf("Session = %q, want %q", snap.Session, ctx.ID.String())
	}
	if snap.Running || snap.Status() != StatusUnhealthy {
		t.Errorf("stopped pipeline collected as running=%v status=%s", snap.Running, snap.Status())
	}
	if len(snap.Archives) != len(frame.Kinds) {
		t.Errorf("Archives has %d entries, want one per frame kind (%d)", len(snap.Archives), len(frame.Kinds))
	}
	if len(snap.Devices) != 0 || len(snap.Streams) != 0 {
		t.Errorf("unexpected devices/streams: %+v", snap)
	}
}
