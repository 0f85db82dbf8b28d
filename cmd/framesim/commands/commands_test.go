package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/config"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/telemetry"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := out.String(); got != "framesim "+Version+"\n" {
		t.Errorf("version output = %q", got)
	}
}

func TestDescribeSet(t *testing.T) {
	ctx := frame.NewContext()
	src := frame.NewSource(ctx, frame.SourceConfig{})
	left := ctx.NewStream(frame.StreamLeft, 0, 30, "left")
	right := ctx.NewStream(frame.StreamRight, 0, 30, "right")

	l := src.AllocFrame(frame.KindVideo, left, 0, frame.Extension{Timestamp: 33.3}, false)
	r := src.AllocFrame(frame.KindVideo, right, 0, frame.Extension{Timestamp: 33.3}, false)
	set := src.AllocComposite([]frame.Holder{frame.Wrap(l), frame.Wrap(r)})
	defer set.Release()

	if got, want := describeSet(set), "left#1@33.3+right#2@33.3"; got != want {
		t.Errorf("describeSet() = %q, want %q", got, want)
	}
	if got := describeSet(nil); got != "<nil>" {
		t.Errorf("describeSet(nil) = %q", got)
	}
}

func TestRunPrintsFrameSets(t *testing.T) {
	cfg := &config.Config{
		Watchdog: config.WatchdogConfig{Disabled: true},
		Devices:  []config.DeviceConfig{{Name: "rig", FPS: 100, Width: 8, Height: 4, Disparity: true}},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate(): %v", err)
	}

	prevPrint, prevStats := runPrintEvery, runStatsInterval
	runPrintEvery, runStatsInterval = 1, 0
	defer func() { runPrintEvery, runStatsInterval = prevPrint, prevStats }()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	if err := run(ctx, cfg, &out); err != nil {
		t.Fatalf("run(): %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "set 1: rig/left") {
		t.Fatalf("output = %q", out.String())
	}
	if parts := strings.Count(lines[0], "+"); parts != 2 {
		t.Errorf("first set %q has %d frames, want 3", lines[0], parts+1)
	}
}

func TestLoadConfigFromFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.yaml")
	if err := os.WriteFile(path, []byte("devices:\n  - name: bench\n    fps: 15\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	prev := configPath
	configPath = path
	defer func() { configPath = prev }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig(): %v", err)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Name != "bench" || cfg.Devices[0].FPS != 15 {
		t.Errorf("devices = %+v", cfg.Devices)
	}
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	printStats(&out, telemetry.Snapshot{
		Running:       true,
		UptimeSeconds: 61,
		Devices:       []telemetry.DeviceSnapshot{{Name: "rig", Frames: 120, Resyncs: 1}},
		Streams:       []telemetry.StreamStats{{Name: "rig/left#1", FPSMean: 29.9, DeclaredFPS: 30, IsStable: true}},
		Archives:      []telemetry.ArchiveSnapshot{{Refused: 2}, {HeapFrames: 3}},
		Sync:          telemetry.SyncSnapshot{Received: 360, Matched: 120},
	})

	text := out.String()
	for _, want := range []string{
		"Uptime: 1m1s, healthy",
		"rig                   120 frames",
		"rig/left#1",
		"stable",
		"Matched:                 120 sets",
		"Refused (backpressure):      2",
		"Heap fallbacks:              3",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}
