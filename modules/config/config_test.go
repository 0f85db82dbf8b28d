package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/pipeline"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/telemetry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
devices:
  - name: front
    imu_rate_hz: 200
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Errorf("ShutdownTimeout() = %v, want 5s", cfg.ShutdownTimeout())
	}
	if cfg.Pipeline.Strategy != pipeline.StrategyTimestamp {
		t.Errorf("Strategy = %q", cfg.Pipeline.Strategy)
	}
	if cfg.Pipeline.PoolCapacity != frame.DefaultPoolCapacity {
		t.Errorf("PoolCapacity = %d", cfg.Pipeline.PoolCapacity)
	}
	if cfg.Telemetry.HTTP.Address != telemetry.DefaultAddress {
		t.Errorf("HTTP.Address = %q", cfg.Telemetry.HTTP.Address)
	}

	d := cfg.Devices[0]
	if d.FPS != 30 || d.Width != 640 || d.Height != 400 || d.IMURateHz != 200 {
		t.Errorf("device defaults = %+v", d)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
shutdown_timeout_s: 2
pipeline:
  strategy: frame_number
  pool_capacity: 32
  max_published: 4
  aggregator_capacity: 20
watchdog:
  timeout_ms: 500
  max_retries: 3
  retry_delay_ms: 50
  max_retry_delay_ms: 400
telemetry:
  interval_ms: 1000
  mqtt:
    enabled: true
    broker: localhost:1883
    client_id: bench
    qos: 1
    format: msgpack
devices:
  - name: left-rig
    fps: 60
    disparity: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	pc := cfg.PipelineConfig()
	if pc.Strategy != pipeline.StrategyFrameNumber {
		t.Errorf("Strategy = %q", pc.Strategy)
	}
	if pc.Capture.PoolCapacity != 32 || pc.Capture.MaxPublished != 4 || pc.AggregatorCapacity != 20 {
		t.Errorf("PipelineConfig() = %+v", pc)
	}
	if pc.WatchdogTimeout != 500*time.Millisecond {
		t.Errorf("WatchdogTimeout = %v", pc.WatchdogTimeout)
	}
	if pc.Backoff.MaxRetries != 3 || pc.Backoff.RetryDelay != 50*time.Millisecond || pc.Backoff.MaxRetryDelay != 400*time.Millisecond {
		t.Errorf("Backoff = %+v", pc.Backoff)
	}
	if _, err := pipeline.New(frame.NewContext(), pc); err != nil {
		t.Errorf("pipeline.New() rejected converted config: %v", err)
	}

	if cfg.TelemetryInterval() != time.Second {
		t.Errorf("TelemetryInterval() = %v", cfg.TelemetryInterval())
	}
	mc := cfg.MQTTConfig()
	if mc.Broker != "localhost:1883" || mc.QoS != 1 || mc.Format != telemetry.FormatMsgpack {
		t.Errorf("MQTTConfig() = %+v", mc)
	}
	if mc.Topic != "smartereye/bench" {
		t.Errorf("default topic = %q", mc.Topic)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	cfg := Default()
	cfg.Watchdog.Disabled = true
	if got := cfg.PipelineConfig().WatchdogTimeout; got != 0 {
		t.Errorf("WatchdogTimeout = %v with watchdog disabled", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no devices", func(c *Config) { c.Devices = nil }, "at least one device"},
		{"bad strategy", func(c *Config) { c.Pipeline.Strategy = "nearest" }, "pipeline.strategy"},
		{"negative max published", func(c *Config) { c.Pipeline.MaxPublished = -1 }, "max_published"},
		{"negative watchdog", func(c *Config) { c.Watchdog.TimeoutMS = -1 }, "timeout_ms"},
		{"inverted backoff", func(c *Config) {
			c.Watchdog.RetryDelayMS = 1000
			c.Watchdog.MaxRetryDelayMS = 10
		}, "max_retry_delay_ms"},
		{"mqtt without broker", func(c *Config) { c.Telemetry.MQTT.Enabled = true }, "broker is required"},
		{"mqtt bad qos", func(c *Config) {
			c.Telemetry.MQTT = MQTTConfig{Enabled: true, Broker: "b:1883", QoS: 3}
		}, "qos"},
		{"mqtt bad format", func(c *Config) {
			c.Telemetry.MQTT = MQTTConfig{Enabled: true, Broker: "b:1883", Format: "xml"}
		}, "format"},
		{"window too small", func(c *Config) { c.Telemetry.Window = 1 }, "window"},
		{"bad device name", func(c *Config) { c.Devices[0].Name = "Front Cam" }, "name must match"},
		{"duplicate device", func(c *Config) {
			c.Devices = append(c.Devices, c.Devices[0])
		}, "duplicate"},
		{"negative fps", func(c *Config) { c.Devices[0].FPS = -30 }, ">= 0"},
		{"jitter too large", func(c *Config) { c.Devices[0].JitterMS = 20 }, "jitter_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Devices: []DeviceConfig{{Name: "cam"}}}
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file = nil error")
	}
	if _, err := Load(writeConfig(t, "devices: [")); err == nil {
		t.Error("Load() of malformed yaml = nil error")
	}
}
