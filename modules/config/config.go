// Package config loads the YAML configuration of the frame pipeline and its
// tooling.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/dispatch"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/framesync"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/pipeline"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/telemetry"
)

// Config is the complete configuration.
type Config struct {
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout (default: 5)
	Pipeline         PipelineConfig  `yaml:"pipeline"`
	Watchdog         WatchdogConfig  `yaml:"watchdog"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
	Devices          []DeviceConfig  `yaml:"devices"`
}

// PipelineConfig sizes the frame pools and queues.
type PipelineConfig struct {
	Strategy           string `yaml:"strategy"`            // timestamp, frame_number, none
	PoolCapacity       int    `yaml:"pool_capacity"`       // Frames per kind before heap fallback
	MaxPublished       int    `yaml:"max_published"`       // Frames per kind the user may hold (default 16)
	MatchesCapacity    int    `yaml:"matches_capacity"`    // Syncer output queue
	DispatcherCapacity int    `yaml:"dispatcher_capacity"` // Syncer delivery dispatcher
	AggregatorCapacity int    `yaml:"aggregator_capacity"` // Sets waiting for WaitForFrames
}

// WatchdogConfig controls device resynchronization.
type WatchdogConfig struct {
	Disabled        bool `yaml:"disabled"`
	TimeoutMS       int  `yaml:"timeout_ms"`
	MaxRetries      int  `yaml:"max_retries"`
	RetryDelayMS    int  `yaml:"retry_delay_ms"`
	MaxRetryDelayMS int  `yaml:"max_retry_delay_ms"`
}

// TelemetryConfig controls snapshot sampling and its outputs.
type TelemetryConfig struct {
	IntervalMS int        `yaml:"interval_ms"`
	Window     int        `yaml:"window"` // Timestamps kept per stream for rate stats
	HTTP       HTTPConfig `yaml:"http"`
	MQTT       MQTTConfig `yaml:"mqtt"`
}

// HTTPConfig configures the health server.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// MQTTConfig configures snapshot publishing.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // host:port
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Format   string `yaml:"format"` // json, msgpack
}

// DeviceConfig describes one simulated stereo device.
type DeviceConfig struct {
	Name      string  `yaml:"name"`
	FPS       float64 `yaml:"fps"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	Disparity bool    `yaml:"disparity"`   // Emit a disparity stream next to left/right
	IMURateHz float64 `yaml:"imu_rate_hz"` // 0 disables the motion stream
	JitterMS  float64 `yaml:"jitter_ms"`   // Random timestamp jitter per frame
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with one stereo device.
func Default() *Config {
	cfg := &Config{
		Devices: []DeviceConfig{{Name: "stereo0", Disparity: true, IMURateHz: 200}},
	}
	if err := Validate(cfg); err != nil {
		panic("config: default configuration invalid: " + err.Error())
	}
	return cfg
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// PipelineConfig converts to the pipeline's configuration.
func (c *Config) PipelineConfig() pipeline.Config {
	cfg := pipeline.Config{
		Capture: frame.SourceConfig{
			PoolCapacity: c.Pipeline.PoolCapacity,
			MaxPublished: c.Pipeline.MaxPublished,
		},
		Sync: framesync.SyncerConfig{
			MatchesCapacity:    c.Pipeline.MatchesCapacity,
			DispatcherCapacity: c.Pipeline.DispatcherCapacity,
		},
		Strategy:           c.Pipeline.Strategy,
		AggregatorCapacity: c.Pipeline.AggregatorCapacity,
		Backoff: dispatch.BackoffConfig{
			MaxRetries:    c.Watchdog.MaxRetries,
			RetryDelay:    time.Duration(c.Watchdog.RetryDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(c.Watchdog.MaxRetryDelayMS) * time.Millisecond,
		},
	}
	if !c.Watchdog.Disabled {
		cfg.WatchdogTimeout = time.Duration(c.Watchdog.TimeoutMS) * time.Millisecond
	}
	return cfg
}

// TelemetryInterval returns the snapshot sampling period.
func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.Telemetry.IntervalMS) * time.Millisecond
}

// MQTTConfig converts to the publisher's configuration.
func (c *Config) MQTTConfig() telemetry.MQTTConfig {
	m := c.Telemetry.MQTT
	return telemetry.MQTTConfig{
		Broker:   m.Broker,
		ClientID: m.ClientID,
		Topic:    m.Topic,
		QoS:      m.QoS,
		Format:   m.Format,
	}
}
