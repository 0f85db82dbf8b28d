package config

import (
	"fmt"
	"regexp"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/frame"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/framesync"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/pipeline"
	"github.com/SmarterEye/libsmartereye2-sub000/modules/telemetry"
)

var deviceNamePattern = regexp.MustCompile(`^[a-z0-9\-_]+$`)

// Validate fills defaults and checks the configuration.
func Validate(cfg *Config) error {
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if err := validatePipeline(&cfg.Pipeline); err != nil {
		return err
	}
	if err := validateWatchdog(&cfg.Watchdog); err != nil {
		return err
	}
	if err := validateTelemetry(&cfg.Telemetry); err != nil {
		return err
	}
	return validateDevices(cfg.Devices)
}

func validatePipeline(p *PipelineConfig) error {
	switch p.Strategy {
	case "":
		p.Strategy = pipeline.StrategyTimestamp
	case pipeline.StrategyTimestamp, pipeline.StrategyFrameNumber, pipeline.StrategyNone:
	default:
		return fmt.Errorf("pipeline.strategy must be %s, %s or %s, got %q",
			pipeline.StrategyTimestamp, pipeline.StrategyFrameNumber, pipeline.StrategyNone, p.Strategy)
	}

	if p.PoolCapacity <= 0 {
		p.PoolCapacity = frame.DefaultPoolCapacity
	}
	if p.MaxPublished < 0 {
		return fmt.Errorf("pipeline.max_published must be >= 0, got %d", p.MaxPublished)
	}
	if p.MaxPublished == 0 {
		p.MaxPublished = 16
	}
	if p.MatchesCapacity <= 0 {
		p.MatchesCapacity = framesync.DefaultMatchesCapacity
	}
	if p.DispatcherCapacity <= 0 {
		p.DispatcherCapacity = framesync.DefaultDispatcherCapacity
	}
	if p.AggregatorCapacity <= 0 {
		p.AggregatorCapacity = framesync.DefaultAggregatorCapacity
	}
	return nil
}

func validateWatchdog(w *WatchdogConfig) error {
	if w.TimeoutMS < 0 {
		return fmt.Errorf("watchdog.timeout_ms must be >= 0, got %d", w.TimeoutMS)
	}
	if w.TimeoutMS == 0 {
		w.TimeoutMS = 2000
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 5
	}
	if w.RetryDelayMS <= 0 {
		w.RetryDelayMS = 100
	}
	if w.MaxRetryDelayMS <= 0 {
		w.MaxRetryDelayMS = 5000
	}
	if w.MaxRetryDelayMS < w.RetryDelayMS {
		return fmt.Errorf("watchdog.max_retry_delay_ms (%d) must be >= retry_delay_ms (%d)",
			w.MaxRetryDelayMS, w.RetryDelayMS)
	}
	return nil
}

func validateTelemetry(t *TelemetryConfig) error {
	if t.IntervalMS <= 0 {
		t.IntervalMS = 5000
	}
	if t.Window <= 0 {
		t.Window = telemetry.DefaultWindow
	}
	if t.Window < 2 {
		return fmt.Errorf("telemetry.window must be >= 2, got %d", t.Window)
	}
	if t.HTTP.Address == "" {
		t.HTTP.Address = telemetry.DefaultAddress
	}

	m := &t.MQTT
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return fmt.Errorf("telemetry.mqtt.broker is required when mqtt is enabled")
	}
	if m.QoS > 2 {
		return fmt.Errorf("telemetry.mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}
	switch m.Format {
	case "":
		m.Format = telemetry.FormatJSON
	case telemetry.FormatJSON, telemetry.FormatMsgpack:
	default:
		return fmt.Errorf("telemetry.mqtt.format must be %s or %s, got %q",
			telemetry.FormatJSON, telemetry.FormatMsgpack, m.Format)
	}
	if m.ClientID == "" {
		m.ClientID = "framesim"
	}
	if m.Topic == "" {
		m.Topic = fmt.Sprintf("smartereye/%s", m.ClientID)
	}
	return nil
}

func validateDevices(devices []DeviceConfig) error {
	if len(devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}

	seen := make(map[string]bool, len(devices))
	for i := range devices {
		d := &devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("stereo%d", i)
		}
		if !deviceNamePattern.MatchString(d.Name) {
			return fmt.Errorf("device %q: name must match pattern [a-z0-9-_]+", d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("device %q: duplicate name", d.Name)
		}
		seen[d.Name] = true

		if d.FPS < 0 || d.IMURateHz < 0 || d.JitterMS < 0 {
			return fmt.Errorf("device %q: fps, imu_rate_hz and jitter_ms must be >= 0", d.Name)
		}
		if d.FPS == 0 {
			d.FPS = framesync.DefaultFPS
		}
		if d.Width <= 0 {
			d.Width = 640
		}
		if d.Height <= 0 {
			d.Height = 400
		}
		if d.JitterMS*2 >= 1000/d.FPS {
			return fmt.Errorf("device %q: jitter_ms %.1f too large for %.0f fps", d.Name, d.JitterMS, d.FPS)
		}
	}
	return nil
}
