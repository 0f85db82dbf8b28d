package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("telemetry: mqtt not connected")

// MQTTConfig configures MQTTPublisher.
type MQTTConfig struct {
	Broker   string // host:port
	ClientID string
	Topic    string // Snapshots go to Topic/stats, health to Topic/health
	QoS      byte
	Format   string // FormatJSON or FormatMsgpack

	ConnectTimeout time.Duration
}

// MQTTStats reports publisher activity.
type MQTTStats struct {
	Connected bool
	Published map[string]uint64 // Per topic
	Errors    uint64
}

// MQTTPublisher publishes snapshots to an MQTT broker. The client reconnects
// on its own; Publish fails fast while disconnected.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// NewMQTTPublisher creates a disconnected publisher.
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return &MQTTPublisher{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect dials the broker and waits up to ConnectTimeout.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		slog.Info("telemetry: mqtt connected", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		slog.Warn("telemetry: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", p.cfg.Broker,
		)
	}

	p.client = mqtt.NewClient(opts)
	slog.Info("telemetry: connecting to mqtt broker", "broker", p.cfg.Broker)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(p.cfg.ConnectTimeout):
		return fmt.Errorf("telemetry: mqtt connection timeout after %v", p.cfg.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Publish sends snap to Topic/stats and its health status to Topic/health.
func (p *MQTTPublisher) Publish(ctx context.Context, snap Snapshot) error {
	if !p.isConnected() {
		p.countError()
		return ErrNotConnected
	}

	payload, err := snap.Encode(p.cfg.Format)
	if err != nil {
		p.countError()
		return err
	}
	if err := p.send(ctx, p.cfg.Topic+"/stats", payload); err != nil {
		return err
	}
	return p.send(ctx, p.cfg.Topic+"/health", []byte(snap.Status()))
}

func (p *MQTTPublisher) send(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		p.countError()
		return fmt.Errorf("telemetry: publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("telemetry: publish to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	slog.Debug("telemetry: published", "topic", topic, "qos", p.cfg.QoS, "size", len(payload))
	return nil
}

// Close disconnects with a 250ms grace period.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		slog.Info("telemetry: mqtt disconnected")
	}
	p.setConnected(false)
	return nil
}

// Stats returns a copy of the publisher counters.
func (p *MQTTPublisher) Stats() MQTTStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return MQTTStats{
		Connected: p.connected,
		Published: published,
		Errors:    p.errors,
	}
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
