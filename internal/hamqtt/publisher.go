package hamqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/bambu-mqtt/internal/config"
	"github.com/nugget/bambu-mqtt/internal/metrics"
)

// updatedAtKey is added to the state document alongside the telemetry
// fields. The leading underscore keeps it clear of printer keys.
const updatedAtKey = "_updated_at"

const (
	connectWait  = 30 * time.Second
	stopTimeout  = 5 * time.Second
	publishQoS   = 1
	topicRoot    = "bambu"
	availOnline  = "online"
	availOffline = "offline"
)

// StateSource is the device state being bridged. *printer.Device
// satisfies it.
type StateSource interface {
	Snapshot() map[string]any
	UpdatedAt() time.Time
}

// Publisher owns the connection to the Home Assistant broker and
// pushes discovery, availability and state messages to it.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     StateSource
	logger     *slog.Logger
	notify     chan struct{}

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, serial, instanceID string, source StateSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName, serial),
		source:     source,
		logger:     logger.With("bridge", cfg.DeviceName),
		notify:     make(chan struct{}, 1),
	}
}

// Notify schedules a state publish. Calls made while one is already
// pending collapse into it, so a burst of printer reports produces a
// single broker message.
func (p *Publisher) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled, then marks the device offline and disconnects.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	p.mu.Lock()
	if p.cm != nil {
		p.mu.Unlock()
		return errors.New("mqtt publisher already started")
	}
	// The session outlives ctx so Stop can still announce "offline".
	cm, err := autopaho.NewConnection(context.WithoutCancel(ctx), p.clientConfig(brokerURL))
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, connectWait)
	if err := cm.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	p.runLoop(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	return p.Stop(stopCtx)
}

// Stop publishes "offline" and closes the connection. It is safe to call
// more than once.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.cm = nil
	p.mu.Unlock()
	if cm == nil {
		return nil
	}

	p.publishAvailability(ctx, cm, availOffline)
	if err := cm.Disconnect(ctx); err != nil && !errors.Is(err, autopaho.ConnectionDownError) {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) clientConfig(brokerURL *url.URL) autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte(availOffline),
			QoS:     publishQoS,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", brokerURL.Host)
			ctx, cancel := context.WithTimeout(context.Background(), connectWait)
			defer cancel()
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, availOnline)
			p.Notify()
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: topicRoot + "-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return topicRoot + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic() string {
	return p.baseTopic() + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Publishing ---

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, kind, topic string, payload []byte) error {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     publishQoS,
		Retain:  true,
	})
	if err == nil {
		metrics.BridgePublishes.WithLabelValues(kind).Inc()
	}
	return err
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.objectID)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.objectID, "error", err)
			continue
		}
		if err := p.publish(ctx, cm, "discovery", topic, payload); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.objectID, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", s.objectID, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if err := p.publish(ctx, cm, "availability", p.availabilityTopic(), []byte(status)); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// stateDocument is the JSON published to the state topic, or nil when
// the printer has not reported yet.
func (p *Publisher) stateDocument() ([]byte, error) {
	updated := p.source.UpdatedAt()
	if updated.IsZero() {
		return nil, nil
	}
	doc := maps.Clone(p.source.Snapshot())
	if doc == nil {
		doc = make(map[string]any, 1)
	}
	doc[updatedAtKey] = updated.UTC().Format(time.RFC3339)
	return json.Marshal(doc)
}

func (p *Publisher) publishState(ctx context.Context) {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return
	}

	payload, err := p.stateDocument()
	if err != nil {
		p.logger.Error("mqtt marshal state", "error", err)
		return
	}
	if payload == nil {
		p.logger.Debug("mqtt state skipped, no printer report yet")
		return
	}
	if err := p.publish(ctx, cm, "state", p.stateTopic(), payload); err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt state published", "bytes", len(payload))
}

// --- Publish loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishState(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishState(ctx)
		case <-p.notify:
			p.publishState(ctx)
		}
	}
}
