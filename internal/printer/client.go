package printer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/nugget/bambu-mqtt/internal/metrics"
)

const (
	// Username is the fixed MQTT user for LAN-mode access.
	Username = "bblp"
	// PlainPort is the printer broker's unencrypted listener.
	PlainPort = 1883
	// TLSPort is the printer broker's TLS listener.
	TLSPort = 8883
	// ProbeTimeout bounds how long TryConnection waits for a report.
	ProbeTimeout = 10 * time.Second

	reportTopicFormat = "device/%s/report"
	keepAlive         = 30
	connectTimeout    = 10 * time.Second
	disconnectTimeout = 2 * time.Second
)

// ErrAlreadyConnected is returned by Connect on a client that already
// has a running connection.
var ErrAlreadyConnected = errors.New("printer client already connected")

// ReportTopic returns the status topic the printer publishes to.
func ReportTopic(serial string) string {
	return fmt.Sprintf(reportTopicFormat, serial)
}

// Config holds the connection parameters for one printer. It is copied
// into the client and never changes afterwards.
type Config struct {
	Host       string
	Serial     string
	AccessCode string
	TLS        bool
	// Port overrides the listener implied by TLS. Zero selects
	// PlainPort or TLSPort.
	Port int
	// ClientID is sent in CONNECT. Empty generates a unique ID.
	ClientID string
	// MaxMessagesPerSec drops reports above this rate. Zero disables.
	MaxMessagesPerSec int
}

func (c Config) validate() error {
	if c.Host == "" {
		return errors.New("printer host is required")
	}
	if c.Serial == "" {
		return errors.New("printer serial is required")
	}
	return nil
}

func (c Config) port() int {
	switch {
	case c.Port > 0:
		return c.Port
	case c.TLS:
		return TLSPort
	default:
		return PlainPort
	}
}

func (c Config) brokerURL() *url.URL {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.port())),
	}
}

// Callback receives the device after every successful merge. It runs on
// the MQTT receive goroutine and must return promptly.
type Callback func(*Device)

// Client manages the connection to one printer's broker.
type Client struct {
	cfg      Config
	clientID string
	logger   *slog.Logger
	device   *Device
	limiter  *messageRateLimiter

	connected atomic.Bool

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	cancel   context.CancelFunc
	callback Callback
}

// NewClient creates a client but does not connect. Call [Client.Connect]
// to start the background connection.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bambu-" + strings.ToLower(cfg.Serial) + "-" + uuid.NewString()[:8]
	}

	c := &Client{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger.With("printer", cfg.Serial),
		device:   NewDevice(),
	}
	if cfg.MaxMessagesPerSec > 0 {
		c.limiter = newMessageRateLimiter(int64(cfg.MaxMessagesPerSec), time.Second, c.logger)
	}
	return c
}

// Connect registers cb and starts the background connection to the
// printer. It returns once the connection manager is running, without
// waiting for the broker; use [Client.AwaitConnection] to block. The
// connection lives until ctx is cancelled or Disconnect is called.
func (c *Client) Connect(ctx context.Context, cb Callback) error {
	if err := c.cfg.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cm != nil {
		return ErrAlreadyConnected
	}
	c.callback = cb

	runCtx, cancel := context.WithCancel(ctx)
	cfg := c.clientConfig(c.handleMessage, true)

	c.logger.Debug("printer connecting", "broker", cfg.ServerUrls[0].String(), "client_id", c.clientID)
	cm, err := autopaho.NewConnection(runCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("printer mqtt connect: %w", err)
	}
	c.cm = cm
	c.cancel = cancel

	if c.limiter != nil {
		go c.limiter.start(runCtx)
	}
	go c.release(cm)
	return nil
}

// release waits for cm to terminate, which happens when the Connect
// context is cancelled, and then clears the connection so Connected
// reports false and Connect may be called again. OnConnectionDown does
// not fire on that path.
func (c *Client) release(cm *autopaho.ConnectionManager) {
	<-cm.Done()

	c.mu.Lock()
	current := c.cm == cm
	var cancel context.CancelFunc
	if current {
		cancel = c.cancel
		c.cm, c.cancel = nil, nil
	}
	stale := c.cm != nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// A newer connection owns the flag.
	if stale {
		return
	}
	if current {
		c.logger.Debug("printer connection manager stopped")
	}
	c.setConnected(false)
}

// Connected reports whether the broker session is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for connwatch health probes.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return errors.New("printer client not connected")
	}
	return cm.AwaitConnection(ctx)
}

// Device returns the state holder. It is updated in place as reports
// arrive.
func (c *Client) Device() *Device {
	return c.device
}

// Disconnect closes the broker connection and stops reconnecting. It is
// a no-op on a client that was never connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm, cancel := c.cm, c.cancel
	c.cm, c.cancel = nil, nil
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	defer cancel()

	c.logger.Debug("printer disconnecting")
	c.setConnected(false)

	err := cm.Disconnect(ctx)
	if err != nil && !errors.Is(err, autopaho.ConnectionDownError) {
		return fmt.Errorf("printer mqtt disconnect: %w", err)
	}
	return nil
}

func (c *Client) setConnected(up bool) {
	if c.connected.Swap(up) != up {
		metrics.SetConnected(up)
	}
}

// clientConfig builds the autopaho configuration. onMessage receives
// every publish on the report topic. When track is false the session
// does not touch the client's connected flag and uses a separate client
// ID so a probe can run beside a live connection.
func (c *Client) clientConfig(onMessage func(topic string, payload []byte), track bool) autopaho.ClientConfig {
	u := c.cfg.brokerURL()
	topic := ReportTopic(c.cfg.Serial)
	clientID := c.clientID
	if !track {
		clientID += "-probe"
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                connectTimeout,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("printer mqtt connected", "broker", u.Host)
			if track {
				c.setConnected(true)
			}
			c.subscribe(cm, topic)
		},
		OnConnectionDown: func() bool {
			c.logger.Info("printer mqtt connection down", "broker", u.Host)
			if track {
				c.setConnected(false)
			}
			return true
		},
		OnConnectError: func(err error) {
			c.logger.Warn("printer mqtt connection error", "broker", u.Host, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					onMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.logger.Info("printer mqtt connection lost", "error", err)
				if track {
					c.setConnected(false)
				}
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.logger.Info("printer mqtt server disconnected", "reason_code", d.ReasonCode)
				if track {
					c.setConnected(false)
				}
			},
		},
	}

	if c.cfg.TLS {
		cfg.TlsCfg = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // printers present a self-signed certificate
		}
		cfg.ConnectUsername = Username
		cfg.ConnectPassword = []byte(c.cfg.AccessCode)
	}

	return cfg
}

func (c *Client) subscribe(cm *autopaho.ConnectionManager, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	c.logger.Debug("printer subscribing", "topic", topic)
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	}); err != nil {
		c.logger.Warn("printer subscribe failed", "topic", topic, "error", err)
		return
	}
	c.logger.Info("printer subscribed", "topic", topic)
}
