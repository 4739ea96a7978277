package printer

import (
	"context"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/nugget/bambu-mqtt/internal/metrics"
)

// TryConnection validates the connection parameters: it connects,
// subscribes to the report topic, and waits up to [ProbeTimeout] for one
// message before disconnecting. It returns true only if a report
// arrived. An unreachable broker, rejected credentials and a silent
// printer are all reported as false.
//
// The probe uses its own session and leaves the client's device state
// and connected flag untouched.
func (c *Client) TryConnection(ctx context.Context) bool {
	ok := c.tryConnection(ctx, ProbeTimeout)
	metrics.ObserveProbe(ok)
	return ok
}

func (c *Client) tryConnection(ctx context.Context, timeout time.Duration) bool {
	if err := c.cfg.validate(); err != nil {
		c.logger.Warn("printer probe skipped", "error", err)
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	got := make(chan struct{}, 1)
	onMessage := func(topic string, payload []byte) {
		c.logger.Debug("printer probe received message", "topic", topic, "payload_size", len(payload))
		select {
		case got <- struct{}{}:
		default:
		}
	}

	cfg := c.clientConfig(onMessage, false)
	c.logger.Debug("printer probe connecting", "broker", cfg.ServerUrls[0].String(), "timeout", timeout.String())

	cm, err := autopaho.NewConnection(probeCtx, cfg)
	if err != nil {
		c.logger.Warn("printer probe connect failed", "error", err)
		return false
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		_ = cm.Disconnect(dctx)
	}()

	select {
	case <-got:
		c.logger.Info("printer probe succeeded")
		return true
	case <-probeCtx.Done():
		c.logger.Info("printer probe failed", "error", probeCtx.Err())
		return false
	}
}
