package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/bambu-mqtt/internal/config"
	"github.com/nugget/bambu-mqtt/internal/metrics"
)

// report is the envelope of a printer status message. Only the print
// member is consumed; everything else (system, info, upgrade, ...) is
// ignored.
type report struct {
	Print json.RawMessage `json:"print"`
}

// parseReport extracts the print object from a raw report. It returns
// nil data and nil error when the message carries no print payload.
func parseReport(payload []byte) (map[string]any, error) {
	var r report
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	raw := bytes.TrimSpace(r.Print)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode print payload: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// handleMessage is the receive boundary for report messages. Errors are
// logged and counted here; nothing propagates back into the MQTT client.
func (c *Client) handleMessage(topic string, payload []byte) {
	metrics.MessagesReceived.Inc()

	if c.limiter != nil && !c.limiter.allow() {
		metrics.MessagesDropped.Inc()
		return
	}

	c.logger.Log(context.Background(), config.LevelTrace, "printer message received",
		"topic", topic, "payload", string(payload))

	data, err := parseReport(payload)
	if err != nil {
		metrics.ParseErrors.Inc()
		c.logger.Warn("printer message discarded",
			"topic", topic, "payload_size", len(payload), "error", err)
		return
	}
	if data == nil {
		c.logger.Debug("printer message has no print payload",
			"topic", topic, "payload_size", len(payload))
		return
	}

	c.device.update(data)
	metrics.StateUpdates.Inc()
	c.logger.Debug("printer state updated",
		"fields", len(data), "total_fields", c.device.Len())

	c.notify()
}

// notify invokes the registered callback. A panicking callback is
// recovered so it cannot take down the MQTT receive loop.
func (c *Client) notify() {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("printer callback panicked", "panic", r)
		}
	}()
	cb(c.device)
}

// messageRateLimiter drops report messages once more than limit arrive
// within one interval. Counters are atomic so allow stays lock-free on
// the receive path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counters every interval until ctx is cancelled,
// warning once per interval that had drops.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("printer messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
