package hamqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureHook records the last payload published to each topic.
type captureHook struct {
	mqtt.HookBase
	mu   sync.Mutex
	last map[string][]byte
	seen map[string]int
}

func newCaptureHook() *captureHook {
	return &captureHook{last: make(map[string][]byte), seen: make(map[string]int)}
}

func (h *captureHook) ID() string { return "capture" }

func (h *captureHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mqtt.OnPublish}, []byte{b})
}

func (h *captureHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	h.mu.Lock()
	h.last[pk.TopicName] = append([]byte(nil), pk.Payload...)
	h.seen[pk.TopicName]++
	h.mu.Unlock()
	return pk, nil
}

func (h *captureHook) payload(topic string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.last[topic]
	return string(p), ok
}

func (h *captureHook) count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[topic]
}

func startBroker(t *testing.T) (*captureHook, string) {
	t.Helper()

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	capture := newCaptureHook()
	require.NoError(t, server.AddHook(capture, nil))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "ha", Address: addr})))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { _ = server.Close() })

	return capture, "mqtt://" + addr
}

func TestPublisher_BridgesToBroker(t *testing.T) {
	capture, broker := startBroker(t)

	cfg := testConfig()
	cfg.Broker = broker
	src := &fakeSource{
		fields:  map[string]any{"mc_percent": 12.0, "gcode_state": "RUNNING"},
		updated: time.Now(),
	}
	p := New(cfg, "01P00A123456789", "instance-1", src, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer awaitCancel()
	require.Eventually(t, func() bool { return p.AwaitConnection(awaitCtx) == nil }, 5*time.Second, 20*time.Millisecond)

	discovery := "homeassistant/sensor/bambu-x1c/mc_percent/config"
	require.Eventually(t, func() bool {
		_, ok := capture.payload(discovery)
		return ok
	}, 5*time.Second, 20*time.Millisecond, "discovery config not published")

	raw, _ := capture.payload(discovery)
	var sensor SensorConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &sensor))
	assert.Equal(t, "instance-1_mc_percent", sensor.UniqueID)
	assert.Equal(t, "%", sensor.UnitOfMeasurement)

	require.Eventually(t, func() bool {
		status, _ := capture.payload("bambu/bambu-x1c/availability")
		return status == "online"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := capture.payload("bambu/bambu-x1c/state")
		return ok
	}, 5*time.Second, 20*time.Millisecond, "state not published")

	state, _ := capture.payload("bambu/bambu-x1c/state")
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(state), &doc))
	assert.Equal(t, "RUNNING", doc["gcode_state"])
	assert.Contains(t, doc, updatedAtKey)

	before := capture.count("bambu/bambu-x1c/state")
	p.Notify()
	require.Eventually(t, func() bool {
		return capture.count("bambu/bambu-x1c/state") > before
	}, 5*time.Second, 20*time.Millisecond, "Notify did not trigger a state publish")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	status, _ := capture.payload("bambu/bambu-x1c/availability")
	assert.Equal(t, "offline", status)
}

func TestPublisher_StartRejectsBadURL(t *testing.T) {
	cfg := testConfig()
	cfg.Broker = "://nope"
	p := New(cfg, "SERIAL", "id", &fakeSource{}, nil)
	require.Error(t, p.Start(t.Context()))
}
