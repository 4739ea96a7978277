package printer

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, buf io.Writer) *Client {
	t.Helper()
	if buf == nil {
		buf = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewClient(Config{Host: "127.0.0.1", Serial: "01S00C000000001", AccessCode: "12345678", TLS: true}, logger)
}

func TestHandleMessage_MergesPrintPayload(t *testing.T) {
	c := newTestClient(t, nil)

	c.handleMessage("device/x/report", []byte(`{"print":{"nozzle_temper":215.5,"gcode_state":"RUNNING","mc_percent":12}}`))

	d := c.Device()
	if got := d.String("gcode_state", ""); got != "RUNNING" {
		t.Errorf("gcode_state = %q, want RUNNING", got)
	}
	if got, ok := d.Float("nozzle_temper"); !ok || got != 215.5 {
		t.Errorf("nozzle_temper = %v, %v; want 215.5, true", got, ok)
	}
	if d.Updates() != 1 {
		t.Errorf("Updates() = %d, want 1", d.Updates())
	}
	if d.UpdatedAt().IsZero() {
		t.Error("UpdatedAt() is zero after update")
	}
}

func TestHandleMessage_ShallowMergeLastWriteWins(t *testing.T) {
	c := newTestClient(t, nil)

	c.handleMessage("t", []byte(`{"print":{"a":1,"b":{"x":1,"y":2},"c":"keep"}}`))
	c.handleMessage("t", []byte(`{"print":{"a":2,"b":{"x":9}}}`))

	snap := c.Device().Snapshot()
	if snap["a"] != float64(2) {
		t.Errorf("a = %v, want 2", snap["a"])
	}
	if snap["c"] != "keep" {
		t.Errorf("c = %v, want keep (untouched field survives)", snap["c"])
	}
	b, ok := snap["b"].(map[string]any)
	if !ok {
		t.Fatalf("b = %T, want map", snap["b"])
	}
	if _, ok := b["y"]; ok {
		t.Error("nested object was deep-merged; want wholesale replacement")
	}
	if b["x"] != float64(9) {
		t.Errorf("b.x = %v, want 9", b["x"])
	}
}

func TestHandleMessage_LeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantLog string
	}{
		{"missing print key", `{"system":{"command":"ledctrl"}}`, "no print payload"},
		{"null print", `{"print":null}`, "no print payload"},
		{"empty print", `{"print":{}}`, "no print payload"},
		{"malformed json", `{"print":{"nozzle_temper":`, "printer message discarded"},
		{"not an object", `[1,2,3]`, "printer message discarded"},
		{"print is a string", `{"print":"hello"}`, "printer message discarded"},
		{"plain text", `just a string`, "printer message discarded"},
		{"empty payload", ``, "printer message discarded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := newTestClient(t, &buf)
			c.handleMessage("t", []byte(`{"print":{"gcode_state":"IDLE"}}`))

			var calls atomic.Int32
			c.callback = func(*Device) { calls.Add(1) }

			c.handleMessage("t", []byte(tt.payload))

			snap := c.Device().Snapshot()
			if len(snap) != 1 || snap["gcode_state"] != "IDLE" {
				t.Errorf("state changed: %v", snap)
			}
			if c.Device().Updates() != 1 {
				t.Errorf("Updates() = %d, want 1", c.Device().Updates())
			}
			if calls.Load() != 0 {
				t.Errorf("callback called %d times, want 0", calls.Load())
			}
			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("expected %q in log output, got: %s", tt.wantLog, buf.String())
			}
		})
	}
}

func TestHandleMessage_InvokesCallback(t *testing.T) {
	c := newTestClient(t, nil)

	var seen *Device
	c.callback = func(d *Device) { seen = d }

	c.handleMessage("t", []byte(`{"print":{"layer_num":3}}`))

	if seen != c.Device() {
		t.Fatal("callback did not receive the client's device")
	}
	if got := seen.String("layer_num", ""); got != "3" {
		t.Errorf("layer_num = %q, want 3", got)
	}
}

func TestHandleMessage_CallbackPanicRecovered(t *testing.T) {
	var buf bytes.Buffer
	c := newTestClient(t, &buf)
	c.callback = func(*Device) { panic("boom") }

	c.handleMessage("t", []byte(`{"print":{"a":1}}`))

	if c.Device().Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Device().Len())
	}
	if !strings.Contains(buf.String(), "printer callback panicked") {
		t.Errorf("expected panic log, got: %s", buf.String())
	}
}

func TestHandleMessage_TracePayload(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.Level(-8)}))
	c := NewClient(Config{Host: "h", Serial: "S"}, logger)

	c.handleMessage("device/S/report", []byte(`{"print":{"a":1}}`))

	if !strings.Contains(buf.String(), "printer message received") {
		t.Errorf("expected trace line, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "printer=S") {
		t.Errorf("expected printer attribute, got: %s", buf.String())
	}
}

func TestParseReport(t *testing.T) {
	data, err := parseReport([]byte(`{"print":{"command":"push_status","sequence_id":"42"},"info":{}}`))
	if err != nil {
		t.Fatalf("parseReport() error = %v", err)
	}
	if data["command"] != "push_status" || data["sequence_id"] != "42" {
		t.Errorf("parseReport() = %v", data)
	}

	data, err = parseReport([]byte(`{}`))
	if err != nil || data != nil {
		t.Errorf("parseReport({}) = %v, %v; want nil, nil", data, err)
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}
	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	rl.reset()
	if !rl.allow() {
		t.Error("allow() after reset should succeed")
	}
}

func TestMessageRateLimiter_WarnsOnDrops(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	rl := newMessageRateLimiter(1, time.Second, logger)

	rl.allow()
	rl.allow()
	rl.reset()

	out := buf.String()
	if !strings.Contains(out, "dropped=1") || !strings.Contains(out, "received=2") {
		t.Errorf("unexpected warning output: %s", out)
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(Config{Host: "h", Serial: "S", MaxMessagesPerSec: 2}, logger)

	for i := range 4 {
		c.handleMessage("t", []byte(`{"print":{"n":`+string(rune('0'+i))+`}}`))
	}

	if got := c.Device().Updates(); got != 2 {
		t.Errorf("Updates() = %d, want 2", got)
	}
	if got := c.Device().String("n", ""); got != "1" {
		t.Errorf("n = %q, want 1 (later messages dropped)", got)
	}
}
