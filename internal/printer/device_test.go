package printer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestDevice_Accessors(t *testing.T) {
	d := NewDevice()
	d.update(map[string]any{
		"gcode_state":  "PAUSE",
		"bed_temper":   60.0,
		"wifi_signal":  "-52dBm",
		"spd_lvl":      "2",
		"sdcard":       true,
		"print_error":  nil,
		"hms":          []any{},
		"layer_num":    float64(120),
		"subtask_name": "",
	})

	tests := []struct {
		key, fallback, want string
	}{
		{"gcode_state", "IDLE", "PAUSE"},
		{"missing", "IDLE", "IDLE"},
		{"print_error", "none", "none"},
		{"layer_num", "", "120"},
		{"sdcard", "", "true"},
		{"subtask_name", "x", ""},
	}
	for _, tt := range tests {
		if got := d.String(tt.key, tt.fallback); got != tt.want {
			t.Errorf("String(%q, %q) = %q, want %q", tt.key, tt.fallback, got, tt.want)
		}
	}

	if f, ok := d.Float("bed_temper"); !ok || f != 60 {
		t.Errorf("Float(bed_temper) = %v, %v", f, ok)
	}
	if f, ok := d.Float("spd_lvl"); !ok || f != 2 {
		t.Errorf("Float(spd_lvl) = %v, %v; want quoted number parsed", f, ok)
	}
	if _, ok := d.Float("wifi_signal"); ok {
		t.Error("Float(wifi_signal) ok = true, want false for non-numeric string")
	}
	if f, ok := d.Float("sdcard"); !ok || f != 1 {
		t.Errorf("Float(sdcard) = %v, %v; want 1, true", f, ok)
	}
	if _, ok := d.Float("hms"); ok {
		t.Error("Float(hms) ok = true, want false")
	}
	if _, ok := d.Float("missing"); ok {
		t.Error("Float(missing) ok = true, want false")
	}
}

func TestDevice_SnapshotIsCopy(t *testing.T) {
	d := NewDevice()
	d.update(map[string]any{"a": 1.0})

	snap := d.Snapshot()
	snap["a"] = 99.0
	snap["b"] = "added"

	if v, _ := d.Get("a"); v != 1.0 {
		t.Errorf("device a = %v after snapshot mutation, want 1", v)
	}
	if _, ok := d.Get("b"); ok {
		t.Error("snapshot mutation leaked a new key into device")
	}
}

func TestDevice_MarshalJSON(t *testing.T) {
	d := NewDevice()
	d.update(map[string]any{"gcode_state": "FINISH", "mc_percent": 100.0})

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got["gcode_state"] != "FINISH" || got["mc_percent"] != 100.0 {
		t.Errorf("round trip = %v", got)
	}
}

func TestDevice_ConcurrentAccess(t *testing.T) {
	d := NewDevice()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				d.update(map[string]any{"n": float64(i)})
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				_ = d.Snapshot()
				_, _ = d.Float("n")
			}
		}()
	}
	wg.Wait()

	if d.Updates() != 800 {
		t.Errorf("Updates() = %d, want 800", d.Updates())
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}
}

func TestDevice_Restore(t *testing.T) {
	saved := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	d := NewDevice()
	if !d.Restore(map[string]any{"gcode_state": "FINISH"}, saved) {
		t.Fatal("Restore on empty device = false")
	}
	if d.String("gcode_state", "") != "FINISH" || !d.UpdatedAt().Equal(saved) {
		t.Errorf("restored state = %v at %v", d.Snapshot(), d.UpdatedAt())
	}
	if d.Updates() != 0 {
		t.Errorf("Updates() = %d after Restore, want 0", d.Updates())
	}

	d.update(map[string]any{"gcode_state": "RUNNING"})
	if d.Restore(map[string]any{"gcode_state": "FINISH"}, saved) {
		t.Error("Restore after a live report = true, want false")
	}
	if got := d.String("gcode_state", ""); got != "RUNNING" {
		t.Errorf("gcode_state = %q, live data was overwritten", got)
	}

	if NewDevice().Restore(nil, saved) {
		t.Error("Restore(nil) = true, want false")
	}
}
