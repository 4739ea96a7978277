package printer

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"
)

// Device holds the latest telemetry reported by the printer, keyed by
// field name. Each report is shallow-merged over the previous state, so
// the last write wins per top-level field. Nested values are replaced
// wholesale, never modified in place.
//
// Device is safe for concurrent use. Only this package writes to it.
type Device struct {
	mu        sync.RWMutex
	fields    map[string]any
	updatedAt time.Time
	updates   int64
}

// NewDevice returns an empty device state.
func NewDevice() *Device {
	return &Device{fields: make(map[string]any)}
}

func (d *Device) update(data map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	maps.Copy(d.fields, data)
	d.updatedAt = time.Now()
	d.updates++
}

// Restore seeds an empty device with previously saved fields so callers
// have last-known values before the printer first reports. It does
// nothing once any report has been merged, and does not count as an
// update.
func (d *Device) Restore(fields map[string]any, updatedAt time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.updates > 0 || len(fields) == 0 {
		return false
	}
	d.fields = maps.Clone(fields)
	d.updatedAt = updatedAt
	return true
}

// Snapshot returns a shallow copy of the current fields. Nested maps
// and slices are shared with the device and must not be modified.
func (d *Device) Snapshot() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.fields)
}

// Get returns the raw decoded value for key.
func (d *Device) Get(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.fields[key]
	return v, ok
}

// String returns the value for key formatted as a string, or fallback
// if the field has never been reported.
func (d *Device) String(key, fallback string) string {
	v, ok := d.Get(key)
	if !ok || v == nil {
		return fallback
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

// Float returns the value for key as a float64. Numeric strings are
// accepted because some firmware reports numbers quoted.
func (d *Device) Float(key string) (float64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Len returns the number of known fields.
func (d *Device) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.fields)
}

// UpdatedAt returns when the last merge happened, or the zero time.
func (d *Device) UpdatedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updatedAt
}

// Updates returns how many payloads have been merged.
func (d *Device) Updates() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updates
}

// MarshalJSON encodes the current fields as a JSON object.
func (d *Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Snapshot())
}
