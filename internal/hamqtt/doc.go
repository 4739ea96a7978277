// Package hamqtt republishes printer telemetry to a Home Assistant MQTT
// broker. The printer appears as a native HA device whose sensors are
// declared in configuration, one per telemetry key.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained discovery config payload for
// each configured sensor and a birth message ("online") to the
// availability topic. A will message moves the availability topic to
// "offline" on unexpected disconnects.
//
// State is published as one JSON document holding the full device
// snapshot; each sensor picks its field out with a value_template.
package hamqtt
