// Package printer talks to the MQTT broker embedded in a Bambu Lab
// printer. It subscribes to the printer's report topic, merges each
// inbound `print` payload into a [Device], and hands the device to a
// single registered [Callback].
//
// Connection management, keepalive, TLS and reconnection are handled by
// Eclipse Paho v2's [autopaho] package. The client re-subscribes on every
// (re-)connect. Credentials (username "bblp", password = access code)
// are only sent on the TLS listener, which uses the printer's
// self-signed certificate and therefore skips verification.
//
// The telemetry schema is not interpreted: every field under `print` is
// stored as decoded JSON and passed through unchanged.
package printer
