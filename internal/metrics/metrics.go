// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesReceived counts every publish delivered on the report topic,
	// before rate limiting or parsing.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bambu_messages_received_total",
		Help: "MQTT messages received on the printer report topic.",
	})
	// MessagesDropped counts reports discarded by max_messages_per_sec.
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bambu_messages_dropped_total",
		Help: "Report messages dropped by the inbound rate limit.",
	})
	// ParseErrors counts payloads that were not valid JSON.
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bambu_parse_errors_total",
		Help: "Report messages discarded because they were not valid telemetry JSON.",
	})
	// StateUpdates counts print objects merged into the device.
	StateUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bambu_state_updates_total",
		Help: "Print payloads merged into device state.",
	})
	// Connected is 1 while the printer session is up. Use SetConnected.
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bambu_printer_connected",
		Help: "1 while the printer broker connection is up.",
	})
	// Probes counts TryConnection outcomes by result (success, failure).
	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bambu_probes_total",
		Help: "Connectivity probes by outcome.",
	}, []string{"result"})
	// BridgePublishes counts Home Assistant publishes by kind (discovery,
	// availability, state).
	BridgePublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bambu_bridge_publishes_total",
		Help: "Messages published to the Home Assistant broker by kind.",
	}, []string{"kind"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetConnected flips the connected gauge.
func SetConnected(up bool) {
	if up {
		Connected.Set(1)
		return
	}
	Connected.Set(0)
}

// ObserveProbe records a probe outcome.
func ObserveProbe(ok bool) {
	if ok {
		Probes.WithLabelValues("success").Inc()
		return
	}
	Probes.WithLabelValues("failure").Inc()
}
