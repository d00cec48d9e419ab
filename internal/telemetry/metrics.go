package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RelayDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      "relay_decisions_total",
			Help:      "Relay engine outcomes by decision and drop reason.",
		},
		[]string{"outcome", "reason"},
	)

	SpamRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      "spam_rejections_total",
			Help:      "Envelopes rejected by the spam guard, by sub-reason.",
		},
		[]string{"reason"},
	)

	HandshakeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      "handshake_outcomes_total",
			Help:      "Terminal handshake states.",
		},
		[]string{"outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshlink",
			Name:      "queue_depth",
			Help:      "Messages in the offline queue by status.",
		},
		[]string{"status"},
	)

	QueueDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      "queue_deliveries_total",
			Help:      "Terminal queue outcomes.",
		},
		[]string{"outcome"},
	)

	DecryptFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      "decrypt_failures_total",
			Help:      "Inbound payloads dropped for failed authentication.",
		},
	)

	FragmentsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      "fragments_evicted_total",
			Help:      "Partial reassembly buffers evicted on timeout.",
		},
	)
)

func init() {
	Registry.MustRegister(
		RelayDecisions,
		SpamRejections,
		HandshakeOutcomes,
		QueueDepth,
		QueueDeliveries,
		DecryptFailures,
		FragmentsEvicted,
	)
}

// Handler serves the registry for the daemon's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
