// Package metrics exposes Prometheus collectors for the relay, servers and
// clients.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leasenet"

var (
	Registry = prometheus.NewRegistry()

	// ---- Relay ----
	RelayPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Currently registered peers by role.",
		},
		[]string{"role"},
	)

	RelayRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "routes",
			Help:      "Entries in the tid1 route table.",
		},
	)

	RelayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages received by the relay, by sending role and type.",
		},
		[]string{"role", "type"},
	)

	RelayDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Messages the relay did not deliver, by reason.",
		},
		[]string{"reason"},
	)

	RelayProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "probes_total",
			Help:      "Fallback route probes sent, by outcome.",
		},
		[]string{"result"},
	)

	// ---- Server ----
	ServerAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "pool_available",
			Help:      "Addresses available for offering.",
		},
		[]string{"server"},
	)

	ServerHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "pool_held",
			Help:      "Addresses offered or leased.",
		},
		[]string{"server"},
	)

	ServerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "events_total",
			Help:      "Pool transitions (offer, ack, not_needed, release, keepalive, reclaim, exhausted).",
		},
		[]string{"server", "event"},
	)

	// ---- Client ----
	ClientEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "events_total",
			Help:      "Client lease transitions (discover, bound, no_offers, keepalive, release, released, expired).",
		},
		[]string{"event"},
	)

	LeaseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "lease_held_seconds",
			Help:      "How long a bound address was held before it was released.",
			// 1s .. ~68min
			Buckets: prometheus.ExponentialBuckets(1, 2, 13),
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RelayPeers, RelayRoutes, RelayMessages, RelayDropped, RelayProbes,
		ServerAvailable, ServerHeld, ServerEvents,
		ClientEvents, LeaseDuration,
		buildInfo, uptime,
	)
}

// Handler exposes /metrics. Mount it with mux.Handle("/metrics", metrics.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}
