package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "messages_total",
			Help:      "Messages sent and received, by body type.",
		},
		[]string{"direction", "type"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrcast",
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling a request.",
			// 10µs .. ~80ms; handlers never block on the network.
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
		[]string{"type"},
	)

	HandlerResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "handler_results_total",
			Help:      "Handled requests by type and outcome.",
		},
		[]string{"type", "result"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "in_flight_requests",
			Help:      "Requests currently being handled.",
		},
		[]string{"type"},
	)

	GossipBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "zephyrcast",
			Name:      "gossip_batch_size",
			Help:      "Values carried per gossip message.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	GossipRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "gossip_retries_total",
			Help:      "Gossip batches requeued after a failed or unanswered send.",
		},
	)

	PendingValues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "gossip_pending_values",
			Help:      "Values queued or in flight per neighbor.",
		},
		[]string{"node", "neighbor"},
	)

	NeighborSuspect = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "neighbor_suspect",
			Help:      "1 while the failure detector suspects the neighbor.",
		},
		[]string{"node", "neighbor"},
	)

	StoreValues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "store_values",
			Help:      "Values known to the node.",
		},
		[]string{"node"},
	)

	RPCTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrcast",
			Name:      "rpc_timeouts_total",
			Help:      "RPCs that ended without a reply.",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrcast",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesTotal, HandlerDuration, HandlerResults, InFlight,
		GossipBatchSize, GossipRetries, PendingValues, NeighborSuspect,
		StoreValues, RPCTimeouts, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Handler instrumentation ----

// Instrument wraps a message handler to record metrics under the given
// body type. fn's error decides the result label.
// Example:
//
//	reply, err := telemetry.Instrument("broadcast", func() (proto.Body, error) { ... })
func Instrument[T any](typ string, fn func() (T, error)) (T, error) {
	start := time.Now()

	InFlight.WithLabelValues(typ).Inc()
	defer InFlight.WithLabelValues(typ).Dec()

	out, err := fn()

	result := "ok"
	if err != nil {
		result = "error"
	}
	HandlerResults.WithLabelValues(typ, result).Inc()
	HandlerDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	return out, err
}
