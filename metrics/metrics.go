// Package metrics exposes Prometheus collectors for the transport and dispatch layers.
// Collectors register with the default registry on first use.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stratum_rpc",
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "Connections currently being handled.",
		},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stratum_rpc",
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Complete messages read off connections.",
		},
		[]string{"framing"},
	)
	readErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stratum_rpc",
			Subsystem: "transport",
			Name:      "read_errors_total",
			Help:      "Reads that ended without a message, by kind.",
		},
		[]string{"kind"},
	)
	repliesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stratum_rpc",
			Subsystem: "transport",
			Name:      "replies_total",
			Help:      "Replies handed back to connection handlers.",
		},
		[]string{"kind"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stratum_rpc",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stratum_rpc",
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectionsActive, messagesReceived, readErrors, repliesSent, requests, requestDuration)
	})
}

func ConnectionOpened() {
	RegisterMetrics()
	connectionsActive.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connectionsActive.Dec()
}

func RecordMessage(framing string) {
	RegisterMetrics()
	messagesReceived.WithLabelValues(framing).Inc()
}

func RecordReadError(kind string) {
	RegisterMetrics()
	readErrors.WithLabelValues(kind).Inc()
}

// RecordReply counts a reply; kind is "reply" or "noop".
func RecordReply(kind string) {
	RegisterMetrics()
	repliesSent.WithLabelValues(kind).Inc()
}

// RecordRequest records one dispatched request. outcome is "ok", "error" (the handler
// failed) or "error_reply" (the method answered with an error reply).
func RecordRequest(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	requests.WithLabelValues(method, outcome).Inc()
	requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
