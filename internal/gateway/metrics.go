package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/echo/internal/metrics"
)

var (
	gwRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Metered requests by route type, payment mode and outcome.",
	}, []string{"route", "mode", "outcome"}) // "delivered", "rejected", "upstream_error", "unaccounted"

	gwLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency including delivery, by route type.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"route"})

	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "gateway",
		Name:      "upstream_requests_total",
		Help:      "Upstream provider calls by provider and status class.",
	}, []string{"provider", "status"})

	gwTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "gateway",
		Name:      "tokens_total",
		Help:      "Metered tokens by provider and direction.",
	}, []string{"provider", "direction"})

	gwUnrecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "gateway",
		Name:      "unrecorded_deliveries_total",
		Help:      "Responses delivered to the client whose charge could not be recorded.",
	}, []string{"reason"}) // "parse", "record", "settle"
)

func init() {
	prometheus.MustRegister(gwRequests, gwLatency, upstreamRequests, gwTokens, gwUnrecorded)
}
