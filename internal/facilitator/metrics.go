package facilitator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/echo/internal/metrics"
)

var (
	verifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "x402",
		Name:      "verify_total",
		Help:      "Payment verifications by facilitator mode and outcome.",
	}, []string{"mode", "outcome"})

	settleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "x402",
		Name:      "settle_total",
		Help:      "Payment settlements by facilitator mode and outcome.",
	}, []string{"mode", "outcome"})

	settleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "x402",
		Name:      "settle_duration_seconds",
		Help:      "Time to settle a payment on chain.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(verifyTotal, settleTotal, settleDuration)
}
