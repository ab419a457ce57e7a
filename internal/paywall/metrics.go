package paywall

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/echo/internal/metrics"
)

var challengesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "paywall",
	Name:      "challenges_total",
	Help:      "402 challenges issued, by whether an x402 offer was included.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(challengesIssued)
}
