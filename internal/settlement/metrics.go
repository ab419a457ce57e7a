package settlement

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/echo/internal/metrics"
)

var (
	transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "transactions_total",
		Help:      "Recorded transactions by settlement path and status.",
	}, []string{"path", "status"})

	chargedUSD = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "charged_usd_total",
		Help:      "Total charged to callers in USD by settlement path.",
	}, []string{"path"})

	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "balance_checks_total",
		Help:      "Pre-flight balance checks by outcome.",
	}, []string{"outcome"}) // "free_tier", "balance", "payment_required"

	poolFallthroughs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "settlement",
		Name:      "free_tier_fallthroughs_total",
		Help:      "Charges the free tier could not cover that settled from balance instead.",
	})
)

func init() {
	prometheus.MustRegister(transactionsTotal, chargedUSD, checksTotal, poolFallthroughs)
}
