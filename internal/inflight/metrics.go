package inflight

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/echo/internal/metrics"
)

var (
	activeSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "inflight",
		Name:      "active_slots",
		Help:      "In-flight slots currently held by this instance.",
	})

	ceilingHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "inflight",
		Name:      "ceiling_hits_total",
		Help:      "Requests that arrived at or above the in-flight ceiling.",
	}, []string{"outcome"}) // "admitted", "rejected"

	sweptCounters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "inflight",
		Name:      "swept_counters_total",
		Help:      "Orphaned counters reset by the periodic sweep.",
	})
)

func init() {
	prometheus.MustRegister(activeSlots, ceilingHits, sweptCounters)
}
