// Package metrics declares the prometheus/client_golang instruments
// exported at /metrics: one gauge/histogram per barrier-protocol and
// dispatch event worth watching on a running worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Superstep reports the shared superstep this worker last observed during
// a barrier tick.
var Superstep = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pregel_superstep",
	Help: "Current superstep as last observed by this worker's barrier tick.",
})

// BarrierTickDuration times each Synchronizer.Tick call.
var BarrierTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "pregel_barrier_tick_duration_seconds",
	Help:    "Duration of a single barrier-protocol tick.",
	Buckets: prometheus.DefBuckets,
})

// ActiveVertices tracks the net number of vertices entered into the active
// set by Forward minus those cleared by Dispatch, per worker.
var ActiveVertices = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pregel_active_vertices",
	Help: "Vertices currently tracked as active (forwarded but not yet dispatched) by this worker.",
})

// DispatchLatency times Dispatcher.Dispatch, from the first outgoing send
// to the final active-set bookkeeping call.
var DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "pregel_dispatch_latency_seconds",
	Help:    "Latency of dispatching one vertex's outgoing messages for a superstep.",
	Buckets: prometheus.DefBuckets,
})

// ObserveSince records d's elapsed time since start on a histogram, saving
// callers the time.Since/Observe boilerplate at every call site.
func ObserveSince(h prometheus.Histogram, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
