package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	engineEventsOnce sync.Once
	engineEventsVec  *prometheus.CounterVec

	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	driftOnce sync.Once
	driftVec  *prometheus.CounterVec
)

// EngineEvents returns the lazily-initialised counter tracking every journaled
// state-transition event, segmented by event type.
func EngineEvents() *prometheus.CounterVec {
	engineEventsOnce.Do(func() {
		engineEventsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagepay",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total journaled engine events segmented by event type.",
		}, []string{"type"})
		prometheus.MustRegister(engineEventsVec)
	})
	return engineEventsVec
}

// RPCMetrics returns the request counter and latency histogram for the node's
// HTTP surface.
func RPCMetrics() (requests *prometheus.CounterVec, latency *prometheus.HistogramVec) {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stagepay",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total RPC requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stagepay",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.latency)
	})
	return rpcRegistry.requests, rpcRegistry.latency
}

// DriftEvents returns the counter the reconciliation job increments per
// classified drift code.
func DriftEvents() *prometheus.CounterVec {
	driftOnce.Do(func() {
		driftVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagepay",
			Subsystem: "recon",
			Name:      "drift_total",
			Help:      "Total reconciliation drift findings segmented by drift code.",
		}, []string{"code"})
		prometheus.MustRegister(driftVec)
	})
	return driftVec
}
