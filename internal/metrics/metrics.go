// Package metrics exposes the bridge's prometheus instrumentation on
// /metrics: one package-level registry, typed metric vars, HTTP handler
// wired in internal/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "webchat_bridge",
		Name:      "pool_connections",
		Help:      "Number of pooled Gateway RPC connections currently held.",
	})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "webchat_bridge",
		Name:      "rpc_request_duration_seconds",
		Help:      "Latency of Gateway RPC requests by method and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "outcome"})

	SSESubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "webchat_bridge",
		Name:      "sse_subscribers",
		Help:      "Number of active SSE subscribers by endpoint.",
	}, []string{"endpoint"})

	EventsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webchat_bridge",
		Name:      "events_forwarded_total",
		Help:      "Number of translated push events broadcast to subscribers, by type.",
	}, []string{"type"})
)
