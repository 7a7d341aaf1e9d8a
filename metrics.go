package smana

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics. Registered on the default registry; the gateway
// command exposes them on /metrics.
var (
	liveReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smana_live_reconnects_total",
			Help: "Reconnect attempts made by the live channel.",
		},
	)
	liveEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smana_live_events_total",
			Help: "Live events received, by event name and outcome.",
		},
		[]string{"event", "outcome"},
	)
	routerResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smana_router_responses_total",
			Help: "Responses produced by the caching router, by strategy and source.",
		},
		[]string{"strategy", "source"},
	)
	mutationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smana_mutations_total",
			Help: "Optimistic mutations, by cache and result.",
		},
		[]string{"cache", "result"},
	)
	pushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smana_push_deliveries_total",
			Help: "Push payloads handled by the worker, by payload format.",
		},
		[]string{"format"},
	)
)
