package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BundlesProcessed counts bundle/debundle operations by direction (bundle/debundle/burn)
var BundlesProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "finbask_bundles_processed_total",
		Help: "Total number of custody ledger bundle operations processed",
	},
	[]string{"op"},
)

// OrdersProcessed counts escrow order operations by action (created/cancelled/filled)
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "finbask_orders_processed_total",
		Help: "Total number of escrow orders processed",
	},
	[]string{"action", "kind"},
)

// SettlementLatency records latency distribution for order fills
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "finbask_order_settlement_latency_seconds",
		Help:    "Latency in seconds to settle an order fill",
		Buckets: prometheus.DefBuckets,
	},
)

// SettlementRollbacks counts multi-leg settlements that had to be compensated
var SettlementRollbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "finbask_settlement_rollbacks_total",
		Help: "Total number of multi-leg settlements rolled back after a failed leg",
	},
)

// RegisterAll registers all metrics with the given registry
func RegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		BundlesProcessed,
		OrdersProcessed,
		SettlementLatency,
		SettlementRollbacks,
	)
}
