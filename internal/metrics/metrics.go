// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradecore"

// TickLatency is the time the engine spends applying one tick, in milliseconds.
var TickLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "tick_latency_ms",
		Help:      "Time to apply a price tick to all exposed accounts in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
	},
	[]string{"symbol"},
)

var TicksDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "marketdata",
		Name:      "ticks_dropped_total",
		Help:      "Ticks rejected before reaching the engine",
	},
	[]string{"reason"},
)

var Orders = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "orders_total",
		Help:      "Order requests by kind and outcome",
	},
	[]string{"kind", "result"},
)

var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "positions_closed_total",
		Help:      "Closed positions by close reason",
	},
	[]string{"reason"},
)

var MarginWarnings = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "margin_warnings_total",
		Help:      "Margin warnings raised",
	},
)

var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "open_positions",
		Help:      "Open positions held in memory",
	},
)

var LedgerDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "queue_depth",
		Help:      "Ledger jobs waiting to be written, including overflow",
	},
)

var LedgerJobs = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "jobs_total",
		Help:      "Ledger jobs by event type and outcome",
	},
	[]string{"event", "result"},
)

var SinkDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "sink_dropped_total",
		Help:      "Events a sink refused",
	},
	[]string{"sink"},
)

var SyncMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "messages_total",
		Help:      "Sync bus messages by direction, type and outcome",
	},
	[]string{"direction", "type", "result"},
)

var ReconcileCorrections = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "reconcile_corrections_total",
		Help:      "Live balances patched to match the durable store",
	},
)

func Handler() http.Handler {
	return promhttp.Handler()
}
