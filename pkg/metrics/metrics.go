package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransfersTotal counts ledger transfers by outcome (success/failure)
var TransfersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "copytrade_ledger_transfers_total",
		Help: "Total number of internal wallet transfers",
	},
	[]string{"outcome"},
)

// OrdersExecuted counts venue orders submitted by the execution engine by side
var OrdersExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "copytrade_orders_executed_total",
		Help: "Total number of orders executed against the venue",
	},
	[]string{"side"},
)

// VenueErrors counts venue call failures by operation
var VenueErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "copytrade_venue_errors_total",
		Help: "Total number of failed venue calls",
	},
	[]string{"op"},
)

// Monitor loop observability
var (
	MonitorScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copytrade_monitor_scans_total",
			Help: "Total number of monitor loop scans",
		},
	)

	MonitorTradesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copytrade_monitor_trades_processed_total",
			Help: "Total number of open trades evaluated by the monitor loop",
		},
	)

	MonitorTradesTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_monitor_trades_triggered_total",
			Help: "Total number of trades closed by the monitor loop",
		},
		[]string{"reason"},
	)

	MonitorTradeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copytrade_monitor_trade_failures_total",
			Help: "Total number of per-trade failures tolerated by the monitor loop",
		},
	)

	MonitorScanLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "copytrade_monitor_scan_latency_seconds",
			Help:    "Latency in seconds of one full monitor scan",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copytrade_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copytrade_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copytrade_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(TransfersTotal, OrdersExecuted, VenueErrors)
	prometheus.MustRegister(MonitorScansTotal, MonitorTradesProcessed, MonitorTradesTriggered, MonitorTradeFailures, MonitorScanLatency)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
