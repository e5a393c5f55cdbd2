package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerEntries counts ledger entries by kind and the status they reached.
var LedgerEntries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "walletledger_ledger_entries_total",
		Help: "Ledger entries appended or transitioned, by kind and status",
	},
	[]string{"kind", "status"},
)

// OptimisticRetries counts lost wallet version races that were retried.
var OptimisticRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "walletledger_optimistic_retries_total",
		Help: "Wallet version compare-and-swap retries by operation",
	},
	[]string{"operation"},
)

// Gateway call metrics
var (
	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletledger_gateway_calls_total",
			Help: "Gateway calls by gateway, operation and result",
		},
		[]string{"gateway", "operation", "result"},
	)

	GatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletledger_gateway_latency_seconds",
			Help:    "Latency of gateway calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gateway", "operation"},
	)
)

// IdempotencyReservations counts reserve outcomes (new, in_progress, completed, conflict).
var IdempotencyReservations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "walletledger_idempotency_reservations_total",
		Help: "Idempotency reservations by outcome",
	},
	[]string{"operation", "outcome"},
)

var (
	AutoRechargeTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletledger_auto_recharge_triggers_total",
			Help: "Auto-recharge attempts by result",
		},
		[]string{"result"},
	)

	ReconciliationResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletledger_reconciliation_resolved_total",
			Help: "Pending entries resolved by the reconciliation worker, by outcome and source",
		},
		[]string{"outcome", "source"},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletledger_alerts_total",
			Help: "Operational alerts raised, by kind",
		},
		[]string{"kind"},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walletledger_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walletledger_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(LedgerEntries, OptimisticRetries)
	prometheus.MustRegister(GatewayCalls, GatewayLatency, IdempotencyReservations)
	prometheus.MustRegister(AutoRechargeTriggers, ReconciliationResolved, Alerts)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}
