package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DepositsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_deposits_detected_total",
		Help: "On-chain transfers recorded as confirming ledger entries",
	}, []string{"chain"})

	DepositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_deposits_credited_total",
		Help: "Deposits credited to user wallets after reaching finality",
	}, []string{"chain", "currency"})

	DepositsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_deposits_rejected_total",
		Help: "Deposits marked failed instead of credited",
	}, []string{"chain", "reason"})

	WatcherScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_watcher_scan_errors_total",
		Help: "Per-wallet scan failures",
	}, []string{"chain"})

	WatcherTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_watcher_tick_seconds",
		Help:    "Duration of one watcher pass over all wallets",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"chain"})

	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_sweeps_total",
		Help: "Sweep attempts by outcome",
	}, []string{"chain", "outcome"})

	SweepQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_sweep_queue_items",
		Help: "Sweep queue items by status",
	}, []string{"status"})

	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ledger_operations_total",
		Help: "Ledger primitive calls by operation and outcome",
	}, []string{"operation", "outcome"})

	SwapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_swaps_total",
		Help: "Swaps by outcome",
	}, []string{"pair", "outcome"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Operator API requests",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_seconds",
		Help:    "Operator API latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	DatabaseConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_db_connections",
		Help: "Database pool connections by state",
	}, []string{"state"})
)
