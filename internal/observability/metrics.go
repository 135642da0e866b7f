// Package observability provides Prometheus metrics and structured logging.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Reconciler metrics
	EventsReceived    prometheus.Counter
	EventsApplied     *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	ReconcileLatency  *prometheus.HistogramVec
	ReconcileAttempts prometheus.Counter
	QueueDepth        *prometheus.GaugeVec

	// Registry metrics
	ActiveSubscriptions prometheus.Gauge
	SubscriptionErrors  prometheus.Counter
	RegistryScans       *prometheus.CounterVec

	// Chain metrics
	ChainReconnects *prometheus.CounterVec
	RPCCallLatency  *prometheus.HistogramVec
	LogsReceived    *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastAppliedEvent prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "credit_ledger"
	}

	return &Metrics{
		EventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "events_received_total",
			Help:      "Total number of transfer events handed to the reconciler",
		}),
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "events_applied_total",
			Help:      "Total number of transfer events committed to the ledger by operation",
		}, []string{"operation"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "events_dropped_total",
			Help:      "Total number of transfer events discarded by reason",
		}, []string{"reason"}),
		ReconcileLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "apply_latency_seconds",
			Help:      "Latency of one ledger transaction in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		ReconcileAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "conflict_retries_total",
			Help:      "Total number of transactions retried after a store conflict",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "queue_depth",
			Help:      "Number of events waiting in a dispatcher worker queue",
		}, []string{"worker"}),

		ActiveSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_subscriptions",
			Help:      "Number of contracts currently watched",
		}),
		SubscriptionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscription_errors_total",
			Help:      "Total number of failed contract subscriptions",
		}),
		RegistryScans: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "scans_total",
			Help:      "Total number of project feed scans by status",
		}, []string{"status"}),

		ChainReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "reconnects_total",
			Help:      "Total number of chain connection recoveries; logs in the gap are not replayed",
		}, []string{"transport"}),
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "JSON-RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		LogsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "logs_received_total",
			Help:      "Total number of contract logs received by outcome",
		}, []string{"outcome"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastAppliedEvent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_applied_event_timestamp",
			Help:      "Unix timestamp of the last committed ledger operation",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Drop reasons used as the events_dropped_total label.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonInvalidEvent      = "invalid_event"
	ReasonZeroAmount        = "zero_amount"
	ReasonDuplicate         = "duplicate"
	ReasonPersistence       = "persistence"
	ReasonShutdown          = "shutdown"
)

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordEventReceived increments the received events counter.
func RecordEventReceived() {
	DefaultMetrics.EventsReceived.Inc()
}

// RecordEventApplied records a committed ledger operation.
func RecordEventApplied(operation string, seconds float64, unixTS int64) {
	DefaultMetrics.EventsApplied.WithLabelValues(operation).Inc()
	DefaultMetrics.ReconcileLatency.WithLabelValues(operation).Observe(seconds)
	DefaultMetrics.LastAppliedEvent.Set(float64(unixTS))
}

// RecordEventDropped increments the dropped events counter.
func RecordEventDropped(reason string) {
	DefaultMetrics.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordConflictRetry increments the conflict retry counter.
func RecordConflictRetry() {
	DefaultMetrics.ReconcileAttempts.Inc()
}

// UpdateQueueDepth sets the depth gauge of a dispatcher worker.
func UpdateQueueDepth(worker string, depth int) {
	DefaultMetrics.QueueDepth.WithLabelValues(worker).Set(float64(depth))
}

// UpdateActiveSubscriptions sets the watched contracts gauge.
func UpdateActiveSubscriptions(n int) {
	DefaultMetrics.ActiveSubscriptions.Set(float64(n))
}

// RecordSubscriptionError increments the subscription error counter.
func RecordSubscriptionError() {
	DefaultMetrics.SubscriptionErrors.Inc()
}

// RecordRegistryScan records a project feed scan.
func RecordRegistryScan(status string) {
	DefaultMetrics.RegistryScans.WithLabelValues(status).Inc()
}

// RecordChainReconnect increments the reconnect counter.
func RecordChainReconnect(transport string) {
	DefaultMetrics.ChainReconnects.WithLabelValues(transport).Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordLogReceived counts a contract log by outcome (decoded, removed, undecodable).
func RecordLogReceived(outcome string) {
	DefaultMetrics.LogsReceived.WithLabelValues(outcome).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
