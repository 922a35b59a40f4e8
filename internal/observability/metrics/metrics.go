package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "devassoc_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	associationOpsTotal   *prometheus.CounterVec
	associationOpsLatency *prometheus.HistogramVec

	readinessOpsTotal        *prometheus.CounterVec
	readinessCorruptionTotal prometheus.Counter

	registryCallsTotal     *prometheus.CounterVec
	registryCallsLatency   *prometheus.HistogramVec
	registryModelFallbacks prometheus.Counter

	qualifiersTotal *prometheus.CounterVec

	notificationsTotal *prometheus.CounterVec

	txRetriesTotal prometheus.Counter

	dbPoolOpen      prometheus.Gauge
	dbPoolInUse     prometheus.Gauge
	dbPoolIdle      prometheus.Gauge
	dbPoolWaitCount prometheus.Gauge
	dbPingFailures  prometheus.Counter
)

// Init registers service metrics and DB-backed gauges.
func Init(db *sql.DB, logger *slog.Logger) {
	registerOnce.Do(func() {
		associationOpsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "association_ops_total",
				Help: "Total association operations by op and result",
			},
			[]string{"op", "result"},
		)
		associationOpsLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "association_op_latency_seconds",
				Help:    "Association operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "result"},
		)

		readinessOpsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readiness_ops_total",
				Help: "Total readiness ledger operations by op and result",
			},
			[]string{"op", "result"},
		)
		readinessCorruptionTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "readiness_data_corruption_total",
				Help: "Lookups that found more than one open readiness window",
			},
		)

		registryCallsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "registry_calls_total",
				Help: "Total external registry operations by op and outcome",
			},
			[]string{"op", "outcome"},
		)
		registryCallsLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "registry_call_latency_seconds",
				Help:    "External registry operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		)
		registryModelFallbacks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "registry_model_fallback_total",
				Help: "Vehicle model resolutions that fell back to the default model",
			},
		)

		qualifiersTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "qualifiers_generated_total",
				Help: "Total qualifiers generated by result",
			},
			[]string{"result"},
		)

		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total association notifications by event and result",
			},
			[]string{"event", "result"},
		)

		txRetriesTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "tx_serialization_retries_total",
				Help: "Transactions retried after a serialization failure",
			},
		)

		dbPoolOpen = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_open_connections",
			Help: "Open connections in the DB pool",
		})
		dbPoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_in_use_connections",
			Help: "Connections currently in use",
		})
		dbPoolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_idle_connections",
			Help: "Idle connections in the DB pool",
		})
		dbPoolWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_wait_count",
			Help: "Total number of connections waited for",
		})
		dbPingFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "db_ping_failures_total",
			Help: "Failed periodic DB health pings",
		})

		prometheus.MustRegister(
			associationOpsTotal,
			associationOpsLatency,
			readinessOpsTotal,
			readinessCorruptionTotal,
			registryCallsTotal,
			registryCallsLatency,
			registryModelFallbacks,
			qualifiersTotal,
			notificationsTotal,
			txRetriesTotal,
			dbPoolOpen,
			dbPoolInUse,
			dbPoolIdle,
			dbPoolWaitCount,
			dbPingFailures,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveAssociationOp records an association manager operation.
func ObserveAssociationOp(op, result string, duration time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if associationOpsTotal != nil {
		associationOpsTotal.WithLabelValues(op, result).Inc()
	}
	if associationOpsLatency != nil {
		associationOpsLatency.WithLabelValues(op, result).Observe(duration.Seconds())
	}
}

// IncReadinessOp increments the readiness operation counter.
func IncReadinessOp(op, result string) {
	if op == "" {
		op = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if readinessOpsTotal != nil {
		readinessOpsTotal.WithLabelValues(op, result).Inc()
	}
}

// IncReadinessCorruption counts a lookup that found several open windows.
func IncReadinessCorruption() {
	if readinessCorruptionTotal != nil {
		readinessCorruptionTotal.Inc()
	}
}

// ObserveRegistryCall records a registry operation outcome and latency.
func ObserveRegistryCall(op, outcome string, duration time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = resultSuccess
	}
	if registryCallsTotal != nil {
		registryCallsTotal.WithLabelValues(op, outcome).Inc()
	}
	if registryCallsLatency != nil {
		registryCallsLatency.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// IncRegistryModelFallback counts a model resolution that used the default.
func IncRegistryModelFallback() {
	if registryModelFallbacks != nil {
		registryModelFallbacks.Inc()
	}
}

// IncQualifier increments the qualifier counter.
func IncQualifier(result string) {
	if result == "" {
		result = resultSuccess
	}
	if qualifiersTotal != nil {
		qualifiersTotal.WithLabelValues(result).Inc()
	}
}

// IncNotification increments the notification counter.
func IncNotification(event, result string) {
	if event == "" {
		event = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(event, result).Inc()
	}
}

// IncTxRetry counts a transaction retry.
func IncTxRetry() {
	if txRetriesTotal != nil {
		txRetriesTotal.Inc()
	}
}

// SetDBPoolStats publishes database/sql pool statistics.
func SetDBPoolStats(stats sql.DBStats) {
	if dbPoolOpen == nil {
		return
	}
	dbPoolOpen.Set(float64(stats.OpenConnections))
	dbPoolInUse.Set(float64(stats.InUse))
	dbPoolIdle.Set(float64(stats.Idle))
	dbPoolWaitCount.Set(float64(stats.WaitCount))
}

// IncDBPingFailure counts a failed health ping.
func IncDBPingFailure() {
	if dbPingFailures != nil {
		dbPingFailures.Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
