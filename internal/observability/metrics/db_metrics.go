package metrics

import (
	"database/sql"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *slog.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "readiness_open_windows",
			Help: "Open activation readiness windows",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM activation_readiness WHERE activation_ready")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "associations_active",
			Help: "Associations in an active status",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM device_associations WHERE association_status IN ('ASSOCIATION_INITIATED', 'ASSOCIATED')")
		},
	))
}

func queryCount(db *sql.DB, logger *slog.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", "err", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
