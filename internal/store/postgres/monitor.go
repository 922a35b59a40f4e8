package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"device-association/internal/observability/metrics"
)

const defaultMonitorInterval = 30 * time.Second

// PoolMonitor periodically pings the database and publishes pool stats.
type PoolMonitor struct {
	db       *sql.DB
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewPoolMonitor constructs a PoolMonitor. A non-positive interval uses 30s.
func NewPoolMonitor(db *sql.DB, interval time.Duration, logger *slog.Logger) *PoolMonitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolMonitor{
		db:       db,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Start runs the monitor loop until ctx is done.
func (m *PoolMonitor) Start(ctx context.Context) {
	if m == nil || m.db == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *PoolMonitor) checkOnce(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.db.PingContext(pingCtx); err != nil {
		metrics.IncDBPingFailure()
		m.logger.Error("db ping failed", "err", err)
	}
	metrics.SetDBPoolStats(m.db.Stats())
}
