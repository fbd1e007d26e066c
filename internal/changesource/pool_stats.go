package changesource

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/pixelverify/pkg/metrics"
)

// ReportPoolStats publishes connection pool gauges until ctx is done
func ReportPoolStats(ctx context.Context, db *gorm.DB, name string, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sqlDB, err := db.DB()
			if err != nil {
				logger.Warn("Pool stats unavailable", zap.String("db", name), zap.Error(err))
				continue
			}
			stats := sqlDB.Stats()
			metrics.DBOpenConns.WithLabelValues(name).Set(float64(stats.OpenConnections))
			metrics.DBInUseConns.WithLabelValues(name).Set(float64(stats.InUse))
		}
	}
}
