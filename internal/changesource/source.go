// Package changesource provides read-only, cursor-paged access to orders and pixel receipts.
package changesource

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/pixelverify/pkg/models"
)

// Source is the read interface consumed by the stream poller and the reconciliation engine
type Source interface {
	// ReceiptsAfter returns up to limit receipts strictly after the cursor,
	// ordered by (created_at, id) ascending
	ReceiptsAfter(ctx context.Context, shopID string, after models.Cursor, limit int) ([]models.PixelReceipt, error)
	// RecentOrders returns up to limit orders created in [since, until], newest first
	RecentOrders(ctx context.Context, shopID string, since, until time.Time, limit int) ([]models.Order, error)
	// RecentReceipts returns up to limit receipts created in [since, until], newest first
	RecentReceipts(ctx context.Context, shopID string, since, until time.Time, limit int) ([]models.PixelReceipt, error)
	// OrdersByID looks up orders of a shop by id
	OrdersByID(ctx context.Context, shopID string, ids []string) (map[string]models.Order, error)
}

// Config holds database settings for the change source
type Config struct {
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" validate:"gt=0"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// Open creates a PostgreSQL connection pool for the change source
func Open(cfg Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.LogQueries {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      logger.Default.LogMode(level),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	maxOpen, maxIdle, life := cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if maxOpen == 0 {
		maxOpen = 20
	}
	if maxIdle == 0 {
		maxIdle = 5
	}
	if life == 0 {
		life = time.Hour
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(life)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// AutoMigrate creates the tables used by the gorm source. The schema is owned by the
// ingestion pipeline; this exists for local runs and tests.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Order{}, &models.PixelReceipt{})
}

// GormSource implements Source on top of gorm
type GormSource struct {
	db      *gorm.DB
	timeout time.Duration
}

var _ Source = (*GormSource)(nil)

// NewGormSource creates a source whose queries are bounded by timeout
func NewGormSource(db *gorm.DB, timeout time.Duration) *GormSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GormSource{db: db, timeout: timeout}
}

// ReceiptsAfter implements Source
func (s *GormSource) ReceiptsAfter(ctx context.Context, shopID string, after models.Cursor, limit int) ([]models.PixelReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ts := after.Timestamp.UTC()
	var receipts []models.PixelReceipt
	err := s.db.WithContext(ctx).
		Where("shop_id = ?", shopID).
		Where("created_at > ? OR (created_at = ? AND id > ?)", ts, ts, after.ID).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("query receipts after cursor: %w", err)
	}
	return receipts, nil
}

// RecentOrders implements Source
func (s *GormSource) RecentOrders(ctx context.Context, shopID string, since, until time.Time, limit int) ([]models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("shop_id = ? AND created_at >= ? AND created_at <= ?", shopID, since.UTC(), until.UTC()).
		Order("created_at DESC").Order("order_id DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("query orders in window: %w", err)
	}
	return orders, nil
}

// RecentReceipts implements Source
func (s *GormSource) RecentReceipts(ctx context.Context, shopID string, since, until time.Time, limit int) ([]models.PixelReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var receipts []models.PixelReceipt
	err := s.db.WithContext(ctx).
		Where("shop_id = ? AND created_at >= ? AND created_at <= ?", shopID, since.UTC(), until.UTC()).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("query receipts in window: %w", err)
	}
	return receipts, nil
}

// OrdersByID implements Source
func (s *GormSource) OrdersByID(ctx context.Context, shopID string, ids []string) (map[string]models.Order, error) {
	out := make(map[string]models.Order, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("shop_id = ? AND order_id IN ?", shopID, ids).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("query orders by id: %w", err)
	}
	for _, o := range orders {
		out[o.OrderID] = o
	}
	return out, nil
}
