package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis configuration
type Config struct {
	// Connection settings
	Addr     string `mapstructure:"addr" validate:"required_without=ClusterAddrs"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`

	// Pool settings
	PoolSize        int           `mapstructure:"pool_size" validate:"min=1"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	PoolTimeout     time.Duration `mapstructure:"pool_timeout"`

	// Operational settings
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`

	// Timeout settings
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Cluster settings
	EnableCluster bool     `mapstructure:"enable_cluster"`
	ClusterAddrs  []string `mapstructure:"cluster_addrs"`
}

// DefaultConfig returns defaults sized for many long-lived stream sessions
func DefaultConfig() *Config {
	return &Config{
		Addr: "localhost:6379",

		PoolSize:        50,
		MinIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
		PoolTimeout:     4 * time.Second,

		MaxRetries:      2,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// Client wraps Redis client with additional functionality
type Client struct {
	rdb    redis.UniversalClient
	config *Config
	logger *zap.Logger
}

// NewClient creates a new Redis client and verifies connectivity
func NewClient(ctx context.Context, config *Config, logger *zap.Logger) (*Client, error) {
	var rdb redis.UniversalClient

	if config.EnableCluster {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           config.ClusterAddrs,
			Password:        config.Password,
			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,
			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,
			DialTimeout:     config.DialTimeout,
			ReadTimeout:     config.ReadTimeout,
			WriteTimeout:    config.WriteTimeout,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:            config.Addr,
			Password:        config.Password,
			DB:              config.DB,
			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,
			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,
			DialTimeout:     config.DialTimeout,
			ReadTimeout:     config.ReadTimeout,
			WriteTimeout:    config.WriteTimeout,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	client := &Client{
		rdb:    rdb,
		config: config,
		logger: logger.Named("redis"),
	}

	client.logger.Info("Redis client connected",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
		zap.Int("pool_size", config.PoolSize),
		zap.Bool("cluster_mode", config.EnableCluster),
	)

	return client, nil
}

// NewFromUniversal wraps an existing go-redis client, used by tests and tools
func NewFromUniversal(rdb redis.UniversalClient, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, config: DefaultConfig(), logger: logger.Named("redis")}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Health checks the health of Redis connection
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetStats returns Redis connection pool statistics
func (c *Client) GetStats() *redis.PoolStats {
	return c.rdb.PoolStats()
}
