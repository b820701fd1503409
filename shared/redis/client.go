package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a pooled go-redis client shared by every queue component
type Client struct {
	rdb    *goredis.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	logger.Info("Connecting to Redis",
		slog.String("addr", config.Addr),
		slog.Int("db", config.DB),
	)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to ping Redis",
			slog.Any("error", err),
		)
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis",
		slog.Int("pool_size", config.PoolSize),
	)

	return &Client{
		rdb:    rdb,
		config: config,
		logger: logger,
	}, nil
}

// RDB returns the underlying go-redis client
func (c *Client) RDB() *goredis.Client {
	return c.rdb
}

// HealthCheck pings Redis with the given context
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection pool
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")

	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("Redis connection closed successfully")
	return nil
}
