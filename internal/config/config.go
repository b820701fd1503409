package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Matching     MatchingConfig     `yaml:"matching"`
	Queue        QueueConfig        `yaml:"queue"`
	Worker       WorkerConfig       `yaml:"worker"`
	Consumer     ConsumerConfig     `yaml:"consumer"`
	Notification NotificationConfig `yaml:"notification"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Logging      LoggingConfig      `yaml:"logging"`
	App          AppConfig          `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// EmbeddedConsumer runs the worker pool inside the API process
	EmbeddedConsumer bool `yaml:"embedded_consumer" env:"SERVER_EMBEDDED_CONSUMER"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds the connection and exchange used to mirror progress
// events. Publishing is skipped when Enabled is false.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled" env:"RABBITMQ_ENABLED"`
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      BindingConfig    `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Relay      RelayConfig      `yaml:"relay"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// BindingConfig optionally declares a queue bound to the exchange
type BindingConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// RelayConfig controls consuming the exchange so progress published by other
// processes reaches this process's subscribers
type RelayConfig struct {
	Enabled       bool `yaml:"enabled" env:"RABBITMQ_RELAY_ENABLED"`
	PrefetchCount int  `yaml:"prefetch_count"`
}

// MatchingConfig holds the booking-matching engine client settings
type MatchingConfig struct {
	BaseURL       string        `yaml:"base_url" env:"MATCHING_BASE_URL"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryWaitTime time.Duration `yaml:"retry_wait_time"`
}

// QueueConfig holds queue store settings
type QueueConfig struct {
	KeyPrefix    string        `yaml:"key_prefix" env:"QUEUE_KEY_PREFIX"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	MaxConcurrentJobs       int           `yaml:"max_concurrent_jobs" env:"WORKER_MAX_CONCURRENT_JOBS"`
	JobTimeout              time.Duration `yaml:"job_timeout"`
	RetryDelay              time.Duration `yaml:"retry_delay"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	ErrorBackoff            time.Duration `yaml:"error_backoff"`
}

// ConsumerConfig holds orchestrator loop and health settings
type ConsumerConfig struct {
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	DegradedQueueDepth   int64         `yaml:"degraded_queue_depth"`
	CriticalQueueDepth   int64         `yaml:"critical_queue_depth"`
	DegradedFailureRatio float64       `yaml:"degraded_failure_ratio"`
}

// NotificationConfig holds progress fan-out settings
type NotificationConfig struct {
	ChannelCapacity int `yaml:"channel_capacity"`
}

// RateLimitConfig holds per-patient submit limits. Zero disables limiting.
type RateLimitConfig struct {
	SubmitPerMinute int `yaml:"submit_per_minute" env:"RATELIMIT_SUBMIT_PER_MINUTE"`
	Burst           int `yaml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// Load reads the configuration file, applies environment overrides and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset values
func (c *Config) ApplyDefaults() {
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	setInt(&c.Redis.PoolSize, 20)
	setDuration(&c.Redis.DialTimeout, 5*time.Second)
	setDuration(&c.Redis.ReadTimeout, 3*time.Second)
	setDuration(&c.Redis.WriteTimeout, 3*time.Second)

	if c.RabbitMQ.Exchange.Name == "" {
		c.RabbitMQ.Exchange.Name = "booking_updates"
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "fanout"
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}
	setInt(&c.RabbitMQ.Relay.PrefetchCount, 50)

	setDuration(&c.Matching.Timeout, 10*time.Second)

	if c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = "booking"
	}
	setDuration(&c.Queue.PollInterval, time.Second)
	setInt(&c.Queue.MaxRetries, 3)

	setInt(&c.Worker.MaxConcurrentJobs, 10)
	setDuration(&c.Worker.JobTimeout, 30*time.Second)
	setDuration(&c.Worker.RetryDelay, 30*time.Second)
	setDuration(&c.Worker.GracefulShutdownTimeout, 30*time.Second)
	setDuration(&c.Worker.ErrorBackoff, 5*time.Second)

	setDuration(&c.Consumer.HealthCheckInterval, 30*time.Second)
	setDuration(&c.Consumer.CleanupInterval, time.Hour)

	setInt(&c.Notification.ChannelCapacity, 100)

	if c.RateLimit.SubmitPerMinute > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.SubmitPerMinute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.RateLimit.SubmitPerMinute < 0 {
		return fmt.Errorf("ratelimit submit_per_minute must not be negative")
	}

	if c.Server.EmbeddedConsumer {
		return c.ValidateWorkerConfig()
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker pool and consumer need
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Matching.BaseURL == "" {
		return fmt.Errorf("matching base_url is required")
	}

	if c.Worker.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("worker max_concurrent_jobs must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.RetryDelay < 0 {
		return fmt.Errorf("worker retry_delay must not be negative")
	}

	if c.Worker.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("worker graceful_shutdown_timeout must be greater than 0")
	}

	if c.Consumer.HealthCheckInterval <= 0 {
		return fmt.Errorf("consumer health_check_interval must be greater than 0")
	}

	if c.Consumer.DegradedFailureRatio < 0 || c.Consumer.DegradedFailureRatio > 1 {
		return fmt.Errorf("consumer degraded_failure_ratio must be between 0 and 1")
	}

	if c.Consumer.CriticalQueueDepth > 0 && c.Consumer.CriticalQueueDepth < c.Consumer.DegradedQueueDepth {
		return fmt.Errorf("consumer critical_queue_depth must not be below degraded_queue_depth")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max_retries must not be negative")
	}

	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
