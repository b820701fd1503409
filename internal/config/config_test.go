package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
				assert.Equal(t, "booking_updates", cfg.RabbitMQ.Exchange.Name)
				assert.True(t, cfg.RabbitMQ.Relay.Enabled)
				assert.Equal(t, 20, cfg.RabbitMQ.Relay.PrefetchCount)
				assert.Equal(t, "http://localhost:9000", cfg.Matching.BaseURL)
				assert.Equal(t, 4, cfg.Worker.MaxConcurrentJobs)
				assert.Equal(t, 20*time.Second, cfg.Worker.JobTimeout)
				assert.Equal(t, time.Hour, cfg.Consumer.CleanupInterval)
				assert.InDelta(t, 0.5, cfg.Consumer.DegradedFailureRatio, 1e-9)
				assert.Equal(t, 50, cfg.Notification.ChannelCapacity)
				assert.Equal(t, 10, cfg.RateLimit.Burst)
				assert.Equal(t, "booking-queue", cfg.App.Name)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, "booking", cfg.Queue.KeyPrefix)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 10, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, 30*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, 30*time.Second, cfg.Consumer.HealthCheckInterval)
	assert.Equal(t, time.Hour, cfg.Consumer.CleanupInterval)
	assert.Equal(t, 100, cfg.Notification.ChannelCapacity)
	assert.Equal(t, "fanout", cfg.RabbitMQ.Exchange.Type)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.RabbitMQ.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MATCHING_BASE_URL", "http://matching.internal")
	t.Setenv("WORKER_MAX_CONCURRENT_JOBS", "16")
	t.Setenv("RABBITMQ_ENABLED", "false")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "http://matching.internal", cfg.Matching.BaseURL)
	assert.Equal(t, 16, cfg.Worker.MaxConcurrentJobs)
	assert.False(t, cfg.RabbitMQ.Enabled)
	// untouched values keep the file setting
	assert.Equal(t, 8080, cfg.Server.Port)
}

func validConfig() *Config {
	cfg := &Config{
		Server:   ServerConfig{Port: 8080},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Matching: MatchingConfig{BaseURL: "http://localhost:9000"},
		RabbitMQ: RabbitMQConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    5672,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty redis addr",
			mutate:    func(c *Config) { c.Redis.Addr = "" },
			errString: "redis addr is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:   "rabbitmq disabled skips broker checks",
			mutate: func(c *Config) { c.RabbitMQ = RabbitMQConfig{} },
		},
		{
			name:      "invalid rabbitmq port",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 0 },
			errString: "invalid rabbitmq port",
		},
		{
			name: "embedded consumer needs the engine",
			mutate: func(c *Config) {
				c.Server.EmbeddedConsumer = true
				c.Matching.BaseURL = ""
			},
			errString: "matching base_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:      "missing matching engine",
			mutate:    func(c *Config) { c.Matching.BaseURL = "" },
			errString: "matching base_url is required",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.MaxConcurrentJobs = 0 },
			errString: "max_concurrent_jobs must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			errString: "job_timeout must be greater than 0",
		},
		{
			name:      "negative retry delay",
			mutate:    func(c *Config) { c.Worker.RetryDelay = -time.Second },
			errString: "retry_delay must not be negative",
		},
		{
			name:      "failure ratio out of range",
			mutate:    func(c *Config) { c.Consumer.DegradedFailureRatio = 1.5 },
			errString: "degraded_failure_ratio",
		},
		{
			name: "critical depth below degraded",
			mutate: func(c *Config) {
				c.Consumer.DegradedQueueDepth = 100
				c.Consumer.CriticalQueueDepth = 10
			},
			errString: "critical_queue_depth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing redis", func(t *testing.T) {
		cfg, err := Load("testdata/missing_redis.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateWorkerConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis addr is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
