package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/booking-queue/internal/config"
	"github.com/cuongbtq/booking-queue/internal/consumer"
	"github.com/cuongbtq/booking-queue/internal/matching"
	"github.com/cuongbtq/booking-queue/internal/notify"
	"github.com/cuongbtq/booking-queue/internal/queue"
	"github.com/cuongbtq/booking-queue/internal/worker"
	"github.com/cuongbtq/booking-queue/shared/logger"
	"github.com/cuongbtq/booking-queue/shared/rabbitmq"
	"github.com/cuongbtq/booking-queue/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	appLogger.Info("Redis connection established")

	// Initialize RabbitMQ client; progress stays local when it is disabled
	var (
		rabbitClient *rabbitmq.Client
		sink         notify.GlobalSink
	)
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, "worker-service", appLogger.Logger)
		if err != nil {
			redisClient.Close()
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		sink = rabbitClient
		appLogger.Info("RabbitMQ connection established")
	}

	store := queue.NewStore(redisClient.RDB(), &queue.Config{
		KeyPrefix:    cfg.Queue.KeyPrefix,
		PollInterval: cfg.Queue.PollInterval,
		Health: queue.HealthConfig{
			DegradedQueueDepth:   cfg.Consumer.DegradedQueueDepth,
			CriticalQueueDepth:   cfg.Consumer.CriticalQueueDepth,
			DegradedFailureRatio: cfg.Consumer.DegradedFailureRatio,
			RequireWorkers:       true,
		},
	}, appLogger.Logger)

	notifier := notify.NewService(&notify.Config{
		Capacity: cfg.Notification.ChannelCapacity,
		Sink:     sink,
	}, appLogger.Logger)

	engine := matching.NewClient(&matching.Config{
		BaseURL:       cfg.Matching.BaseURL,
		Timeout:       cfg.Matching.Timeout,
		RetryCount:    cfg.Matching.RetryCount,
		RetryWaitTime: cfg.Matching.RetryWaitTime,
	}, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             store,
		Notifier:          notifier,
		Engine:            engine,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		JobTimeout:        cfg.Worker.JobTimeout,
		RetryDelay:        cfg.Worker.RetryDelay,
		ShutdownTimeout:   cfg.Worker.GracefulShutdownTimeout,
		ErrorBackoff:      cfg.Worker.ErrorBackoff,
	})

	bookingConsumer := consumer.New(&consumer.Config{
		Logger:              appLogger.Logger,
		Store:               store,
		Pool:                workerInstance,
		Channels:            notifier,
		HealthCheckInterval: cfg.Consumer.HealthCheckInterval,
		CleanupInterval:     cfg.Consumer.CleanupInterval,
		StuckAfter:          cfg.Worker.JobTimeout,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start consumer in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := bookingConsumer.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	if rabbitClient != nil && cfg.RabbitMQ.Relay.Enabled {
		go runRelay(ctx, rabbitClient, notifier, appLogger.Logger)
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("max_concurrent_jobs", cfg.Worker.MaxConcurrentJobs),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Consumer error",
			slog.Any("error", runErr),
		)
	}

	// Give in-flight jobs time to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := bookingConsumer.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Consumer shutdown timeout exceeded, forcing exit",
			slog.Any("error", err),
		)
	} else {
		appLogger.Info("Consumer stopped gracefully")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		redisClient.Close()
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// runRelay delivers progress published by other processes to local channels
func runRelay(ctx context.Context, client *rabbitmq.Client, notifier *notify.Service, logger *slog.Logger) {
	if err := client.Consume(ctx, notifier.HandleRemote); err != nil {
		logger.Error("Progress relay stopped", slog.Any("error", err))
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRedis initializes the Redis client backing the job queue
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return redis.NewClient(redisConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, service string, logger *slog.Logger) (*rabbitmq.Client, error) {
	hostname, _ := os.Hostname()

	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		AppID:              fmt.Sprintf("%s-%s-%s", service, hostname, uuid.New().String()[:8]),
		PrefetchCount:      cfg.Relay.PrefetchCount,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
