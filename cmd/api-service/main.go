package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/booking-queue/internal/api/handler"
	"github.com/cuongbtq/booking-queue/internal/api/router"
	"github.com/cuongbtq/booking-queue/internal/config"
	"github.com/cuongbtq/booking-queue/internal/consumer"
	"github.com/cuongbtq/booking-queue/internal/matching"
	"github.com/cuongbtq/booking-queue/internal/notify"
	"github.com/cuongbtq/booking-queue/internal/producer"
	"github.com/cuongbtq/booking-queue/internal/queue"
	"github.com/cuongbtq/booking-queue/internal/worker"
	"github.com/cuongbtq/booking-queue/shared/logger"
	"github.com/cuongbtq/booking-queue/shared/rabbitmq"
	"github.com/cuongbtq/booking-queue/shared/redis"
)

const serviceName = "booking-api-service"

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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("embedded_consumer", cfg.Server.EmbeddedConsumer),
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
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, "api-service", appLogger.Logger)
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
			RequireWorkers:       cfg.Server.EmbeddedConsumer,
		},
	}, appLogger.Logger)

	notifier := notify.NewService(&notify.Config{
		Capacity: cfg.Notification.ChannelCapacity,
		Sink:     sink,
	}, appLogger.Logger)

	bookingProducer := producer.New(store, notifier, &producer.Config{
		MaxRetries: cfg.Queue.MaxRetries,
	}, appLogger.Logger)

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:          appLogger.Logger,
		Submitter:       bookingProducer,
		Store:           store,
		Notifier:        notifier,
		HealthCheck:     redisClient.HealthCheck,
		SubmitPerMinute: cfg.RateLimit.SubmitPerMinute,
		SubmitBurst:     cfg.RateLimit.Burst,
		ServiceName:     serviceName,
	})

	// Create context for background processing
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bookingConsumer *consumer.Consumer
	if cfg.Server.EmbeddedConsumer {
		bookingConsumer = initConsumer(cfg, store, notifier, appLogger.Logger)
		go func() {
			if err := bookingConsumer.Run(ctx); err != nil {
				appLogger.Error("Embedded consumer stopped",
					slog.Any("error", err),
				)
			}
		}()
	}

	if rabbitClient != nil && cfg.RabbitMQ.Relay.Enabled {
		go func() {
			if err := rabbitClient.Consume(ctx, notifier.HandleRemote); err != nil {
				appLogger.Error("Progress relay stopped",
					slog.Any("error", err),
				)
			}
		}()
	}

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case runErr = <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", runErr),
		)
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		shutdownCancel()
		cancel()
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		redisClient.Close()
	}
	defer cleanup()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if bookingConsumer != nil {
		consumerCtx, consumerCancel := context.WithTimeout(context.Background(), cfg.Worker.GracefulShutdownTimeout)
		defer consumerCancel()
		if err := bookingConsumer.Shutdown(consumerCtx); err != nil {
			appLogger.Warn("Embedded consumer shutdown timeout exceeded",
				slog.Any("error", err),
			)
		}
	} else {
		notifier.CloseAll()
	}

	appLogger.Info("Server shutdown complete")
	return runErr
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

// initConsumer builds the worker pool and its supervisor for embedded mode
func initConsumer(cfg *config.Config, store *queue.Store, notifier *notify.Service, logger *slog.Logger) *consumer.Consumer {
	engine := matching.NewClient(&matching.Config{
		BaseURL:       cfg.Matching.BaseURL,
		Timeout:       cfg.Matching.Timeout,
		RetryCount:    cfg.Matching.RetryCount,
		RetryWaitTime: cfg.Matching.RetryWaitTime,
	}, logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            logger,
		Store:             store,
		Notifier:          notifier,
		Engine:            engine,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		JobTimeout:        cfg.Worker.JobTimeout,
		RetryDelay:        cfg.Worker.RetryDelay,
		ShutdownTimeout:   cfg.Worker.GracefulShutdownTimeout,
		ErrorBackoff:      cfg.Worker.ErrorBackoff,
	})

	return consumer.New(&consumer.Config{
		Logger:              logger,
		Store:               store,
		Pool:                workerInstance,
		Channels:            notifier,
		HealthCheckInterval: cfg.Consumer.HealthCheckInterval,
		CleanupInterval:     cfg.Consumer.CleanupInterval,
		StuckAfter:          cfg.Worker.JobTimeout,
	})
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Setup router
	return router.SetupRouter(deps)
}
