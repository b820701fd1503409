package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	// QueueName is optional; when set, a queue is declared and bound so events
	// are retained for consumers that are not connected yet
	QueueName         string
	QueueDurable      bool
	RoutingKey        string
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
	// AppID tags published messages; Consume skips messages carrying its own AppID
	AppID         string
	PrefetchCount int
}

// Client publishes messages to a RabbitMQ exchange
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected atomic.Bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger.With(slog.String("component", "rabbitmq")),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange: %w", err)
	}

	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected.Store(true)
	go c.watchClose()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("exchange_type", c.config.ExchangeType),
	)

	return nil
}

// watchClose marks the client disconnected when the broker closes the channel
func (c *Client) watchClose() {
	amqpErr, ok := <-c.closeChan
	c.isConnected.Store(false)
	if ok && amqpErr != nil {
		c.logger.Error("RabbitMQ channel closed",
			slog.String("reason", amqpErr.Reason),
			slog.Int("code", amqpErr.Code),
		)
	}
}

// setup declares the exchange and, when configured, a bound queue
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if c.config.QueueName == "" {
		return nil
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,    // name
		c.config.QueueDurable, // durable
		false,                 // auto-delete
		false,                 // exclusive
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,    // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Publish publishes a message of the given type to the configured exchange
func (c *Client) Publish(ctx context.Context, msgType string, body []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		c.config.RoutingKey,   // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         msgType,
			AppId:        c.config.AppID,
			Body:         body,
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.Int("body_size", len(body)),
		slog.String("type", msgType),
	)

	return nil
}

// Forward publishes a notification message; kind becomes the AMQP message type.
// It makes a single attempt so a broker outage never stalls the caller.
func (c *Client) Forward(ctx context.Context, kind string, body []byte) error {
	return c.Publish(ctx, kind, body)
}

// Consume binds a private, auto-deleted queue to the exchange and calls handle
// for every message published by other processes. It returns nil when ctx is
// done and an error when the broker closes the delivery stream.
func (c *Client) Consume(ctx context.Context, handle func(msgType string, body []byte) error) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if c.config.PrefetchCount > 0 {
		if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set qos: %w", err)
		}
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare consumer queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind consumer queue: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(
		ctx,
		q.Name, // queue
		"",     // consumer tag
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Consuming RabbitMQ exchange",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", q.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel closed")
			}
			if c.config.AppID != "" && d.AppId == c.config.AppID {
				continue
			}
			if err := handle(d.Type, d.Body); err != nil {
				c.logger.Warn("Failed to handle RabbitMQ message",
					slog.String("type", d.Type),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected.Store(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.conn != nil && !c.conn.IsClosed()
}
