package messaging

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/metrics"
)

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL            string
	QueueName      string
	ExchangeName   string
	RoutingKey     string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// MessageTTL bounds how long an event waits in the queue
	MessageTTL time.Duration
}

// AMQPClient publishes JSON messages to a durable queue and reconnects when
// the broker drops the connection
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

var _ Publisher = (*AMQPClient)(nil)

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = time.Second
	}
	if config.MessageTTL <= 0 {
		config.MessageTTL = 12 * time.Hour
	}

	return &AMQPClient{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes a connection to the AMQP server and declares the queue
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}

	if c.config.URL == "" || c.config.QueueName == "" {
		return errors.Wrap(errors.ErrInvalidInput, "AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	connChan := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- dialResult{conn, err}:
		}
	}()

	var conn *amqp.Connection
	select {
	case result := <-connChan:
		if result.err != nil {
			metrics.SetAMQPConnectionStatus(false)
			return errors.NewSipNetwork("failed to connect to AMQP server", result.err)
		}
		conn = result.conn
	case <-ctx.Done():
		metrics.SetAMQPConnectionStatus(false)
		return errors.NewTimeout("AMQP connect", map[string]interface{}{
			"timeout": c.config.ConnectTimeout.String(),
		})
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	_, err = channel.QueueDeclare(
		c.config.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP queue", map[string]interface{}{
			"queue": c.config.QueueName,
		})
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	metrics.SetAMQPConnectionStatus(true)
	c.logger.WithFields(logrus.Fields{
		"queue":    c.config.QueueName,
		"exchange": c.config.ExchangeName,
	}).Info("Connected to AMQP server")

	// A new stop channel in case this is a reconnect
	c.stopChan = make(chan struct{})
	go c.monitorConnection(conn, c.stopChan)

	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	// Stops a reconnect loop even when the broker already dropped us
	if c.stopChan != nil {
		close(c.stopChan)
		c.stopChan = nil
	}
	if !c.connected {
		return
	}

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// Publish sends body to the configured queue as a persistent JSON message
func (c *AMQPClient) Publish(ctx context.Context, messageID string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()

	publishChan := make(chan error, 1)
	go func() {
		c.connMutex.RLock()
		defer c.connMutex.RUnlock()

		if !c.connected || c.channel == nil {
			publishChan <- errors.Wrap(errors.ErrUnavailable, "not connected to AMQP server")
			return
		}

		publishChan <- c.channel.Publish(
			c.config.ExchangeName,
			c.config.RoutingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				MessageId:    messageID,
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Expiration:   formatExpiration(c.config.MessageTTL),
			},
		)
	}()

	select {
	case err := <-publishChan:
		if err != nil {
			metrics.RecordAMQPPublish(c.exchangeLabel(), "error")
			return errors.Wrap(err, "failed to publish to AMQP", map[string]interface{}{
				"message_id": messageID,
			})
		}
	case <-ctx.Done():
		metrics.RecordAMQPPublish(c.exchangeLabel(), "timeout")
		return errors.NewTimeout("AMQP publish", map[string]interface{}{
			"message_id": messageID,
		})
	}

	metrics.RecordAMQPPublish(c.exchangeLabel(), "success")
	c.logger.WithField("message_id", messageID).Debug("Published message to AMQP")
	return nil
}

func (c *AMQPClient) exchangeLabel() string {
	if c.config.ExchangeName == "" {
		return "default"
	}
	return c.config.ExchangeName
}

// monitorConnection reconnects with exponential backoff when conn closes
func (c *AMQPClient) monitorConnection(conn *amqp.Connection, stop chan struct{}) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case closeErr := <-closeChan:
		select {
		case <-stop:
			return
		default:
		}
		c.connMutex.Lock()
		c.connected = false
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

		for attempt := 1; attempt <= 10; attempt++ {
			select {
			case <-stop:
				return
			default:
			}
			err := c.Connect()
			if err == nil {
				c.logger.WithField("attempt", attempt).Info("Reconnected to AMQP server")
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

			select {
			case <-stop:
				return
			case <-time.After(reconnectBackoff(attempt)):
			}
		}
		c.logger.Error("Giving up reconnecting to AMQP server")
	}
}

// reconnectBackoff doubles from one second up to 30 seconds
func reconnectBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<uint(attempt-1)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// formatExpiration renders ttl in milliseconds, the unit AMQP expects
func formatExpiration(ttl time.Duration) string {
	return strconv.FormatInt(ttl.Milliseconds(), 10)
}
