package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/config"
)

// Client is the bridge's connection to the MQTT broker.
//
// Subscriptions are remembered and replayed after every reconnect. When a
// Will is configured, Close publishes it before disconnecting so a clean
// shutdown looks the same to subscribers as a crash.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig
	will    *Will

	subs      subscriptionSet
	connected atomic.Bool

	mu           sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is the subset of logging.Logger the client writes to.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Will is the retained message the broker publishes for the client when
// the session drops without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// Option customises Connect.
type Option func(*Client)

// WithWill registers a retained QoS 1 last will on topic.
func WithWill(topic string, payload []byte) Option {
	return func(c *Client) {
		c.will = &Will{Topic: topic, Payload: payload, QoS: 1}
	}
}

// WithLogger sets the logger before the first connection attempt, so
// reconnect warnings during startup are not lost.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// MessageHandler receives one message. Handlers run on paho's delivery
// goroutine; a returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and waits up to 10 seconds for the session.
// Later connection drops are retried in the background with backoff
// between the configured initial and maximum delays.
func Connect(cfg config.MQTTConfig, options ...Option) (*Client, error) {
	c := newClient(cfg, options...)

	c.options.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	c.options.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("reconnecting to broker", "broker", brokerURL(cfg.Broker))
		}
	})

	c.client = pahomqtt.NewClient(c.options)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: no session within %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have fired yet.
	c.connected.Store(true)
	return c, nil
}

// newClient builds an unconnected client with options applied.
func newClient(cfg config.MQTTConfig, options ...Option) *Client {
	c := &Client{cfg: cfg}
	for _, opt := range options {
		opt(c)
	}
	c.options = buildClientOptions(cfg, c.will)
	return c
}

func (c *Client) handleConnect() {
	c.connected.Store(true)

	c.subs.each(func(sub subscription) {
		token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		if err := await(token, ErrSubscribeFailed); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("restoring subscription", "topic", sub.topic, "error", err)
			}
		}
	})

	c.mu.RLock()
	callback := c.onConnect
	c.mu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	callback := c.onDisconnect
	c.mu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close publishes the will (if any) and disconnects. Calling Close on a
// client that never connected is a no-op.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.will != nil && c.IsConnected() {
		token := c.client.Publish(c.will.Topic, c.will.QoS, true, c.will.Payload)
		if err := await(token, ErrPublishFailed); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("publishing offline status", "topic", c.will.Topic, "error", err)
			}
		}
	}

	c.client.Disconnect(quiesceMillis)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether both our view and paho's agree the session
// is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect sets a callback invoked on every (re)connect, after the
// subscriptions have been restored.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the session is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger replaces the logger. A nil logger silences the client.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho, recovering panics and
// logging handler errors.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("message handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("message handler failed", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
