package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultPingTimeout    = 10 * time.Second
)

type ClientConfig struct {
	Host      string
	Port      int
	ClientID  string
	KeepAlive time.Duration

	// Debug routes paho's internal logging to the logger.
	Debug bool
}

// Client is the paho-backed Broker. Each Connect builds a fresh paho client
// from the current options so the latest will is always the one registered.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu     sync.RWMutex
	opts   *pahomqtt.ClientOptions
	client pahomqtt.Client
	conn   *connackConn
	onLost func(error)
}

var _ Broker = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logger,
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	// Session settings. The version is pinned so a refused 3.1.1 handshake is
	// not retried as 3.1 and the first CONNACK code is the one reported.
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)

	// Session owns reconnects; it has to see every CONNACK code.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// Keepalive / timeouts
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetPingTimeout(defaultPingTimeout)
	opts.SetConnectTimeout(defaultConnectTimeout)

	// Handlers run on their own goroutines so one may publish a reply.
	opts.SetOrderMatters(false)

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.mu.RLock()
		onLost := c.onLost
		c.mu.RUnlock()
		if onLost != nil {
			onLost(err)
		}
	})

	opts.SetCustomOpenConnectionFn(dialTCP(func(conn *connackConn) {
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}))

	c.opts = opts

	if cfg.Debug {
		routeLibraryLogs(logger)
	}
	return c
}

// routeLibraryLogs sends paho's package-level loggers to slog at debug level.
func routeLibraryLogs(logger *slog.Logger) {
	l := slog.NewLogLogger(logger.With("component", "paho").Handler(), slog.LevelDebug)
	pahomqtt.ERROR = l
	pahomqtt.CRITICAL = l
	pahomqtt.WARN = l
	pahomqtt.DEBUG = l
}

func (c *Client) SetWill(topic string, payload []byte, retained bool) {
	c.mu.Lock()
	c.opts.SetBinaryWill(topic, payload, 0, retained)
	c.mu.Unlock()
}

func (c *Client) SetConnectionLostHandler(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// Connect makes a single attempt and waits for it in a ctx-aware loop. The
// code comes from the CONNACK bytes on the wire, so codes paho does not know
// are reported as sent instead of as success.
func (c *Client) Connect(ctx context.Context) (AckCode, error) {
	c.mu.Lock()
	client := pahomqtt.NewClient(c.opts)
	c.client = client
	c.conn = nil
	c.mu.Unlock()

	token := client.Connect()

	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			client.Disconnect(0)
			return 0, ctx.Err()
		default:
		}
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	var rc byte
	acked := false
	if conn != nil {
		rc, acked = conn.returnCode()
	}

	switch {
	case !acked:
		return 0, fmt.Errorf("%w: %v", ErrTransport, token.Error())
	case rc == byte(AckAccepted) && token.Error() == nil:
		return AckAccepted, nil
	case rc == byte(AckAccepted):
		return 0, fmt.Errorf("%w: %v", ErrTransport, token.Error())
	default:
		// paho treats codes it has no error for as accepted and keeps the link.
		if client.IsConnectionOpen() {
			client.Disconnect(0)
		}
		return AckCode(rc), nil
	}
}

func (c *Client) current() pahomqtt.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	client := c.current()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.logger.Debug("published", "topic", topic, "retained", retained)
	return nil
}

func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	client := c.current()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := client.Subscribe(topic, 0, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	c.logger.Debug("subscribed", "topic", topic)
	return nil
}

// wrapHandler adapts a MessageHandler and keeps a panicking handler from
// taking down paho's router.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("mqtt handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		c.logger.Debug("received", "topic", msg.Topic(), "qos", msg.Qos(), "size", len(msg.Payload()))
		handler(msg.Topic(), msg.Payload())
	}
}

// Disconnect is safe to call when never connected.
func (c *Client) Disconnect(quiesce time.Duration) {
	client := c.current()
	if client == nil {
		return
	}
	client.Disconnect(uint(quiesce.Milliseconds()))
}
