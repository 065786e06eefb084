package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConfig configures a websocket client.
type wsConfig struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	Keepalive    *Frame // Application-level ping sent with every websocket ping
}

// message is one inbound websocket message with its local receive time.
type message struct {
	Frame
	ReceivedAt time.Time
}

// wsClient is a single websocket connection to a broker feed.
type wsClient struct {
	cfg    wsConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan message
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu           sync.RWMutex
	connected    bool
	lastActivity time.Time
	closed       bool
}

func newWSClient(cfg wsConfig, logger *slog.Logger) *wsClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &wsClient{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the broker. A 401 or 403 handshake response is reported as
// ErrAuth, anything else as ErrTransport.
func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake status %d", ErrAuth, resp.StatusCode)
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastActivity = time.Now()
	c.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("websocket connected", "url", redactURL(c.cfg.URL))

	return nil
}

// Close sends a close frame and shuts the connection.
func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		return conn.Close()
	}

	return nil
}

// Send writes one frame.
func (c *wsClient) Send(f Frame) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	msgType := websocket.TextMessage
	if f.Binary {
		msgType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(msgType, f.Data)
}

// Messages returns inbound messages.
func (c *wsClient) Messages() <-chan message {
	return c.messages
}

// Errors returns the terminal error of the connection.
func (c *wsClient) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *wsClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastActivity is the time of the last inbound message, ping or pong.
func (c *wsClient) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *wsClient) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *wsClient) fail(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *wsClient) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		msgType, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(fmt.Errorf("%w: %w", ErrTransport, err))
			}
			return
		}
		c.touch()

		msg := message{
			Frame:      Frame{Binary: msgType == websocket.BinaryMessage, Data: data},
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warn("message buffer full, dropping message")
		}
	}
}

// heartbeatLoop pings the broker and reports a stale connection when
// nothing has been heard within PingTimeout.
func (c *wsClient) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			lastActivity := c.lastActivity
			c.mu.RUnlock()

			if conn != nil {
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
				c.writeMu.Unlock()
				if err != nil {
					c.logger.Debug("failed to send ping", "error", err)
				}
			}
			if c.cfg.Keepalive != nil {
				if err := c.Send(*c.cfg.Keepalive); err != nil {
					c.logger.Debug("failed to send keepalive", "error", err)
				}
			}

			if time.Since(lastActivity) > c.cfg.PingTimeout {
				c.logger.Warn("no traffic received, connection stale",
					"last_activity", lastActivity,
					"timeout", c.cfg.PingTimeout,
				)
				c.fail(ErrStaleConnection)
				return
			}
		}
	}
}

// redactURL drops the query string, which carries tokens for several brokers.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
