// Package hass is a client for the Home Assistant websocket API. It renders
// template subscriptions, performs service calls and mirrors entity states.
package hass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/config"
	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/model"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

// AuthError is returned when Home Assistant rejects the access token. It is
// never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "hass: authentication rejected: " + e.Message
}

// Client is an authenticated websocket connection to Home Assistant. All
// methods are safe for concurrent use.
type Client struct {
	conn           *websocket.Conn
	logger         *zap.Logger
	metrics        *observability.Metrics
	requestTimeout time.Duration
	haVersion      string

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int
	pending map[int]chan *message
	subs    map[int]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records connection and message metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Dial connects and authenticates to Home Assistant. Failed attempts are
// retried with exponential backoff until cfg.Reconnect.MaxElapsedTime passes
// or ctx is done. A rejected token fails immediately with *AuthError.
func Dial(ctx context.Context, cfg config.HomeAssistantConfig, token string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:         zap.NewNop(),
		requestTimeout: cfg.RequestTimeout,
		pending:        make(map[int]chan *message),
		subs:           make(map[int]func(json.RawMessage)),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}

	b := backoff.NewExponentialBackOff()
	if cfg.Reconnect.InitialInterval > 0 {
		b.InitialInterval = cfg.Reconnect.InitialInterval
	}
	if cfg.Reconnect.MaxInterval > 0 {
		b.MaxInterval = cfg.Reconnect.MaxInterval
	}
	if cfg.Reconnect.Multiplier >= 1 {
		b.Multiplier = cfg.Reconnect.Multiplier
	}
	b.MaxElapsedTime = cfg.Reconnect.MaxElapsedTime

	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 && c.metrics != nil {
			c.metrics.RecordHassReconnect()
		}
		conn, version, err := c.handshake(ctx, cfg, token)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		c.conn = conn
		c.haVersion = version
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("home assistant connection failed, retrying",
			zap.String("url", cfg.URL),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("hass: dial %s: %w", cfg.URL, err)
	}

	if c.metrics != nil {
		c.metrics.SetHassConnected(true)
	}
	c.logger.Info("connected to home assistant",
		zap.String("url", cfg.URL),
		zap.String("ha_version", c.haVersion),
	)

	go c.readLoop()
	return c, nil
}

// handshake opens the socket and runs the auth exchange.
func (c *Client) handshake(ctx context.Context, cfg config.HomeAssistantConfig, token string) (*websocket.Conn, string, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(dctx, cfg.URL, nil)
	if err != nil {
		return nil, "", err
	}

	deadline, _ := dctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	version, err := c.authenticate(conn, token)
	if err != nil {
		conn.Close()
		return nil, "", err
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, version, nil
}

func (c *Client) authenticate(conn *websocket.Conn, token string) (string, error) {
	first, err := readMessage(conn)
	if err != nil {
		return "", fmt.Errorf("reading auth_required: %w", err)
	}
	if first.Type != typeAuthRequired {
		return "", fmt.Errorf("unexpected first message %q", first.Type)
	}

	auth, err := json.Marshal(map[string]any{"type": typeAuth, "access_token": token})
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return "", fmt.Errorf("sending auth: %w", err)
	}
	c.record("out", typeAuth)

	reply, err := readMessage(conn)
	if err != nil {
		return "", fmt.Errorf("reading auth reply: %w", err)
	}
	c.record("in", reply.Type)
	switch reply.Type {
	case typeAuthOK:
		if reply.HAVersion != "" {
			return reply.HAVersion, nil
		}
		return first.HAVersion, nil
	case typeAuthInvalid:
		return "", &AuthError{Message: reply.Message}
	default:
		return "", fmt.Errorf("unexpected auth reply %q", reply.Type)
	}
}

func readMessage(conn *websocket.Conn) (*message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Version returns the Home Assistant version reported during auth.
func (c *Client) Version() string {
	return c.haVersion
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(net.ErrClosed)
	return c.conn.Close()
}

// HealthCheck pings Home Assistant.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, _, err := c.request(ctx, map[string]any{"type": typePing}, nil)
	return err
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed home assistant message", zap.Error(err))
			continue
		}
		c.record("in", msg.Type)
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *message) {
	switch msg.Type {
	case typeResult, typePong:
		if msg.Type == typePong {
			msg.Success = true
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	case typeEvent:
		c.mu.Lock()
		handler := c.subs[msg.ID]
		c.mu.Unlock()
		if handler != nil {
			handler(msg.Event)
		}
	default:
		c.logger.Debug("ignoring home assistant message", zap.String("type", msg.Type))
	}
}

// shutdown records the terminal error once and releases every waiter.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[int]chan *message)
		c.subs = make(map[int]func(json.RawMessage))
		c.mu.Unlock()
		close(c.done)

		if c.metrics != nil {
			c.metrics.SetHassConnected(false)
		}
		if !errors.Is(err, net.ErrClosed) {
			c.logger.Error("home assistant connection lost", zap.Error(err))
		}
	})
}

// request sends payload with a fresh id and waits for its result. When
// onEvent is set, events carrying the same id are routed to it until
// forget is called.
func (c *Client) request(ctx context.Context, payload map[string]any, onEvent func(json.RawMessage)) (int, json.RawMessage, error) {
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return 0, nil, errConnectionClosed()
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	if onEvent != nil {
		c.subs[id] = onEvent
	}
	c.mu.Unlock()

	payload["id"] = id
	msgType, _ := payload["type"].(string)
	if err := c.write(payload); err != nil {
		c.forget(id)
		return 0, nil, fmt.Errorf("hass: sending %s: %w", msgType, err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case msg := <-ch:
		if !msg.Success {
			c.forget(id)
			return id, nil, msg.Error.envelope()
		}
		return id, msg.Result, nil
	case <-c.done:
		return id, nil, errConnectionClosed()
	case <-rctx.Done():
		c.forget(id)
		if ctx.Err() != nil {
			return id, nil, ctx.Err()
		}
		return id, nil, model.NewBackendTimeoutError()
	}
}

func (c *Client) write(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	msgType, _ := payload["type"].(string)
	c.record("out", msgType)
	return nil
}

func (c *Client) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Client) record(direction, msgType string) {
	if c.metrics != nil {
		c.metrics.RecordHassMessage(direction, msgType)
	}
}

func errConnectionClosed() error {
	return model.NewBackendUnavailableError("home assistant connection closed")
}
