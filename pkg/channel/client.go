package channel

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"chatsync/pkg/channel/types"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// State is the connection lifecycle of the client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the payload of a matched event frame.
type Handler func(frame types.Frame)

// Config carries the connection parameters for the real-time channel.
type Config struct {
	// URL of the websocket endpoint, ws:// or wss://.
	URL   string
	Token string

	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
}

// Client is a reconnecting websocket client. Joined conversations are an
// authoritative local set: after any reconnect the client re-joins all of
// them without caller involvement.
type Client struct {
	cfg    Config
	logger *logrus.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	joined   map[string]struct{}
	handlers map[types.EventType]map[int]Handler
	nextID   int
	stopCh   chan struct{}
	stopped  bool

	writeMu sync.Mutex
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		joined:   make(map[string]struct{}),
		handlers: make(map[types.EventType]map[int]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Connect dials the server. A rejected handshake (bad token, unreachable
// host) is returned to the caller; automatic reconnection only applies to
// connections that were established and later dropped.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("already %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.restoreSubscriptions()

	go c.readLoop(conn)
	go c.heartbeatLoop()

	c.logger.WithField("url", c.cfg.URL).Info("Channel connected")
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// Close shuts the client down. It does not trigger reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Join adds a conversation to the subscription set and subscribes now if
// connected. The set survives reconnects.
func (c *Client) Join(conversationID string) error {
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Send(types.EventJoin, types.JoinPayload{ConversationID: conversationID})
}

// Leave removes a conversation from the subscription set.
func (c *Client) Leave(conversationID string) error {
	c.mu.Lock()
	delete(c.joined, conversationID)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Send(types.EventLeave, types.JoinPayload{ConversationID: conversationID})
}

// On registers a handler for an event type and returns its unsubscribe
// function. Handlers for the same event run in registration order.
func (c *Client) On(event types.EventType, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	registry, ok := c.handlers[event]
	if !ok {
		registry = make(map[int]Handler)
		c.handlers[event] = registry
	}
	id := c.nextID
	c.nextID++
	registry[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(registry, id)
	}
}

// Off removes every handler for an event type.
func (c *Client) Off(event types.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// Send writes a frame to the server.
func (c *Client) Send(event types.EventType, payload interface{}) error {
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel is not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(frame)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame types.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			stopped := c.stopped
			current := c.conn == conn
			c.mu.Unlock()
			if stopped || !current {
				return
			}
			c.logger.WithError(err).Warn("Channel connection lost")
			c.reconnect()
			return
		}
		c.dispatch(frame)
	}
}

// reconnect attempts to re-establish the connection with a fixed delay
// between attempts, up to the configured bound. On success all joined
// conversations are re-subscribed before anything else happens.
func (c *Client) reconnect() {
	c.setState(StateConnecting)

	for attempt := 1; attempt <= c.cfg.ReconnectMaxAttempts; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"max":     c.cfg.ReconnectMaxAttempts,
			}).Warn("Reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()

		c.restoreSubscriptions()
		c.logger.WithField("attempt", attempt).Info("Channel reconnected")

		go c.readLoop(conn)
		return
	}

	// Drop the dead connection so Send reports disconnection instead of
	// failing a write on it.
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Error("Reconnect attempts exhausted, channel is offline")
}

func (c *Client) restoreSubscriptions() {
	c.mu.Lock()
	joined := make([]string, 0, len(c.joined))
	for id := range c.joined {
		joined = append(joined, id)
	}
	c.mu.Unlock()

	for _, id := range joined {
		if err := c.Send(types.EventJoin, types.JoinPayload{ConversationID: id}); err != nil {
			c.logger.WithError(err).WithField("conversation", id).Warn("Failed to restore subscription")
		}
	}
}

// dispatch runs every handler registered for the frame's event. A panic in
// one handler is recovered and logged; the rest still run.
func (c *Client) dispatch(frame types.Frame) {
	c.mu.Lock()
	registry := c.handlers[frame.Event]
	ordered := make([]Handler, 0, len(registry))
	ids := make([]int, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		ordered = append(ordered, registry[id])
	}
	c.mu.Unlock()

	for _, handler := range ordered {
		c.safeCall(handler, frame)
	}
}

func (c *Client) safeCall(handler Handler, frame types.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"event": frame.Event,
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()
	handler(frame)
}

func (c *Client) heartbeatLoop() {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			if err := c.Send(types.EventPing, nil); err != nil {
				c.logger.WithError(err).Debug("Heartbeat failed")
			}
		}
	}
}
