// Package wsclient is the client half of the synchronization layer: a
// connection manager that survives reconnects without losing handler
// registrations, and the state reconciler that folds the event stream into
// a consistent local view.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/ws"
)

var ErrNotConnected = errors.New("wsclient: not connected")

// Handler consumes the data payload of one server event.
type Handler func(data json.RawMessage)

// Options configures a Client. Zero values fall back to the defaults below.
type Options struct {
	URL   string // websocket endpoint, e.g. ws://host/ws
	Token string // bearer credential, resolved by the auth layer

	ReconnectAttempts    int           // bounded retry after unexpected loss (default 5)
	ReconnectDelay       time.Duration // fixed backoff between attempts (default 1s)
	PresencePollInterval time.Duration // online-users self-heal poll (default 10s)

	// OnError is called with terminal failures: reconnect exhaustion and
	// read-side protocol problems. Never called for an explicit Disconnect.
	OnError func(error)

	Dialer *websocket.Dialer
}

// Client owns the lifecycle of one logical connection. Handlers are stored
// independent of the underlying transport, so a reconnect is invisible to
// callers: every registered handler keeps firing on the new socket.
type Client struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	dialing   bool // a Connect is in flight; makes concurrent Connects no-ops
	closed    bool // explicit Disconnect; suppresses reconnection
	handlers  map[string]map[uintptr]Handler
	pollStop  chan struct{}

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.PresencePollInterval <= 0 {
		opts.PresencePollInterval = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:     opts,
		handlers: make(map[string]map[uintptr]Handler),
	}
}

// Connect performs the handshake. Calling it while a connection is live is a
// no-op, so redundant calls cannot open duplicate sockets. On success an
// online-users snapshot is requested immediately and the presence poll
// starts.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.closed = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("wsclient: handshake: %w", err)
	}
	// A Disconnect issued while the dial was in flight wins: the fresh
	// transport is discarded instead of resurrecting the client.
	if c.closed || c.connected {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.startPollingLocked()
	c.mu.Unlock()

	go c.readLoop(conn)
	c.requestSnapshot()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// Disconnect closes the connection and stops the presence poll. No
// reconnection is attempted after an explicit disconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
}

// RegisterHandler subscribes to a server event. Registering the identical
// function twice for the same event is a no-op, so repeated effect-style
// setup cannot cause duplicate delivery.
func (c *Client) RegisterHandler(event string, h Handler) {
	if h == nil {
		return
	}
	key := reflect.ValueOf(h).Pointer()

	c.mu.Lock()
	defer c.mu.Unlock()
	byKey, ok := c.handlers[event]
	if !ok {
		byKey = make(map[uintptr]Handler)
		c.handlers[event] = byKey
	}
	byKey[key] = h
}

// Emit sends a client event on the current transport.
func (c *Client) Emit(event string, data any) error {
	env, err := ws.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	live := c.connected
	c.mu.Unlock()
	if !live || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// Connected reports whether a transport is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) requestSnapshot() {
	if err := c.Emit(ws.EventGetOnlineUsers, nil); err != nil {
		log.Printf("wsclient: snapshot request: %v", err)
	}
}

// startPollingLocked launches the self-healing presence poll. The poll, not
// the delta stream, is the source of truth for the online set; deltas only
// cut latency. Caller must hold c.mu.
func (c *Client) startPollingLocked() {
	if c.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	c.pollStop = stop

	go func() {
		ticker := time.NewTicker(c.opts.PresencePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.Connected() {
					c.requestSnapshot()
				}
			}
		}
	}()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		// The server coalesces queued frames into one write, newline
		// separated.
		for _, frame := range bytes.Split(raw, []byte{'\n'}) {
			if len(frame) == 0 {
				continue
			}
			var env ws.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				log.Printf("wsclient: bad frame: %v", err)
				continue
			}
			c.dispatch(env)
		}
	}
}

func (c *Client) dispatch(env ws.Envelope) {
	c.mu.Lock()
	byKey := c.handlers[env.Event]
	handlers := make([]Handler, 0, len(byKey))
	for _, h := range byKey {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A newer transport already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	explicit := c.closed
	c.mu.Unlock()

	if explicit {
		return
	}
	c.reconnect(cause)
}

// reconnect retries the handshake a bounded number of times with a fixed
// delay. Handlers survive untouched; the fresh transport replays them by
// construction because dispatch reads the registry at delivery time.
func (c *Client) reconnect(cause error) {
	var lastErr error = cause
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		time.Sleep(c.opts.ReconnectDelay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.dial(context.Background())
		if err != nil {
			lastErr = err
			log.Printf("wsclient: reconnect attempt %d/%d failed: %v", attempt, c.opts.ReconnectAttempts, err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		go c.readLoop(conn)
		c.requestSnapshot()
		return
	}

	if c.opts.OnError != nil {
		c.opts.OnError(fmt.Errorf("wsclient: gave up after %d reconnect attempts: %w", c.opts.ReconnectAttempts, lastErr))
	}
}
