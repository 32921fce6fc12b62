package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum event frame size allowed from peer.

	sendBuffer = 256
)

// Client is one transport session: a single websocket owned by one user.
// A user may own several concurrent Clients (multi-tab, multi-device);
// everything above this type has to respect that.
type Client struct {
	ID       string
	UserID   int
	Username string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	// rooms this connection joined; guarded by the hub's room-table lock.
	rooms map[string]struct{}

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, userID int, username string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

// close signals the write pump to finish. Safe to call from any goroutine,
// any number of times. The send channel is never closed, so concurrent
// trySend calls cannot panic.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// trySend enqueues a pre-marshaled frame without blocking. A full buffer
// means the peer stopped reading; the caller decides what to do about it.
func (c *Client) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) sendEnvelope(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("ws: marshal %s event: %v", env.Event, err)
		return
	}
	if !c.trySend(payload) {
		log.Printf("ws: send buffer full for user %d (%s), dropping %s", c.UserID, c.ID, env.Event)
	}
}

func (c *Client) sendError(inboundEvent, message string) {
	c.sendEnvelope(mustEnvelope(EventError, ErrorEvent{Event: inboundEvent, Message: message}))
}

// readPump pumps events from the websocket into the dispatcher. Each
// connection's events are handled in order on this goroutine, so a leave or
// disconnect takes effect before any later event of the same connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error for user %d: %v", c.UserID, err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("", "malformed event frame")
			continue
		}
		c.hub.dispatch(c, env)
	}
}

// writePump pumps frames from the send channel to the websocket and keeps
// the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)

			// Drain queued frames into the same write to reduce syscalls.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
