package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/ws"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRegisterHandlerIsIdempotent(t *testing.T) {
	c := New(Options{URL: "ws://unused"})

	var calls atomic.Int32
	handler := func(json.RawMessage) { calls.Add(1) }

	c.RegisterHandler(ws.EventNewMessage, handler)
	c.RegisterHandler(ws.EventNewMessage, handler) // repeated effect setup
	c.RegisterHandler(ws.EventNewMessage, handler)

	c.dispatch(ws.Envelope{Event: ws.EventNewMessage})

	if got := calls.Load(); got != 1 {
		t.Fatalf("handler fired %d times for one event, want 1", got)
	}
}

func TestDifferentHandlersBothFire(t *testing.T) {
	c := New(Options{URL: "ws://unused"})

	var a, b atomic.Int32
	c.RegisterHandler(ws.EventNewMessage, func(json.RawMessage) { a.Add(1) })
	c.RegisterHandler(ws.EventNewMessage, func(json.RawMessage) { b.Add(1) })

	c.dispatch(ws.Envelope{Event: ws.EventNewMessage})

	if a.Load() != 1 || b.Load() != 1 {
		t.Fatalf("distinct handlers should both fire once, got %d and %d", a.Load(), b.Load())
	}
}

func TestConnectIsNoOpWhileConnected(t *testing.T) {
	var upgrades atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrades.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{URL: wsURL(srv)})
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("redundant connect: %v", err)
	}

	if got := upgrades.Load(); got != 1 {
		t.Fatalf("redundant connect opened %d sockets, want 1", got)
	}
}

func TestReconnectReplaysHandlersAndRequestsSnapshot(t *testing.T) {
	snapshotRequested := make(chan struct{}, 1)
	delivered := make(chan struct{}, 4)

	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		if conns.Add(1) == 1 {
			// Simulate a network drop right after the handshake.
			conn.Close()
			return
		}

		defer conn.Close()
		// The fresh transport must request an online-users snapshot.
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event == ws.EventGetOnlineUsers {
			snapshotRequested <- struct{}{}
		}

		conn.WriteJSON(ws.Envelope{Event: ws.EventNewMessage})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{
		URL:            wsURL(srv),
		ReconnectDelay: 10 * time.Millisecond,
		OnError: func(err error) {
			t.Errorf("unexpected terminal error: %v", err)
		},
	})
	defer c.Disconnect()

	c.RegisterHandler(ws.EventNewMessage, func(json.RawMessage) {
		delivered <- struct{}{}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-snapshotRequested:
	case <-time.After(2 * time.Second):
		t.Fatal("no online-users snapshot requested after reconnect")
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("registered handler did not fire on the new transport")
	}

	// No duplicate delivery: the handler registry survived the reconnect
	// unchanged.
	select {
	case <-delivered:
		t.Fatal("handler fired more than once for one server event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExplicitDisconnectSuppressesReconnect(t *testing.T) {
	var upgrades atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrades.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	errs := make(chan error, 1)
	c := New(Options{
		URL:            wsURL(srv),
		ReconnectDelay: 10 * time.Millisecond,
		OnError:        func(err error) { errs <- err },
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Disconnect()

	time.Sleep(150 * time.Millisecond)
	if got := upgrades.Load(); got != 1 {
		t.Fatalf("client reconnected after explicit disconnect: %d sockets", got)
	}
	select {
	case err := <-errs:
		t.Fatalf("no terminal error expected after explicit disconnect, got %v", err)
	default:
	}
	if c.Connected() {
		t.Error("client should report disconnected")
	}
}

func TestDisconnectDuringDialWins(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release // hold the handshake until the disconnect has landed
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{URL: wsURL(srv)})
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	time.Sleep(50 * time.Millisecond) // let the dial reach the blocked handshake
	c.Disconnect()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.Connected() {
		t.Error("explicit disconnect during the dial must win")
	}
	if err := c.Emit(ws.EventGetOnlineUsers, nil); err == nil {
		t.Error("no transport should be installed after the disconnect")
	}
}

func TestHandshakeFailureIsReturnedToCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Options{URL: wsURL(srv)})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("handshake failure should be reported, not swallowed")
	}
	if c.Connected() {
		t.Error("client must not report connected after a failed handshake")
	}
}

func TestEmitWithoutConnectionFails(t *testing.T) {
	c := New(Options{URL: "ws://unused"})
	if err := c.Emit(ws.EventTypingStart, ws.ConversationRef{ConversationID: 1}); err == nil {
		t.Fatal("emit on a dead client should fail")
	}
}
