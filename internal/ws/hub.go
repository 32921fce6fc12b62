package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chat-sync/internal/chat"
	"chat-sync/internal/user"
)

const fanoutChannel = "chat-sync:events"

// fanout is the envelope published to Redis so sibling instances mirror
// deliveries (and membership transitions) for their own connections.
type fanout struct {
	Origin         string    `json:"origin"`
	Op             string    `json:"op"` // 'broadcast', 'broadcast-all' or 'leave-user'
	Room           string    `json:"room,omitempty"`
	UserID         int       `json:"user_id,omitempty"`
	ConversationID int       `json:"conversation_id,omitempty"`
	Event          *Envelope `json:"event,omitempty"`
}

// Hub owns the room table, presence and typing state, and all event
// delivery. REST handlers call into it for the events their mutations
// produce; websocket connections feed it through dispatch.
type Hub struct {
	repo  *chat.Repository
	users *user.Repository
	rdb   *redis.Client

	instanceID string
	rooms      *roomTable
	presence   *Presence
	typing     *TypingTracker

	mu      sync.Mutex
	clients map[*Client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(rdb *redis.Client, repo *chat.Repository, users *user.Repository) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		repo:       repo,
		users:      users,
		rdb:        rdb,
		instanceID: uuid.NewString(),
		rooms:      newRoomTable(),
		presence:   NewPresence(rdb),
		clients:    make(map[*Client]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	h.typing = NewTypingTracker(DefaultTypingTTL, func(conversationID, userID int) {
		h.broadcastRoom(ConversationRoom(conversationID),
			mustEnvelope(EventUserStoppedTyping, TypingEvent{ConversationID: conversationID, UserID: userID}))
	})
	return h
}

// Presence exposes the tracker for snapshot stamping in REST handlers.
func (h *Hub) Presence() *Presence { return h.presence }

// Register adds a freshly upgraded connection: it joins the user's personal
// room and, when this is the user's first socket, announces them online.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.rooms.join(c, UserRoom(c.UserID))
	log.Printf("ws: user %d connected (%s). Total connections: %d", c.UserID, c.ID, total)

	if h.presence.Connect(h.ctx, c.UserID) {
		h.broadcastAll(mustEnvelope(EventUserOnline, PresenceEvent{UserID: c.UserID}))
	}
}

// Unregister tears a connection down: membership is removed synchronously
// before anything else, so no broadcast after this point can reach the
// connection. The user's typing indicators and presence only change when
// their last socket goes.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	h.rooms.dropClient(c)
	c.close()
	log.Printf("ws: user %d disconnected (%s). Total connections: %d", c.UserID, c.ID, total)

	wentOffline, lastSeen := h.presence.Disconnect(h.ctx, c.UserID)
	if !wentOffline {
		return
	}

	for _, conversationID := range h.typing.StopAll(c.UserID) {
		h.broadcastRoom(ConversationRoom(conversationID),
			mustEnvelope(EventUserStoppedTyping, TypingEvent{ConversationID: conversationID, UserID: c.UserID}))
	}

	if h.users != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.users.TouchLastSeen(ctx, c.UserID, lastSeen); err != nil {
			log.Printf("ws: persisting last_seen for user %d: %v", c.UserID, err)
		}
	}

	h.broadcastAll(mustEnvelope(EventUserOffline, PresenceEvent{UserID: c.UserID, LastSeen: &lastSeen}))
}

// ---------------------------------------------
// Delivery
// ---------------------------------------------

// NotifyUser delivers a user-scoped event to every connection in the user's
// personal room, on this and every sibling instance.
func (h *Hub) NotifyUser(userID int, event string, data any) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		log.Printf("ws: building %s event: %v", event, err)
		return
	}
	h.broadcastRoom(UserRoom(userID), env)
}

// BroadcastConversation delivers a room-scoped event to every connection
// currently joined to the conversation room.
func (h *Hub) BroadcastConversation(conversationID int, event string, data any) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		log.Printf("ws: building %s event: %v", event, err)
		return
	}
	h.broadcastRoom(ConversationRoom(conversationID), env)
}

func (h *Hub) broadcastRoom(room string, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("ws: marshal %s event: %v", env.Event, err)
		return
	}
	h.deliver(h.rooms.members(room), payload)
	h.publish(fanout{Op: "broadcast", Room: room, Event: &env})
}

func (h *Hub) broadcastAll(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("ws: marshal %s event: %v", env.Event, err)
		return
	}
	h.deliver(h.allClients(), payload)
	h.publish(fanout{Op: "broadcast-all", Event: &env})
}

func (h *Hub) allClients() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

func (h *Hub) deliver(clients []*Client, payload []byte) {
	for _, c := range clients {
		if !c.trySend(payload) {
			// Peer stopped draining; drop the connection, the client will
			// reconnect and resync from a snapshot.
			log.Printf("ws: dropping slow connection %s (user %d)", c.ID, c.UserID)
			c.close()
		}
	}
}

// ---------------------------------------------
// Membership transitions
// ---------------------------------------------

// LeaveGroup runs the atomic membership transition for a user leaving a
// conversation: every one of their connections leaves the room first, then
// two notifications go out from the same post-transition snapshot — a
// refresh signal to the remaining members and a removal signal to the
// leaver's personal room. Sibling instances repeat the transition for their
// own connections.
func (h *Hub) LeaveGroup(userID, conversationID int) {
	h.leaveGroupLocal(userID, conversationID)
	h.publish(fanout{Op: "leave-user", UserID: userID, ConversationID: conversationID})
}

func (h *Hub) leaveGroupLocal(userID, conversationID int) {
	room := ConversationRoom(conversationID)
	remaining, personal := h.rooms.leaveAllForUser(userID, room, UserRoom(userID))

	refresh, _ := json.Marshal(mustEnvelope(EventConversationRefresh,
		ConversationRefreshEvent{ConversationID: conversationID, Action: "member-left"}))
	removed, _ := json.Marshal(mustEnvelope(EventConversationRemoved,
		ConversationRemovedEvent{ConversationID: conversationID}))

	h.deliver(remaining, refresh)
	h.deliver(personal, removed)
}

// ---------------------------------------------
// Cross-instance fan-out
// ---------------------------------------------

func (h *Hub) publish(f fanout) {
	if h.rdb == nil {
		return
	}
	f.Origin = h.instanceID
	payload, err := json.Marshal(f)
	if err != nil {
		log.Printf("ws: marshal fanout: %v", err)
		return
	}
	if err := h.rdb.Publish(h.ctx, fanoutChannel, payload).Err(); err != nil {
		log.Printf("ws: redis publish: %v", err)
	}
}

// SubscribeToRedis mirrors sibling-instance events onto local connections.
// Run in its own goroutine.
func (h *Hub) SubscribeToRedis() {
	if h.rdb == nil {
		return
	}
	pubsub := h.rdb.Subscribe(h.ctx, fanoutChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var f fanout
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			log.Printf("ws: bad fanout payload: %v", err)
			continue
		}
		if f.Origin == h.instanceID {
			continue // already delivered locally
		}

		switch f.Op {
		case "broadcast":
			if f.Event == nil {
				continue
			}
			payload, err := json.Marshal(*f.Event)
			if err != nil {
				continue
			}
			h.deliver(h.rooms.members(f.Room), payload)
		case "broadcast-all":
			if f.Event == nil {
				continue
			}
			payload, err := json.Marshal(*f.Event)
			if err != nil {
				continue
			}
			h.deliver(h.allClients(), payload)
		case "leave-user":
			h.leaveGroupLocal(f.UserID, f.ConversationID)
		default:
			log.Printf("ws: unknown fanout op %q", f.Op)
		}
	}
}

// ---------------------------------------------
// Views & shutdown
// ---------------------------------------------

// ConversationView loads a conversation and stamps its participants with
// live presence (online flag from the cluster-wide snapshot, last-seen from
// local state when fresher than the persisted value).
func (h *Hub) ConversationView(ctx context.Context, conversationID int) (*chat.Conversation, error) {
	conv, err := h.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	h.StampPresence(ctx, conv)
	return conv, nil
}

// StampPresence refreshes the online flags of a conversation's participants.
func (h *Hub) StampPresence(ctx context.Context, conv *chat.Conversation) {
	online := make(map[int]struct{})
	for _, id := range h.presence.Snapshot(ctx) {
		online[id] = struct{}{}
	}
	for i := range conv.Participants {
		p := &conv.Participants[i]
		_, p.Online = online[p.ID]
		if t, ok := h.presence.LastSeen(p.ID); ok {
			seen := t
			p.LastSeen = &seen
		}
	}
}

// Shutdown stops the fan-out loop and closes every connection.
func (h *Hub) Shutdown() {
	h.cancel()
	for _, c := range h.allClients() {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}
