// Package ws is the real-time synchronization layer: the wire protocol,
// the room membership table, presence and typing tracking, and the hub
// that fans events out to every interested connection, locally and
// across instances through Redis pub/sub.
package ws

import (
	"encoding/json"
	"time"

	"chat-sync/internal/chat"
)

// Client -> server events.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventMarkAsRead        = "mark-as-read"
	EventGetOnlineUsers    = "get-online-users"
	EventInviteToGroup     = "invite-to-group"
	EventAcceptInvitation  = "accept-invitation"
	EventDeclineInvitation = "decline-invitation"
)

// Server -> client events.
const (
	EventNewMessage          = "new-message"
	EventUserTyping          = "user-typing"
	EventUserStoppedTyping   = "user-stopped-typing"
	EventMessagesRead        = "messages-read"
	EventUserOnline          = "user-online"
	EventUserOffline         = "user-offline"
	EventOnlineUsers         = "online-users"
	EventConversationRefresh = "conversation-refresh"
	EventConversationRemoved = "conversation-removed"
	EventGroupCreated        = "group-created"
	EventGroupUpdated        = "group-updated"
	EventMemberJoined        = "member-joined"
	EventGroupInvitation     = "group-invitation"
	EventInvitationsSent     = "invitations-sent"
	EventInvitationAccepted  = "invitation-accepted"
	EventInvitationDeclined  = "invitation-declined"
	EventNewChatRequest      = "new-chat-request"
	EventChatRequestAccepted = "chat-request-accepted"
	EventChatRequestRejected = "chat-request-rejected"
	EventError               = "error"
)

// Envelope is the frame every wire event travels in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given event.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// mustEnvelope is for server-built payloads, which are always marshalable.
func mustEnvelope(event string, data any) Envelope {
	env, err := NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	return env
}

// ---------------------------------------------
// Client -> server payloads
// ---------------------------------------------

type ConversationRef struct {
	ConversationID int `json:"conversation_id"`
}

type SendMessagePayload struct {
	ConversationID int    `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"` // defaults to 'text'
}

type InviteToGroupPayload struct {
	ConversationID int   `json:"conversation_id"`
	UserIDs        []int `json:"user_ids"`
}

type InvitationRef struct {
	InvitationID int `json:"invitation_id"`
}

// ---------------------------------------------
// Server -> client payloads
// ---------------------------------------------

type TypingEvent struct {
	ConversationID int `json:"conversation_id"`
	UserID         int `json:"user_id"`
}

type MessagesReadEvent struct {
	ConversationID int `json:"conversation_id"`
	UserID         int `json:"user_id"`
}

type PresenceEvent struct {
	UserID   int        `json:"user_id"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type OnlineUsersEvent struct {
	UserIDs []int `json:"user_ids"`
}

type ConversationRefreshEvent struct {
	ConversationID int    `json:"conversation_id"`
	Action         string `json:"action"`
}

type ConversationRemovedEvent struct {
	ConversationID int `json:"conversation_id"`
}

type MemberJoinedEvent struct {
	ConversationID int              `json:"conversation_id"`
	Member         chat.Participant `json:"member"`
}

type InvitationsSentEvent struct {
	Count int `json:"count"`
}

type InvitationDeclinedEvent struct {
	InvitationID int `json:"invitation_id"`
}

// ErrorEvent is sent to the originating connection only, never broadcast.
type ErrorEvent struct {
	Event   string `json:"event,omitempty"` // the inbound event that failed
	Message string `json:"message"`
}
