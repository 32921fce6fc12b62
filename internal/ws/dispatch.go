package ws

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"chat-sync/internal/chat"
)

const dispatchTimeout = 5 * time.Second

// dispatch validates and routes one inbound event. It runs on the
// connection's read goroutine, so events of a single connection are handled
// strictly in arrival order. Validation failures go back to the originating
// connection as an 'error' event and are never broadcast.
func (h *Hub) dispatch(c *Client, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch env.Event {
	case EventJoinConversation:
		h.handleJoin(ctx, c, env)
	case EventLeaveConversation:
		h.handleLeave(c, env)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, env)
	case EventTypingStart:
		h.handleTyping(c, env, true)
	case EventTypingStop:
		h.handleTyping(c, env, false)
	case EventMarkAsRead:
		h.handleMarkAsRead(ctx, c, env)
	case EventGetOnlineUsers:
		c.sendEnvelope(mustEnvelope(EventOnlineUsers, OnlineUsersEvent{UserIDs: h.presence.Snapshot(ctx)}))
	case EventInviteToGroup:
		h.handleInvite(ctx, c, env)
	case EventAcceptInvitation:
		h.handleAcceptInvitation(ctx, c, env)
	case EventDeclineInvitation:
		h.handleDeclineInvitation(ctx, c, env)
	default:
		c.sendError(env.Event, "unknown event")
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, env Envelope) {
	var ref ConversationRef
	if err := json.Unmarshal(env.Data, &ref); err != nil || ref.ConversationID <= 0 {
		c.sendError(env.Event, "invalid payload")
		return
	}

	ok, err := h.repo.IsParticipant(ctx, ref.ConversationID, c.UserID)
	if err != nil {
		log.Printf("ws: membership lookup: %v", err)
		c.sendError(env.Event, "internal error")
		return
	}
	if !ok {
		c.sendError(env.Event, "not a participant of this conversation")
		return
	}

	// Duplicate joins are no-ops.
	h.rooms.join(c, ConversationRoom(ref.ConversationID))
}

func (h *Hub) handleLeave(c *Client, env Envelope) {
	var ref ConversationRef
	if err := json.Unmarshal(env.Data, &ref); err != nil || ref.ConversationID <= 0 {
		c.sendError(env.Event, "invalid payload")
		return
	}

	// Membership is removed synchronously: nothing broadcast after this
	// line reaches the connection for this room.
	h.rooms.leave(c, ConversationRoom(ref.ConversationID))

	if h.typing.Stop(ref.ConversationID, c.UserID) {
		h.broadcastRoom(ConversationRoom(ref.ConversationID),
			mustEnvelope(EventUserStoppedTyping, TypingEvent{ConversationID: ref.ConversationID, UserID: c.UserID}))
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, env Envelope) {
	var payload SendMessagePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.ConversationID <= 0 {
		c.sendError(env.Event, "invalid payload")
		return
	}
	payload.Content = strings.TrimSpace(payload.Content)
	if payload.Content == "" {
		c.sendError(env.Event, "empty message")
		return
	}
	if payload.Type == "" {
		payload.Type = chat.MessageText
	}
	if payload.Type != chat.MessageText {
		c.sendError(env.Event, "unsupported message type")
		return
	}

	ok, err := h.repo.IsParticipant(ctx, payload.ConversationID, c.UserID)
	if err != nil {
		log.Printf("ws: membership lookup: %v", err)
		c.sendError(env.Event, "internal error")
		return
	}
	if !ok {
		c.sendError(env.Event, "not a participant of this conversation")
		return
	}

	msg := &chat.Message{
		ConversationID: payload.ConversationID,
		SenderID:       c.UserID,
		Username:       c.Username,
		Content:        payload.Content,
		Type:           payload.Type,
	}
	if _, err := h.repo.SaveMessage(ctx, msg); err != nil {
		log.Printf("ws: save message: %v", err)
		c.sendError(env.Event, "message not saved")
		return
	}

	// Sending implies no longer typing.
	if h.typing.Stop(msg.ConversationID, c.UserID) {
		h.broadcastRoom(ConversationRoom(msg.ConversationID),
			mustEnvelope(EventUserStoppedTyping, TypingEvent{ConversationID: msg.ConversationID, UserID: c.UserID}))
	}

	h.BroadcastConversation(msg.ConversationID, EventNewMessage, msg)
}

func (h *Hub) handleTyping(c *Client, env Envelope, start bool) {
	var ref ConversationRef
	if err := json.Unmarshal(env.Data, &ref); err != nil || ref.ConversationID <= 0 {
		c.sendError(env.Event, "invalid payload")
		return
	}

	room := ConversationRoom(ref.ConversationID)
	if !h.rooms.inRoom(c, room) {
		c.sendError(env.Event, "join the conversation first")
		return
	}

	ev := TypingEvent{ConversationID: ref.ConversationID, UserID: c.UserID}
	if start {
		// Every keystroke resets the expiry timer; the event itself is
		// re-broadcast and merged idempotently on the clients.
		h.typing.Start(ref.ConversationID, c.UserID)
		h.broadcastRoom(room, mustEnvelope(EventUserTyping, ev))
		return
	}
	if h.typing.Stop(ref.ConversationID, c.UserID) {
		h.broadcastRoom(room, mustEnvelope(EventUserStoppedTyping, ev))
	}
}

func (h *Hub) handleMarkAsRead(ctx context.Context, c *Client, env Envelope) {
	var ref ConversationRef
	if err := json.Unmarshal(env.Data, &ref); err != nil || ref.ConversationID <= 0 {
		c.sendError(env.Event, "invalid payload")
		return
	}

	ok, err := h.repo.IsParticipant(ctx, ref.ConversationID, c.UserID)
	if err != nil || !ok {
		c.sendError(env.Event, "not a participant of this conversation")
		return
	}

	if err := h.repo.MarkMessagesRead(ctx, ref.ConversationID, c.UserID); err != nil {
		log.Printf("ws: mark as read: %v", err)
		c.sendError(env.Event, "internal error")
		return
	}

	h.BroadcastConversation(ref.ConversationID, EventMessagesRead,
		MessagesReadEvent{ConversationID: ref.ConversationID, UserID: c.UserID})
}

func (h *Hub) handleInvite(ctx context.Context, c *Client, env Envelope) {
	var payload InviteToGroupPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.ConversationID <= 0 || len(payload.UserIDs) == 0 {
		c.sendError(env.Event, "invalid payload")
		return
	}

	conv, err := h.repo.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		c.sendError(env.Event, "conversation not found")
		return
	}
	if conv.Type != chat.ConversationGroup {
		c.sendError(env.Event, "not a group conversation")
		return
	}

	isMember := false
	members := make(map[int]struct{}, len(conv.Participants))
	for _, p := range conv.Participants {
		members[p.ID] = struct{}{}
		if p.ID == c.UserID {
			isMember = true
		}
	}
	if !isMember {
		c.sendError(env.Event, "not a participant of this conversation")
		return
	}
	if conv.Capacity > 0 && len(conv.Participants)+len(payload.UserIDs) > conv.Capacity {
		c.sendError(env.Event, "group is at capacity")
		return
	}

	count := 0
	for _, inviteeID := range payload.UserIDs {
		if _, already := members[inviteeID]; already || inviteeID == c.UserID {
			continue
		}
		inv, err := h.repo.CreateInvitation(ctx, payload.ConversationID, c.UserID, inviteeID)
		if err != nil {
			log.Printf("ws: create invitation: %v", err)
			continue
		}
		if inv == nil {
			continue // already invited
		}
		inv.ConversationName = conv.Name
		inv.InviterName = c.Username
		h.NotifyUser(inviteeID, EventGroupInvitation, inv)
		count++
	}

	// Ack goes to the requesting connection only, not the personal room.
	c.sendEnvelope(mustEnvelope(EventInvitationsSent, InvitationsSentEvent{Count: count}))
}

func (h *Hub) handleAcceptInvitation(ctx context.Context, c *Client, env Envelope) {
	var ref InvitationRef
	if err := json.Unmarshal(env.Data, &ref); err != nil || ref.InvitationID <= 0 {
		c.sendError(env.Event, "invalid payload")
		return
	}

	inv, err := h.repo.GetInvitation(ctx, ref.InvitationID)
	if err != nil {
		c.sendError(env.Event, "invitation not found")
		return
	}
	if inv.InviteeID != c.UserID {
		c.sendError(env.Event, "invitation is not addressed to you")
		return
	}

	conv, err := h.repo.GetConversation(ctx, inv.ConversationID)
	if err != nil {
		c.sendError(env.Event, "conversation not found")
		return
	}
	if conv.Capacity > 0 && len(conv.Participants) >= conv.Capacity {
		c.sendError(env.Event, "group is at capacity")
		return
	}

	if err := h.repo.UpdateInvitationStatus(ctx, inv.ID, chat.StatusAccepted); err != nil {
		c.sendError(env.Event, "invitation already handled")
		return
	}
	if err := h.repo.AddParticipant(ctx, inv.ConversationID, c.UserID, chat.RoleMember); err != nil {
		log.Printf("ws: add participant: %v", err)
		c.sendError(env.Event, "internal error")
		return
	}

	// History keeps a trace of the membership change.
	sys := &chat.Message{
		ConversationID: inv.ConversationID,
		SenderID:       c.UserID,
		Username:       c.Username,
		Content:        c.Username + " joined the group",
		Type:           chat.MessageSystem,
	}
	if _, err := h.repo.SaveMessage(ctx, sys); err != nil {
		log.Printf("ws: save system message: %v", err)
	} else {
		h.BroadcastConversation(inv.ConversationID, EventNewMessage, sys)
	}

	member := chat.Participant{ID: c.UserID, Username: c.Username, Role: chat.RoleMember, Online: true}
	h.BroadcastConversation(inv.ConversationID, EventMemberJoined,
		MemberJoinedEvent{ConversationID: inv.ConversationID, Member: member})

	view, err := h.ConversationView(ctx, inv.ConversationID)
	if err != nil {
		log.Printf("ws: conversation view: %v", err)
		return
	}
	h.NotifyUser(c.UserID, EventInvitationAccepted, view)
}

func (h *Hub) handleDeclineInvitation(ctx context.Context, c *Client, env Envelope) {
	var ref InvitationRef
	if err := json.Unmarshal(env.Data, &ref); err != nil || ref.InvitationID <= 0 {
		c.sendError(env.Event, "invalid payload")
		return
	}

	inv, err := h.repo.GetInvitation(ctx, ref.InvitationID)
	if err != nil {
		c.sendError(env.Event, "invitation not found")
		return
	}
	if inv.InviteeID != c.UserID {
		c.sendError(env.Event, "invitation is not addressed to you")
		return
	}
	if err := h.repo.UpdateInvitationStatus(ctx, inv.ID, chat.StatusDeclined); err != nil {
		c.sendError(env.Event, "invitation already handled")
		return
	}

	h.NotifyUser(inv.InviterID, EventInvitationDeclined, InvitationDeclinedEvent{InvitationID: inv.ID})
}
