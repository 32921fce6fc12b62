// Package api holds the REST endpoints for conversation and group CRUD.
// They persist through the chat repository and hand the resulting events to
// the hub, which decides between room broadcast and personal-room delivery.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chat-sync/internal/chat"
	myMiddleware "chat-sync/internal/middleware"
	"chat-sync/internal/ws"
)

type Handler struct {
	repo *chat.Repository
	hub  *ws.Hub
}

func NewHandler(repo *chat.Repository, hub *ws.Hub) *Handler {
	return &Handler{repo: repo, hub: hub}
}

func identity(r *http.Request) (int, string, bool) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	username, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	return userID, username, ok && ok2
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------
// Conversations & chat requests
// ---------------------------------------------

type startConversationRequest struct {
	UserID int `json:"user_id"`
}

// StartConversation returns the existing one-to-one conversation with the
// target user, or files a pending chat request and notifies the target's
// personal room (they are not a room member yet, so a room broadcast could
// never reach them).
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.UserID == userID {
		http.Error(w, "cannot start a conversation with yourself", http.StatusBadRequest)
		return
	}

	existingID, err := h.repo.FindOneToOne(r.Context(), userID, req.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existingID != 0 {
		view, err := h.hub.ConversationView(r.Context(), existingID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	chatReq, err := h.repo.CreateChatRequest(r.Context(), userID, req.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chatReq == nil {
		http.Error(w, "chat request already pending", http.StatusConflict)
		return
	}

	chatReq.RequesterName = username
	h.hub.NotifyUser(req.UserID, ws.EventNewChatRequest, chatReq)
	writeJSON(w, http.StatusCreated, chatReq)
}

// ListConversations returns the caller's conversation snapshot, presence
// stamped and sorted by last activity. The reconciler treats this list as
// the source of truth.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversations, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, conv := range conversations {
		h.hub.StampPresence(r.Context(), conv)
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return lastActivity(conversations[i]).After(lastActivity(conversations[j]))
	})

	writeJSON(w, http.StatusOK, conversations)
}

func lastActivity(c *chat.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// GetConversation returns one presence-stamped conversation; the client
// refetches through here after a conversation-refresh signal.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	member, err := h.repo.IsParticipant(r.Context(), conversationID, userID)
	if err != nil || !member {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	view, err := h.hub.ConversationView(r.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetChatHistory pages a conversation's messages, newest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID, err := strconv.Atoi(r.URL.Query().Get("conversation_id"))
	if err != nil || conversationID <= 0 {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	before, _ := strconv.Atoi(r.URL.Query().Get("before"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	member, err := h.repo.IsParticipant(r.Context(), conversationID, userID)
	if err != nil || !member {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	messages, err := h.repo.GetMessages(r.Context(), conversationID, before, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// AcceptChatRequest creates the one-to-one conversation and tells the
// requester's personal room about it.
func (h *Handler) AcceptChatRequest(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	requestID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}

	req, err := h.repo.GetChatRequest(r.Context(), requestID)
	if err != nil {
		http.Error(w, "chat request not found", http.StatusNotFound)
		return
	}
	if req.TargetID != userID {
		http.Error(w, "chat request is not addressed to you", http.StatusForbidden)
		return
	}
	if err := h.repo.UpdateChatRequestStatus(r.Context(), req.ID, chat.StatusAccepted); err != nil {
		http.Error(w, "chat request already handled", http.StatusConflict)
		return
	}

	conv := &chat.Conversation{Type: chat.ConversationOneToOne, CreatedBy: req.RequesterID}
	if _, err := h.repo.CreateConversation(r.Context(), conv, []int{req.RequesterID, req.TargetID}, 0); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	view, err := h.hub.ConversationView(r.Context(), conv.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.hub.NotifyUser(req.RequesterID, ws.EventChatRequestAccepted, view)
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) RejectChatRequest(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	requestID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}

	req, err := h.repo.GetChatRequest(r.Context(), requestID)
	if err != nil {
		http.Error(w, "chat request not found", http.StatusNotFound)
		return
	}
	if req.TargetID != userID {
		http.Error(w, "chat request is not addressed to you", http.StatusForbidden)
		return
	}
	if err := h.repo.UpdateChatRequestStatus(r.Context(), req.ID, chat.StatusRejected); err != nil {
		http.Error(w, "chat request already handled", http.StatusConflict)
		return
	}

	h.hub.NotifyUser(req.RequesterID, ws.EventChatRequestRejected, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------
// Groups
// ---------------------------------------------

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Capacity    int    `json:"capacity"`
	Visibility  string `json:"visibility"`
	MemberIDs   []int  `json:"member_ids"`
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Visibility == "" {
		req.Visibility = "private"
	}

	members := append([]int{userID}, req.MemberIDs...)
	if req.Capacity > 0 && len(members) > req.Capacity {
		http.Error(w, "more members than capacity", http.StatusBadRequest)
		return
	}

	conv := &chat.Conversation{
		Type:        chat.ConversationGroup,
		Name:        req.Name,
		Description: req.Description,
		Capacity:    req.Capacity,
		Visibility:  req.Visibility,
		CreatedBy:   userID,
	}
	if _, err := h.repo.CreateConversation(r.Context(), conv, members, userID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sys := &chat.Message{
		ConversationID: conv.ID,
		SenderID:       userID,
		Username:       username,
		Content:        username + " created the group",
		Type:           chat.MessageSystem,
	}
	if _, err := h.repo.SaveMessage(r.Context(), sys); err != nil {
		log.Printf("api: save system message: %v", err)
	}

	view, err := h.hub.ConversationView(r.Context(), conv.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Members are not in the room yet, so each learns through their
	// personal room.
	for _, memberID := range members {
		h.hub.NotifyUser(memberID, ws.EventGroupCreated, view)
	}
	writeJSON(w, http.StatusCreated, view)
}

type updateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Capacity    int    `json:"capacity"`
	Visibility  string `json:"visibility"`
}

func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	admin, err := h.repo.IsAdmin(r.Context(), conversationID, userID)
	if err != nil || !admin {
		http.Error(w, "admin role required", http.StatusForbidden)
		return
	}

	var req updateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Visibility == "" {
		req.Visibility = "private"
	}

	if err := h.repo.UpdateGroup(r.Context(), conversationID, req.Name, req.Description, req.Capacity, req.Visibility); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	view, err := h.hub.ConversationView(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.hub.BroadcastConversation(conversationID, ws.EventGroupUpdated, view)
	writeJSON(w, http.StatusOK, view)
}

// LeaveGroup removes the caller from the group. The membership transition
// happens first, so the follow-up system message can only reach the members
// who stayed.
func (h *Handler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	conv, err := h.repo.GetConversation(r.Context(), conversationID)
	if err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if conv.Type != chat.ConversationGroup {
		http.Error(w, "not a group conversation", http.StatusBadRequest)
		return
	}

	if err := h.repo.RemoveParticipant(r.Context(), conversationID, userID); err != nil {
		if errors.Is(err, chat.ErrNotParticipant) {
			http.Error(w, "not a participant", http.StatusForbidden)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.hub.LeaveGroup(userID, conversationID)

	sys := &chat.Message{
		ConversationID: conversationID,
		SenderID:       userID,
		Username:       username,
		Content:        username + " left the group",
		Type:           chat.MessageSystem,
	}
	if _, err := h.repo.SaveMessage(r.Context(), sys); err != nil {
		log.Printf("api: save system message: %v", err)
	} else {
		h.hub.BroadcastConversation(conversationID, ws.EventNewMessage, sys)
	}

	w.WriteHeader(http.StatusNoContent)
}
