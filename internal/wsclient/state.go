package wsclient

import (
	"sort"
	"time"

	"chat-sync/internal/chat"
)

// State is the reconciled local view of the chat: a deterministic reducer
// over conversations, messages, typing indicators, the online set, and
// unread counters. Every mutation is an idempotent upsert keyed by a stable
// id, so at-least-once delivery and duplicate replay cannot corrupt it.
//
// State is not goroutine-safe; it is meant to be driven from the single
// dispatch goroutine of a Client.
type State struct {
	conversations []*chat.Conversation
	messages      map[int][]chat.Message
	typing        map[int]map[int]struct{}
	online        map[int]struct{}
	unread        map[int]int
	stale         map[int]struct{}
	lastSeen      map[int]time.Time

	active int // 0 = no conversation selected
}

func NewState() *State {
	return &State{
		messages: make(map[int][]chat.Message),
		typing:   make(map[int]map[int]struct{}),
		online:   make(map[int]struct{}),
		unread:   make(map[int]int),
		stale:    make(map[int]struct{}),
		lastSeen: make(map[int]time.Time),
	}
}

// SetActiveConversation selects the conversation whose messages the UI is
// showing. Opening a conversation clears its unread counter.
func (s *State) SetActiveConversation(conversationID int) {
	s.active = conversationID
	if conversationID != 0 {
		delete(s.unread, conversationID)
	}
}

func (s *State) ActiveConversation() int { return s.active }

// lastMessageTime falls back to epoch zero when a conversation has no
// message yet, which keeps the ordering total.
func lastMessageTime(c *chat.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return time.Time{}
}

func (s *State) sortConversations() {
	// Stable: ties keep their current order.
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return lastMessageTime(s.conversations[i]).After(lastMessageTime(s.conversations[j]))
	})
}

func (s *State) stampOnline(conv *chat.Conversation) {
	for i := range conv.Participants {
		p := &conv.Participants[i]
		_, p.Online = s.online[p.ID]
		if t, ok := s.lastSeen[p.ID]; ok {
			seen := t
			p.LastSeen = &seen
		}
	}
}

// ApplyConversationSnapshot replaces the full conversation list with a
// canonical one, re-sorted by last activity and re-stamped against the
// current online set. State keyed by conversations absent from the snapshot
// is dropped too; the snapshot is what heals a missed removal event, so a
// stale unread counter or message cache must not outlive it.
func (s *State) ApplyConversationSnapshot(list []*chat.Conversation) {
	keep := make(map[int]struct{}, len(list))
	for _, conv := range list {
		keep[conv.ID] = struct{}{}
	}
	for id := range s.messages {
		if _, ok := keep[id]; !ok {
			delete(s.messages, id)
		}
	}
	for id := range s.typing {
		if _, ok := keep[id]; !ok {
			delete(s.typing, id)
		}
	}
	for id := range s.unread {
		if _, ok := keep[id]; !ok {
			delete(s.unread, id)
		}
	}
	for id := range s.stale {
		if _, ok := keep[id]; !ok {
			delete(s.stale, id)
		}
	}
	if _, ok := keep[s.active]; s.active != 0 && !ok {
		s.active = 0
	}

	s.conversations = list
	for _, conv := range s.conversations {
		s.stampOnline(conv)
		delete(s.stale, conv.ID)
	}
	s.sortConversations()
}

// ApplyConversation upserts a single canonical conversation, typically the
// result of a refetch triggered by a refresh signal. Its staleness mark is
// cleared.
func (s *State) ApplyConversation(conv *chat.Conversation) {
	s.stampOnline(conv)
	delete(s.stale, conv.ID)
	for i, existing := range s.conversations {
		if existing.ID == conv.ID {
			s.conversations[i] = conv
			s.sortConversations()
			return
		}
	}
	s.conversations = append(s.conversations, conv)
	s.sortConversations()
}

// ApplyMessage merges one message. Duplicate ids are no-ops. A message from
// someone else for a conversation that is not the active one bumps its
// unread counter, and the conversation moves to the top of the list.
func (s *State) ApplyMessage(msg chat.Message, currentUserID int) {
	for _, existing := range s.messages[msg.ConversationID] {
		if existing.ID == msg.ID {
			return
		}
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)

	var conv *chat.Conversation
	for _, c := range s.conversations {
		if c.ID == msg.ConversationID {
			conv = c
			break
		}
	}
	if conv == nil {
		// Unknown conversation: we only mark it stale, the owner refetches.
		s.stale[msg.ConversationID] = struct{}{}
	} else {
		m := msg
		conv.LastMessage = &m
	}

	if msg.SenderID != currentUserID && msg.ConversationID != s.active {
		s.unread[msg.ConversationID]++
	}

	s.moveToTop(msg.ConversationID)
}

func (s *State) moveToTop(conversationID int) {
	for i, c := range s.conversations {
		if c.ID == conversationID {
			copy(s.conversations[1:i+1], s.conversations[:i])
			s.conversations[0] = c
			return
		}
	}
}

// ApplyMembershipRefresh marks a conversation stale. The reconciler holds no
// refetch logic; the owner collects marks via TakeStale and refetches from
// the canonical store.
func (s *State) ApplyMembershipRefresh(conversationID int) {
	s.stale[conversationID] = struct{}{}
}

// TakeStale returns the conversations marked stale and clears the marks.
func (s *State) TakeStale() []int {
	if len(s.stale) == 0 {
		return nil
	}
	ids := make([]int, 0, len(s.stale))
	for id := range s.stale {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	s.stale = make(map[int]struct{})
	return ids
}

// ApplyRemoval deletes a conversation and everything attached to it. When it
// was the active conversation the selection is cleared.
func (s *State) ApplyRemoval(conversationID int) {
	for i, c := range s.conversations {
		if c.ID == conversationID {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	delete(s.messages, conversationID)
	delete(s.typing, conversationID)
	delete(s.unread, conversationID)
	delete(s.stale, conversationID)
	if s.active == conversationID {
		s.active = 0
	}
}

// ApplyTyping folds a typing start/stop event into the per-conversation set.
func (s *State) ApplyTyping(conversationID, userID int, typing bool) {
	if typing {
		set, ok := s.typing[conversationID]
		if !ok {
			set = make(map[int]struct{})
			s.typing[conversationID] = set
		}
		set[userID] = struct{}{}
		return
	}
	if set, ok := s.typing[conversationID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.typing, conversationID)
		}
	}
}

// ApplyPresenceDelta updates the online set and propagates the flag into
// every conversation's participant list. Going offline stamps last-seen.
func (s *State) ApplyPresenceDelta(userID int, online bool, lastSeen *time.Time) {
	if online {
		s.online[userID] = struct{}{}
	} else {
		delete(s.online, userID)
		at := time.Now().UTC()
		if lastSeen != nil {
			at = *lastSeen
		}
		s.lastSeen[userID] = at
	}
	for _, conv := range s.conversations {
		s.stampOnline(conv)
	}
}

// ApplyOnlineSnapshot replaces the whole online set with the polled
// authoritative one and restamps every conversation.
func (s *State) ApplyOnlineSnapshot(userIDs []int) {
	next := make(map[int]struct{}, len(userIDs))
	for _, id := range userIDs {
		next[id] = struct{}{}
	}
	now := time.Now().UTC()
	for id := range s.online {
		if _, still := next[id]; !still {
			s.lastSeen[id] = now
		}
	}
	s.online = next
	for _, conv := range s.conversations {
		s.stampOnline(conv)
	}
}

// ---------------------------------------------
// Read accessors
// ---------------------------------------------

// Conversations returns the ordered conversation list.
func (s *State) Conversations() []*chat.Conversation {
	out := make([]*chat.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Messages returns the delivery-ordered messages of one conversation.
func (s *State) Messages(conversationID int) []chat.Message {
	msgs := s.messages[conversationID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}

// TypingUsers lists who is typing in a conversation.
func (s *State) TypingUsers(conversationID int) []int {
	set := s.typing[conversationID]
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (s *State) Unread(conversationID int) int { return s.unread[conversationID] }

func (s *State) IsOnline(userID int) bool {
	_, ok := s.online[userID]
	return ok
}
