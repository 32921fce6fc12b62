package ws

import (
	"fmt"
	"sync"
)

// ConversationRoom names the broadcast scope for a conversation.
func ConversationRoom(conversationID int) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// UserRoom names a user's personal room. Every connection of a user joins it
// at registration, so events sent there reach all of that user's tabs and
// devices regardless of conversation membership.
func UserRoom(userID int) string {
	return fmt.Sprintf("user:%d", userID)
}

// roomTable is the only server-side shared mutable structure of the sync
// layer. Every mutation and every member snapshot happens under one lock, so
// a broadcast always observes membership fully before or fully after a
// transition, never mid-way.
type roomTable struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func newRoomTable() *roomTable {
	return &roomTable{rooms: make(map[string]map[*Client]struct{})}
}

// join adds the client to a room. Duplicate joins are no-ops.
func (t *roomTable) join(c *Client, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		t.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// leave removes the client from exactly one room.
func (t *roomTable) leave(c *Client, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(c, room)
}

func (t *roomTable) removeLocked(c *Client, room string) {
	if members, ok := t.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(t.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// dropClient removes a disconnecting client from every room it joined.
func (t *roomTable) dropClient(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for room := range c.rooms {
		t.removeLocked(c, room)
	}
}

// inRoom reports whether the client currently belongs to the room.
func (t *roomTable) inRoom(c *Client, room string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// members returns a snapshot of the room's connections. Delivery happens
// outside the lock, against this snapshot.
func (t *roomTable) members(room string) []*Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.membersLocked(room)
}

func (t *roomTable) membersLocked(room string) []*Client {
	members := t.rooms[room]
	if len(members) == 0 {
		return nil
	}
	snapshot := make([]*Client, 0, len(members))
	for c := range members {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// leaveAllForUser is the atomic membership transition behind leaving a group:
// under a single critical section it removes every connection owned by the
// user from the conversation room, then captures both delivery target sets
// from the post-transition state. The remaining members get the refresh
// broadcast; the user's personal room gets the removal signal. No broadcast
// can observe the table between those two points.
func (t *roomTable) leaveAllForUser(userID int, room, personalRoom string) (remaining, personal []*Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for c := range t.rooms[room] {
		if c.UserID == userID {
			t.removeLocked(c, room)
		}
	}

	return t.membersLocked(room), t.membersLocked(personalRoom)
}
