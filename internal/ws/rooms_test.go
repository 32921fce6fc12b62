package ws

import "testing"

func testClient(userID int) *Client {
	return &Client{
		ID:     "test",
		UserID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

func TestRoomNames(t *testing.T) {
	if got := ConversationRoom(42); got != "conversation:42" {
		t.Errorf("ConversationRoom(42) = %q", got)
	}
	if got := UserRoom(7); got != "user:7" {
		t.Errorf("UserRoom(7) = %q", got)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	table := newRoomTable()
	c := testClient(1)
	room := ConversationRoom(1)

	table.join(c, room)
	table.join(c, room)
	table.join(c, room)

	if members := table.members(room); len(members) != 1 {
		t.Fatalf("expected 1 member after duplicate joins, got %d", len(members))
	}
	if !table.inRoom(c, room) {
		t.Fatal("client should be in room")
	}
}

func TestLeaveRemovesOnlyThatConnection(t *testing.T) {
	table := newRoomTable()
	tab1 := testClient(1)
	tab2 := testClient(1)
	room := ConversationRoom(1)

	table.join(tab1, room)
	table.join(tab2, room)
	table.leave(tab1, room)

	if table.inRoom(tab1, room) {
		t.Error("tab1 should have left the room")
	}
	if !table.inRoom(tab2, room) {
		t.Error("tab2 should still be in the room")
	}
	if members := table.members(room); len(members) != 1 {
		t.Fatalf("expected 1 remaining member, got %d", len(members))
	}
}

func TestLeaveAllForUserRemovesEveryConnection(t *testing.T) {
	table := newRoomTable()
	leaverTab1 := testClient(1)
	leaverTab2 := testClient(1)
	stayer := testClient(2)
	room := ConversationRoom(9)
	personal := UserRoom(1)

	for _, c := range []*Client{leaverTab1, leaverTab2, stayer} {
		table.join(c, room)
	}
	table.join(leaverTab1, personal)
	table.join(leaverTab2, personal)

	remaining, personalConns := table.leaveAllForUser(1, room, personal)

	if len(remaining) != 1 || remaining[0] != stayer {
		t.Fatalf("expected only the staying member in the post-transition snapshot, got %d members", len(remaining))
	}
	if len(personalConns) != 2 {
		t.Fatalf("expected both of the leaver's connections in the personal room, got %d", len(personalConns))
	}
	if table.inRoom(leaverTab1, room) || table.inRoom(leaverTab2, room) {
		t.Error("leaver's connections must no longer be in the conversation room")
	}
	if !table.inRoom(stayer, room) {
		t.Error("remaining member must keep room membership")
	}
}

func TestDropClientClearsAllRooms(t *testing.T) {
	table := newRoomTable()
	c := testClient(1)

	table.join(c, ConversationRoom(1))
	table.join(c, ConversationRoom(2))
	table.join(c, UserRoom(1))

	table.dropClient(c)

	if len(c.rooms) != 0 {
		t.Fatalf("expected no rooms after drop, got %d", len(c.rooms))
	}
	for _, room := range []string{ConversationRoom(1), ConversationRoom(2), UserRoom(1)} {
		if members := table.members(room); members != nil {
			t.Errorf("room %s should be empty, got %d members", room, len(members))
		}
	}
}
