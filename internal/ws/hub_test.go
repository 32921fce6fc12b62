package ws

import (
	"encoding/json"
	"testing"
)

// drainEvents empties a client's send buffer and returns the event names in
// delivery order.
func drainEvents(t *testing.T, c *Client) []string {
	t.Helper()
	var events []string
	for {
		select {
		case payload := <-c.send:
			var env Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				t.Fatalf("bad frame in send buffer: %v", err)
			}
			events = append(events, env.Event)
		default:
			return events
		}
	}
}

func countEvent(events []string, name string) int {
	n := 0
	for _, ev := range events {
		if ev == name {
			n++
		}
	}
	return n
}

func newTestHub() *Hub {
	return NewHub(nil, nil, nil)
}

func TestRegisterJoinsPersonalRoomAndAnnouncesOnline(t *testing.T) {
	h := newTestHub()
	c := testClient(1)
	h.Register(c)

	if !h.rooms.inRoom(c, UserRoom(1)) {
		t.Fatal("registered connection must be in its personal room")
	}
	if countEvent(drainEvents(t, c), EventUserOnline) != 1 {
		t.Error("first connection should announce the user online")
	}

	// A second tab of the same user produces no second online delta.
	tab2 := testClient(1)
	h.Register(tab2)
	if countEvent(drainEvents(t, tab2), EventUserOnline) != 0 {
		t.Error("second connection must not re-announce the user online")
	}
}

func TestUnregisterAnnouncesOfflineOnlyForLastConnection(t *testing.T) {
	h := newTestHub()
	tab1 := testClient(1)
	tab2 := testClient(1)
	observer := testClient(2)
	h.Register(tab1)
	h.Register(tab2)
	h.Register(observer)
	drainEvents(t, observer)

	h.Unregister(tab1)
	if countEvent(drainEvents(t, observer), EventUserOffline) != 0 {
		t.Error("user still has a socket, no offline delta expected")
	}

	h.Unregister(tab2)
	if countEvent(drainEvents(t, observer), EventUserOffline) != 1 {
		t.Error("closing the last socket should announce the user offline")
	}

	// Unregister is idempotent.
	h.Unregister(tab2)
	if countEvent(drainEvents(t, observer), EventUserOffline) != 0 {
		t.Error("repeated unregister must not re-announce")
	}
}

func TestLeaveGroupDualBroadcast(t *testing.T) {
	h := newTestHub()

	leaverTab1 := testClient(1)
	leaverTab2 := testClient(1)
	memberB := testClient(2)
	memberC := testClient(3)
	for _, c := range []*Client{leaverTab1, leaverTab2, memberB, memberC} {
		h.Register(c)
		h.rooms.join(c, ConversationRoom(7))
	}
	for _, c := range []*Client{leaverTab1, leaverTab2, memberB, memberC} {
		drainEvents(t, c)
	}

	h.LeaveGroup(1, 7)

	for _, tab := range []*Client{leaverTab1, leaverTab2} {
		events := drainEvents(t, tab)
		if countEvent(events, EventConversationRemoved) != 1 {
			t.Errorf("leaver tab should receive exactly one removal signal, got %v", events)
		}
		if countEvent(events, EventConversationRefresh) != 0 {
			t.Errorf("leaver tab must not receive the room refresh, got %v", events)
		}
		if h.rooms.inRoom(tab, ConversationRoom(7)) {
			t.Error("leaver tab must be out of the conversation room")
		}
	}

	for _, member := range []*Client{memberB, memberC} {
		events := drainEvents(t, member)
		if countEvent(events, EventConversationRefresh) != 1 {
			t.Errorf("remaining member should receive exactly one refresh signal, got %v", events)
		}
		if countEvent(events, EventConversationRemoved) != 0 {
			t.Errorf("remaining member must not receive a removal signal, got %v", events)
		}
		if !h.rooms.inRoom(member, ConversationRoom(7)) {
			t.Error("remaining member must keep room membership")
		}
	}
}

func TestNotifyUserReachesEveryTabOnce(t *testing.T) {
	h := newTestHub()
	tab1 := testClient(5)
	tab2 := testClient(5)
	other := testClient(6)
	h.Register(tab1)
	h.Register(tab2)
	h.Register(other)
	for _, c := range []*Client{tab1, tab2, other} {
		drainEvents(t, c)
	}

	h.NotifyUser(5, EventChatRequestRejected, nil)

	for _, tab := range []*Client{tab1, tab2} {
		if countEvent(drainEvents(t, tab), EventChatRequestRejected) != 1 {
			t.Error("each of the user's tabs should receive the event once")
		}
	}
	if countEvent(drainEvents(t, other), EventChatRequestRejected) != 0 {
		t.Error("other users must not receive a personal-room event")
	}
}

func TestTypingExpiryBroadcastsToRoom(t *testing.T) {
	h := newTestHub()
	typer := testClient(1)
	watcher := testClient(2)
	h.Register(typer)
	h.Register(watcher)
	h.rooms.join(typer, ConversationRoom(3))
	h.rooms.join(watcher, ConversationRoom(3))
	drainEvents(t, watcher)

	// Drive the expiry callback directly; timer behavior is covered by the
	// tracker's own tests.
	h.typing.Start(3, 1)
	h.typing.Stop(3, 1)
	h.broadcastRoom(ConversationRoom(3),
		mustEnvelope(EventUserStoppedTyping, TypingEvent{ConversationID: 3, UserID: 1}))

	if countEvent(drainEvents(t, watcher), EventUserStoppedTyping) != 1 {
		t.Error("room members should observe the stopped-typing event")
	}
}
