package ws

import (
	"encoding/json"
	"testing"
)

func TestValidationErrorsGoToSenderOnly(t *testing.T) {
	h := newTestHub()
	sender := testClient(1)
	bystander := testClient(2)
	h.Register(sender)
	h.Register(bystander)
	h.rooms.join(bystander, ConversationRoom(3))
	drainEvents(t, sender)
	drainEvents(t, bystander)

	h.dispatch(sender, Envelope{Event: "bogus-event"})
	h.dispatch(sender, Envelope{Event: EventJoinConversation, Data: json.RawMessage(`{}`)})
	h.dispatch(sender, Envelope{Event: EventTypingStart, Data: json.RawMessage(`not json`)})

	if got := countEvent(drainEvents(t, sender), EventError); got != 3 {
		t.Errorf("sender should receive one error per rejected event, got %d", got)
	}
	if events := drainEvents(t, bystander); len(events) != 0 {
		t.Errorf("validation failures must never be broadcast, bystander got %v", events)
	}
}

func TestTypingRequiresRoomMembership(t *testing.T) {
	h := newTestHub()
	c := testClient(1)
	h.Register(c)
	drainEvents(t, c)

	h.dispatch(c, Envelope{Event: EventTypingStart, Data: json.RawMessage(`{"conversation_id":3}`)})

	if countEvent(drainEvents(t, c), EventError) != 1 {
		t.Error("typing outside a joined room should be rejected")
	}
	if h.typing.Stop(3, 1) {
		t.Error("rejected typing event must not start a timer")
	}
}

func TestLeaveConversationStopsTypingForRoom(t *testing.T) {
	h := newTestHub()
	typer := testClient(1)
	watcher := testClient(2)
	h.Register(typer)
	h.Register(watcher)
	h.rooms.join(typer, ConversationRoom(3))
	h.rooms.join(watcher, ConversationRoom(3))
	drainEvents(t, typer)
	drainEvents(t, watcher)

	h.dispatch(typer, Envelope{Event: EventTypingStart, Data: json.RawMessage(`{"conversation_id":3}`)})
	h.dispatch(typer, Envelope{Event: EventLeaveConversation, Data: json.RawMessage(`{"conversation_id":3}`)})

	events := drainEvents(t, watcher)
	if countEvent(events, EventUserTyping) != 1 {
		t.Errorf("watcher should see the typing start, got %v", events)
	}
	if countEvent(events, EventUserStoppedTyping) != 1 {
		t.Errorf("leaving must force-stop the indicator for the room, got %v", events)
	}
	if h.rooms.inRoom(typer, ConversationRoom(3)) {
		t.Error("leave must take effect synchronously")
	}
}
