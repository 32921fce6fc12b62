package ws

import (
	"testing"
	"time"
)

func TestTypingStartReportsFreshTransition(t *testing.T) {
	tracker := NewTypingTracker(time.Minute, nil)

	if !tracker.Start(1, 10) {
		t.Error("first start should be a fresh idle -> typing transition")
	}
	if tracker.Start(1, 10) {
		t.Error("repeated keystroke should only reset the timer")
	}
	if !tracker.Start(2, 10) {
		t.Error("another conversation is an independent state machine")
	}
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	expired := make(chan [2]int, 1)
	tracker := NewTypingTracker(50*time.Millisecond, func(conversationID, userID int) {
		expired <- [2]int{conversationID, userID}
	})

	tracker.Start(1, 10)

	select {
	case got := <-expired:
		if got != [2]int{1, 10} {
			t.Fatalf("expired with wrong key: %v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("indicator never expired")
	}

	// Expiry clears the state, so starting again is a fresh transition.
	if !tracker.Start(1, 10) {
		t.Error("expired indicator should leave the pair idle")
	}
}

func TestTypingDebounceRestartsTimer(t *testing.T) {
	expired := make(chan struct{}, 1)
	tracker := NewTypingTracker(80*time.Millisecond, func(int, int) {
		expired <- struct{}{}
	})

	tracker.Start(1, 10)
	time.Sleep(50 * time.Millisecond)
	tracker.Start(1, 10) // keystroke resets the timer

	select {
	case <-expired:
		t.Fatal("indicator expired although the timer was reset")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-expired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("indicator never expired after the reset window")
	}
}

func TestExplicitStopSuppressesExpiry(t *testing.T) {
	expired := make(chan struct{}, 1)
	tracker := NewTypingTracker(40*time.Millisecond, func(int, int) {
		expired <- struct{}{}
	})

	tracker.Start(1, 10)
	if !tracker.Stop(1, 10) {
		t.Fatal("stop should report the indicator was active")
	}
	if tracker.Stop(1, 10) {
		t.Error("second stop should be a no-op")
	}

	select {
	case <-expired:
		t.Fatal("expiry callback fired after explicit stop")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestStopAllClearsEveryConversationOfUser(t *testing.T) {
	tracker := NewTypingTracker(time.Minute, nil)
	tracker.Start(1, 10)
	tracker.Start(2, 10)
	tracker.Start(1, 20)

	conversations := tracker.StopAll(10)
	if len(conversations) != 2 {
		t.Fatalf("expected 2 stopped conversations, got %v", conversations)
	}
	if !tracker.Stop(1, 20) {
		t.Error("other user's indicator must survive StopAll")
	}
}
