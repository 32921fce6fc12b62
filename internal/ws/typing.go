package ws

import (
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing indicator survives without a new
// keystroke before the tracker force-stops it.
const DefaultTypingTTL = 3 * time.Second

type typingKey struct {
	conversationID int
	userID         int
}

// TypingTracker holds the ephemeral typing state machine: one debounced
// expiry timer per (conversation, user) pair. Starting again resets the
// timer instead of stacking a second one. Nothing here is persisted; the
// state is rebuilt from live events after a reconnect.
type TypingTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	timers  map[typingKey]*time.Timer
	expired func(conversationID, userID int)
}

// NewTypingTracker builds a tracker firing expired for every indicator that
// times out. The callback runs on a timer goroutine.
func NewTypingTracker(ttl time.Duration, expired func(conversationID, userID int)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:     ttl,
		timers:  make(map[typingKey]*time.Timer),
		expired: expired,
	}
}

// Start marks the user as typing and reports whether this is a fresh
// idle -> typing transition. Repeated keystrokes only reset the timer.
func (t *TypingTracker) Start(conversationID, userID int) bool {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.ttl)
		return false
	}

	t.timers[key] = time.AfterFunc(t.ttl, func() {
		if t.clear(key) && t.expired != nil {
			t.expired(key.conversationID, key.userID)
		}
	})
	return true
}

// Stop clears the indicator and reports whether it was active. The expiry
// callback does not fire for explicit stops.
func (t *TypingTracker) Stop(conversationID, userID int) bool {
	return t.clear(typingKey{conversationID, userID})
}

// StopAll clears every indicator owned by the user, returning the affected
// conversation ids. Used when the user's connection goes away.
func (t *TypingTracker) StopAll(userID int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var conversations []int
	for key, timer := range t.timers {
		if key.userID == userID {
			timer.Stop()
			delete(t.timers, key)
			conversations = append(conversations, key.conversationID)
		}
	}
	return conversations
}

// clear removes the key's timer; returns false when another goroutine
// (an explicit stop racing expiry) already removed it.
func (t *TypingTracker) clear(key typingKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer, ok := t.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, key)
	return true
}
