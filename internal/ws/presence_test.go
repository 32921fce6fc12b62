package ws

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

// fakeMirror is an in-memory stand-in for the shared presence hash, so
// cross-instance counting can be exercised without a redis server.
type fakeMirror struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{counts: make(map[string]int64)}
}

func (f *fakeMirror) HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[field] += incr
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.counts[field])
	return cmd
}

func (f *fakeMirror) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range fields {
		delete(f.counts, field)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(fields)))
	return cmd
}

func (f *fakeMirror) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.counts))
	for field, n := range f.counts {
		out[field] = strconv.FormatInt(n, 10)
	}
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func TestPresenceCollapsesMultipleConnections(t *testing.T) {
	p := NewPresence(nil)
	ctx := context.Background()

	if !p.Connect(ctx, 1) {
		t.Error("first socket should put the user online")
	}
	if p.Connect(ctx, 1) {
		t.Error("second socket must not produce another online delta")
	}
	if !p.IsOnline(1) {
		t.Error("user should be online")
	}

	if offline, _ := p.Disconnect(ctx, 1); offline {
		t.Error("closing one of two sockets must not put the user offline")
	}
	offline, lastSeen := p.Disconnect(ctx, 1)
	if !offline {
		t.Error("closing the last socket should put the user offline")
	}
	if lastSeen.IsZero() {
		t.Error("going offline should stamp last-seen")
	}

	if got, ok := p.LastSeen(1); !ok || !got.Equal(lastSeen) {
		t.Error("last-seen stamp should be retained")
	}
}

func TestPresenceMirrorCountsAcrossInstances(t *testing.T) {
	mirror := newFakeMirror()
	ctx := context.Background()

	// Two hub instances sharing one mirror.
	a := NewPresence(nil)
	a.mirror = mirror
	b := NewPresence(nil)
	b.mirror = mirror

	if !a.Connect(ctx, 7) {
		t.Error("first socket anywhere should put the user online")
	}
	if b.Connect(ctx, 7) {
		t.Error("a socket on a second instance must not re-announce the user")
	}

	// The user's last socket on A closes while B still holds one: no offline
	// transition, and A's snapshot still reports the user through the mirror.
	if offline, _ := a.Disconnect(ctx, 7); offline {
		t.Error("user still has a socket on another instance, no offline transition")
	}
	if got := a.Snapshot(ctx); len(got) != 1 || got[0] != 7 {
		t.Fatalf("snapshot on the drained instance = %v, want [7]", got)
	}

	offline, _ := b.Disconnect(ctx, 7)
	if !offline {
		t.Error("closing the last socket cluster-wide should put the user offline")
	}
	if got := b.Snapshot(ctx); len(got) != 0 {
		t.Errorf("snapshot after the cluster-wide offline = %v, want empty", got)
	}
}

func TestPresenceSnapshotIsSorted(t *testing.T) {
	p := NewPresence(nil)
	ctx := context.Background()

	p.Connect(ctx, 9)
	p.Connect(ctx, 2)
	p.Connect(ctx, 5)
	p.Disconnect(ctx, 5)

	got := p.Snapshot(ctx)
	want := []int{2, 9}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
}

func TestPresenceExtraDisconnectIsHarmless(t *testing.T) {
	p := NewPresence(nil)
	ctx := context.Background()

	if offline, _ := p.Disconnect(ctx, 3); offline {
		t.Error("a user that was never online cannot go offline")
	}
	if p.IsOnline(3) {
		t.Error("user was never online")
	}
}
