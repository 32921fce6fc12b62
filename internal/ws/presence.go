package ws

import (
	"context"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceHashKey holds per-user connection counts across every instance.
const presenceHashKey = "chat-sync:presence"

// presenceMirror is the slice of redis the tracker uses for the cluster-wide
// count. Decoupled from *redis.Client so tests can drive the cross-instance
// transitions.
type presenceMirror interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Presence tracks which users are online. Multiple sockets for one user
// collapse to a single boolean. The mirror keeps one connection count per
// user covering every instance, so the transitions reported here are the
// cluster-wide 0->1 and 1->0: a user holding sockets on two instances stays
// online until the last socket anywhere goes. With no mirror the tracker
// degrades to local state only.
type Presence struct {
	mu       sync.Mutex
	conns    map[int]int
	lastSeen map[int]time.Time
	mirror   presenceMirror
}

func NewPresence(rdb *redis.Client) *Presence {
	p := &Presence{
		conns:    make(map[int]int),
		lastSeen: make(map[int]time.Time),
	}
	if rdb != nil {
		p.mirror = rdb
	}
	return p
}

// Connect records one more socket for the user and reports whether the user
// just came online anywhere in the cluster.
func (p *Presence) Connect(ctx context.Context, userID int) bool {
	p.mu.Lock()
	p.conns[userID]++
	localFirst := p.conns[userID] == 1
	p.mu.Unlock()

	if p.mirror == nil {
		return localFirst
	}
	total, err := p.mirror.HIncrBy(ctx, presenceHashKey, strconv.Itoa(userID), 1).Result()
	if err != nil {
		log.Printf("presence: redis HINCRBY failed: %v", err)
		return localFirst
	}
	return total == 1
}

// Disconnect records one socket gone and reports whether that was the user's
// last one cluster-wide, together with the last-seen stamp taken at that
// moment.
func (p *Presence) Disconnect(ctx context.Context, userID int) (bool, time.Time) {
	now := time.Now().UTC()

	p.mu.Lock()
	n, tracked := p.conns[userID]
	if !tracked {
		p.mu.Unlock()
		return false, now
	}
	n--
	localLast := n <= 0
	if localLast {
		delete(p.conns, userID)
		p.lastSeen[userID] = now
	} else {
		p.conns[userID] = n
	}
	p.mu.Unlock()

	if p.mirror == nil {
		return localLast, now
	}
	field := strconv.Itoa(userID)
	total, err := p.mirror.HIncrBy(ctx, presenceHashKey, field, -1).Result()
	if err != nil {
		log.Printf("presence: redis HINCRBY failed: %v", err)
		return localLast, now
	}
	if total > 0 {
		return false, now
	}
	if err := p.mirror.HDel(ctx, presenceHashKey, field).Err(); err != nil {
		log.Printf("presence: redis HDEL failed: %v", err)
	}
	return true, now
}

// IsOnline reports local knowledge of a single user.
func (p *Presence) IsOnline(userID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[userID] > 0
}

// LastSeen returns the stamp taken when the user last went offline here.
func (p *Presence) LastSeen(userID int) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.lastSeen[userID]
	return t, ok
}

// Snapshot returns the sorted set of online user ids, merging the mirror's
// per-user counts with local connections. The poll built on this is the
// primary source of presence truth; deltas only cut latency.
func (p *Presence) Snapshot(ctx context.Context) []int {
	seen := make(map[int]struct{})

	p.mu.Lock()
	for id := range p.conns {
		seen[id] = struct{}{}
	}
	p.mu.Unlock()

	if p.mirror != nil {
		counts, err := p.mirror.HGetAll(ctx, presenceHashKey).Result()
		if err != nil {
			log.Printf("presence: redis HGETALL failed: %v", err)
		}
		for field, raw := range counts {
			id, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
				seen[id] = struct{}{}
			}
		}
	}

	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
