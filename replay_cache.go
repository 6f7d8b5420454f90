package spl402

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// ReplayStore records verified transaction signatures so that a payment can
// be redeemed only once. Implementations must be safe for concurrent use.
//
// A verification reserves the signature before it reads the ledger, then
// either commits (success) or releases (rejection). A reserved or committed
// signature cannot be reserved again until it expires.
type ReplayStore interface {
	// Reserve atomically claims signature. It returns false when the
	// signature is already verified or another verification holds it.
	Reserve(ctx context.Context, signature string) (bool, error)

	// Commit records signature as verified. The TTL runs from the later of
	// now and issuedAt, so a payment dated in the future stays blocked for
	// as long as its timestamp is accepted.
	Commit(ctx context.Context, signature string, issuedAt time.Time) error

	// Release drops a reservation without recording the signature.
	Release(ctx context.Context, signature string) error

	// Seen reports whether signature was verified within the TTL.
	Seen(ctx context.Context, signature string) (bool, error)
}

// ReplayStart returns the instant a committed signature's TTL starts from.
func ReplayStart(now, issuedAt time.Time) time.Time {
	if issuedAt.After(now) {
		return issuedAt
	}
	return now
}

// ReplayEntry is a verified signature held by MemoryReplayCache. Timestamp
// is where its TTL starts.
type ReplayEntry struct {
	Signature string
	Timestamp time.Time
	Verified  bool
}

// MemoryReplayCache is a process-local ReplayStore bounded by TTL and
// capacity. When full, the oldest entry is evicted.
//
// Entries live only in this process: replicas behind a load balancer must
// share a store (see store/redis and store/postgres) or a payment verified by
// one replica can be replayed against another.
type MemoryReplayCache struct {
	mu       sync.Mutex
	entries  map[string]*replayItem
	order    replayHeap
	inFlight map[string]struct{}
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewMemoryReplayCache creates a cache. Non-positive arguments fall back to
// ReplayTTL and ReplayCapacity.
func NewMemoryReplayCache(ttl time.Duration, capacity int) *MemoryReplayCache {
	if ttl <= 0 {
		ttl = ReplayTTL
	}
	if capacity <= 0 {
		capacity = ReplayCapacity
	}
	return &MemoryReplayCache{
		entries:  make(map[string]*replayItem),
		inFlight: make(map[string]struct{}),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Reserve implements ReplayStore.
func (c *MemoryReplayCache) Reserve(_ context.Context, signature string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked()

	if _, ok := c.entries[signature]; ok {
		return false, nil
	}
	if _, ok := c.inFlight[signature]; ok {
		return false, nil
	}
	c.inFlight[signature] = struct{}{}
	return true, nil
}

// Commit implements ReplayStore.
func (c *MemoryReplayCache) Commit(_ context.Context, signature string, issuedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, signature)
	c.expireLocked()

	start := ReplayStart(c.now(), issuedAt)
	if item, ok := c.entries[signature]; ok {
		item.entry.Timestamp = start
		heap.Fix(&c.order, item.index)
		return nil
	}

	for len(c.entries) >= c.capacity {
		oldest := heap.Pop(&c.order).(*replayItem)
		delete(c.entries, oldest.entry.Signature)
	}

	item := &replayItem{entry: ReplayEntry{Signature: signature, Timestamp: start, Verified: true}}
	heap.Push(&c.order, item)
	c.entries[signature] = item
	return nil
}

// Release implements ReplayStore.
func (c *MemoryReplayCache) Release(_ context.Context, signature string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, signature)
	return nil
}

// Seen implements ReplayStore.
func (c *MemoryReplayCache) Seen(_ context.Context, signature string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.entries[signature]
	if !ok {
		return false, nil
	}
	return c.now().Sub(item.entry.Timestamp) <= c.ttl, nil
}

// Len returns the number of entries physically held, expired or not.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expireLocked drops entries older than the TTL. Must be called with lock held.
func (c *MemoryReplayCache) expireLocked() {
	cutoff := c.now().Add(-c.ttl)
	for len(c.order) > 0 && c.order[0].entry.Timestamp.Before(cutoff) {
		oldest := heap.Pop(&c.order).(*replayItem)
		delete(c.entries, oldest.entry.Signature)
	}
}

type replayItem struct {
	entry ReplayEntry
	index int
}

// replayHeap is a min-heap ordered by entry timestamp.
type replayHeap []*replayItem

func (h replayHeap) Len() int { return len(h) }

func (h replayHeap) Less(i, j int) bool {
	return h[i].entry.Timestamp.Before(h[j].entry.Timestamp)
}

func (h replayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *replayHeap) Push(x any) {
	item := x.(*replayItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *replayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
