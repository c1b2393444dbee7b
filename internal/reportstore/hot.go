package reportstore

// hotCache keeps recently used reports in memory in front of a backing
// Store, bounded with S3-FIFO eviction.
//
// # Algorithm
//
// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023)
// uses two FIFO queues and a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue. New keys land here.
//   - M (main, ~90% of capacity): keys promoted from S after at least one
//     hit.
//   - G (ghost): ring buffer of keys recently evicted from S, bounded to
//     2× sTarget. A ghost key on insert goes straight to M.
//
// Per-object state is a saturating frequency counter (max 3), incremented on
// every hit and reset on promotion to M.
//
// # Eviction
//
// Eviction only drops the in-memory copy. Reports are the idempotency record
// and are never deleted from the backing store.
//
// # Concurrency
//
// One mutex guards in-memory state. Backing store I/O runs without it.

import (
	"container/list"
	"context"
	"sync"
)

type hotEntry struct {
	report *Report
	freq   uint8         // saturating counter in [0, 3]
	elem   *list.Element // back-pointer into sQueue or mQueue
	inM    bool
}

type hotCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[Key]*hotEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []Key
	ghostSet   map[Key]struct{}
	ghostHead  int
	ghostCount int

	backing Store
}

// NewHot returns a Store that keeps up to capacity reports in memory in front
// of backing. Values below 2 are clamped to 2.
func NewHot(backing Store, capacity int) Store {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := max(1, capacity/10)
	ghostCap := max(4, 2*sTarget)
	return &hotCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[Key]*hotEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]Key, ghostCap),
		ghostSet: make(map[Key]struct{}, ghostCap),
		backing:  backing,
	}
}

// Lookup serves from memory when resident, otherwise from the backing store,
// re-warming the entry on a backing hit.
func (c *hotCache) Lookup(ctx context.Context, key Key) (*Report, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.freq < 3 {
			e.freq++
		}
		r := e.report.clone()
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	r, err := c.backing.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	c.insert(key, r)
	return r.clone(), nil
}

// InsertIfAbsent short-circuits on a resident key, since stored reports never
// change; otherwise the backing store decides.
func (c *hotCache) InsertIfAbsent(ctx context.Context, r *Report) (*Report, bool, error) {
	key := r.Key()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		existing := e.report.clone()
		c.mu.Unlock()
		return existing, false, nil
	}
	c.mu.Unlock()

	stored, inserted, err := c.backing.InsertIfAbsent(ctx, r)
	if err != nil {
		return nil, false, err
	}
	c.insert(key, stored)
	return stored.clone(), inserted, nil
}

func (c *hotCache) Close() error {
	return c.backing.Close()
}

// Len returns the number of resident reports.
func (c *hotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *hotCache) insert(key Key, r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &hotEntry{report: r.clone(), elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// evictOne must be called with c.mu held.
func (c *hotCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *hotCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key := c.sQueue.Remove(front).(Key)
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		if c.mQueue.Len() > c.capacity-c.sTarget {
			c.evictFromM()
		}
		return
	}
	delete(c.entries, key)
	c.ghostAdd(key)
}

func (c *hotCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key := c.mQueue.Remove(front).(Key)
	delete(c.entries, key)
}

func (c *hotCache) ghostContains(key Key) bool {
	_, ok := c.ghostSet[key]
	return ok
}

// ghostAdd inserts key into the ring, dropping the oldest ghost when full.
func (c *hotCache) ghostAdd(key Key) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	c.ghostBuf[(c.ghostHead+c.ghostCount)%c.ghostCap] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
