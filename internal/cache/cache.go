// Package cache memoizes scan verdicts keyed by file path.
//
// An entry is only served when the file's current stat identity equals
// the identity stored with the verdict field-for-field; a mismatch
// evicts the stale entry. The path is the key (renames must not
// invalidate a verdict; content mutation must).
//
// The map is sharded by a hash of the path so worker threads do not
// contend on one mutex; each shard is a bounded LRU.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/simbiota/simbiota/internal/detector"
)

const shardCount = 8

// FileIdentity is the stat tuple that detects file mutation between
// scans. Two identities are equal iff every field is equal.
type FileIdentity struct {
	Size      int64
	UID       uint32
	GID       uint32
	MtimeSec  int64
	MtimeNsec int64
	CtimeSec  int64
	CtimeNsec int64
	Mode      uint32
}

type entry struct {
	id      FileIdentity
	verdict detector.Verdict
	updated time.Time
}

type shard struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// Cache is the bounded verdict cache. A disabled cache always misses
// and ignores stores, so callers need no special casing.
type Cache struct {
	disabled  bool
	shards    [shardCount]*shard
	evictions atomic.Uint64
}

// New creates a cache of shardCount LRU shards holding maxEntries/shardCount
// verdicts each (at least one), so the total bound is maxEntries rounded
// down to a multiple of shardCount, and shardCount when maxEntries is
// smaller than that.
func New(maxEntries int, disabled bool) *Cache {
	c := &Cache{disabled: disabled}
	if disabled {
		return c
	}
	per := maxEntries / shardCount
	if per < 1 {
		per = 1
	}
	for i := range c.shards {
		s := &shard{lru: lru.New(per)}
		s.lru.OnEvicted = func(lru.Key, interface{}) { c.evictions.Add(1) }
		c.shards[i] = s
	}
	return c
}

func (c *Cache) shardFor(path string) *shard {
	h := fnv.New32a()
	h.Write([]byte(path))
	return c.shards[h.Sum32()%shardCount]
}

// Lookup returns the stored verdict for path iff an entry exists and its
// stored identity equals current. A stale entry is evicted on the spot.
func (c *Cache) Lookup(path string, current FileIdentity) (detector.Verdict, bool) {
	if c.disabled {
		return detector.Benign, false
	}
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lru.Get(path)
	if !ok {
		return detector.Benign, false
	}
	e := v.(entry)
	if e.id != current {
		s.lru.Remove(path)
		return detector.Benign, false
	}
	return e.verdict, true
}

// Store inserts or replaces the verdict for path.
func (c *Cache) Store(path string, id FileIdentity, verdict detector.Verdict) {
	if c.disabled {
		return
	}
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(path, entry{id: id, verdict: verdict, updated: time.Now()})
}

// Invalidate removes any entry for path.
func (c *Cache) Invalidate(path string) {
	if c.disabled {
		return
	}
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(path)
}

// Clear removes all entries. Called after a signature snapshot swap,
// since verdicts are relative to a snapshot.
func (c *Cache) Clear() {
	if c.disabled {
		return
	}
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Clear()
		s.mu.Unlock()
	}
}

// Len returns the number of cached verdicts.
func (c *Cache) Len() int {
	if c.disabled {
		return 0
	}
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Evictions returns the lifetime count of entries removed from the
// shards: LRU evictions, and also stale, invalidated and cleared entries.
func (c *Cache) Evictions() uint64 {
	return c.evictions.Load()
}
