package cache

import (
	"sync"
	"time"
)

// Package cache provides a small in-memory TTL cache.
//
// Responsibilities:
//   - Cache narrative completions so repeat anomalies on the same sensor
//     do not trigger repeat LLM calls
//   - Expire entries lazily on read and purge on write
//   - Bound memory with a maximum entry count
//   - Track hit and miss counts
//
// Eviction: expired entries are dropped first; when the cache is still at
// capacity the entry closest to expiry is evicted. Entries stored with a
// zero TTL never expire and are evicted last.

const DefaultMaxEntries = 1024

// Cache is a concurrency-safe key/value store with per-entry TTL.
type Cache interface {
	// Get retrieves a cached value. The second return reports whether the
	// key was present and unexpired.
	Get(key string) (interface{}, bool)

	// Set stores a value. ttl <= 0 means the entry never expires.
	Set(key string, value interface{}, ttl time.Duration)

	// Delete removes a key.
	Delete(key string)

	// Clear removes all entries.
	Clear()

	// Len returns the number of live entries.
	Len() int

	// Stats returns hit and miss counts since creation.
	Stats() Stats
}

// Stats holds cache effectiveness counters.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

type entry struct {
	value   interface{}
	expires time.Time // zero means never
}

type memoryCache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	hits       uint64
	misses     uint64
	now        func() time.Time
}

// New creates an in-memory cache holding at most maxEntries values.
// maxEntries <= 0 uses DefaultMaxEntries.
func New(maxEntries int) Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &memoryCache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *memoryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

func (c *memoryCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.purgeExpiredLocked()
		if len(c.entries) >= c.maxEntries {
			c.evictSoonestLocked()
		}
	}
	c.entries[key] = entry{value: value, expires: expires}
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

func (c *memoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpiredLocked()
	return len(c.entries)
}

func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

func (c *memoryCache) purgeExpiredLocked() {
	now := c.now()
	for k, e := range c.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// evictSoonestLocked drops the entry closest to expiry. Entries without a
// TTL are only evicted when every remaining entry is TTL-free.
func (c *memoryCache) evictSoonestLocked() {
	var (
		victim   string
		earliest time.Time
		found    bool
	)
	for k, e := range c.entries {
		if e.expires.IsZero() {
			if victim == "" {
				victim = k
			}
			continue
		}
		if !found || e.expires.Before(earliest) {
			victim = k
			earliest = e.expires
			found = true
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
