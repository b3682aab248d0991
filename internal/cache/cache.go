// Package cache keeps fetched payloads in memory under a byte ceiling.
//
// Entries are ordered by last access. Get and Put both count as an access, so
// the least-recently-used entry is also the one with the oldest
// LastAccessedAt, which lets Cleanup expire by age and evict by size from the
// same end of the list.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultMaxBytes   = 64 * 1024 * 1024
	DefaultMaxEntries = 10000
	DefaultRetention  = 5 * time.Minute
)

// Entry is one cached payload.
type Entry struct {
	Key            string
	Payload        []byte
	SizeBytes      int64
	StoredAt       time.Time
	LastAccessedAt time.Time
}

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	MaxBytes   int64
	MaxEntries int
	Retention  time.Duration
	Clock      clock.Clock
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Entries   int
	Footprint int64
	MaxBytes  int64
}

// Cache is safe for concurrent use; all mutation happens under one mutex.
type Cache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, *Entry]
	clock     clock.Clock
	maxBytes  int64
	retention time.Duration
	footprint int64

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	c := &Cache{
		clock:     opts.Clock,
		maxBytes:  opts.MaxBytes,
		retention: opts.Retention,
	}
	// The callback runs for every removal path (evict, Remove, Purge) with
	// c.mu already held by the caller.
	lru, err := simplelru.NewLRU[string, *Entry](opts.MaxEntries, func(_ string, e *Entry) {
		c.footprint -= e.SizeBytes
	})
	if err != nil {
		// NewLRU only fails for a non-positive size, excluded above.
		panic(err)
	}
	c.lru = lru
	return c
}

// Get returns the payload for key and refreshes its access time.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.Lookup(key)
	return e.Payload, ok
}

// Lookup is Get returning a copy of the whole entry.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return Entry{}, false
	}
	e.LastAccessedAt = c.clock.Now()
	c.hits++
	return *e, true
}

// Peek returns a copy of the entry metadata without touching recency.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Put stores payload under key. Replacing an existing key swaps the payload
// and its accounted size. A payload larger than the ceiling is refused.
// sizeBytes <= 0 means len(payload).
func (c *Cache) Put(key string, payload []byte, sizeBytes int64) bool {
	if sizeBytes <= 0 {
		sizeBytes = int64(len(payload))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sizeBytes > c.maxBytes {
		return false
	}

	now := c.clock.Now()
	if e, ok := c.lru.Get(key); ok {
		c.footprint += sizeBytes - e.SizeBytes
		e.Payload = payload
		e.SizeBytes = sizeBytes
		e.LastAccessedAt = now
		c.enforceCeilingLocked()
		return true
	}

	e := &Entry{Key: key, Payload: payload, SizeBytes: sizeBytes, StoredAt: now, LastAccessedAt: now}
	c.footprint += sizeBytes
	if c.lru.Add(key, e) {
		c.evictions++
	}
	c.enforceCeilingLocked()
	return true
}

// Remove drops key if present.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Cleanup expires entries idle longer than the retention window, then evicts
// least-recently-accessed entries until the footprint fits the ceiling. It
// returns the number of entries removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	cutoff := c.clock.Now().Add(-c.retention)
	for {
		_, e, ok := c.lru.GetOldest()
		if !ok || !e.LastAccessedAt.Before(cutoff) {
			break
		}
		c.lru.RemoveOldest()
		c.expired++
		removed++
	}
	removed += c.enforceCeilingLocked()
	return removed
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.footprint = 0
}

// SetMaxBytes changes the ceiling, evicting immediately if needed.
func (c *Cache) SetMaxBytes(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBytes = n
	c.enforceCeilingLocked()
}

// Footprint returns the accounted bytes of all live entries.
func (c *Cache) Footprint() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.footprint
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns live keys from least to most recently accessed.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		Entries:   c.lru.Len(),
		Footprint: c.footprint,
		MaxBytes:  c.maxBytes,
	}
}

func (c *Cache) enforceCeilingLocked() int {
	n := 0
	for c.footprint > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions++
		n++
	}
	return n
}
