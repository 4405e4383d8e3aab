// Package cache keeps recent reviews addressable by the normalized content
// of the submitted code. A resubmission that differs only in formatting or
// comments hits the same entry and skips the reviewer entirely.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/detect"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/review"
)

// entryOverheadBytes approximates the in-memory bookkeeping cost of one
// entry beyond its marshaled review.
const entryOverheadBytes = 120

// entry is one cached review plus its access bookkeeping.
type entry struct {
	codeHash       string
	review         review.Review
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    int64
	sizeBytes      int64
}

// Stats describes cache effectiveness since construction.
type Stats struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Entries             int     `json:"entries"`
	MemoryBytes         int64   `json:"memoryBytes"`
	HitRate             float64 `json:"hitRate"`
	AverageAccessTimeMs float64 `json:"averageAccessTimeMs"`
}

// Cache is a bounded LRU+TTL store of reviews. The entry bound is enforced
// by the underlying LRU; the memory bound and TTL are enforced on top. One
// mutex guards the LRU order, the memory accounting, and the stats.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *entry]

	maxMemory int64
	maxAge    time.Duration
	logger    logging.Logger

	memoryBytes     int64
	hits            int64
	misses          int64
	totalAccessTime time.Duration
}

// New builds a cache holding at most maxEntries reviews and maxMemoryBytes
// of marshaled review data, expiring entries older than maxAge on access.
// Non-positive bounds fall back to 1000 entries, 64MiB, and 30 minutes.
func New(maxEntries int, maxMemoryBytes int64, maxAge time.Duration, logger logging.Logger) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = 64 << 20
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}

	c := &Cache{
		maxMemory: maxMemoryBytes,
		maxAge:    maxAge,
		logger:    logger,
	}
	inner, err := lru.NewWithEvict[string, *entry](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// onEvict runs inside LRU operations while c.mu is already held.
func (c *Cache) onEvict(_ string, e *entry) {
	c.memoryBytes -= e.sizeBytes
}

// Get returns the cached review for the thought's normalized code, if one
// exists and has not expired. A hit bumps the entry's recency and access
// count; an expired entry is removed and counted as a miss.
func (c *Cache) Get(thought string, thoughtNumber int) (review.Review, bool) {
	key := detect.CacheKey(thought, thoughtNumber)
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.totalAccessTime += time.Since(start) }()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return review.Review{}, false
	}
	if time.Since(e.createdAt) > c.maxAge {
		c.lru.Remove(key)
		c.misses++
		return review.Review{}, false
	}

	e.lastAccessedAt = time.Now()
	e.accessCount++
	c.hits++
	return e.review, true
}

// Put stores a review under the thought's normalized code. Entries are
// evicted oldest-first until both the entry and memory bounds hold. A review
// too large to ever fit is not cached.
func (c *Cache) Put(thought string, thoughtNumber int, rev review.Review) {
	key := detect.CacheKey(thought, thoughtNumber)
	now := time.Now()
	e := &entry{
		codeHash:       detect.CodeHash(thought),
		review:         rev,
		createdAt:      now,
		lastAccessedAt: now,
		sizeBytes:      approxSize(key, rev),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.sizeBytes > c.maxMemory {
		c.logger.Debugf("cache: review for thought %d (%d bytes) exceeds memory bound, not cached", thoughtNumber, e.sizeBytes)
		return
	}

	if c.lru.Contains(key) {
		c.lru.Remove(key)
	}
	c.lru.Add(key, e)
	c.memoryBytes += e.sizeBytes

	for c.memoryBytes > c.maxMemory && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Entries:     c.lru.Len(),
		MemoryBytes: c.memoryBytes,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
		s.AverageAccessTimeMs = float64(c.totalAccessTime) / float64(time.Millisecond) / float64(total)
	}
	return s
}

// approxSize estimates an entry's memory footprint from its key and the
// marshaled review.
func approxSize(key string, rev review.Review) int64 {
	b, err := json.Marshal(rev)
	if err != nil {
		return int64(len(key)) + entryOverheadBytes
	}
	return int64(len(key)+len(b)) + entryOverheadBytes
}
