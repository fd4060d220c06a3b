// Package scancache deduplicates expensive pattern scans within a single
// run. Both the gate-side DLP guard and the egress-side DLP enricher key
// their scans here, so an identical payload is scanned exactly once per
// run regardless of which side sees it first.
//
// The cache is bounded (LRU) with a TTL. Eviction is deterministic given
// insertion order and the configured bound. Caches are never shared
// across runs.
package scancache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/failcore/failcore/pkg/canonicalize"
)

// Result is a cached scan outcome.
type Result struct {
	Matches   []Match `json:"matches"`
	Summary   string  `json:"summary,omitempty"`
	ScanHash  string  `json:"scan_hash"`
	CacheHit  bool    `json:"cache_hit"`
	ScannedAt time.Time `json:"-"`
}

// Match is one pattern finding. It carries summaries only: the matched
// text is reduced to (hash, last4, category) before it reaches here.
type Match struct {
	Pattern     string `json:"pattern"`
	Category    string `json:"category"`
	Severity    int    `json:"severity"`
	MatchHash   string `json:"match_hash"`
	Last4       string `json:"last4,omitempty"`
	FieldPath   string `json:"field_path,omitempty"`
	Sensitivity string `json:"sensitivity,omitempty"`
}

// Key derives the cache key: SHA-256 over the scanner type and the
// NFC-normalised payload.
func Key(scannerType, payload string) string {
	h := sha256.New()
	h.Write([]byte(scannerType))
	h.Write([]byte{0})
	h.Write([]byte(canonicalize.NormalizeText(payload)))
	return hex.EncodeToString(h.Sum(nil))
}

// ShortHash returns the 12-char prefix used as scan_hash in evidence.
func ShortHash(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12]
}

type entry struct {
	key      string
	result   Result
	storedAt time.Time
	elem     *list.Element
	// pending guards the single-writer-per-key contract: concurrent
	// readers of an in-flight scan wait on done instead of recomputing.
	done chan struct{}
}

// Cache is a run-scoped bounded LRU with TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recent
	maxSize int
	ttl     time.Duration
	clock   func() time.Time

	hits   int64
	misses int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

// New creates a cache with the given bound and TTL. A maxSize of 0
// defaults to 1024 entries; a ttl of 0 means entries never expire within
// the run.
func New(maxSize int, ttl time.Duration, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetOrScan returns the cached result for key, or runs fn once and
// caches its result. Concurrent callers for the same key block until the
// single in-flight scan completes. The returned Result reports CacheHit
// and carries the short scan hash.
func (c *Cache) GetOrScan(key string, fn func() Result) Result {
	c.mu.Lock()
	now := c.clock()

	if e, ok := c.entries[key]; ok {
		if e.done != nil {
			// Scan in flight; wait outside the lock.
			done := e.done
			c.mu.Unlock()
			<-done
			return c.GetOrScan(key, fn)
		}
		if c.ttl == 0 || now.Sub(e.storedAt) < c.ttl {
			c.order.MoveToFront(e.elem)
			c.hits++
			r := e.result
			r.CacheHit = true
			c.mu.Unlock()
			return r
		}
		// Expired: drop and rescan.
		c.removeLocked(e)
	}

	e := &entry{key: key, done: make(chan struct{})}
	c.entries[key] = e
	c.misses++
	c.mu.Unlock()

	stored := false
	defer func() {
		if stored {
			return
		}
		// fn panicked: release waiters and drop the placeholder so the
		// next caller rescans instead of blocking forever.
		c.mu.Lock()
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		close(e.done)
		c.mu.Unlock()
	}()

	result := fn()
	result.ScanHash = ShortHash(key)
	result.CacheHit = false
	result.ScannedAt = now

	c.mu.Lock()
	e.result = result
	e.storedAt = now
	e.elem = c.order.PushFront(e)
	close(e.done)
	e.done = nil
	stored = true
	c.evictLocked()
	c.mu.Unlock()
	return result
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) evictLocked() {
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest.Value.(*entry))
	}
}

func (c *Cache) removeLocked(e *entry) {
	if e.elem != nil {
		c.order.Remove(e.elem)
	}
	delete(c.entries, e.key)
}
