// Package cache holds the per-tenant in-memory rule cache. Entries are
// replaced wholesale, never partially mutated; freshness is driven by
// explicit invalidation and version-gated real-time updates, with an
// optional TTL policy for deployments that want periodic forced reload.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/slotgrid/bookcore/internal/domain"
)

// Entry is one cached rule set with its fetch timestamp.
type Entry struct {
	RuleSet   domain.RuleSet
	FetchedAt time.Time
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// RuleCache caches canonical rule sets keyed by tenant. Reads never
// block other reads; writes replace the whole entry atomically so a
// concurrent reader observes either the old or the new entry in full.
type RuleCache struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, *Entry]
	ttl     time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	now func() time.Time
}

// New creates a cache holding at most size tenants. A ttl of zero
// disables expiry; otherwise entries older than ttl read as misses.
func New(size int, ttl time.Duration) (*RuleCache, error) {
	entries, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &RuleCache{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Get returns the cached rule set for a tenant. An absent or expired
// entry counts as a miss; the caller is responsible for reloading.
func (c *RuleCache) Get(tenantID string) (domain.RuleSet, bool) {
	c.mu.RLock()
	entry, ok := c.entries.Get(tenantID)
	c.mu.RUnlock()

	if !ok || c.expired(entry) {
		c.misses.Add(1)
		return domain.RuleSet{}, false
	}

	c.hits.Add(1)
	return entry.RuleSet, true
}

// Set replaces the tenant's entry unconditionally.
func (c *RuleCache) Set(tenantID string, rs domain.RuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(tenantID, &Entry{RuleSet: rs, FetchedAt: c.now()})
}

// SetIfNewer replaces the tenant's entry only when the incoming version
// is strictly greater than the cached one, making out-of-order delivery
// safe. It reports whether the entry was replaced.
func (c *RuleCache) SetIfNewer(tenantID string, rs domain.RuleSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.entries.Get(tenantID); ok && rs.Version <= current.RuleSet.Version {
		return false
	}
	c.entries.Add(tenantID, &Entry{RuleSet: rs, FetchedAt: c.now()})
	return true
}

// Invalidate drops the tenant's entry. Safe to call when absent.
func (c *RuleCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(tenantID)
}

// Version returns the cached version for a tenant, or zero when absent.
// Expiry is deliberately ignored: a stale entry still carries the
// highest version seen, which is what the monotonicity gate needs.
func (c *RuleCache) Version(tenantID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if entry, ok := c.entries.Peek(tenantID); ok {
		return entry.RuleSet.Version
	}
	return 0
}

// Stats returns hit/miss counters accumulated since creation.
func (c *RuleCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

func (c *RuleCache) expired(entry *Entry) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(entry.FetchedAt) > c.ttl
}
