package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
)

// AccessKind classifies the outcome of a cache lookup.
type AccessKind int

const (
	AccessHit AccessKind = iota
	AccessMiss
	AccessMissExpired
)

// String returns the string representation of the access kind
func (k AccessKind) String() string {
	switch k {
	case AccessHit:
		return "hit"
	case AccessMiss:
		return "miss"
	case AccessMissExpired:
		return "miss_expired"
	default:
		return "unknown"
	}
}

// Observer is notified of the outcome of a Get. Observers feed the pattern
// learner without coupling the cache to it.
type Observer func(key Key, kind AccessKind)

// entry is a live cached artifact with its accounting metadata.
type entry struct {
	value      interface{}
	insertedAt time.Time
	ttl        time.Duration
	hits       int64
	size       int64
}

// evictionScore orders entries for eviction. One hit shifts an entry
// forward by one second of effective freshness; lowest score goes first.
func (e *entry) evictionScore() int64 {
	return e.insertedAt.UnixMilli() + e.hits*1000
}

// AccessStat tracks per-key hit/miss counts for the cache's lifetime.
// Stats survive eviction so hit rates reflect the full history of a key.
type AccessStat struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// KeyStats is the per-key view returned by Stats.
type KeyStats struct {
	HitRate  float64 `json:"hit_rate"`
	Requests int64   `json:"requests"`
}

// Stats is a point-in-time snapshot of cache state.
type Stats struct {
	Entries     int                 `json:"entries"`
	Bytes       int64               `json:"bytes"`
	MaxBytes    int64               `json:"max_bytes"`
	Hits        int64               `json:"hits"`
	Misses      int64               `json:"misses"`
	Evictions   int64               `json:"evictions"`
	Expirations int64               `json:"expirations"`
	HitRate     float64             `json:"hit_rate"`
	PerKey      map[string]KeyStats `json:"per_key"`
}

// MemoryCache is a bounded, TTL-aware associative store for analysis
// artifacts. Eviction is approximate LRU+frequency: entries are scored by
// insertion time plus one second per hit and evicted in ascending score
// order until the incoming artifact fits.
type MemoryCache struct {
	mu sync.Mutex

	entries     map[string]*entry
	accessStats map[string]*AccessStat

	maxBytes     int64
	currentBytes int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	logger *logging.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryCache creates a cache bounded to maxBytes of estimated artifact size.
func NewMemoryCache(maxBytes int64, logger *logging.Logger) *MemoryCache {
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("memory-cache")
	}
	return &MemoryCache{
		entries:     make(map[string]*entry),
		accessStats: make(map[string]*AccessStat),
		maxBytes:    maxBytes,
		logger:      logger,
		now:         time.Now,
	}
}

// Get retrieves an artifact. An expired entry is deleted on read and
// reported as a miss. The optional observer receives the access outcome.
func (c *MemoryCache) Get(key Key, observer Observer) (interface{}, bool) {
	c.mu.Lock()

	e, exists := c.entries[key.String()]
	if !exists {
		c.misses++
		c.statFor(key).Misses++
		c.mu.Unlock()
		if observer != nil {
			observer(key, AccessMiss)
		}
		return nil, false
	}

	if c.now().Sub(e.insertedAt) > e.ttl {
		delete(c.entries, key.String())
		c.currentBytes -= e.size
		c.expirations++
		c.misses++
		c.statFor(key).Misses++
		c.mu.Unlock()
		if observer != nil {
			observer(key, AccessMissExpired)
		}
		return nil, false
	}

	e.hits++
	c.hits++
	c.statFor(key).Hits++
	value := e.value
	c.mu.Unlock()

	if observer != nil {
		observer(key, AccessHit)
	}
	return value, true
}

// Set inserts an artifact with the given TTL, evicting lower-scored entries
// as needed. It returns false when the artifact alone exceeds the cache
// bound; callers treat that as caching disabled for the key.
func (c *MemoryCache) Set(key Key, value interface{}, ttl time.Duration) bool {
	size := EstimateSize(value)
	if size > c.maxBytes {
		c.logger.Debug("artifact exceeds cache bound, not cached", map[string]interface{}{
			"key":  key.String(),
			"size": size,
		})
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an existing entry frees its space first.
	if old, exists := c.entries[key.String()]; exists {
		c.currentBytes -= old.size
		delete(c.entries, key.String())
	}

	if c.currentBytes+size > c.maxBytes {
		c.evictLocked(c.currentBytes + size - c.maxBytes)
	}

	c.entries[key.String()] = &entry{
		value:      value,
		insertedAt: c.now(),
		ttl:        ttl,
		size:       size,
	}
	c.currentBytes += size

	return true
}

// evictLocked removes entries in ascending eviction-score order until at
// least spaceNeeded bytes are freed. Caller holds the lock.
func (c *MemoryCache) evictLocked(spaceNeeded int64) {
	type scored struct {
		key   string
		score int64
		size  int64
	}

	candidates := make([]scored, 0, len(c.entries))
	for k, e := range c.entries {
		candidates = append(candidates, scored{key: k, score: e.evictionScore(), size: e.size})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	var freed int64
	for _, cand := range candidates {
		if freed >= spaceNeeded {
			break
		}
		delete(c.entries, cand.key)
		c.currentBytes -= cand.size
		c.evictions++
		freed += cand.size
	}
}

// InvalidatePattern removes all entries whose key contains the substring
// and returns the number removed. Matching is case-sensitive containment.
func (c *MemoryCache) InvalidatePattern(substring string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if strings.Contains(k, substring) {
			delete(c.entries, k)
			c.currentBytes -= e.size
			removed++
		}
	}
	return removed
}

// Contains reports whether a live (unexpired) entry exists for the key
// without recording an access.
func (c *MemoryCache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key.String()]
	if !exists {
		return false
	}
	return c.now().Sub(e.insertedAt) <= e.ttl
}

// CurrentBytes returns the accounted size of all live entries.
func (c *MemoryCache) CurrentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBytes
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache state including per-key hit rates.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	perKey := make(map[string]KeyStats, len(c.accessStats))
	for k, s := range c.accessStats {
		requests := s.Hits + s.Misses
		var hitRate float64
		if requests > 0 {
			hitRate = float64(s.Hits) / float64(requests)
		}
		perKey[k] = KeyStats{HitRate: hitRate, Requests: requests}
	}

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Entries:     len(c.entries),
		Bytes:       c.currentBytes,
		MaxBytes:    c.maxBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		HitRate:     hitRate,
		PerKey:      perKey,
	}
}

// Clear drops all entries. Access stats are retained.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.currentBytes = 0
}

func (c *MemoryCache) statFor(key Key) *AccessStat {
	s, ok := c.accessStats[key.String()]
	if !ok {
		s = &AccessStat{}
		c.accessStats[key.String()] = s
	}
	return s
}
