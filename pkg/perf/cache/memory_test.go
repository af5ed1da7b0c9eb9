package cache

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestCache(maxBytes int64) (*MemoryCache, *time.Time) {
	c := NewMemoryCache(maxBytes, nil)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestMemoryCacheGetMiss(t *testing.T) {
	c, _ := newTestCache(1 << 20)

	var observed AccessKind = -1
	_, ok := c.Get(KeyFromString("absent"), func(_ Key, kind AccessKind) {
		observed = kind
	})
	if ok {
		t.Fatal("Get() on empty cache returned ok")
	}
	if observed != AccessMiss {
		t.Errorf("observer kind = %v, want %v", observed, AccessMiss)
	}

	stats := c.Stats()
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
}

func TestMemoryCacheSetGet(t *testing.T) {
	c, _ := newTestCache(1 << 20)
	key := KeyFromString("flow:abc")

	if !c.Set(key, "artifact", time.Minute) {
		t.Fatal("Set() returned false")
	}

	v, ok := c.Get(key, nil)
	if !ok {
		t.Fatal("Get() after Set() missed")
	}
	if v.(string) != "artifact" {
		t.Errorf("Get() = %v, want artifact", v)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Entries != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 entry", stats)
	}
	ks := stats.PerKey[key.String()]
	if ks.Requests != 1 || ks.HitRate != 1.0 {
		t.Errorf("per-key stats = %+v, want 1 request at hit rate 1.0", ks)
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c, now := newTestCache(1 << 20)
	key := KeyFromString("flow:expiring")

	c.Set(key, "artifact", time.Minute)

	// Just inside the TTL.
	*now = now.Add(time.Minute)
	if _, ok := c.Get(key, nil); !ok {
		t.Fatal("Get() at exactly ttl should hit")
	}

	// Past the TTL: read deletes and reports miss_expired.
	*now = now.Add(time.Second)
	var observed AccessKind = -1
	_, ok := c.Get(key, func(_ Key, kind AccessKind) { observed = kind })
	if ok {
		t.Fatal("Get() past ttl returned ok")
	}
	if observed != AccessMissExpired {
		t.Errorf("observer kind = %v, want %v", observed, AccessMissExpired)
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, len = %d", c.Len())
	}
	if c.CurrentBytes() != 0 {
		t.Errorf("expired entry still accounted, bytes = %d", c.CurrentBytes())
	}
}

func TestMemoryCacheEvictionPrefersColdEntries(t *testing.T) {
	// Scenario: A and B fill the cache; one hit on A makes B the
	// eviction victim when C arrives.
	valueA := strings.Repeat("a", 1000)
	valueB := strings.Repeat("b", 1000)
	valueC := strings.Repeat("c", 1000)

	sizeA := EstimateSize(valueA)
	sizeB := EstimateSize(valueB)
	c, now := newTestCache(sizeA + sizeB)

	c.Set(KeyFromString("A"), valueA, time.Hour)
	*now = now.Add(time.Millisecond)
	c.Set(KeyFromString("B"), valueB, time.Hour)
	*now = now.Add(time.Millisecond)

	if _, ok := c.Get(KeyFromString("A"), nil); !ok {
		t.Fatal("warm-up Get(A) missed")
	}

	// A's score is now insertion+1000ms, B's is insertion+1ms: B goes.
	c.Set(KeyFromString("C"), valueC, time.Hour)

	if !c.Contains(KeyFromString("A")) {
		t.Error("A was evicted despite higher score")
	}
	if c.Contains(KeyFromString("B")) {
		t.Error("B survived eviction despite lower score")
	}
	if !c.Contains(KeyFromString("C")) {
		t.Error("C missing after insert")
	}

	want := EstimateSize(valueA) + EstimateSize(valueC)
	if c.CurrentBytes() != want {
		t.Errorf("CurrentBytes = %d, want %d", c.CurrentBytes(), want)
	}
}

func TestMemoryCacheAccountingInvariant(t *testing.T) {
	c, _ := newTestCache(8 * 1024)

	check := func(step string) {
		t.Helper()
		stats := c.Stats()
		if stats.Bytes > stats.MaxBytes {
			t.Fatalf("%s: bytes %d exceed max %d", step, stats.Bytes, stats.MaxBytes)
		}
		if stats.Bytes < 0 {
			t.Fatalf("%s: negative byte accounting %d", step, stats.Bytes)
		}
	}

	for i := 0; i < 50; i++ {
		key := KeyFromString(fmt.Sprintf("query:q%d", i%7))
		c.Set(key, strings.Repeat("x", 100*(i%5+1)), time.Hour)
		check("set")
		c.Get(key, nil)
		check("get")
		if i%10 == 9 {
			c.InvalidatePattern("q3")
			check("invalidate")
		}
	}
}

func TestMemoryCacheOversizedArtifactRejected(t *testing.T) {
	c, _ := newTestCache(64)

	if c.Set(KeyFromString("huge"), strings.Repeat("z", 10_000), time.Hour) {
		t.Fatal("Set() accepted artifact larger than the cache bound")
	}
	if c.Len() != 0 {
		t.Errorf("rejected artifact left an entry, len = %d", c.Len())
	}
}

func TestMemoryCacheInvalidatePattern(t *testing.T) {
	c, _ := newTestCache(1 << 20)

	c.Set(KeyFromString("flow:c1"), 1, time.Hour)
	c.Set(KeyFromString("flow:c2"), 2, time.Hour)
	c.Set(KeyFromString("productivity:c1"), 3, time.Hour)

	removed := c.InvalidatePattern("flow:")
	if removed != 2 {
		t.Errorf("InvalidatePattern removed %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if !c.Contains(KeyFromString("productivity:c1")) {
		t.Error("unrelated entry removed by pattern invalidation")
	}
}

func TestMemoryCacheReplaceExistingKey(t *testing.T) {
	c, _ := newTestCache(1 << 20)
	key := KeyFromString("flow:c1")

	c.Set(key, strings.Repeat("a", 100), time.Hour)
	first := c.CurrentBytes()
	c.Set(key, strings.Repeat("b", 500), time.Hour)

	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1 after replace", c.Len())
	}
	if c.CurrentBytes() == first {
		t.Error("byte accounting unchanged after replacing with larger value")
	}
	want := EstimateSize(strings.Repeat("b", 500))
	if c.CurrentBytes() != want {
		t.Errorf("CurrentBytes = %d, want %d", c.CurrentBytes(), want)
	}
}
