package predictive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/convoanalytics/perflayer/pkg/infrastructure/config"
	"github.com/convoanalytics/perflayer/pkg/perf/cache"
	"github.com/convoanalytics/perflayer/pkg/perf/resource"
)

func newTestScheduler(probe resource.Probe) (*WarmingScheduler, *cache.MemoryCache) {
	memCache := cache.NewMemoryCache(10*1024*1024, nil)
	s := NewWarmingScheduler(
		config.ResourceThresholds{MaxCPUUtilization: 80, MaxMemoryUsageMB: 512},
		config.WarmingStrategy{Aggressiveness: "moderate", MaxWarmingOpsPerMinute: 10},
		5,
		memCache,
		probe,
		nil,
		nil,
	)
	return s, memCache
}

func warmPrediction(key string, priority float64) Prediction {
	return Prediction{
		CacheKey:   cache.KeyFromString(key),
		Model:      ModelSequence,
		Confidence: 0.8,
		Priority:   priority,
		TTL:        time.Hour,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func TestProcessWarmsCacheWhenResourcesAllow(t *testing.T) {
	s, memCache := newTestScheduler(resource.NewStaticProbe(0, 0))

	s.RegisterFallbackWarmer(func(_ context.Context, key cache.Key) (interface{}, time.Duration, error) {
		return "warmed:" + key.String(), 0, nil
	})

	key := "flow:conv-1"
	if queued := s.Queue([]Prediction{warmPrediction(key, 100)}); queued != 1 {
		t.Fatalf("Queue() = %d, want 1", queued)
	}

	if err := s.Process(context.Background()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if !memCache.Contains(cache.KeyFromString(key)) {
		t.Error("cache does not contain warmed key after Process")
	}

	stats := s.Stats()
	if stats.Successful != 1 {
		t.Errorf("Successful = %d, want 1", stats.Successful)
	}
	if stats.InFlight != 0 {
		t.Errorf("InFlight after completion = %d, want 0", stats.InFlight)
	}
	if stats.QueueDepth != 0 {
		t.Errorf("QueueDepth after completion = %d, want 0", stats.QueueDepth)
	}
}

func TestProcessSkipsUnderResourcePressure(t *testing.T) {
	// CPU and heap both over threshold: two reasons block the cycle.
	probe := resource.NewStaticProbe(95, 600*1024*1024)
	s, _ := newTestScheduler(probe)

	s.RegisterFallbackWarmer(func(_ context.Context, key cache.Key) (interface{}, time.Duration, error) {
		return "should-not-run", 0, nil
	})

	s.Queue([]Prediction{warmPrediction("flow:conv-1", 100), warmPrediction("flow:conv-2", 90)})
	before := s.QueueDepth()

	if err := s.Process(context.Background()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	stats := s.Stats()
	if stats.Successful != 0 {
		t.Errorf("Successful under pressure = %d, want 0", stats.Successful)
	}
	if stats.SkippedDueToResources != 2 {
		t.Errorf("SkippedDueToResources = %d, want 2 (one per pending task)", stats.SkippedDueToResources)
	}
	if stats.QueueDepth != before {
		t.Errorf("queue depth changed under pressure: %d -> %d", before, stats.QueueDepth)
	}
	if len(stats.LastRunReasons) < 2 {
		t.Errorf("LastRunReasons = %v, want at least 2 reasons", stats.LastRunReasons)
	}

	// Pressure cleared: the retained queue drains on the next cycle and the
	// executed tasks release their skip counts.
	probe.SetCPU(0)
	probe.SetHeap(0)
	if err := s.Process(context.Background()); err != nil {
		t.Fatalf("Process() after pressure cleared error = %v", err)
	}
	stats = s.Stats()
	if stats.Successful != 2 {
		t.Errorf("Successful after recovery = %d, want 2", stats.Successful)
	}
	if stats.SkippedDueToResources != 0 {
		t.Errorf("SkippedDueToResources after recovery = %d, want 0", stats.SkippedDueToResources)
	}
}

func TestHighCPUHalvesBudget(t *testing.T) {
	s, _ := newTestScheduler(resource.NewStaticProbe(95, 0))

	avail := s.checkAvailability()
	if !avail.canWarm {
		t.Fatalf("canWarm = false with a single pressure reason: %v", avail.reasons)
	}
	if avail.allowed != 5 {
		t.Errorf("allowed = %d with high CPU, want 5 (half of 10)", avail.allowed)
	}
	if len(avail.reasons) != 1 {
		t.Errorf("reasons = %v, want exactly 1", avail.reasons)
	}
}

func TestQueueSkipsAlreadyCachedKeys(t *testing.T) {
	s, memCache := newTestScheduler(resource.NewStaticProbe(0, 0))

	key := cache.KeyFromString("flow:conv-1")
	memCache.Set(key, "live", time.Hour)

	if queued := s.Queue([]Prediction{warmPrediction(key.String(), 100)}); queued != 0 {
		t.Errorf("Queue() = %d for an already cached key, want 0", queued)
	}
	stats := s.Stats()
	if stats.AlreadyWarm != 1 {
		t.Errorf("AlreadyWarm = %d, want 1", stats.AlreadyWarm)
	}
	if stats.Offered != 0 {
		t.Errorf("Offered = %d for an already cached key, want 0", stats.Offered)
	}
}

func TestQueueRejectsDuplicateKeys(t *testing.T) {
	s, _ := newTestScheduler(resource.NewStaticProbe(0, 0))

	pred := warmPrediction("flow:conv-1", 100)
	s.Queue([]Prediction{pred})
	s.Queue([]Prediction{pred})

	if got := s.QueueDepth(); got != 1 {
		t.Errorf("QueueDepth() after duplicate offers = %d, want 1", got)
	}
	if got := s.Stats().Offered; got != 1 {
		t.Errorf("Offered after duplicate offers = %d, want 1", got)
	}
}

func TestQueueIsBoundedAndPrefersHighPriority(t *testing.T) {
	s, _ := newTestScheduler(resource.NewStaticProbe(0, 0))

	var preds []Prediction
	for i := 0; i < warmingQueueMax+20; i++ {
		preds = append(preds, warmPrediction(fmt.Sprintf("flow:conv-%d", i), 10))
	}
	s.Queue(preds)
	if got := s.QueueDepth(); got != warmingQueueMax {
		t.Fatalf("QueueDepth() = %d, want %d", got, warmingQueueMax)
	}

	// A low-priority offer against a full queue is dropped.
	if queued := s.Queue([]Prediction{warmPrediction("flow:low", 1)}); queued != 0 {
		t.Errorf("low-priority Queue() against full queue = %d, want 0", queued)
	}

	// A high-priority offer displaces the lowest queued task.
	if queued := s.Queue([]Prediction{warmPrediction("flow:urgent", 100)}); queued != 1 {
		t.Errorf("high-priority Queue() against full queue = %d, want 1", queued)
	}
	if got := s.QueueDepth(); got != warmingQueueMax {
		t.Errorf("QueueDepth() after displacement = %d, want %d", got, warmingQueueMax)
	}
}

func TestProcessDrainsByPriority(t *testing.T) {
	s, _ := newTestScheduler(resource.NewStaticProbe(0, 0))

	var order []string
	s.RegisterFallbackWarmer(func(_ context.Context, key cache.Key) (interface{}, time.Duration, error) {
		order = append(order, key.String())
		return "v", 0, nil
	})

	s.Queue([]Prediction{
		warmPrediction("flow:low", 40),
		warmPrediction("flow:high", 100),
		warmPrediction("flow:mid", 80),
	})

	// Budget of 1 per cycle: three cycles must drain in priority order.
	s.strategy.MaxWarmingOpsPerMinute = 1
	for i := 0; i < 3; i++ {
		// One task in flight at a time keeps execution sequential.
		if err := s.Process(context.Background()); err != nil {
			t.Fatalf("Process() cycle %d error = %v", i, err)
		}
	}

	want := []string{"flow:high", "flow:mid", "flow:low"}
	if len(order) != len(want) {
		t.Fatalf("warmed %d keys, want %d", len(order), len(want))
	}
	for i, k := range want {
		if order[i] != k {
			t.Errorf("warm order[%d] = %s, want %s", i, order[i], k)
		}
	}
}

func TestFailedWarmerCountsFailure(t *testing.T) {
	s, memCache := newTestScheduler(resource.NewStaticProbe(0, 0))

	s.RegisterFallbackWarmer(func(_ context.Context, _ cache.Key) (interface{}, time.Duration, error) {
		return nil, 0, errors.New("upstream unavailable")
	})

	s.Queue([]Prediction{warmPrediction("flow:conv-1", 100)})
	if err := s.Process(context.Background()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	stats := s.Stats()
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if memCache.Contains(cache.KeyFromString("flow:conv-1")) {
		t.Error("failed warm populated the cache")
	}
}

func TestWarmerRegistryDispatchesByKind(t *testing.T) {
	s, memCache := newTestScheduler(resource.NewStaticProbe(0, 0))

	var flowCalls, fallbackCalls int
	s.RegisterWarmer("flow", func(_ context.Context, _ cache.Key) (interface{}, time.Duration, error) {
		flowCalls++
		return "flow-value", 0, nil
	})
	s.RegisterFallbackWarmer(func(_ context.Context, _ cache.Key) (interface{}, time.Duration, error) {
		fallbackCalls++
		return "generic-value", 0, nil
	})

	s.Queue([]Prediction{
		warmPrediction("flow:conv-1", 100),
		warmPrediction("search:terms", 90),
	})
	if err := s.Process(context.Background()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if flowCalls != 1 {
		t.Errorf("flow warmer calls = %d, want 1", flowCalls)
	}
	if fallbackCalls != 1 {
		t.Errorf("fallback warmer calls = %d, want 1", fallbackCalls)
	}
	if !memCache.Contains(cache.KeyFromString("flow:conv-1")) || !memCache.Contains(cache.KeyFromString("search:terms")) {
		t.Error("not all queued keys were warmed")
	}
}

func TestInFlightBoundedByConcurrencyCap(t *testing.T) {
	s, _ := newTestScheduler(resource.NewStaticProbe(0, 0))

	started := make(chan string, 20)
	release := make(chan struct{})
	s.RegisterFallbackWarmer(func(_ context.Context, key cache.Key) (interface{}, time.Duration, error) {
		started <- key.String()
		<-release
		return "v", 0, nil
	})

	var preds []Prediction
	for i := 0; i < 10; i++ {
		preds = append(preds, warmPrediction(fmt.Sprintf("flow:conv-%d", i), 100))
	}
	s.Queue(preds)

	done := make(chan error, 1)
	go func() { done <- s.Process(context.Background()) }()

	for i := 0; i < 5; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d warming tasks started before timeout", i)
		}
	}

	// The rate budget is 10, but only 5 tasks may run at once.
	if got := s.Stats().InFlight; got != 5 {
		t.Errorf("InFlight = %d, want 5", got)
	}
	select {
	case key := <-started:
		t.Errorf("task %s started beyond the concurrency cap", key)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if err := s.Process(context.Background()); err != nil {
		t.Fatalf("Process() second cycle error = %v", err)
	}
	if got := s.Stats().Successful; got != 10 {
		t.Errorf("Successful after both cycles = %d, want 10", got)
	}
}

func TestTerminalCountersPartitionOffers(t *testing.T) {
	probe := resource.NewStaticProbe(95, 600*1024*1024)
	s, _ := newTestScheduler(probe)

	s.RegisterFallbackWarmer(func(_ context.Context, key cache.Key) (interface{}, time.Duration, error) {
		return "v", 0, nil
	})

	var preds []Prediction
	for i := 0; i < 20; i++ {
		preds = append(preds, warmPrediction(fmt.Sprintf("flow:conv-%d", i), 50))
	}
	s.Queue(preds)

	// Sustained pressure: skip counts converge on the pending task count
	// instead of growing with every blocked cycle.
	for i := 0; i < 50; i++ {
		if err := s.Process(context.Background()); err != nil {
			t.Fatalf("Process() blocked cycle %d error = %v", i, err)
		}
	}

	stats := s.Stats()
	if stats.Offered != 20 {
		t.Fatalf("Offered = %d, want 20", stats.Offered)
	}
	if stats.SkippedDueToResources != 20 {
		t.Errorf("SkippedDueToResources under sustained pressure = %d, want 20", stats.SkippedDueToResources)
	}
	if sum := stats.Successful + stats.Failed + stats.SkippedDueToResources; sum != stats.Offered {
		t.Errorf("terminal counter sum = %d, want Offered = %d", sum, stats.Offered)
	}

	// After recovery the executed tasks migrate from skipped to successful
	// and the partition still holds.
	probe.SetCPU(0)
	probe.SetHeap(0)
	for i := 0; i < 10 && s.QueueDepth() > 0; i++ {
		if err := s.Process(context.Background()); err != nil {
			t.Fatalf("Process() drain cycle %d error = %v", i, err)
		}
	}

	stats = s.Stats()
	if stats.Successful != 20 {
		t.Errorf("Successful after recovery = %d, want 20", stats.Successful)
	}
	if stats.SkippedDueToResources != 0 {
		t.Errorf("SkippedDueToResources after recovery = %d, want 0", stats.SkippedDueToResources)
	}
	if sum := stats.Successful + stats.Failed + stats.SkippedDueToResources; sum != stats.Offered {
		t.Errorf("terminal counter sum after recovery = %d, want Offered = %d", sum, stats.Offered)
	}
}
