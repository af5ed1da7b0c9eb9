package predictive

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoanalytics/perflayer/pkg/analytics"
	"github.com/convoanalytics/perflayer/pkg/infrastructure/config"
	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
	"github.com/convoanalytics/perflayer/pkg/perf/cache"
	"github.com/convoanalytics/perflayer/pkg/perf/resource"
)

const (
	// warmingQueueMax bounds the pending queue. Enqueuing onto a full queue
	// drops the lowest-priority entry.
	warmingQueueMax = 100

	// warmTaskTimeout is the soft deadline for one warming computation.
	warmTaskTimeout = 30 * time.Second
)

// WarmFunc computes the value for a cache key ahead of demand. The returned
// ttl overrides the prediction's TTL when positive.
type WarmFunc func(ctx context.Context, key cache.Key) (value interface{}, ttl time.Duration, err error)

// WarmingStats counts scheduler outcomes since startup. Offered counts
// predictions accepted into the queue; once every accepted task has reached
// a terminal state or sat through a blocked cycle, Successful + Failed +
// SkippedDueToResources equals Offered.
type WarmingStats struct {
	Offered                 int64 `json:"offered"`
	Successful              int64 `json:"successful"`
	Failed                  int64 `json:"failed"`
	AlreadyWarm             int64 `json:"already_warm"`
	SkippedDueToResources   int64 `json:"skipped_due_to_resources"`
	QueueDepth              int   `json:"queue_depth"`
	InFlight                int   `json:"in_flight"`
	LastRunReasons          []string `json:"last_run_reasons,omitempty"`
	LastRunAllowedThisCycle int      `json:"last_run_allowed"`
}

// warmTask is one queued warming unit.
type warmTask struct {
	id         string
	prediction Prediction
	queuedAt   time.Time
	index      int

	// skipCounted marks the task as counted in SkippedDueToResources; the
	// counter is released again if the task later executes.
	skipCounted bool
}

// taskHeap is a max-heap by prediction priority, then confidence.
type taskHeap []*warmTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].prediction.Priority != h[j].prediction.Priority {
		return h[i].prediction.Priority > h[j].prediction.Priority
	}
	return h[i].prediction.Confidence > h[j].prediction.Confidence
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*warmTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// WarmingScheduler drains a bounded priority queue of predictions into
// warming computations, gated by live resource readings so warming never
// competes with foreground load.
type WarmingScheduler struct {
	thresholds config.ResourceThresholds
	strategy   config.WarmingStrategy

	// maxInFlight bounds concurrently executing warming tasks, independent
	// of the per-cycle rate budget.
	maxInFlight int

	cache *cache.MemoryCache
	probe      resource.Probe
	predictor  *Predictor
	logger     *logging.Logger

	mu       sync.Mutex
	queue    taskHeap
	inFlight map[string]struct{} // cache keys currently warming
	warmers  map[analytics.OperationKind]WarmFunc
	fallback WarmFunc
	stats    WarmingStats

	now func() time.Time
}

// NewWarmingScheduler creates a scheduler. maxConcurrent caps warming tasks
// in flight at once; non-positive values fall back to 5. The predictor is
// optional; when set, completed warms do not feed model accuracy, only
// scheduler counters.
func NewWarmingScheduler(thresholds config.ResourceThresholds, strategy config.WarmingStrategy, maxConcurrent int, memCache *cache.MemoryCache, probe resource.Probe, predictor *Predictor, logger *logging.Logger) *WarmingScheduler {
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("warming")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	s := &WarmingScheduler{
		thresholds:  thresholds,
		strategy:    strategy,
		maxInFlight: maxConcurrent,
		cache:       memCache,
		probe:       probe,
		predictor:   predictor,
		logger:      logger,
		inFlight:    make(map[string]struct{}),
		warmers:     make(map[analytics.OperationKind]WarmFunc),
		now:         time.Now,
	}
	heap.Init(&s.queue)
	return s
}

// RegisterWarmer binds a warming function to an operation kind.
func (s *WarmingScheduler) RegisterWarmer(kind analytics.OperationKind, fn WarmFunc) {
	s.mu.Lock()
	s.warmers[kind] = fn
	s.mu.Unlock()
}

// RegisterFallbackWarmer handles kinds with no dedicated warmer.
func (s *WarmingScheduler) RegisterFallbackWarmer(fn WarmFunc) {
	s.mu.Lock()
	s.fallback = fn
	s.mu.Unlock()
}

// Queue offers predictions to the scheduler. Predictions whose key is
// already cached, already warming or already queued are rejected without
// counting as offered. When the queue is full, each new entry displaces the
// lowest-priority queued task only if it outranks it; the displaced task is
// counted as skipped, since capacity dropped it before execution.
func (s *WarmingScheduler) Queue(preds []Prediction) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, pred := range preds {
		key := pred.CacheKey.String()
		if _, warming := s.inFlight[key]; warming {
			continue
		}
		if s.cache != nil && s.cache.Contains(pred.CacheKey) {
			s.stats.AlreadyWarm++
			continue
		}
		if s.queuedLocked(key) {
			continue
		}

		task := &warmTask{
			id:         uuid.New().String(),
			prediction: pred,
			queuedAt:   s.now(),
		}

		if len(s.queue) >= warmingQueueMax {
			lowest := s.lowestLocked()
			if lowest == nil || !outranks(pred, lowest.prediction) {
				continue
			}
			if !lowest.skipCounted {
				s.stats.SkippedDueToResources++
			}
			heap.Remove(&s.queue, lowest.index)
		}

		heap.Push(&s.queue, task)
		s.stats.Offered++
		queued++
	}
	return queued
}

func (s *WarmingScheduler) queuedLocked(key string) bool {
	for _, t := range s.queue {
		if t.prediction.CacheKey.String() == key {
			return true
		}
	}
	return false
}

func (s *WarmingScheduler) lowestLocked() *warmTask {
	var lowest *warmTask
	for _, t := range s.queue {
		if lowest == nil || outranks(lowest.prediction, t.prediction) {
			lowest = t
		}
	}
	return lowest
}

func outranks(a, b Prediction) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Confidence > b.Confidence
}

// availability is the admission decision for one processing cycle.
type availability struct {
	canWarm bool
	allowed int
	reasons []string
}

// checkAvailability derives the cycle's warming budget from live resource
// readings. Each pressured dimension shrinks the budget and records a
// reason; two or more reasons, or a zero budget, block the cycle entirely.
func (s *WarmingScheduler) checkAvailability() availability {
	allowed := s.strategy.MaxWarmingOpsPerMinute
	if allowed <= 0 {
		allowed = 10
	}
	var reasons []string

	if cpu := s.probe.CPUUtilization(); cpu > s.thresholds.MaxCPUUtilization {
		allowed /= 2
		reasons = append(reasons, fmt.Sprintf("cpu %.1f%% over %.1f%%", cpu, s.thresholds.MaxCPUUtilization))
	}

	heapMB := float64(s.probe.HeapInUseBytes()) / (1024 * 1024)
	if heapMB > float64(s.thresholds.MaxMemoryUsageMB) {
		allowed = int(float64(allowed) * 0.3)
		reasons = append(reasons, fmt.Sprintf("heap %.0fMB over %dMB", heapMB, s.thresholds.MaxMemoryUsageMB))
	}

	s.mu.Lock()
	inFlight := len(s.inFlight)
	s.mu.Unlock()
	if inFlight >= s.maxInFlight {
		allowed = 0
		reasons = append(reasons, fmt.Sprintf("%d warming tasks already in flight", inFlight))
	} else if headroom := s.maxInFlight - inFlight; allowed > headroom {
		allowed = headroom
	}

	canWarm := len(reasons) < 2 && allowed > 0
	return availability{canWarm: canWarm, allowed: allowed, reasons: reasons}
}

// Process runs one warming cycle: it checks resource availability, pops up
// to the allowed number of tasks, executes them, and fills the cache with
// the computed values. When resources disallow warming the queue is left
// untouched for the next cycle.
func (s *WarmingScheduler) Process(ctx context.Context) error {
	avail := s.checkAvailability()

	s.mu.Lock()
	s.stats.LastRunReasons = avail.reasons
	s.stats.LastRunAllowedThisCycle = avail.allowed
	s.mu.Unlock()

	if !avail.canWarm {
		s.mu.Lock()
		// Each pending task is counted skipped at most once across
		// consecutive blocked cycles; executing it later releases the count.
		for _, t := range s.queue {
			if !t.skipCounted {
				t.skipCounted = true
				s.stats.SkippedDueToResources++
			}
		}
		depth := len(s.queue)
		s.mu.Unlock()
		s.logger.Debug("warming cycle skipped", map[string]interface{}{
			"reasons":     avail.reasons,
			"queue_depth": depth,
		})
		return nil
	}

	tasks := s.dequeue(avail.allowed)
	if len(tasks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(t *warmTask) {
			defer wg.Done()
			s.warm(ctx, t)
		}(task)
	}
	wg.Wait()
	return ctx.Err()
}

// dequeue pops up to n tasks and marks their keys in flight.
func (s *WarmingScheduler) dequeue(n int) []*warmTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*warmTask
	for len(tasks) < n && s.queue.Len() > 0 {
		task := heap.Pop(&s.queue).(*warmTask)
		key := task.prediction.CacheKey.String()
		if s.cache != nil && s.cache.Contains(task.prediction.CacheKey) {
			// Foreground compute satisfied the offer while it waited;
			// retract it so terminal counters still partition offers.
			s.stats.AlreadyWarm++
			s.stats.Offered--
			if task.skipCounted {
				s.stats.SkippedDueToResources--
			}
			continue
		}
		s.inFlight[key] = struct{}{}
		tasks = append(tasks, task)
	}
	return tasks
}

// warm executes one task under the soft deadline and stores the result.
func (s *WarmingScheduler) warm(ctx context.Context, task *warmTask) {
	key := task.prediction.CacheKey
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, key.String())
		s.mu.Unlock()
	}()

	fn := s.warmerFor(key)
	if fn == nil {
		s.finish(task, false)
		s.logger.Warn("no warmer registered", map[string]interface{}{
			"task_id": task.id,
			"kind":    string(key.Kind()),
		})
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, warmTaskTimeout)
	defer cancel()

	started := s.now()
	value, ttl, err := fn(taskCtx, key)
	if err != nil {
		s.finish(task, false)
		s.logger.Debug("warming task failed", map[string]interface{}{
			"task_id":     task.id,
			"cache_key":   key.String(),
			"duration_ms": s.now().Sub(started).Milliseconds(),
			"error":       err.Error(),
		})
		return
	}

	if ttl <= 0 {
		ttl = task.prediction.TTL
	}
	if s.cache != nil {
		s.cache.Set(key, value, ttl)
	}

	s.finish(task, true)
	s.logger.Debug("cache warmed", map[string]interface{}{
		"task_id":     task.id,
		"cache_key":   key.String(),
		"model":       string(task.prediction.Model),
		"duration_ms": s.now().Sub(started).Milliseconds(),
	})
}

// finish records the task's terminal outcome, releasing any interim skip
// count so the terminal counters keep partitioning offers.
func (s *WarmingScheduler) finish(task *warmTask, ok bool) {
	s.mu.Lock()
	if ok {
		s.stats.Successful++
	} else {
		s.stats.Failed++
	}
	if task.skipCounted {
		s.stats.SkippedDueToResources--
	}
	s.mu.Unlock()
}

func (s *WarmingScheduler) warmerFor(key cache.Key) WarmFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn, ok := s.warmers[analytics.KindFromKey(key.String())]; ok {
		return fn
	}
	return s.fallback
}

// Stats returns a snapshot of scheduler counters.
func (s *WarmingScheduler) Stats() WarmingStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.QueueDepth = len(s.queue)
	out.InFlight = len(s.inFlight)
	out.LastRunReasons = append([]string(nil), s.stats.LastRunReasons...)
	return out
}

// QueueDepth reports the number of pending warming tasks.
func (s *WarmingScheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
