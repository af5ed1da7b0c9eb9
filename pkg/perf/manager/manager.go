// Package manager composes the cache, query, batch, predictive and
// monitoring components into the performance facade the tool layer calls.
// It owns every background loop and guarantees their shutdown.
package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoanalytics/perflayer/pkg/analytics"
	"github.com/convoanalytics/perflayer/pkg/infrastructure/config"
	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
	"github.com/convoanalytics/perflayer/pkg/perf/batch"
	"github.com/convoanalytics/perflayer/pkg/perf/cache"
	"github.com/convoanalytics/perflayer/pkg/perf/monitor"
	"github.com/convoanalytics/perflayer/pkg/perf/predictive"
	"github.com/convoanalytics/perflayer/pkg/perf/query"
	"github.com/convoanalytics/perflayer/pkg/perf/resource"
	"github.com/convoanalytics/perflayer/pkg/store"
)

var (
	// ErrShutdown is returned by operations invoked after Shutdown.
	ErrShutdown = errors.New("performance manager is shut down")

	// ErrPredictiveDisabled is returned when predictive operations are
	// invoked with predictive caching turned off.
	ErrPredictiveDisabled = errors.New("predictive caching is disabled")

	// ErrMonitoringDisabled is returned when monitoring operations are
	// invoked with monitoring turned off.
	ErrMonitoringDisabled = errors.New("performance monitoring is disabled")
)

// warmSourceMax bounds the retained recompute closures for cache warming.
const warmSourceMax = 1000

// systemUser attributes accesses with no caller identity.
const systemUser = "system"

// Options wires the manager's external dependencies. DB and Pool may be
// nil; query execution and index monitoring are then unavailable.
type Options struct {
	Config *config.Config
	DB     *sql.DB
	Pool   *pgxpool.Pool
	Probe  resource.Probe
	Logger *logging.Logger
}

// Manager is the performance facade. All fields behind mu; the composed
// components carry their own locks.
type Manager struct {
	config *config.Config
	logger *logging.Logger
	probe  resource.Probe

	cache    *cache.MemoryCache
	executor *query.Executor
	pool     *pgxpool.Pool

	mu        sync.Mutex
	learner   *predictive.Learner
	predictor *predictive.Predictor
	warming   *predictive.WarmingScheduler
	monitor   *monitor.Monitor

	// warmSources retains recompute closures so the scheduler can refill
	// evicted or expired entries.
	warmSources map[cache.Key]predictive.WarmFunc

	// querySQL maps executed query ids to statement text for plan capture.
	querySQL map[string]string

	decisions []AutomationDecision
	pending   []pendingExecution
	statuses  []StatusSnapshot

	// Miss classification: cold misses are first-ever requests, recurring
	// misses were cached once and expired or evicted since.
	coldMisses      int64
	recurringMisses int64

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
	shutdown   bool

	now func() time.Time
}

// New creates a manager. The cache is sized from the performance section;
// background loops start only through InitializePredictiveCaching and
// InitializeMonitoring.
func New(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("performance-manager")
	}
	probe := opts.Probe
	if probe == nil {
		probe = resource.NewRuntimeProbe()
	}

	m := &Manager{
		config:      cfg,
		logger:      logger,
		probe:       probe,
		cache:       cache.NewMemoryCache(int64(cfg.Performance.MaxMemoryUsageMB)*1024*1024, logger.WithComponent("memory-cache")),
		pool:        opts.Pool,
		warmSources: make(map[cache.Key]predictive.WarmFunc),
		querySQL:    make(map[string]string),
		now:         time.Now,
	}
	if opts.DB != nil {
		m.executor = query.NewExecutor(opts.DB, logger.WithComponent("query-executor"))
	}
	m.loopCtx, m.loopCancel = context.WithCancel(context.Background())
	return m
}

// NewFromStore creates a manager over an opened analytics store.
func NewFromStore(cfg *config.Config, st *store.Store, logger *logging.Logger) *Manager {
	return New(Options{
		Config: cfg,
		DB:     st.DB(),
		Pool:   st.Pool(),
		Logger: logger,
	})
}

// defaultTTL is the configured cache TTL.
func (m *Manager) defaultTTL() time.Duration {
	minutes := m.config.Performance.QueryCacheTTLMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

// batchOptions derives batch executor settings from the performance config.
func (m *Manager) batchOptions() batch.Options {
	parallelism := m.config.Performance.ParallelWorkers
	if !m.config.Performance.EnableParallelProcessing {
		parallelism = 1
	}
	return batch.Options{
		BatchSize:   m.config.Performance.BatchSize,
		Parallelism: parallelism,
		MaxMemoryMB: m.config.Performance.MaxMemoryUsageMB,
	}
}

// runBatched fans items through a batch executor. When memory optimization
// is on and the input exceeds the streaming threshold, batches go through
// the streaming path so results materialize under memory-pressure checks
// instead of all at once. Results stay aligned with the input; failed items
// leave zero-valued slots either way.
func runBatched[T, R any](ctx context.Context, m *Manager, items []T, processor batch.Processor[T, R]) ([]R, error) {
	executor := batch.NewExecutor[T, R](m.batchOptions(), m.probe, m.logger)

	perf := m.config.Performance
	if !perf.EnableMemoryOptimization || perf.StreamingThreshold <= 0 || len(items) <= perf.StreamingThreshold {
		return executor.Process(ctx, items, processor)
	}

	results := make([]R, len(items))
	for br := range executor.Stream(ctx, items, processor) {
		copy(results[br.Offset:], br.Results)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// recordAccess feeds the learner and resolves issued predictions. Called
// from the cache observer on every foreground access.
func (m *Manager) recordAccess(key cache.Key, kind cache.AccessKind) {
	m.mu.Lock()
	learner := m.learner
	predictor := m.predictor
	learning := m.config.Predictive.LearningEnabled
	m.mu.Unlock()

	// Classify before the access is recorded below, so a key's first
	// request still reads as cold.
	switch kind {
	case cache.AccessMissExpired:
		m.countMiss(true)
	case cache.AccessMiss:
		m.countMiss(learner != nil && learner.Seen(key.String()))
	}

	if learner != nil && learning {
		now := m.now()
		learner.RecordRequest(key, systemUser, predictive.RequestContext{
			TimeOfDay:  now.Hour(),
			DayOfWeek:  now.Weekday(),
			QueryTypes: []string{string(key.Kind())},
		})
	}
	if predictor != nil && kind == cache.AccessHit {
		predictor.ReportAccess(key)
	}
}

// cacheGet reads the cache through the learning observer. Returns false
// when caching is disabled.
func (m *Manager) cacheGet(key cache.Key) (interface{}, bool) {
	if !m.config.Performance.EnableQueryCaching {
		return nil, false
	}
	return m.cache.Get(key, m.recordAccess)
}

// cacheSet stores a computed value and retains its recompute closure for
// warming. Oversized values are logged and skipped.
func (m *Manager) cacheSet(key cache.Key, value interface{}, warm predictive.WarmFunc) {
	if !m.config.Performance.EnableQueryCaching {
		return
	}
	if !m.cache.Set(key, value, m.defaultTTL()) {
		m.logger.Warn("artifact exceeds cache capacity, not cached", map[string]interface{}{
			"cache_key": key.String(),
		})
		return
	}

	if warm == nil {
		return
	}
	m.mu.Lock()
	if len(m.warmSources) >= warmSourceMax {
		for k := range m.warmSources {
			delete(m.warmSources, k)
			break
		}
	}
	m.warmSources[key] = warm
	m.mu.Unlock()
}

// warmSource looks up the retained recompute closure for a key.
func (m *Manager) warmSource(key cache.Key) (predictive.WarmFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.warmSources[key]
	return fn, ok
}

// OptimizeFlowAnalysis computes flow artifacts for the bundles, serving
// repeats from the cache. Results align with the input order; a failed
// item yields a nil slot.
func (m *Manager) OptimizeFlowAnalysis(ctx context.Context, bundles []analytics.Bundle, analyzer analytics.FlowAnalyzer) ([]*analytics.FlowArtifact, error) {
	if m.isShutdown() {
		return nil, ErrShutdown
	}

	results := make([]*analytics.FlowArtifact, len(bundles))
	var missed []int

	for i, bundle := range bundles {
		key := cache.BundleKey(analytics.OpFlow, bundle)
		if v, ok := m.cacheGet(key); ok {
			if artifact, ok := v.(*analytics.FlowArtifact); ok {
				results[i] = artifact
				continue
			}
		}
		missed = append(missed, i)
	}
	if len(missed) == 0 {
		return results, nil
	}

	missedBundles := make([]analytics.Bundle, len(missed))
	for j, i := range missed {
		missedBundles[j] = bundles[i]
	}

	computed, err := runBatched(ctx, m, missedBundles, func(ctx context.Context, b analytics.Bundle) (*analytics.FlowArtifact, error) {
		return analyzer(ctx, b.Conversation, b.Messages)
	})
	if err != nil {
		return nil, fmt.Errorf("flow analysis batch: %w", err)
	}

	for j, i := range missed {
		artifact := computed[j]
		if artifact == nil {
			continue
		}
		results[i] = artifact
		bundle := bundles[i]
		m.cacheSet(cache.BundleKey(analytics.OpFlow, bundle), artifact, func(ctx context.Context, _ cache.Key) (interface{}, time.Duration, error) {
			v, err := analyzer(ctx, bundle.Conversation, bundle.Messages)
			return v, 0, err
		})
	}
	return results, nil
}

// OptimizeProductivityAnalysis is the productivity counterpart of
// OptimizeFlowAnalysis.
func (m *Manager) OptimizeProductivityAnalysis(ctx context.Context, bundles []analytics.Bundle, analyzer analytics.ProductivityAnalyzer) ([]*analytics.ProductivityArtifact, error) {
	if m.isShutdown() {
		return nil, ErrShutdown
	}

	results := make([]*analytics.ProductivityArtifact, len(bundles))
	var missed []int

	for i, bundle := range bundles {
		key := cache.BundleKey(analytics.OpProductivity, bundle)
		if v, ok := m.cacheGet(key); ok {
			if artifact, ok := v.(*analytics.ProductivityArtifact); ok {
				results[i] = artifact
				continue
			}
		}
		missed = append(missed, i)
	}
	if len(missed) == 0 {
		return results, nil
	}

	missedBundles := make([]analytics.Bundle, len(missed))
	for j, i := range missed {
		missedBundles[j] = bundles[i]
	}

	computed, err := runBatched(ctx, m, missedBundles, func(ctx context.Context, b analytics.Bundle) (*analytics.ProductivityArtifact, error) {
		return analyzer(ctx, b.Conversation, b.Messages)
	})
	if err != nil {
		return nil, fmt.Errorf("productivity analysis batch: %w", err)
	}

	for j, i := range missed {
		artifact := computed[j]
		if artifact == nil {
			continue
		}
		results[i] = artifact
		bundle := bundles[i]
		m.cacheSet(cache.BundleKey(analytics.OpProductivity, bundle), artifact, func(ctx context.Context, _ cache.Key) (interface{}, time.Duration, error) {
			v, err := analyzer(ctx, bundle.Conversation, bundle.Messages)
			return v, 0, err
		})
	}
	return results, nil
}

// OptimizeKnowledgeGapDetection runs the detector over the full bundle
// set, cached as one unit since gaps are cross-conversation.
func (m *Manager) OptimizeKnowledgeGapDetection(ctx context.Context, bundles []analytics.Bundle, detector analytics.GapDetector) ([]analytics.Gap, error) {
	if m.isShutdown() {
		return nil, ErrShutdown
	}

	key := cache.BundleSetKey(analytics.OpKnowledgeGap, bundles)
	if v, ok := m.cacheGet(key); ok {
		if gaps, ok := v.([]analytics.Gap); ok {
			return gaps, nil
		}
	}

	gaps, err := detector(ctx, bundles)
	if err != nil {
		return nil, fmt.Errorf("knowledge gap detection: %w", err)
	}

	m.cacheSet(key, gaps, func(ctx context.Context, _ cache.Key) (interface{}, time.Duration, error) {
		v, err := detector(ctx, bundles)
		return v, 0, err
	})
	return gaps, nil
}

// OptimizeDecisionTracking extracts decisions per conversation with
// per-bundle caching.
func (m *Manager) OptimizeDecisionTracking(ctx context.Context, bundles []analytics.Bundle, tracker analytics.DecisionTracker) ([][]analytics.Decision, error) {
	if m.isShutdown() {
		return nil, ErrShutdown
	}

	results := make([][]analytics.Decision, len(bundles))
	var missed []int

	for i, bundle := range bundles {
		key := cache.BundleKey(analytics.OpDecisions, bundle)
		if v, ok := m.cacheGet(key); ok {
			if decisions, ok := v.([]analytics.Decision); ok {
				results[i] = decisions
				continue
			}
		}
		missed = append(missed, i)
	}
	if len(missed) == 0 {
		return results, nil
	}

	missedBundles := make([]analytics.Bundle, len(missed))
	for j, i := range missed {
		missedBundles[j] = bundles[i]
	}

	computed, err := runBatched(ctx, m, missedBundles, func(ctx context.Context, b analytics.Bundle) ([]analytics.Decision, error) {
		return tracker(ctx, b.Conversation, b.Messages)
	})
	if err != nil {
		return nil, fmt.Errorf("decision tracking batch: %w", err)
	}

	for j, i := range missed {
		decisions := computed[j]
		if decisions == nil {
			continue
		}
		results[i] = decisions
		bundle := bundles[i]
		m.cacheSet(cache.BundleKey(analytics.OpDecisions, bundle), decisions, func(ctx context.Context, _ cache.Key) (interface{}, time.Duration, error) {
			v, err := tracker(ctx, bundle.Conversation, bundle.Messages)
			return v, 0, err
		})
	}
	return results, nil
}

// OptimizeQuery executes a parameterized query through the prepared
// registry with result caching. Positional arguments are the parameter
// values in sorted name order, matching the key normalization.
func (m *Manager) OptimizeQuery(ctx context.Context, queryID, sqlText string, params map[string]interface{}) ([]query.Row, error) {
	if m.isShutdown() {
		return nil, ErrShutdown
	}
	if m.executor == nil {
		return nil, errors.New("no database handle configured")
	}

	key := cache.QueryKey(queryID, sqlText, params)
	if v, ok := m.cacheGet(key); ok {
		if rows, ok := v.([]query.Row); ok {
			return rows, nil
		}
	}

	m.mu.Lock()
	m.querySQL[queryID] = sqlText
	m.mu.Unlock()

	args := orderedParams(params)
	rows, err := m.executor.Execute(ctx, queryID, sqlText, args...)
	if err != nil {
		return nil, err
	}

	m.cacheSet(key, rows, func(ctx context.Context, _ cache.Key) (interface{}, time.Duration, error) {
		v, err := m.executor.Execute(ctx, queryID, sqlText, args...)
		return v, 0, err
	})
	return rows, nil
}

// orderedParams flattens a parameter map into positional values in sorted
// name order.
func orderedParams(params map[string]interface{}) []interface{} {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]interface{}, len(names))
	for i, name := range names {
		args[i] = params[name]
	}
	return args
}

// QueryStats exposes per-query latency summaries.
func (m *Manager) QueryStats() map[string]query.Stats {
	if m.executor == nil {
		return nil
	}
	return m.executor.Stats()
}

// CacheStats exposes the memory cache snapshot.
func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

func (m *Manager) countMiss(recurring bool) {
	m.mu.Lock()
	if recurring {
		m.recurringMisses++
	} else {
		m.coldMisses++
	}
	m.mu.Unlock()
}

// MissBreakdown splits cache misses into cold misses, for keys never
// requested before, and recurring misses, for keys that were held once and
// expired or evicted since. A rising recurring share means the cache or its
// TTL is undersized for the workload.
func (m *Manager) MissBreakdown() (cold, recurring int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coldMisses, m.recurringMisses
}

// InvalidateCache drops entries whose key contains the substring and
// returns how many were removed.
func (m *Manager) InvalidateCache(substring string) int {
	return m.cache.InvalidatePattern(substring)
}

// ResetPerformanceState clears the cache and pauses learning briefly so
// the reset traffic is not learned as a pattern.
func (m *Manager) ResetPerformanceState() {
	m.cache.Clear()

	m.mu.Lock()
	learner := m.learner
	m.warmSources = make(map[cache.Key]predictive.WarmFunc)
	m.mu.Unlock()

	if learner != nil {
		learner.DisableLearning(time.Second)
	}
	m.logger.Info("performance state reset")
}

func (m *Manager) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}
