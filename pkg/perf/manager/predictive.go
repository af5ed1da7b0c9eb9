package manager

import (
	"context"
	"time"

	"github.com/convoanalytics/perflayer/pkg/analytics"
	"github.com/convoanalytics/perflayer/pkg/infrastructure/config"
	"github.com/convoanalytics/perflayer/pkg/perf/cache"
	"github.com/convoanalytics/perflayer/pkg/perf/predictive"
)

// Background loop cadences.
const (
	predictionInterval = 5 * time.Minute
	warmingInterval    = 2 * time.Minute
	cleanupInterval    = 30 * time.Minute
	statusInterval     = 5 * time.Minute
)

// PredictiveStatus is the observable state of the predictive subsystem.
type PredictiveStatus struct {
	Enabled         bool                                         `json:"enabled"`
	LearningEnabled bool                                         `json:"learning_enabled"`
	RequestCount    int                                          `json:"request_count"`
	PatternCount    int                                          `json:"pattern_count"`
	Models          map[predictive.ModelKind]predictive.ModelStats `json:"models"`
	Warming         predictive.WarmingStats                      `json:"warming"`
}

// InitializePredictiveCaching constructs the learner, predictor and warming
// scheduler and starts the prediction, warming and cleanup loops. Idempotent;
// a second call with the subsystem running is a no-op.
func (m *Manager) InitializePredictiveCaching() error {
	if m.isShutdown() {
		return ErrShutdown
	}
	if !m.config.Predictive.Enabled {
		return ErrPredictiveDisabled
	}

	m.mu.Lock()
	if m.learner != nil {
		m.mu.Unlock()
		return nil
	}

	pcfg := m.config.Predictive
	m.learner = predictive.NewLearner(predictive.LearnerConfig{
		MaxPatternHistory:   pcfg.MaxPatternHistory,
		MinPatternFrequency: pcfg.MinPatternFrequency,
		PredictionThreshold: pcfg.PredictionThreshold,
	}, m.logger.WithComponent("pattern-learner"))

	m.predictor = predictive.NewPredictor(predictive.PredictorConfig{
		MaxConcurrentPredictions: pcfg.MaxConcurrentPredictions,
		EnableSequence:           pcfg.Models.EnableSequenceAnalysis,
		EnableTemporal:           pcfg.Models.EnableTemporalPatterns,
		EnableContextual:         pcfg.Models.EnableContextualPredictions,
		EnableCollaborative:      pcfg.Models.EnableCollaborativeFiltering,
	}, m.learner, m.logger.WithComponent("predictor"))

	m.warming = predictive.NewWarmingScheduler(
		pcfg.ResourceThresholds,
		pcfg.WarmingStrategy,
		pcfg.MaxConcurrentPredictions,
		m.cache,
		m.probe,
		m.predictor,
		m.logger.WithComponent("warming"),
	)
	m.warming.RegisterFallbackWarmer(m.rewarmFromSource)
	for _, kind := range []analytics.OperationKind{analytics.OpFlow, analytics.OpProductivity, analytics.OpKnowledgeGap, analytics.OpDecisions, analytics.OpSearch, analytics.OpQuery} {
		m.warming.RegisterWarmer(kind, m.rewarmFromSource)
	}
	m.mu.Unlock()

	m.startLoop("prediction", predictionInterval, m.predictionPass)
	m.startLoop("warming", warmingInterval, m.warmingPass)
	m.startLoop("cleanup", cleanupInterval, m.cleanupPass)
	m.startLoop("status", statusInterval, m.statusPass)

	m.logger.Info("predictive caching initialized", map[string]interface{}{
		"max_predictions": pcfg.MaxConcurrentPredictions,
		"learning":        pcfg.LearningEnabled,
	})
	return nil
}

// rewarmFromSource recomputes a key's value via its retained closure. Keys
// whose source aged out of the bounded registry fail the warm.
func (m *Manager) rewarmFromSource(ctx context.Context, key cache.Key) (interface{}, time.Duration, error) {
	fn, ok := m.warmSource(key)
	if !ok {
		return nil, 0, errNoWarmSource(key)
	}
	return fn(ctx, key)
}

type noWarmSourceError struct{ key string }

func (e noWarmSourceError) Error() string {
	return "no retained compute source for key " + e.key
}

func errNoWarmSource(key cache.Key) error {
	return noWarmSourceError{key: key.String()}
}

// startLoop runs fn on a ticker until shutdown. Pass failures are logged,
// never propagated across ticks.
func (m *Manager) startLoop(name string, interval time.Duration, fn func(ctx context.Context) error) {
	m.loopWG.Add(1)
	go func() {
		defer m.loopWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.loopCtx.Done():
				return
			case <-ticker.C:
				if err := fn(m.loopCtx); err != nil {
					m.logger.Error("background pass failed", map[string]interface{}{
						"loop":  name,
						"error": err.Error(),
					})
				}
			}
		}
	}()
}

// predictionPass generates predictions for every active user and queues
// them for warming.
func (m *Manager) predictionPass(ctx context.Context) error {
	preds := m.predictAll()

	m.mu.Lock()
	warming := m.warming
	m.mu.Unlock()
	if warming != nil && len(preds) > 0 {
		warming.Queue(preds)
	}
	return ctx.Err()
}

// predictAll runs the predictor per known user under the current context.
func (m *Manager) predictAll() []predictive.Prediction {
	m.mu.Lock()
	learner := m.learner
	predictor := m.predictor
	m.mu.Unlock()
	if learner == nil || predictor == nil {
		return nil
	}

	now := m.now()
	rctx := predictive.RequestContext{
		TimeOfDay: now.Hour(),
		DayOfWeek: now.Weekday(),
	}

	var preds []predictive.Prediction
	for userID := range learner.SessionKeys() {
		preds = append(preds, predictor.Predict(userID, rctx)...)
	}
	return preds
}

// warmingPass drains the scheduler queue within the resource budget.
func (m *Manager) warmingPass(ctx context.Context) error {
	m.mu.Lock()
	warming := m.warming
	m.mu.Unlock()
	if warming == nil {
		return nil
	}
	return warming.Process(ctx)
}

// cleanupPass resolves aged prediction outcomes.
func (m *Manager) cleanupPass(ctx context.Context) error {
	m.mu.Lock()
	predictor := m.predictor
	m.mu.Unlock()
	if predictor != nil {
		predictor.ResolveExpired()
	}
	return ctx.Err()
}

// TriggerWarming runs one prediction and warming cycle immediately and
// returns the predictions that were generated.
func (m *Manager) TriggerWarming(ctx context.Context) ([]predictive.Prediction, error) {
	if m.isShutdown() {
		return nil, ErrShutdown
	}

	m.mu.Lock()
	warming := m.warming
	m.mu.Unlock()
	if warming == nil {
		return nil, ErrPredictiveDisabled
	}

	preds := m.predictAll()
	warming.Queue(preds)
	if err := warming.Process(ctx); err != nil {
		return preds, err
	}
	return preds, nil
}

// Status reports the predictive subsystem state.
func (m *Manager) Status() PredictiveStatus {
	m.mu.Lock()
	learner := m.learner
	predictor := m.predictor
	warming := m.warming
	m.mu.Unlock()

	status := PredictiveStatus{
		Enabled:         m.config.Predictive.Enabled,
		LearningEnabled: m.config.Predictive.LearningEnabled,
	}
	if learner != nil {
		status.RequestCount = learner.RequestCount()
		status.PatternCount = learner.PatternCount()
	}
	if predictor != nil {
		status.Models = predictor.Stats()
	}
	if warming != nil {
		status.Warming = warming.Stats()
	}
	return status
}

// ApplyConfig swaps in updated predictive and monitoring settings. Used by
// the config watcher; structural settings (cache size, pool) require a
// restart and are ignored here.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	m.mu.Lock()
	m.config.Predictive.Enabled = cfg.Predictive.Enabled
	m.config.Predictive.LearningEnabled = cfg.Predictive.LearningEnabled
	m.config.Predictive.PredictionThreshold = cfg.Predictive.PredictionThreshold
	m.config.Predictive.MaxConcurrentPredictions = cfg.Predictive.MaxConcurrentPredictions
	m.config.Predictive.ResourceThresholds = cfg.Predictive.ResourceThresholds
	m.config.Predictive.WarmingStrategy = cfg.Predictive.WarmingStrategy
	m.config.Monitoring.AlertThresholds = cfg.Monitoring.AlertThresholds
	m.config.Monitoring.Optimization = cfg.Monitoring.Optimization
	m.config.Performance.EnableQueryCaching = cfg.Performance.EnableQueryCaching
	m.mu.Unlock()

	m.logger.Info("configuration applied", map[string]interface{}{
		"predictive_enabled": cfg.Predictive.Enabled,
		"learning_enabled":   cfg.Predictive.LearningEnabled,
	})
}

// WatchConfig hot-reloads the file at path into ApplyConfig on change.
// The caller owns the returned watcher and closes it on teardown.
func (m *Manager) WatchConfig(path string) (*config.Watcher, error) {
	return config.NewWatcher(path, m.ApplyConfig, m.logger.WithComponent("config-watcher"))
}
