package predictive

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/convoanalytics/perflayer/pkg/analytics"
	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
	"github.com/convoanalytics/perflayer/pkg/perf/cache"
)

const (
	// accuracyAlpha is the EMA smoothing factor for model accuracy.
	accuracyAlpha = 0.1

	// trainingMax and trainingTrim bound the sample ring.
	trainingMax  = 10_000
	trainingTrim = 5_000

	// recomputeEvery and recomputeWindow control the periodic ground-truth
	// accuracy recomputation.
	recomputeEvery  = 100
	recomputeWindow = 1000

	// Sub-model priority coefficients and artifact TTLs.
	sequencePriority      = 100.0
	temporalPriority      = 80.0
	contextualPriority    = 60.0
	collaborativePriority = 40.0

	sequenceTTL      = 60 * time.Minute
	temporalTTL      = 120 * time.Minute
	contextualTTL    = 30 * time.Minute
	collaborativeTTL = 45 * time.Minute

	// contextualRelevance is the fixed confidence of substring-matched
	// contextual proposals.
	contextualRelevance = 0.5

	// outcomeHorizon bounds how long an issued prediction may wait for a
	// confirming access before it is resolved inaccurate.
	outcomeHorizon = 30 * time.Minute
)

// PredictorConfig controls the ensemble.
type PredictorConfig struct {
	MaxConcurrentPredictions int
	EnableSequence           bool
	EnableTemporal           bool
	EnableContextual         bool
	EnableCollaborative      bool
}

// Predictor composes the sequence, temporal, contextual and collaborative
// sub-models into a ranked, deduplicated prediction list and maintains
// per-model running accuracy from reported outcomes.
type Predictor struct {
	config  PredictorConfig
	learner *Learner
	logger  *logging.Logger

	mu       sync.Mutex
	stats    map[ModelKind]*ModelStats
	training []TrainingSample
	added    int

	// issued tracks outstanding predictions awaiting an outcome.
	issued map[string]Prediction

	now func() time.Time
}

// NewPredictor creates a predictor over the given learner.
func NewPredictor(config PredictorConfig, learner *Learner, logger *logging.Logger) *Predictor {
	if config.MaxConcurrentPredictions <= 0 {
		config.MaxConcurrentPredictions = 5
	}
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("predictor")
	}

	stats := make(map[ModelKind]*ModelStats)
	for kind, enabled := range map[ModelKind]bool{
		ModelSequence:      config.EnableSequence,
		ModelTemporal:      config.EnableTemporal,
		ModelContextual:    config.EnableContextual,
		ModelCollaborative: config.EnableCollaborative,
	} {
		stats[kind] = &ModelStats{Accuracy: 0.5, Enabled: enabled}
	}

	return &Predictor{
		config:  config,
		learner: learner,
		logger:  logger,
		stats:   stats,
		issued:  make(map[string]Prediction),
		now:     time.Now,
	}
}

// Predict runs all enabled sub-models for the given user and context and
// returns the ranked, deduplicated list capped at MaxConcurrentPredictions.
func (p *Predictor) Predict(userID string, rctx RequestContext) []Prediction {
	var all []Prediction

	recentKeys := p.learner.RecentKeys(userID, patternMaxLen)

	if p.config.EnableSequence {
		all = append(all, p.sequencePredictions(userID, recentKeys, rctx)...)
	}
	if p.config.EnableTemporal {
		all = append(all, p.temporalPredictions(rctx)...)
	}
	if p.config.EnableContextual {
		all = append(all, p.contextualPredictions(rctx)...)
	}
	if p.config.EnableCollaborative {
		all = append(all, p.collaborativePredictions(userID, recentKeys)...)
	}

	ranked := rankAndDedup(all, p.config.MaxConcurrentPredictions)
	p.rememberIssued(ranked)
	return ranked
}

// sequencePredictions proposes the last element of each predictive pattern.
func (p *Predictor) sequencePredictions(userID string, recentKeys []string, rctx RequestContext) []Prediction {
	now := p.now()
	var out []Prediction
	for _, sp := range p.learner.PredictivePatterns(recentKeys, rctx) {
		pat := sp.Pattern
		next := pat.Sequence[len(pat.Sequence)-1]
		out = append(out, Prediction{
			CacheKey:       cache.KeyFromString(next),
			Model:          ModelSequence,
			Confidence:     pat.Confidence * minf(1, float64(pat.Frequency)/100),
			Priority:       sequencePriority,
			EstimatedValue: estimatedValueFor(next),
			Context:        rctx,
			ExpiresAt:      now.Add(sequenceTTL),
			TTL:            sequenceTTL,
			UserID:         userID,
		})
	}
	return out
}

// temporalPredictions ranks the most common keys among historical requests
// in the same (hour ±1, weekday) slot; confidence is empirical frequency.
func (p *Predictor) temporalPredictions(rctx RequestContext) []Prediction {
	records := p.learner.RequestsAround(rctx.TimeOfDay, rctx.DayOfWeek)
	if len(records) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Key.String()]++
	}

	type kc struct {
		key   string
		count int
	}
	ranked := make([]kc, 0, len(counts))
	for k, n := range counts {
		ranked = append(ranked, kc{key: k, count: n})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].key < ranked[j].key
	})
	if len(ranked) > p.config.MaxConcurrentPredictions {
		ranked = ranked[:p.config.MaxConcurrentPredictions]
	}

	now := p.now()
	out := make([]Prediction, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, Prediction{
			CacheKey:       cache.KeyFromString(r.key),
			Model:          ModelTemporal,
			Confidence:     float64(r.count) / float64(len(records)),
			Priority:       temporalPriority,
			EstimatedValue: estimatedValueFor(r.key),
			Context:        rctx,
			ExpiresAt:      now.Add(temporalTTL),
			TTL:            temporalTTL,
		})
	}
	return out
}

// contextualPredictions proposes keys related to the session's query types
// by substring match over the 24-hour window's key set.
func (p *Predictor) contextualPredictions(rctx RequestContext) []Prediction {
	if len(rctx.QueryTypes) == 0 {
		return nil
	}

	now := p.now()
	var out []Prediction
	for _, key := range p.learner.WindowKeys() {
		for _, qt := range rctx.QueryTypes {
			if qt == "" || !strings.Contains(key, qt) {
				continue
			}
			out = append(out, Prediction{
				CacheKey:       cache.KeyFromString(key),
				Model:          ModelContextual,
				Confidence:     contextualRelevance,
				Priority:       contextualPriority,
				EstimatedValue: estimatedValueFor(key),
				Context:        rctx,
				ExpiresAt:      now.Add(contextualTTL),
				TTL:            contextualTTL,
			})
			break
		}
	}
	return out
}

// collaborativePredictions proposes keys used by users whose recent key
// sets overlap this user's, weighted by user similarity and per-key usage.
// With no overlapping users it proposes nothing; there is no fallback
// population.
func (p *Predictor) collaborativePredictions(userID string, recentKeys []string) []Prediction {
	if len(recentKeys) == 0 {
		return nil
	}

	mine := make(map[string]struct{}, len(recentKeys))
	for _, k := range recentKeys {
		mine[k] = struct{}{}
	}

	now := p.now()
	var out []Prediction
	for otherUser, theirKeys := range p.learner.SessionKeys() {
		if otherUser == userID || len(theirKeys) == 0 {
			continue
		}

		similarity := jaccard(mine, theirKeys)
		if similarity == 0 {
			continue
		}

		for _, key := range theirKeys {
			if _, already := mine[key]; already {
				continue
			}
			// Novelty rule: a key this user ever requested is already
			// covered by the sequence and temporal models, even when it
			// aged out of the recent trail.
			if p.learner.UserSeen(userID, key) {
				continue
			}
			// Key similarity: shared operation kind with something the
			// user already requested.
			keyWeight := 0.5
			if kindOverlap(recentKeys, key) {
				keyWeight = 1.0
			}
			out = append(out, Prediction{
				CacheKey:       cache.KeyFromString(key),
				Model:          ModelCollaborative,
				Confidence:     min1(similarity * keyWeight),
				Priority:       collaborativePriority,
				EstimatedValue: estimatedValueFor(key),
				ExpiresAt:      now.Add(collaborativeTTL),
				TTL:            collaborativeTTL,
				UserID:         userID,
			})
		}
	}
	return out
}

func jaccard(mine map[string]struct{}, theirs []string) float64 {
	if len(mine) == 0 || len(theirs) == 0 {
		return 0
	}
	shared := 0
	for _, k := range theirs {
		if _, ok := mine[k]; ok {
			shared++
		}
	}
	union := len(mine) + len(theirs) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func kindOverlap(recentKeys []string, key string) bool {
	kind := analytics.KindFromKey(key)
	for _, k := range recentKeys {
		if analytics.KindFromKey(k) == kind {
			return true
		}
	}
	return false
}

func estimatedValueFor(key string) float64 {
	kind := analytics.KindFromKey(key)
	batch := strings.Contains(key, ":all:") || strings.Contains(key, ":batch:")
	return analytics.EstimatedValue(kind, batch)
}

// rankAndDedup keeps the highest-confidence prediction per cache key, sorts
// stably by rank descending and truncates to the cap.
func rankAndDedup(preds []Prediction, limit int) []Prediction {
	best := make(map[string]int, len(preds))
	deduped := make([]Prediction, 0, len(preds))
	for _, pred := range preds {
		key := pred.CacheKey.String()
		if idx, seen := best[key]; seen {
			if pred.Confidence > deduped[idx].Confidence {
				deduped[idx] = pred
			}
			continue
		}
		best[key] = len(deduped)
		deduped = append(deduped, pred)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Rank() > deduped[j].Rank()
	})

	if len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped
}

// rememberIssued registers predictions for later outcome resolution.
func (p *Predictor) rememberIssued(preds []Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pred := range preds {
		p.issued[pred.CacheKey.String()] = pred
	}
}

// ReportAccess resolves an outstanding prediction for the key, if any, as
// accurate when the access happened before the outcome horizon.
func (p *Predictor) ReportAccess(key cache.Key) {
	p.mu.Lock()
	pred, ok := p.issued[key.String()]
	if ok {
		delete(p.issued, key.String())
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	p.Update(pred, p.now().Sub(pred.ExpiresAt.Add(-pred.TTL)) <= outcomeHorizon)
}

// ResolveExpired marks issued predictions past the outcome horizon as
// inaccurate. Called on the predictor's periodic cadence.
func (p *Predictor) ResolveExpired() {
	now := p.now()

	p.mu.Lock()
	var expired []Prediction
	for key, pred := range p.issued {
		issuedAt := pred.ExpiresAt.Add(-pred.TTL)
		if now.Sub(issuedAt) > outcomeHorizon {
			expired = append(expired, pred)
			delete(p.issued, key)
		}
	}
	p.mu.Unlock()

	for _, pred := range expired {
		p.Update(pred, false)
	}
}

// Update records a prediction outcome: it appends a training sample,
// updates the model's running accuracy by exponential moving average, and
// every 100 new samples recomputes per-model accuracy over the most recent
// 1000 samples as the ground-truth ratio.
func (p *Predictor) Update(pred Prediction, accurate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.training = append(p.training, TrainingSample{
		Model:     pred.Model,
		TargetKey: pred.CacheKey.String(),
		Timestamp: p.now(),
		Outcome:   accurate,
	})
	if len(p.training) > trainingMax {
		p.training = append([]TrainingSample(nil), p.training[len(p.training)-trainingTrim:]...)
	}

	stats := p.stats[pred.Model]
	if stats == nil {
		stats = &ModelStats{Accuracy: 0.5}
		p.stats[pred.Model] = stats
	}

	outcome := 0.0
	if accurate {
		outcome = 1.0
	}
	stats.Accuracy = (1-accuracyAlpha)*stats.Accuracy + accuracyAlpha*outcome
	stats.TrainingCount++
	stats.LastUpdated = p.now()

	p.added++
	if p.added >= recomputeEvery {
		p.added = 0
		p.recomputeAccuracyLocked()
	}
}

// recomputeAccuracyLocked resets each model's accuracy to the success ratio
// over the recent sample window.
func (p *Predictor) recomputeAccuracyLocked() {
	window := p.training
	if len(window) > recomputeWindow {
		window = window[len(window)-recomputeWindow:]
	}

	totals := make(map[ModelKind]int)
	successes := make(map[ModelKind]int)
	for _, s := range window {
		totals[s.Model]++
		if s.Outcome {
			successes[s.Model]++
		}
	}

	for kind, total := range totals {
		if total == 0 {
			continue
		}
		if stats := p.stats[kind]; stats != nil {
			stats.Accuracy = float64(successes[kind]) / float64(total)
		}
	}
}

// Stats returns a copy of per-model statistics.
func (p *Predictor) Stats() map[ModelKind]ModelStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[ModelKind]ModelStats, len(p.stats))
	for kind, s := range p.stats {
		out[kind] = *s
	}
	return out
}

// TrainingCount returns the number of retained training samples.
func (p *Predictor) TrainingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.training)
}
