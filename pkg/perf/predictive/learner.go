package predictive

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
	"github.com/convoanalytics/perflayer/pkg/perf/cache"
)

const (
	// requestWindow is the sliding retention window for raw requests.
	requestWindow = 24 * time.Hour

	// sessionMax and sessionTrim bound per-user session history.
	sessionMax  = 100
	sessionTrim = 50

	// patternMaxLen bounds extracted subsequence length.
	patternMaxLen = 5

	// patternMaxAge is the age beyond which rarely seen patterns are pruned.
	patternMaxAge = 30 * 24 * time.Hour

	// predictiveLimit caps the patterns returned by PredictivePatterns.
	predictiveLimit = 10

	// seenKeyCapacity sizes the bloom filter of ever-requested keys;
	// userSeenCapacity sizes the per-user filters.
	seenKeyCapacity  = 100_000
	userSeenCapacity = 10_000
	seenKeyFPRate    = 0.01
)

// LearnerConfig bounds the pattern learner.
type LearnerConfig struct {
	MaxPatternHistory   int
	MinPatternFrequency int
	PredictionThreshold float64
}

// Learner records cache accesses in a 24-hour sliding window, maintains
// per-user session rings, and extracts length-2..5 sequential patterns with
// frequency, confidence and contextual features.
type Learner struct {
	mu sync.Mutex

	config LearnerConfig
	logger *logging.Logger

	requests []RequestRecord
	sessions map[string][]RequestRecord
	patterns map[string]*Pattern

	// seenKeys answers "was this key ever requested" without retaining
	// every key string. seenByUser answers the same question per user,
	// outliving the trimmed session rings; it backs the collaborative
	// model's novelty rule. False positives only tighten candidate
	// filtering.
	seenKeys   *bloom.BloomFilter
	seenByUser map[string]*bloom.BloomFilter

	learningDisabledUntil time.Time

	now func() time.Time
}

// NewLearner creates a pattern learner.
func NewLearner(config LearnerConfig, logger *logging.Logger) *Learner {
	if config.MaxPatternHistory <= 0 {
		config.MaxPatternHistory = 1000
	}
	if config.MinPatternFrequency <= 0 {
		config.MinPatternFrequency = 3
	}
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("pattern-learner")
	}
	return &Learner{
		config:     config,
		logger:     logger,
		sessions:   make(map[string][]RequestRecord),
		patterns:   make(map[string]*Pattern),
		seenKeys:   bloom.NewWithEstimates(seenKeyCapacity, seenKeyFPRate),
		seenByUser: make(map[string]*bloom.BloomFilter),
		now:        time.Now,
	}
}

// DisableLearning pauses pattern extraction for the given duration. Used
// around state resets so the reset traffic is not learned.
func (l *Learner) DisableLearning(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.learningDisabledUntil = l.now().Add(d)
}

// RecordRequest appends an access to the window and session rings and
// upserts every contiguous pattern of length 2..5 ending at this request.
func (l *Learner) RecordRequest(key cache.Key, userID string, rctx RequestContext) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// The seen filters are an access log, not learned structure; they
	// record even while learning is paused.
	l.seenKeys.AddString(key.String())
	l.userFilterLocked(userID).AddString(key.String())

	if now.Before(l.learningDisabledUntil) {
		return
	}

	record := RequestRecord{Key: key, UserID: userID, Timestamp: now, Context: rctx}

	l.requests = append(l.requests, record)
	l.pruneRequestsLocked(now)

	session := append(l.sessions[userID], record)
	if len(session) > sessionMax {
		session = session[len(session)-sessionTrim:]
	}
	l.sessions[userID] = session

	maxLen := patternMaxLen
	if len(session) < maxLen {
		maxLen = len(session)
	}
	for n := 2; n <= maxLen; n++ {
		l.upsertPatternLocked(userID, session[len(session)-n:], now)
	}

	if len(l.patterns) > l.config.MaxPatternHistory {
		l.prunePatternsLocked(now)
	}
}

func (l *Learner) pruneRequestsLocked(now time.Time) {
	cutoff := now.Add(-requestWindow)
	drop := 0
	for drop < len(l.requests) && l.requests[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		l.requests = append([]RequestRecord(nil), l.requests[drop:]...)
	}
}

func (l *Learner) upsertPatternLocked(userID string, source []RequestRecord, now time.Time) {
	sequence := make([]string, len(source))
	for i, r := range source {
		sequence[i] = r.Key.String()
	}
	id := strings.Join(sequence, "->")

	if p, exists := l.patterns[id]; exists {
		p.Frequency++
		p.LastSeen = now
		p.Confidence = min1(p.Confidence + 0.01)
		return
	}

	l.patterns[id] = &Pattern{
		ID:         id,
		UserID:     userID,
		Sequence:   sequence,
		Frequency:  1,
		LastSeen:   now,
		Confidence: 0.1,
		Context:    deriveContext(source),
	}
}

// deriveContext aggregates the modal hour and weekday and the union of
// query types over the pattern's source requests.
func deriveContext(source []RequestRecord) PatternContext {
	hours := make(map[int]int)
	days := make(map[time.Weekday]int)
	typeSet := make(map[string]struct{})

	for _, r := range source {
		hours[r.Context.TimeOfDay]++
		days[r.Context.DayOfWeek]++
		for _, qt := range r.Context.QueryTypes {
			typeSet[qt] = struct{}{}
		}
	}

	ctx := PatternContext{TimeOfDay: -1}
	best := 0
	for h, n := range hours {
		if n > best || (n == best && (ctx.TimeOfDay == -1 || h < ctx.TimeOfDay)) {
			ctx.TimeOfDay = h
			best = n
		}
	}
	best = 0
	for d, n := range days {
		if n > best || (n == best && d < ctx.DayOfWeek) {
			ctx.DayOfWeek = d
			best = n
		}
	}

	ctx.QueryTypes = make([]string, 0, len(typeSet))
	for qt := range typeSet {
		ctx.QueryTypes = append(ctx.QueryTypes, qt)
	}
	sort.Strings(ctx.QueryTypes)

	return ctx
}

// prunePatternsLocked deletes patterns that are both stale and infrequent.
// Confidence decays only through pruning, never through value mutation.
func (l *Learner) prunePatternsLocked(now time.Time) {
	cutoff := now.Add(-patternMaxAge)
	removed := 0
	for id, p := range l.patterns {
		if p.LastSeen.Before(cutoff) && p.Frequency < l.config.MinPatternFrequency {
			delete(l.patterns, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("pruned stale patterns", map[string]interface{}{"removed": removed})
	}
}

// PredictivePatterns scores all patterns against the recent key trail and
// current context, returning up to ten patterns at or above the prediction
// threshold, best first.
func (l *Learner) PredictivePatterns(recentKeys []string, rctx RequestContext) []ScoredPattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var scored []ScoredPattern
	for _, p := range l.patterns {
		score := l.scorePatternLocked(p, recentKeys, rctx, now)
		if score >= l.config.PredictionThreshold {
			scored = append(scored, ScoredPattern{Pattern: p, Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > predictiveLimit {
		scored = scored[:predictiveLimit]
	}
	return scored
}

// scorePatternLocked decomposes the score per component:
// sequence match 0.6 (or partial overlap × 0.4), frequency up to 0.2,
// confidence × 0.1, context similarity × 0.1, recency bonus up to 0.1.
func (l *Learner) scorePatternLocked(p *Pattern, recentKeys []string, rctx RequestContext, now time.Time) float64 {
	var score float64

	prefix := p.Sequence[:len(p.Sequence)-1]
	if suffixMatches(recentKeys, prefix) {
		score += 0.6
	} else {
		score += suffixOverlapRatio(recentKeys, prefix) * 0.4
	}

	score += minf(0.2, float64(p.Frequency)/100)
	score += p.Confidence * 0.1
	score += contextSimilarity(p.Context, rctx) * 0.1

	hoursSince := now.Sub(p.LastSeen).Hours()
	if bonus := 0.1 - hoursSince/168; bonus > 0 {
		score += bonus
	}

	return score
}

// suffixMatches reports whether the recent key trail ends with the prefix.
func suffixMatches(recentKeys, prefix []string) bool {
	if len(prefix) == 0 || len(recentKeys) < len(prefix) {
		return false
	}
	offset := len(recentKeys) - len(prefix)
	for i, k := range prefix {
		if recentKeys[offset+i] != k {
			return false
		}
	}
	return true
}

// suffixOverlapRatio measures, over the best suffix alignment, the fraction
// of prefix positions matching the recent trail.
func suffixOverlapRatio(recentKeys, prefix []string) float64 {
	if len(prefix) == 0 || len(recentKeys) == 0 {
		return 0
	}

	best := 0
	// Align the prefix so its tail overlaps the trail's tail by n elements.
	for n := 1; n <= len(prefix) && n <= len(recentKeys); n++ {
		matches := 0
		for i := 0; i < n; i++ {
			if recentKeys[len(recentKeys)-n+i] == prefix[len(prefix)-n+i] {
				matches++
			}
		}
		if matches > best {
			best = matches
		}
	}
	return float64(best) / float64(len(prefix))
}

// contextSimilarity combines hour proximity (±1) and weekday equality into
// a ratio in [0,1].
func contextSimilarity(pc PatternContext, rctx RequestContext) float64 {
	var matched, total float64

	total++
	if hourDistance(pc.TimeOfDay, rctx.TimeOfDay) <= 1 {
		matched++
	}

	total++
	if pc.DayOfWeek == rctx.DayOfWeek {
		matched++
	}

	return matched / total
}

// hourDistance is the circular distance between two hours of day.
func hourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 12 {
		d = 24 - d
	}
	return d
}

// Pattern returns a copy of the pattern with the given id, if present.
func (l *Learner) Pattern(id string) (Pattern, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.patterns[id]
	if !ok {
		return Pattern{}, false
	}
	return *p, true
}

// PatternCount returns the number of tracked patterns.
func (l *Learner) PatternCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.patterns)
}

// RecentKeys returns the user's most recent n keys, oldest first.
func (l *Learner) RecentKeys(userID string, n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	session := l.sessions[userID]
	if len(session) > n {
		session = session[len(session)-n:]
	}
	keys := make([]string, len(session))
	for i, r := range session {
		keys[i] = r.Key.String()
	}
	return keys
}

// RequestsAround returns window requests whose hour is within ±1 of the
// given hour on the same weekday.
func (l *Learner) RequestsAround(hour int, day time.Weekday) []RequestRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []RequestRecord
	for _, r := range l.requests {
		if r.Context.DayOfWeek == day && hourDistance(r.Context.TimeOfDay, hour) <= 1 {
			out = append(out, r)
		}
	}
	return out
}

// WindowKeys returns the distinct keys in the 24-hour window.
func (l *Learner) WindowKeys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, r := range l.requests {
		k := r.Key.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// SessionKeys returns, per user, the distinct keys of their session ring.
func (l *Learner) SessionKeys() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string][]string, len(l.sessions))
	for user, session := range l.sessions {
		seen := make(map[string]struct{})
		var keys []string
		for _, r := range session {
			k := r.Key.String()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		out[user] = keys
	}
	return out
}

func (l *Learner) userFilterLocked(userID string) *bloom.BloomFilter {
	f, ok := l.seenByUser[userID]
	if !ok {
		f = bloom.NewWithEstimates(userSeenCapacity, seenKeyFPRate)
		l.seenByUser[userID] = f
	}
	return f
}

// Seen reports whether the key was (probably) requested at some point.
func (l *Learner) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seenKeys.TestString(key)
}

// UserSeen reports whether the user (probably) requested the key at some
// point, including requests that aged out of the session ring.
func (l *Learner) UserSeen(userID, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.seenByUser[userID]
	return ok && f.TestString(key)
}

// RequestCount returns the number of requests in the sliding window.
func (l *Learner) RequestCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
