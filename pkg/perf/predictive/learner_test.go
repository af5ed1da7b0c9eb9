package predictive

import (
	"fmt"
	"testing"
	"time"

	"github.com/convoanalytics/perflayer/pkg/perf/cache"
)

func testContext(hour int, day time.Weekday) RequestContext {
	return RequestContext{TimeOfDay: hour, DayOfWeek: day, QueryTypes: []string{"flow"}}
}

func newTestLearner(threshold float64) (*Learner, *time.Time) {
	l := NewLearner(LearnerConfig{
		MaxPatternHistory:   1000,
		MinPatternFrequency: 2,
		PredictionThreshold: threshold,
	}, nil)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // a Monday
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRecordRequestGrowsPatterns(t *testing.T) {
	l, _ := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	k1 := cache.KeyFromString("flow:conv-1")
	k2 := cache.KeyFromString("flow:conv-2")

	l.RecordRequest(k1, "alice", rctx)
	l.RecordRequest(k2, "alice", rctx)
	l.RecordRequest(k1, "alice", rctx)
	l.RecordRequest(k2, "alice", rctx)

	p, ok := l.Pattern("flow:conv-1->flow:conv-2")
	if !ok {
		t.Fatal("pattern k1->k2 not tracked after two occurrences")
	}
	if p.Frequency != 2 {
		t.Errorf("pattern frequency = %d, want 2", p.Frequency)
	}
	if p.Confidence < 0.11-1e-9 || p.Confidence > 0.11+1e-9 {
		t.Errorf("pattern confidence = %v, want 0.11", p.Confidence)
	}
	if p.Context.TimeOfDay != 9 || p.Context.DayOfWeek != time.Monday {
		t.Errorf("pattern context = %d/%v, want 9/Monday", p.Context.TimeOfDay, p.Context.DayOfWeek)
	}
}

func TestPredictivePatternsPrefixMatch(t *testing.T) {
	l, _ := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	k1 := cache.KeyFromString("flow:conv-1")
	k2 := cache.KeyFromString("flow:conv-2")
	for i := 0; i < 3; i++ {
		l.RecordRequest(k1, "alice", rctx)
		l.RecordRequest(k2, "alice", rctx)
	}

	scored := l.PredictivePatterns([]string{"flow:conv-1"}, rctx)
	if len(scored) == 0 {
		t.Fatal("no predictive patterns after repeated k1->k2 traffic")
	}

	top := scored[0]
	if got := top.Pattern.Sequence[len(top.Pattern.Sequence)-1]; got != "flow:conv-2" {
		t.Errorf("top pattern predicts %q, want flow:conv-2", got)
	}
	// Exact prefix match alone contributes 0.6.
	if top.Score < 0.6 {
		t.Errorf("top score = %v, want >= 0.6 for exact prefix match", top.Score)
	}
	for i := 1; i < len(scored); i++ {
		if scored[i].Score > scored[i-1].Score {
			t.Errorf("patterns not sorted: score[%d]=%v > score[%d]=%v", i, scored[i].Score, i-1, scored[i-1].Score)
		}
	}
}

func TestPredictivePatternsRespectsThreshold(t *testing.T) {
	l, _ := newTestLearner(0.99)
	rctx := testContext(9, time.Monday)

	l.RecordRequest(cache.KeyFromString("a"), "alice", rctx)
	l.RecordRequest(cache.KeyFromString("b"), "alice", rctx)

	if got := l.PredictivePatterns([]string{"a"}, rctx); len(got) != 0 {
		t.Errorf("got %d patterns above threshold 0.99, want 0", len(got))
	}
}

func TestConfidenceNeverDecreasesAndSaturates(t *testing.T) {
	l, _ := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	k1 := cache.KeyFromString("a")
	k2 := cache.KeyFromString("b")

	prev := 0.0
	for i := 0; i < 120; i++ {
		l.RecordRequest(k1, "alice", rctx)
		l.RecordRequest(k2, "alice", rctx)

		p, ok := l.Pattern("a->b")
		if !ok {
			t.Fatal("pattern a->b missing")
		}
		if p.Confidence < prev {
			t.Fatalf("confidence decreased: %v -> %v at iteration %d", prev, p.Confidence, i)
		}
		if p.Confidence > 1 {
			t.Fatalf("confidence %v exceeds 1", p.Confidence)
		}
		prev = p.Confidence
	}
	if prev != 1.0 {
		t.Errorf("confidence after 120 occurrences = %v, want saturated at 1.0", prev)
	}
}

func TestSessionRingIsBounded(t *testing.T) {
	l, _ := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	for i := 0; i < sessionMax*3; i++ {
		l.RecordRequest(cache.KeyFromString(fmt.Sprintf("k-%d", i)), "alice", rctx)
	}

	if got := len(l.RecentKeys("alice", sessionMax*10)); got > sessionMax {
		t.Errorf("session length = %d, want <= %d", got, sessionMax)
	}
}

func TestRequestWindowSlides(t *testing.T) {
	l, now := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	l.RecordRequest(cache.KeyFromString("old"), "alice", rctx)
	*now = now.Add(25 * time.Hour)
	l.RecordRequest(cache.KeyFromString("new"), "alice", rctx)

	if got := l.RequestCount(); got != 1 {
		t.Errorf("RequestCount() = %d after window slide, want 1", got)
	}
	keys := l.WindowKeys()
	if len(keys) != 1 || keys[0] != "new" {
		t.Errorf("WindowKeys() = %v, want [new]", keys)
	}
}

func TestStalePatternsArePruned(t *testing.T) {
	l, now := newTestLearner(0.5)
	l.config.MaxPatternHistory = 1
	rctx := testContext(9, time.Monday)

	l.RecordRequest(cache.KeyFromString("a"), "alice", rctx)
	l.RecordRequest(cache.KeyFromString("b"), "alice", rctx)
	if l.PatternCount() != 1 {
		t.Fatalf("PatternCount() = %d, want 1", l.PatternCount())
	}

	*now = now.Add(31 * 24 * time.Hour)
	l.RecordRequest(cache.KeyFromString("c"), "bob", rctx)
	l.RecordRequest(cache.KeyFromString("d"), "bob", rctx)

	if _, ok := l.Pattern("a->b"); ok {
		t.Error("stale infrequent pattern a->b survived pruning")
	}
}

func TestDisableLearningSuppressesRecording(t *testing.T) {
	l, now := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	l.DisableLearning(time.Second)
	l.RecordRequest(cache.KeyFromString("a"), "alice", rctx)
	if got := l.RequestCount(); got != 0 {
		t.Errorf("RequestCount() during disabled window = %d, want 0", got)
	}

	*now = now.Add(2 * time.Second)
	l.RecordRequest(cache.KeyFromString("a"), "alice", rctx)
	if got := l.RequestCount(); got != 1 {
		t.Errorf("RequestCount() after window = %d, want 1", got)
	}
}

func TestSeenTracksRequestedKeys(t *testing.T) {
	l, _ := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	l.RecordRequest(cache.KeyFromString("flow:conv-9"), "alice", rctx)

	if !l.Seen("flow:conv-9") {
		t.Error("Seen() = false for a recorded key")
	}
}

func TestUserSeenOutlivesSessionTrim(t *testing.T) {
	l, _ := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	l.RecordRequest(cache.KeyFromString("flow:first"), "alice", rctx)
	for i := 0; i < sessionMax+20; i++ {
		l.RecordRequest(cache.KeyFromString(fmt.Sprintf("flow:conv-%d", i)), "alice", rctx)
	}

	for _, k := range l.RecentKeys("alice", sessionMax) {
		if k == "flow:first" {
			t.Fatal("flow:first survived the session trim; fixture broken")
		}
	}
	if !l.UserSeen("alice", "flow:first") {
		t.Error("UserSeen() = false for a key trimmed out of the session ring")
	}
	if l.UserSeen("bob", "flow:first") {
		t.Error("UserSeen() = true for a user who never requested the key")
	}
}

func TestSeenFiltersRecordWhileLearningPaused(t *testing.T) {
	l, _ := newTestLearner(0.5)
	rctx := testContext(9, time.Monday)

	l.DisableLearning(time.Minute)
	l.RecordRequest(cache.KeyFromString("flow:paused"), "alice", rctx)

	if got := l.RequestCount(); got != 0 {
		t.Errorf("RequestCount() during paused learning = %d, want 0", got)
	}
	if !l.Seen("flow:paused") {
		t.Error("Seen() = false for a key accessed while learning was paused")
	}
	if !l.UserSeen("alice", "flow:paused") {
		t.Error("UserSeen() = false for a key accessed while learning was paused")
	}
}

func TestSuffixOverlapRatio(t *testing.T) {
	cases := []struct {
		name   string
		recent []string
		prefix []string
		want   float64
	}{
		{"full match", []string{"x", "a", "b"}, []string{"a", "b"}, 1.0},
		{"half match", []string{"x", "b"}, []string{"a", "b"}, 0.5},
		{"no match", []string{"x", "y"}, []string{"a", "b"}, 0},
		{"empty trail", nil, []string{"a"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := suffixOverlapRatio(tc.recent, tc.prefix); got != tc.want {
				t.Errorf("suffixOverlapRatio(%v, %v) = %v, want %v", tc.recent, tc.prefix, got, tc.want)
			}
		})
	}
}

func TestHourDistanceIsCircular(t *testing.T) {
	if got := hourDistance(23, 0); got != 1 {
		t.Errorf("hourDistance(23, 0) = %d, want 1", got)
	}
	if got := hourDistance(0, 12); got != 12 {
		t.Errorf("hourDistance(0, 12) = %d, want 12", got)
	}
}
