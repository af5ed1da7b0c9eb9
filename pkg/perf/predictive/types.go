// Package predictive learns cache-access patterns, predicts upcoming
// requests with a small ensemble of scoring models, and warms the memory
// cache ahead of demand under explicit resource budgets.
package predictive

import (
	"time"

	"github.com/convoanalytics/perflayer/pkg/perf/cache"
)

// RequestContext captures the situational features of one cache access.
type RequestContext struct {
	TimeOfDay       int           `json:"time_of_day"` // hour 0..23
	DayOfWeek       time.Weekday  `json:"day_of_week"`
	QueryTypes      []string      `json:"query_types"`
	SessionDuration time.Duration `json:"session_duration"`
}

// RequestRecord is one observed cache access.
type RequestRecord struct {
	Key       cache.Key
	UserID    string
	Timestamp time.Time
	Context   RequestContext
}

// PatternContext aggregates the contexts of a pattern's source requests:
// the modal hour and weekday plus the union of query types.
type PatternContext struct {
	TimeOfDay  int          `json:"time_of_day"`
	DayOfWeek  time.Weekday `json:"day_of_week"`
	QueryTypes []string     `json:"query_types"`
}

// Pattern is a contiguous subsequence of cache-key accesses with frequency,
// recency and confidence tracking.
type Pattern struct {
	ID         string         `json:"id"` // "k1->k2->..."
	UserID     string         `json:"user_id"`
	Sequence   []string       `json:"sequence"`
	Frequency  int            `json:"frequency"`
	LastSeen   time.Time      `json:"last_seen"`
	Confidence float64        `json:"confidence"` // [0,1], saturating
	Context    PatternContext `json:"context"`
}

// ScoredPattern pairs a pattern with its prediction score.
type ScoredPattern struct {
	Pattern *Pattern
	Score   float64
}

// ModelKind identifies a prediction sub-model.
type ModelKind string

const (
	ModelSequence      ModelKind = "sequence"
	ModelTemporal      ModelKind = "temporal"
	ModelContextual    ModelKind = "contextual"
	ModelCollaborative ModelKind = "collaborative"
)

// Prediction proposes a cache key to warm ahead of demand.
type Prediction struct {
	CacheKey       cache.Key      `json:"cache_key"`
	Model          ModelKind      `json:"model"`
	Confidence     float64        `json:"confidence"` // [0,1]
	Priority       float64        `json:"priority"`
	EstimatedValue float64        `json:"estimated_value"`
	Context        RequestContext `json:"context"`
	ExpiresAt      time.Time      `json:"expires_at"`
	TTL            time.Duration  `json:"ttl"`
	UserID         string         `json:"user_id,omitempty"`
}

// Rank orders predictions: higher priority × confidence × estimated value
// ranks first.
func (p Prediction) Rank() float64 {
	return p.Priority * p.Confidence * p.EstimatedValue
}

// ModelStats reports a sub-model's running accuracy.
type ModelStats struct {
	Accuracy      float64   `json:"accuracy"` // [0,1]
	TrainingCount int       `json:"training_count"`
	LastUpdated   time.Time `json:"last_updated"`
	Enabled       bool      `json:"enabled"`
}

// TrainingSample records the outcome of one issued prediction.
type TrainingSample struct {
	Model     ModelKind
	TargetKey string
	Timestamp time.Time
	Outcome   bool
}
