// Package monitor samples index usage from the analytics store, raises
// alerts when thresholds are breached, and derives cost-ranked maintenance
// recommendations for the automation policy to act on.
package monitor

import (
	"time"
)

// IndexStat is one sampled observation of an index.
type IndexStat struct {
	IndexName     string    `json:"index_name"`
	TableName     string    `json:"table_name"`
	UsageCount    int64     `json:"usage_count"` // scans since last sample
	TotalScans    int64     `json:"total_scans"`
	LastUsed      time.Time `json:"last_used"`
	Effectiveness float64   `json:"effectiveness"` // [0,1]
	WriteImpact   float64   `json:"write_impact"`
	SizeBytes     int64     `json:"size_bytes"`
	SampledAt     time.Time `json:"sampled_at"`
}

// AlertKind classifies what a monitoring alert is about.
type AlertKind string

const (
	AlertSlowQuery        AlertKind = "slow_query"
	AlertUnusedIndex      AlertKind = "unused_index"
	AlertIndexDegradation AlertKind = "index_degradation"
	AlertWriteImpact      AlertKind = "write_impact"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertState is the alert lifecycle position.
//
// Valid transitions:
//
//	open -> deferred | approved
//	approved -> executing
//	executing -> succeeded | failed
//	deferred, succeeded, failed -> closed
type AlertState string

const (
	StateOpen      AlertState = "open"
	StateDeferred  AlertState = "deferred"
	StateApproved  AlertState = "approved"
	StateExecuting AlertState = "executing"
	StateSucceeded AlertState = "succeeded"
	StateFailed    AlertState = "failed"
	StateClosed    AlertState = "closed"
)

// Alert is one raised monitoring condition.
type Alert struct {
	ID        string     `json:"id"`
	Kind      AlertKind  `json:"kind"`
	Severity  Severity   `json:"severity"`
	Target    string     `json:"target"` // index name or query id
	Message   string     `json:"message"`
	Plan      string     `json:"plan,omitempty"` // captured EXPLAIN output
	State     AlertState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Resolved reports whether the alert reached a terminal state.
func (a *Alert) Resolved() bool {
	switch a.State {
	case StateSucceeded, StateFailed, StateClosed:
		return true
	}
	return false
}

// validTransitions maps each state to its allowed successors.
var validTransitions = map[AlertState][]AlertState{
	StateOpen:      {StateDeferred, StateApproved, StateClosed},
	StateDeferred:  {StateApproved, StateClosed},
	StateApproved:  {StateExecuting, StateClosed},
	StateExecuting: {StateSucceeded, StateFailed},
	StateSucceeded: {StateClosed},
	StateFailed:    {StateClosed},
}

func transitionAllowed(from, to AlertState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MaintenanceAction is the DDL category a recommendation or task performs.
type MaintenanceAction string

const (
	ActionReindex     MaintenanceAction = "reindex"
	ActionAnalyze     MaintenanceAction = "analyze"
	ActionVacuum      MaintenanceAction = "vacuum"
	ActionDropIndex   MaintenanceAction = "drop_index"
	ActionCreateIndex MaintenanceAction = "create_index"
)

// Recommendation proposes one maintenance action with its cost-benefit score.
type Recommendation struct {
	AlertID          string            `json:"alert_id"`
	Action           MaintenanceAction `json:"action"`
	Target           string            `json:"target"`
	EstimatedBenefit float64           `json:"estimated_benefit"`
	Impact           string            `json:"impact"`   // high, medium, low
	Priority         float64           `json:"priority"` // lower executes sooner
	Risk             string            `json:"risk"`     // low, medium, high
	Score            float64           `json:"score"`
}

// impactWeight and riskPenalty translate categorical ratings into score
// factors.
var impactWeight = map[string]float64{"high": 3, "medium": 2, "low": 1}
var riskPenalty = map[string]float64{"low": 1, "medium": 0.7, "high": 0.3}

// ScoreRecommendation computes benefit × impactWeight / priority × riskPenalty.
func ScoreRecommendation(r Recommendation) float64 {
	iw, ok := impactWeight[r.Impact]
	if !ok {
		iw = 1
	}
	rp, ok := riskPenalty[r.Risk]
	if !ok {
		rp = 0.3
	}
	priority := r.Priority
	if priority <= 0 {
		priority = 1
	}
	return r.EstimatedBenefit * iw / priority * rp
}

// MaintenanceTask is one scheduled maintenance unit shown on the dashboard.
// Tasks not executed within a day are dropped as stale.
type MaintenanceTask struct {
	ID        string            `json:"id"`
	Action    MaintenanceAction `json:"action"`
	Target    string            `json:"target"`
	SQL       string            `json:"sql"`
	AlertID   string            `json:"alert_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    string            `json:"status"` // pending, done, failed
}
