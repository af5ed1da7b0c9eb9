package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoanalytics/perflayer/pkg/infrastructure/config"
	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
	"github.com/convoanalytics/perflayer/pkg/perf/query"
)

// taskExpiry is how long a scheduled maintenance task stays actionable.
const taskExpiry = 24 * time.Hour

// QueryStatsFunc supplies per-query latency summaries, normally
// query.Executor.Stats.
type QueryStatsFunc func() map[string]query.Stats

// QuerySQLFunc resolves a query id back to its statement text for plan
// capture. Returns false for ids the caller no longer knows.
type QuerySQLFunc func(queryID string) (string, bool)

// Monitor periodically samples index statistics, diffs them against the
// previous sample, and raises alerts when configured thresholds are
// breached. One open alert exists per (kind, target) pair.
type Monitor struct {
	config     config.MonitoringConfig
	source     StatSource
	queryStats QueryStatsFunc
	querySQL   QuerySQLFunc
	logger     *logging.Logger

	mu         sync.Mutex
	prev       map[string]IndexStat
	current    map[string]IndexStat
	alerts     map[string]*Alert
	tasks      []MaintenanceTask
	lastSample time.Time

	now func() time.Time
}

// New creates a monitor. queryStats and querySQL may be nil, disabling
// slow-query detection.
func New(cfg config.MonitoringConfig, source StatSource, queryStats QueryStatsFunc, querySQL QuerySQLFunc, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("index-monitor")
	}
	return &Monitor{
		config:     cfg,
		source:     source,
		queryStats: queryStats,
		querySQL:   querySQL,
		logger:     logger,
		prev:       make(map[string]IndexStat),
		current:    make(map[string]IndexStat),
		alerts:     make(map[string]*Alert),
		now:        time.Now,
	}
}

// Sample performs one monitoring pass: index statistics, slow-query
// detection, and retention pruning. Errors from the stat source abort the
// pass; threshold evaluation never fails.
func (m *Monitor) Sample(ctx context.Context) error {
	stats, err := m.source.IndexStats(ctx)
	if err != nil {
		return fmt.Errorf("index sample failed: %w", err)
	}

	m.mu.Lock()
	now := m.now()
	m.prev = m.current
	m.current = make(map[string]IndexStat, len(stats))
	for _, stat := range stats {
		if prev, ok := m.prev[stat.IndexName]; ok {
			stat.UsageCount = stat.TotalScans - prev.TotalScans
		} else {
			stat.UsageCount = stat.TotalScans
		}
		m.current[stat.IndexName] = stat
	}
	m.lastSample = now
	m.mu.Unlock()

	m.evaluateIndexes(now)
	m.evaluateQueries(ctx)
	m.pruneResolved(now)

	return nil
}

// evaluateIndexes raises unused-index, degradation and write-impact alerts.
func (m *Monitor) evaluateIndexes(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unusedAfter := time.Duration(m.config.AlertThresholds.UnusedIndexDays) * 24 * time.Hour

	for name, stat := range m.current {
		if unusedAfter > 0 && !stat.LastUsed.IsZero() && now.Sub(stat.LastUsed) > unusedAfter {
			days := int(now.Sub(stat.LastUsed).Hours() / 24)
			severity := SeverityMedium
			if days > m.config.AlertThresholds.UnusedIndexDays*2 {
				severity = SeverityHigh
			}
			m.raiseLocked(AlertUnusedIndex, severity, name,
				fmt.Sprintf("index %s unused for %d days (%.1f MB)", name, days, float64(stat.SizeBytes)/(1024*1024)), "")
		}

		if prev, ok := m.prev[name]; ok && prev.Effectiveness > 0 {
			drop := (prev.Effectiveness - stat.Effectiveness) / prev.Effectiveness
			if drop >= 0.5 {
				m.raiseLocked(AlertIndexDegradation, SeverityHigh, name,
					fmt.Sprintf("index %s effectiveness dropped %.0f%% (%.2f -> %.2f)", name, drop*100, prev.Effectiveness, stat.Effectiveness), "")
			}
		}

		if threshold := m.config.AlertThresholds.WriteImpactThreshold; threshold > 0 && stat.WriteImpact > threshold {
			severity := SeverityMedium
			if stat.WriteImpact > threshold*2 {
				severity = SeverityHigh
			}
			m.raiseLocked(AlertWriteImpact, severity, name,
				fmt.Sprintf("index %s write impact %.0f exceeds %.0f", name, stat.WriteImpact, threshold), "")
		}
	}
}

// evaluateQueries raises slow-query alerts from executor latency summaries
// and attaches a captured plan where the statement text is still known.
func (m *Monitor) evaluateQueries(ctx context.Context) {
	if m.queryStats == nil {
		return
	}
	threshold := time.Duration(m.config.AlertThresholds.SlowQueryMs) * time.Millisecond
	if threshold <= 0 {
		return
	}

	for queryID, stats := range m.queryStats() {
		if stats.Count == 0 || stats.Avg <= threshold {
			continue
		}

		severity := SeverityMedium
		switch {
		case stats.Avg > threshold*4:
			severity = SeverityCritical
		case stats.Avg > threshold*2:
			severity = SeverityHigh
		}

		plan := ""
		if m.querySQL != nil {
			if sqlText, ok := m.querySQL(queryID); ok {
				captured, err := m.source.ExplainQuery(ctx, sqlText)
				if err != nil {
					m.logger.Debug("plan capture failed", map[string]interface{}{
						"query_id": queryID,
						"error":    err.Error(),
					})
				} else {
					plan = captured
				}
			}
		}

		m.mu.Lock()
		m.raiseLocked(AlertSlowQuery, severity, queryID,
			fmt.Sprintf("query %s averages %dms over %d samples (threshold %.0fms)",
				queryID, stats.Avg.Milliseconds(), stats.Count, m.config.AlertThresholds.SlowQueryMs), plan)
		m.mu.Unlock()
	}
}

// raiseLocked opens an alert unless one is already open for the same
// (kind, target). Severity escalation updates the open alert in place.
func (m *Monitor) raiseLocked(kind AlertKind, severity Severity, target, message, plan string) {
	for _, a := range m.alerts {
		if a.Kind == kind && a.Target == target && !a.Resolved() {
			if severityRank(severity) > severityRank(a.Severity) {
				a.Severity = severity
				a.Message = message
				a.UpdatedAt = m.now()
			}
			return
		}
	}

	now := m.now()
	alert := &Alert{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  severity,
		Target:    target,
		Message:   message,
		Plan:      plan,
		State:     StateOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.alerts[alert.ID] = alert
	m.logger.Warn("alert raised", map[string]interface{}{
		"alert_id": alert.ID,
		"kind":     string(kind),
		"severity": string(severity),
		"target":   target,
	})
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// pruneResolved drops resolved alerts older than the retention window and
// expired maintenance tasks.
func (m *Monitor) pruneResolved(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	retention := time.Duration(m.config.RetentionDays) * 24 * time.Hour
	if retention > 0 {
		for id, a := range m.alerts {
			if a.Resolved() && now.Sub(a.UpdatedAt) > retention {
				delete(m.alerts, id)
			}
		}
	}

	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if now.Before(t.ExpiresAt) {
			kept = append(kept, t)
		}
	}
	m.tasks = kept
}

// Transition moves an alert through its lifecycle, rejecting moves the
// state machine does not allow.
func (m *Monitor) Transition(alertID string, to AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("unknown alert %s", alertID)
	}
	if !transitionAllowed(a.State, to) {
		return fmt.Errorf("alert %s: invalid transition %s -> %s", alertID, a.State, to)
	}
	a.State = to
	a.UpdatedAt = m.now()
	return nil
}

// Alert returns a copy of the alert with the given id.
func (m *Monitor) Alert(alertID string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// OpenAlerts returns unresolved alerts, newest first.
func (m *Monitor) OpenAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, a := range m.alerts {
		if !a.Resolved() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Recommendations derives maintenance proposals from open alerts, scored
// and sorted best first.
func (m *Monitor) Recommendations() []Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Recommendation
	for _, a := range m.alerts {
		if a.Resolved() {
			continue
		}
		if r, ok := recommendationFor(a); ok {
			r.Score = ScoreRecommendation(r)
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// recommendationFor maps an alert to its maintenance proposal.
func recommendationFor(a *Alert) (Recommendation, bool) {
	switch a.Kind {
	case AlertSlowQuery:
		benefit := 5.0
		impact := "medium"
		if a.Severity == SeverityCritical {
			benefit = 10.0
			impact = "high"
		}
		return Recommendation{
			AlertID:          a.ID,
			Action:           ActionAnalyze,
			Target:           a.Target,
			EstimatedBenefit: benefit,
			Impact:           impact,
			Priority:         1,
			Risk:             "low",
		}, true
	case AlertUnusedIndex:
		return Recommendation{
			AlertID:          a.ID,
			Action:           ActionDropIndex,
			Target:           a.Target,
			EstimatedBenefit: 3.0,
			Impact:           "low",
			Priority:         2,
			Risk:             "medium",
		}, true
	case AlertIndexDegradation:
		return Recommendation{
			AlertID:          a.ID,
			Action:           ActionReindex,
			Target:           a.Target,
			EstimatedBenefit: 6.0,
			Impact:           "medium",
			Priority:         1,
			Risk:             "medium",
		}, true
	case AlertWriteImpact:
		return Recommendation{
			AlertID:          a.ID,
			Action:           ActionVacuum,
			Target:           a.Target,
			EstimatedBenefit: 4.0,
			Impact:           "medium",
			Priority:         2,
			Risk:             "low",
		}, true
	}
	return Recommendation{}, false
}

// ScheduleTask puts a maintenance task on the dashboard with a 24-hour
// expiry.
func (m *Monitor) ScheduleTask(action MaintenanceAction, target, sqlText, alertID string) MaintenanceTask {
	now := m.now()
	task := MaintenanceTask{
		ID:        uuid.New().String(),
		Action:    action,
		Target:    target,
		SQL:       sqlText,
		AlertID:   alertID,
		CreatedAt: now,
		ExpiresAt: now.Add(taskExpiry),
		Status:    "pending",
	}

	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	return task
}

// CompleteTask updates a task's terminal status.
func (m *Monitor) CompleteTask(taskID string, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == taskID {
			if succeeded {
				m.tasks[i].Status = "done"
			} else {
				m.tasks[i].Status = "failed"
			}
			return
		}
	}
}

// Tasks returns unexpired maintenance tasks.
func (m *Monitor) Tasks() []MaintenanceTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []MaintenanceTask
	for _, t := range m.tasks {
		if now.Before(t.ExpiresAt) {
			out = append(out, t)
		}
	}
	return out
}

// IndexStats returns the most recent sample per index.
func (m *Monitor) IndexStats() []IndexStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]IndexStat, 0, len(m.current))
	for _, stat := range m.current {
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IndexName < out[j].IndexName
	})
	return out
}

// LastSample reports when the most recent successful pass completed.
func (m *Monitor) LastSample() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSample
}

// Run samples on the configured interval until the context is cancelled.
// Sample failures are logged, never fatal.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.config.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("index monitor started", map[string]interface{}{
		"interval": interval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("index monitor stopped")
			return
		case <-ticker.C:
			if err := m.Sample(ctx); err != nil {
				m.logger.Error("monitoring pass failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
