package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoanalytics/perflayer/pkg/perf/monitor"
)

const (
	// decisionMax and decisionTrim bound the automation decision history.
	decisionMax  = 10_000
	decisionTrim = 5_000
)

// AutomationDecision records one policy verdict over an alert or the
// outcome of an executed maintenance action.
type AutomationDecision struct {
	ID         string    `json:"id"`
	AlertID    string    `json:"alert_id"`
	Type       string    `json:"type"`     // alert_escalation, index_optimization, maintenance_task
	Decision   string    `json:"decision"` // approve, defer, execute
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	Risk       string    `json:"risk_assessment"`
	CreatedAt  time.Time `json:"created_at"`
}

// pendingExecution is an approved action waiting for a maintenance hour.
type pendingExecution struct {
	alertID        string
	recommendation monitor.Recommendation
}

// InitializeMonitoring constructs the index monitor over the shared pool
// and starts the sampling and automation loop. Idempotent.
func (m *Manager) InitializeMonitoring() error {
	if m.isShutdown() {
		return ErrShutdown
	}
	if !m.config.Monitoring.Enabled {
		return ErrMonitoringDisabled
	}

	m.mu.Lock()
	if m.monitor != nil {
		m.mu.Unlock()
		return nil
	}
	var source monitor.StatSource
	if m.pool != nil {
		source = monitor.NewPgxStatSource(m.pool)
	} else {
		source = emptyStatSource{}
	}
	m.monitor = monitor.New(
		m.config.Monitoring,
		source,
		m.QueryStats,
		m.lookupQuerySQL,
		m.logger.WithComponent("index-monitor"),
	)
	m.mu.Unlock()

	interval := time.Duration(m.config.Monitoring.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	m.startLoop("monitoring", interval, m.monitoringPass)

	m.logger.Info("performance monitoring initialized", map[string]interface{}{
		"interval": interval.String(),
	})
	return nil
}

// emptyStatSource stands in when no pool is configured; slow-query
// detection from executor stats still works.
type emptyStatSource struct{}

func (emptyStatSource) IndexStats(context.Context) ([]monitor.IndexStat, error) { return nil, nil }
func (emptyStatSource) ExplainQuery(context.Context, string) (string, error)    { return "", nil }

func (m *Manager) lookupQuerySQL(queryID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sqlText, ok := m.querySQL[queryID]
	return sqlText, ok
}

// monitoringPass samples, applies the automation policy to new alerts, and
// retries approved actions that were waiting for a maintenance hour.
func (m *Manager) monitoringPass(ctx context.Context) error {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return nil
	}

	if err := mon.Sample(ctx); err != nil {
		return err
	}

	m.EvaluateAlerts(ctx)
	m.executePending(ctx)
	return nil
}

// EvaluateAlerts applies the decision policy to every open alert and acts
// on approvals.
func (m *Manager) EvaluateAlerts(ctx context.Context) {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return
	}

	recommendations := make(map[string]monitor.Recommendation)
	for _, rec := range mon.Recommendations() {
		recommendations[rec.AlertID] = rec
	}

	for _, alert := range mon.OpenAlerts() {
		if alert.State != monitor.StateOpen {
			continue
		}

		decision := m.decideAlert(alert)
		m.recordDecision(decision)

		if decision.Decision != "approve" {
			if err := mon.Transition(alert.ID, monitor.StateDeferred); err != nil {
				m.logger.Warn("alert transition failed", map[string]interface{}{
					"alert_id": alert.ID, "error": err.Error(),
				})
			}
			continue
		}

		if err := mon.Transition(alert.ID, monitor.StateApproved); err != nil {
			m.logger.Warn("alert transition failed", map[string]interface{}{
				"alert_id": alert.ID, "error": err.Error(),
			})
			continue
		}

		rec, ok := recommendations[alert.ID]
		if !ok {
			continue
		}
		if m.inMaintenanceWindow(m.now()) {
			m.executeRecommendation(ctx, alert.ID, rec)
		} else {
			m.mu.Lock()
			m.pending = append(m.pending, pendingExecution{alertID: alert.ID, recommendation: rec})
			m.mu.Unlock()
			m.logger.Info("approved action deferred to maintenance window", map[string]interface{}{
				"alert_id": alert.ID,
				"action":   string(rec.Action),
			})
		}
	}
}

// decideAlert implements the automation policy. For a fixed risk tolerance
// the mapping from alert kind and severity to a decision is deterministic.
func (m *Manager) decideAlert(alert monitor.Alert) AutomationDecision {
	opt := m.config.Monitoring.Optimization

	decision := AutomationDecision{
		ID:        uuid.New().String(),
		AlertID:   alert.ID,
		Type:      "alert_escalation",
		Decision:  "defer",
		Risk:      opt.RiskTolerance,
		CreatedAt: m.now(),
	}

	switch {
	case alert.Kind == monitor.AlertSlowQuery &&
		alert.Severity == monitor.SeverityCritical &&
		opt.RiskTolerance != "conservative":
		decision.Decision = "approve"
		decision.Confidence = 0.8
		decision.Reason = "critical slow query with non-conservative risk tolerance"

	case alert.Kind == monitor.AlertUnusedIndex &&
		opt.AutoDropUnusedIndexes &&
		alert.Severity != monitor.SeverityCritical:
		decision.Type = "index_optimization"
		decision.Decision = "approve"
		decision.Confidence = 0.9
		decision.Reason = "unused index with auto-drop enabled"

	default:
		decision.Confidence = 0.5
		decision.Reason = fmt.Sprintf("%s/%s requires manual review", alert.Kind, alert.Severity)
	}
	return decision
}

// recordDecision appends to the bounded decision history.
func (m *Manager) recordDecision(d AutomationDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decisions = append(m.decisions, d)
	if len(m.decisions) > decisionMax {
		m.decisions = append([]AutomationDecision(nil), m.decisions[len(m.decisions)-decisionTrim:]...)
	}
}

// DecisionHistory returns a copy of recorded decisions, oldest first.
func (m *Manager) DecisionHistory() []AutomationDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AutomationDecision(nil), m.decisions...)
}

// inMaintenanceWindow reports whether the hour falls in the configured
// maintenance window. An empty window means always open.
func (m *Manager) inMaintenanceWindow(t time.Time) bool {
	hours := m.config.Monitoring.Optimization.MaintenanceWindowHours
	if len(hours) == 0 {
		return true
	}
	for _, h := range hours {
		if t.Hour() == h {
			return true
		}
	}
	return false
}

// executePending retries deferred approvals whose window has arrived.
func (m *Manager) executePending(ctx context.Context) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, p := range pending {
		if !m.inMaintenanceWindow(m.now()) {
			m.mu.Lock()
			m.pending = append(m.pending, p)
			m.mu.Unlock()
			continue
		}
		m.executeRecommendation(ctx, p.alertID, p.recommendation)
	}
}

// executeRecommendation performs the maintenance DDL. The maintenance
// window is re-checked here, immediately before execution, so a tick that
// straddles the window boundary cannot slip DDL past it.
func (m *Manager) executeRecommendation(ctx context.Context, alertID string, rec monitor.Recommendation) {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return
	}

	if !m.inMaintenanceWindow(m.now()) {
		m.mu.Lock()
		m.pending = append(m.pending, pendingExecution{alertID: alertID, recommendation: rec})
		m.mu.Unlock()
		return
	}

	sqlText := maintenanceSQL(rec)
	task := mon.ScheduleTask(rec.Action, rec.Target, sqlText, alertID)

	if err := mon.Transition(alertID, monitor.StateExecuting); err != nil {
		m.logger.Warn("alert transition failed", map[string]interface{}{
			"alert_id": alertID, "error": err.Error(),
		})
		return
	}

	var execErr error
	if m.executor == nil {
		execErr = fmt.Errorf("no database handle for maintenance")
	} else {
		execErr = m.executor.Exec(ctx, sqlText)
	}

	if execErr != nil {
		mon.CompleteTask(task.ID, false)
		if err := mon.Transition(alertID, monitor.StateFailed); err == nil {
			_ = mon.Transition(alertID, monitor.StateClosed)
		}
		m.recordMaintenanceOutcome(alertID, rec, execErr)
		m.logger.Error("maintenance action failed", map[string]interface{}{
			"alert_id": alertID,
			"action":   string(rec.Action),
			"error":    execErr.Error(),
		})
		return
	}

	mon.CompleteTask(task.ID, true)
	if err := mon.Transition(alertID, monitor.StateSucceeded); err == nil {
		_ = mon.Transition(alertID, monitor.StateClosed)
	}
	m.recordMaintenanceOutcome(alertID, rec, nil)
	m.logger.Info("maintenance action executed", map[string]interface{}{
		"alert_id": alertID,
		"action":   string(rec.Action),
		"target":   rec.Target,
	})
}

// recordMaintenanceOutcome appends the executed action to the decision
// history under its own type, distinct from the approval that triggered it.
func (m *Manager) recordMaintenanceOutcome(alertID string, rec monitor.Recommendation, execErr error) {
	reason := fmt.Sprintf("%s on %s executed", rec.Action, rec.Target)
	confidence := 1.0
	if execErr != nil {
		reason = fmt.Sprintf("%s on %s failed: %v", rec.Action, rec.Target, execErr)
		confidence = 0.0
	}
	m.recordDecision(AutomationDecision{
		ID:         uuid.New().String(),
		AlertID:    alertID,
		Type:       "maintenance_task",
		Decision:   "execute",
		Confidence: confidence,
		Reason:     reason,
		Risk:       m.config.Monitoring.Optimization.RiskTolerance,
		CreatedAt:  m.now(),
	})
}

// maintenanceSQL renders the DDL for a recommendation.
func maintenanceSQL(rec monitor.Recommendation) string {
	switch rec.Action {
	case monitor.ActionReindex:
		return fmt.Sprintf("REINDEX INDEX %s", rec.Target)
	case monitor.ActionAnalyze:
		return "ANALYZE"
	case monitor.ActionVacuum:
		return fmt.Sprintf("VACUUM ANALYZE %s", rec.Target)
	case monitor.ActionDropIndex:
		return fmt.Sprintf("DROP INDEX IF EXISTS %s", rec.Target)
	case monitor.ActionCreateIndex:
		return rec.Target // target carries the full statement
	}
	return ""
}

// Monitor exposes the index monitor, nil until InitializeMonitoring.
func (m *Manager) Monitor() *monitor.Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitor
}
