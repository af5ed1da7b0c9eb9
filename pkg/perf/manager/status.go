package manager

import (
	"context"
	"fmt"
	"time"
)

const (
	// statusMax and statusTrim bound the status history ring.
	statusMax  = 10_000
	statusTrim = 5_000
)

// StatusSnapshot is one periodic observation of the subsystem.
type StatusSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	CacheBytes      int64     `json:"cache_bytes"`
	CacheEntries    int       `json:"cache_entries"`
	CacheHitRate    float64   `json:"cache_hit_rate"`
	PatternCount    int       `json:"pattern_count"`
	WarmingBacklog  int       `json:"warming_backlog"`
	WarmingSuccess  int64     `json:"warming_success"`
	OpenAlerts      int       `json:"open_alerts"`
	HeapInUseBytes  uint64    `json:"heap_in_use_bytes"`
	CPUUtilization  float64   `json:"cpu_utilization"`
}

// CheckStatus grades one health check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckWarning CheckStatus = "warning"
	CheckFail    CheckStatus = "fail"
)

// HealthCheck is one component's verdict with a one-line message.
type HealthCheck struct {
	Component string      `json:"component"`
	Status    CheckStatus `json:"status"`
	Message   string      `json:"message"`
}

// HealthReport aggregates component checks; the overall status is the
// worst individual verdict.
type HealthReport struct {
	Status CheckStatus   `json:"status"`
	Checks []HealthCheck `json:"checks"`
}

// statusPass appends a snapshot to the bounded history ring.
func (m *Manager) statusPass(ctx context.Context) error {
	snapshot := m.snapshot()

	m.mu.Lock()
	m.statuses = append(m.statuses, snapshot)
	if len(m.statuses) > statusMax {
		m.statuses = append([]StatusSnapshot(nil), m.statuses[len(m.statuses)-statusTrim:]...)
	}
	m.mu.Unlock()

	return ctx.Err()
}

func (m *Manager) snapshot() StatusSnapshot {
	stats := m.cache.Stats()

	snap := StatusSnapshot{
		Timestamp:      m.now(),
		CacheBytes:     m.cache.CurrentBytes(),
		CacheEntries:   m.cache.Len(),
		CacheHitRate:   stats.HitRate,
		HeapInUseBytes: m.probe.HeapInUseBytes(),
		CPUUtilization: m.probe.CPUUtilization(),
	}

	m.mu.Lock()
	learner := m.learner
	warming := m.warming
	mon := m.monitor
	m.mu.Unlock()

	if learner != nil {
		snap.PatternCount = learner.PatternCount()
	}
	if warming != nil {
		ws := warming.Stats()
		snap.WarmingBacklog = ws.QueueDepth
		snap.WarmingSuccess = ws.Successful
	}
	if mon != nil {
		snap.OpenAlerts = len(mon.OpenAlerts())
	}
	return snap
}

// StatusHistory returns a copy of recorded snapshots, oldest first.
func (m *Manager) StatusHistory() []StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusSnapshot(nil), m.statuses...)
}

// PerformanceHealthCheck reports per-component health. Messages are
// single-line and carry no internal identifiers.
func (m *Manager) PerformanceHealthCheck(ctx context.Context) HealthReport {
	var checks []HealthCheck

	// Cache utilization.
	maxBytes := int64(m.config.Performance.MaxMemoryUsageMB) * 1024 * 1024
	used := m.cache.CurrentBytes()
	cacheCheck := HealthCheck{Component: "cache", Status: CheckPass,
		Message: fmt.Sprintf("%d entries, %.1f%% of capacity", m.cache.Len(), percent(used, maxBytes))}
	if maxBytes > 0 && used > maxBytes*9/10 {
		cacheCheck.Status = CheckWarning
		cacheCheck.Message = fmt.Sprintf("cache above 90%% of capacity (%.1f%%)", percent(used, maxBytes))
	}
	checks = append(checks, cacheCheck)

	// Warming backlog.
	m.mu.Lock()
	warming := m.warming
	mon := m.monitor
	m.mu.Unlock()

	if warming != nil {
		ws := warming.Stats()
		warmCheck := HealthCheck{Component: "warming", Status: CheckPass,
			Message: fmt.Sprintf("queue %d, in flight %d", ws.QueueDepth, ws.InFlight)}
		if ws.QueueDepth >= 90 {
			warmCheck.Status = CheckWarning
			warmCheck.Message = fmt.Sprintf("warming queue near capacity (%d pending)", ws.QueueDepth)
		}
		checks = append(checks, warmCheck)
	}

	// Monitor staleness.
	if mon != nil {
		interval := time.Duration(m.config.Monitoring.IntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		last := mon.LastSample()
		monCheck := HealthCheck{Component: "monitor", Status: CheckPass,
			Message: "sampling on schedule"}
		if last.IsZero() {
			monCheck.Status = CheckWarning
			monCheck.Message = "no monitoring sample recorded yet"
		} else if m.now().Sub(last) > 2*interval {
			monCheck.Status = CheckWarning
			monCheck.Message = fmt.Sprintf("last sample %s ago", m.now().Sub(last).Round(time.Minute))
		}
		checks = append(checks, monCheck)
	}

	// Store reachability.
	if m.executor != nil {
		storeCheck := HealthCheck{Component: "store", Status: CheckPass, Message: "reachable"}
		if m.pool != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := m.pool.Ping(pingCtx); err != nil {
				storeCheck.Status = CheckFail
				storeCheck.Message = "database unreachable"
			}
			cancel()
		}
		checks = append(checks, storeCheck)
	}

	report := HealthReport{Status: CheckPass, Checks: checks}
	for _, c := range checks {
		if c.Status == CheckFail {
			report.Status = CheckFail
			break
		}
		if c.Status == CheckWarning {
			report.Status = CheckWarning
		}
	}
	return report
}

func percent(used, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return float64(used) / float64(max) * 100
}

// Shutdown stops every background loop, waits for them up to the context
// deadline, and releases prepared statements. The pool is owned by the
// caller and left open.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	m.loopCancel()

	done := make(chan struct{})
	go func() {
		m.loopWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with loops still draining")
		return ctx.Err()
	}

	if m.executor != nil {
		if err := m.executor.Close(); err != nil {
			return fmt.Errorf("closing query executor: %w", err)
		}
	}

	m.logger.Info("performance manager stopped")
	return nil
}
