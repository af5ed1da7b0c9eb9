// Package query executes parameterized statements against the analytics
// store with prepared-statement reuse and per-query latency accounting.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
)

// maxLatencySamples bounds the per-query latency ring.
const maxLatencySamples = 1000

// Error is a structured query failure carrying the query identifier.
type Error struct {
	QueryID string
	Op      string // "prepare" or "execute"
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query %s: %s failed: %v", e.QueryID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Row is a generic result row keyed by column name.
type Row map[string]interface{}

// Stats summarizes the bounded latency ring for one query.
type Stats struct {
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Count int           `json:"count"`
}

// latencyRing is a fixed-capacity ring of latency samples.
type latencyRing struct {
	samples []time.Duration
	next    int
	full    bool
}

func (r *latencyRing) add(d time.Duration) {
	if r.samples == nil {
		r.samples = make([]time.Duration, maxLatencySamples)
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % maxLatencySamples
	if r.next == 0 {
		r.full = true
	}
}

func (r *latencyRing) snapshot() Stats {
	n := r.next
	if r.full {
		n = maxLatencySamples
	}
	if n == 0 {
		return Stats{}
	}

	var sum time.Duration
	min := r.samples[0]
	max := r.samples[0]
	for i := 0; i < n; i++ {
		s := r.samples[i]
		sum += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return Stats{
		Avg:   sum / time.Duration(n),
		Min:   min,
		Max:   max,
		Count: n,
	}
}

// Executor maintains a prepared-statement registry keyed by query ID and
// records a bounded latency ring per query. Statements are prepared on
// first use and released on Close.
type Executor struct {
	db     *sql.DB
	logger *logging.Logger

	mu       sync.Mutex
	prepared map[string]*sql.Stmt
	latency  map[string]*latencyRing
}

// NewExecutor creates an executor over the given database handle.
func NewExecutor(db *sql.DB, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("query-executor")
	}
	return &Executor{
		db:       db,
		logger:   logger,
		prepared: make(map[string]*sql.Stmt),
		latency:  make(map[string]*latencyRing),
	}
}

// Execute runs the statement registered under queryID with the given
// positional arguments, preparing and caching it on first use. Failures are
// returned as *Error; a failed preparation does not poison the registry.
func (e *Executor) Execute(ctx context.Context, queryID, sqlText string, args ...interface{}) ([]Row, error) {
	stmt, err := e.stmtFor(ctx, queryID, sqlText)
	if err != nil {
		return nil, &Error{QueryID: queryID, Op: "prepare", Err: err}
	}

	start := time.Now()
	rows, err := stmt.QueryContext(ctx, args...)
	elapsed := time.Since(start)

	e.recordLatency(queryID, elapsed)

	if err != nil {
		return nil, &Error{QueryID: queryID, Op: "execute", Err: err}
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, &Error{QueryID: queryID, Op: "execute", Err: err}
	}
	return result, nil
}

// Exec runs a statement that returns no rows, such as maintenance DDL.
// Maintenance statements are not prepared: DDL text varies per target and
// reuse would only pin server-side plans.
func (e *Executor) Exec(ctx context.Context, sqlText string) error {
	if _, err := e.db.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	return nil
}

func (e *Executor) stmtFor(ctx context.Context, queryID, sqlText string) (*sql.Stmt, error) {
	e.mu.Lock()
	if stmt, ok := e.prepared[queryID]; ok {
		e.mu.Unlock()
		return stmt, nil
	}
	e.mu.Unlock()

	// Prepare outside the lock; a racing duplicate is closed.
	stmt, err := e.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.prepared[queryID]; ok {
		stmt.Close()
		return existing, nil
	}
	e.prepared[queryID] = stmt
	return stmt, nil
}

func (e *Executor) recordLatency(queryID string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ring, ok := e.latency[queryID]
	if !ok {
		ring = &latencyRing{}
		e.latency[queryID] = ring
	}
	ring.add(d)
}

// Stats returns per-query latency summaries over the last ≤1000 samples.
func (e *Executor) Stats() map[string]Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]Stats, len(e.latency))
	for id, ring := range e.latency {
		out[id] = ring.snapshot()
	}
	return out
}

// Close releases all prepared statements.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for id, stmt := range e.prepared {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing statement %s: %w", id, err)
		}
		delete(e.prepared, id)
	}
	return firstErr
}

// scanRows converts sql rows into generic name-keyed rows.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
