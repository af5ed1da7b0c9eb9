// Package batch provides bounded-parallel fan-out over item sequences, with
// a streaming variant that yields completed batches under memory pressure
// discipline.
package batch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/convoanalytics/perflayer/pkg/infrastructure/logging"
	"github.com/convoanalytics/perflayer/pkg/perf/resource"
)

// Processor computes the result for a single item. Item failures are
// per-item: unless fail-fast is requested they yield a nil result slot and
// never abort the batch.
type Processor[T, R any] func(ctx context.Context, item T) (R, error)

// Options configures an Executor.
type Options struct {
	// BatchSize is the maximum number of items processed concurrently
	// within one batch.
	BatchSize int

	// Parallelism bounds the number of batches in flight at once.
	Parallelism int

	// FailFast aborts on the first item error instead of recording a nil
	// result slot.
	FailFast bool

	// MaxMemoryMB is the heap budget consulted by the streaming mode.
	MaxMemoryMB int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.MaxMemoryMB <= 0 {
		o.MaxMemoryMB = 256
	}
	return o
}

// Executor runs processors over item slices with bounded parallelism.
type Executor[T, R any] struct {
	opts   Options
	probe  resource.Probe
	logger *logging.Logger

	mu          sync.Mutex
	itemsFailed int64
}

// NewExecutor creates an executor with the given options. A nil probe
// defaults to runtime measurement.
func NewExecutor[T, R any](opts Options, probe resource.Probe, logger *logging.Logger) *Executor[T, R] {
	if probe == nil {
		probe = resource.NewRuntimeProbe()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("batch-executor")
	}
	return &Executor[T, R]{
		opts:   opts.withDefaults(),
		probe:  probe,
		logger: logger,
	}
}

// ItemsFailed reports the number of per-item failures absorbed so far.
func (e *Executor[T, R]) ItemsFailed() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.itemsFailed
}

// Process splits items into batches of at most BatchSize, runs each item
// concurrently within its batch and up to Parallelism batches concurrently,
// and returns results in input order. A failed item leaves its result slot
// at the zero value unless FailFast is set, in which case the first error
// aborts the run. Cancellation is honored at batch boundaries and before
// each new item; in-flight items run to completion.
func (e *Executor[T, R]) Process(ctx context.Context, items []T, processor Processor[T, R]) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	opts := e.opts
	sem := semaphore.NewWeighted(int64(opts.Parallelism))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for start := 0; start < len(items); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			break
		}

		end := start + opts.BatchSize
		if end > len(items) {
			end = len(items)
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			defer sem.Release(1)
			e.runBatch(ctx, items[lo:hi], results[lo:hi], errs[lo:hi], processor)
		}(start, end)
	}
	wg.Wait()

	failed := 0
	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = fmt.Errorf("item %d: %w", i, err)
		}
	}

	if failed > 0 {
		e.mu.Lock()
		e.itemsFailed += int64(failed)
		e.mu.Unlock()
		e.logger.Warn("batch completed with item failures", map[string]interface{}{
			"failed": failed,
			"total":  len(items),
		})
	}

	if opts.FailFast && firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// runBatch executes one batch's items concurrently.
func (e *Executor[T, R]) runBatch(ctx context.Context, items []T, results []R, errs []error, processor Processor[T, R]) {
	var wg sync.WaitGroup
	for i := range items {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			continue
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[idx] = fmt.Errorf("processor panic: %v", r)
				}
			}()

			result, err := processor(ctx, items[idx])
			if err != nil {
				errs[idx] = err
				return
			}
			results[idx] = result
		}(i)
	}
	wg.Wait()
}
