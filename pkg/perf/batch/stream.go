package batch

import (
	"context"
	"time"
)

// pressureRatio is the fraction of the heap budget above which streaming
// pauses admission of new items.
const pressureRatio = 0.8

// BatchResult is one completed batch emitted by Stream, carrying results in
// the order of the corresponding input slice.
type BatchResult[R any] struct {
	Offset  int
	Results []R
	Errs    []error
}

// Stream processes items batch by batch and sends each completed batch on
// the returned channel. It is a finite, single-pass sequence: the channel
// is closed once all batches have been emitted or the context is canceled.
//
// After each batch the executor checks heap pressure against
// 0.8 × MaxMemoryMB; under pressure it suggests a GC and pauses admission
// of the next batch until the heap drops below the threshold or the context
// ends.
func (e *Executor[T, R]) Stream(ctx context.Context, items []T, processor Processor[T, R]) <-chan BatchResult[R] {
	out := make(chan BatchResult[R])

	go func() {
		defer close(out)

		opts := e.opts
		for start := 0; start < len(items); start += opts.BatchSize {
			if ctx.Err() != nil {
				return
			}

			end := start + opts.BatchSize
			if end > len(items) {
				end = len(items)
			}

			results := make([]R, end-start)
			errs := make([]error, end-start)
			e.runBatch(ctx, items[start:end], results, errs, processor)

			select {
			case out <- BatchResult[R]{Offset: start, Results: results, Errs: errs}:
			case <-ctx.Done():
				return
			}

			if end < len(items) {
				e.waitForHeadroom(ctx)
			}
		}
	}()

	return out
}

// waitForHeadroom blocks while heap usage stays above the pressure
// threshold. A GC hint is issued once per pressure episode.
func (e *Executor[T, R]) waitForHeadroom(ctx context.Context) {
	threshold := uint64(float64(e.opts.MaxMemoryMB) * 1024 * 1024 * pressureRatio)

	if e.probe.HeapInUseBytes() <= threshold {
		return
	}

	e.logger.Debug("memory pressure detected, pausing batch admission", map[string]interface{}{
		"threshold_bytes": threshold,
	})
	e.probe.SuggestGC()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.probe.HeapInUseBytes() <= threshold {
				return
			}
		}
	}
}
