package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convoanalytics/perflayer/pkg/perf/resource"
)

func TestProcessPreservesInputOrder(t *testing.T) {
	e := NewExecutor[int, int](Options{BatchSize: 3, Parallelism: 2}, resource.NewStaticProbe(0, 0), nil)

	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	results, err := e.Process(context.Background(), items, func(_ context.Context, item int) (int, error) {
		return item * 10, nil
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	for i, r := range results {
		if r != i*10 {
			t.Errorf("results[%d] = %d, want %d", i, r, i*10)
		}
	}
}

func TestProcessItemFailureYieldsZeroSlot(t *testing.T) {
	e := NewExecutor[int, *string](Options{BatchSize: 2, Parallelism: 2}, resource.NewStaticProbe(0, 0), nil)

	results, err := e.Process(context.Background(), []int{1, 2, 3}, func(_ context.Context, item int) (*string, error) {
		if item == 2 {
			return nil, errors.New("bad item")
		}
		s := fmt.Sprintf("ok-%d", item)
		return &s, nil
	})
	if err != nil {
		t.Fatalf("Process() error = %v, want nil (fail-fast off)", err)
	}

	if results[0] == nil || results[2] == nil {
		t.Error("successful items missing results")
	}
	if results[1] != nil {
		t.Errorf("failed item result = %v, want nil", *results[1])
	}
	if e.ItemsFailed() != 1 {
		t.Errorf("ItemsFailed() = %d, want 1", e.ItemsFailed())
	}
}

func TestProcessFailFast(t *testing.T) {
	e := NewExecutor[int, int](Options{BatchSize: 2, Parallelism: 1, FailFast: true}, resource.NewStaticProbe(0, 0), nil)

	_, err := e.Process(context.Background(), []int{1, 2, 3}, func(_ context.Context, item int) (int, error) {
		if item == 2 {
			return 0, errors.New("boom")
		}
		return item, nil
	})
	if err == nil {
		t.Fatal("Process() with failFast returned nil error")
	}
}

func TestProcessBoundsConcurrency(t *testing.T) {
	const batchSize = 4
	const parallelism = 2

	e := NewExecutor[int, int](Options{BatchSize: batchSize, Parallelism: parallelism}, resource.NewStaticProbe(0, 0), nil)

	var inFlight, peak int64
	var mu sync.Mutex

	items := make([]int, 40)
	_, err := e.Process(context.Background(), items, func(_ context.Context, item int) (int, error) {
		n := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return item, nil
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if peak > batchSize*parallelism {
		t.Errorf("peak concurrency %d exceeds batchSize*parallelism %d", peak, batchSize*parallelism)
	}
}

func TestProcessHonorsCancellation(t *testing.T) {
	e := NewExecutor[int, int](Options{BatchSize: 1, Parallelism: 1}, resource.NewStaticProbe(0, 0), nil)

	ctx, cancel := context.WithCancel(context.Background())

	var processed int64
	items := make([]int, 100)
	_, err := e.Process(ctx, items, func(_ context.Context, item int) (int, error) {
		if atomic.AddInt64(&processed, 1) == 3 {
			cancel()
		}
		time.Sleep(time.Millisecond)
		return item, nil
	})
	if err == nil {
		t.Fatal("Process() after cancel returned nil error")
	}
	if n := atomic.LoadInt64(&processed); n >= 100 {
		t.Errorf("all %d items processed despite cancellation", n)
	}
}

func TestProcessPanicIsContained(t *testing.T) {
	e := NewExecutor[int, int](Options{BatchSize: 2, Parallelism: 1}, resource.NewStaticProbe(0, 0), nil)

	results, err := e.Process(context.Background(), []int{1, 2}, func(_ context.Context, item int) (int, error) {
		if item == 1 {
			panic("processor bug")
		}
		return item, nil
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if results[1] != 2 {
		t.Error("panic in one item affected its batch sibling")
	}
}

func TestStreamYieldsAllBatchesInOrder(t *testing.T) {
	e := NewExecutor[int, int](Options{BatchSize: 4, Parallelism: 2, MaxMemoryMB: 4096}, resource.NewStaticProbe(0, 0), nil)

	items := make([]int, 10)
	for i := range items {
		items[i] = i
	}

	var got []int
	for batch := range e.Stream(context.Background(), items, func(_ context.Context, item int) (int, error) {
		return item, nil
	}) {
		got = append(got, batch.Results...)
	}

	if len(got) != len(items) {
		t.Fatalf("streamed %d results, want %d", len(got), len(items))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestStreamSuggestsGCUnderPressure(t *testing.T) {
	// Heap pinned above 0.8 * 1MB: the stream must hint a GC between
	// batches. Pressure clears when the probe reading drops.
	probe := resource.NewStaticProbe(0, 2*1024*1024)
	e := NewExecutor[int, int](Options{BatchSize: 2, Parallelism: 1, MaxMemoryMB: 1}, probe, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := e.Stream(ctx, []int{1, 2, 3, 4}, func(_ context.Context, item int) (int, error) {
		return item, nil
	})

	<-ch // first batch emitted, stream now blocked on pressure

	deadline := time.After(2 * time.Second)
	for probe.GCCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("no GC hint issued under memory pressure")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Releasing pressure lets the second batch through.
	probe.SetHeap(0)
	select {
	case batch, ok := <-ch:
		if !ok {
			t.Fatal("stream closed before emitting second batch")
		}
		if batch.Offset != 2 {
			t.Errorf("second batch offset = %d, want 2", batch.Offset)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not resume after pressure cleared")
	}
}
