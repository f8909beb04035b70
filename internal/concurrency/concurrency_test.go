package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_Basic(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.Workers = 3
	handler := func(ctx context.Context, task Task) Result {
		return Result{ID: task.ID, Data: task.Data}
	}
	pool := NewPool("test", cfg, handler)
	defer pool.Shutdown(5 * time.Second)

	ctx := context.Background()
	resultChan := pool.Submit(ctx, "payload")
	select {
	case result := <-resultChan:
		if result.Error != nil {
			t.Fatalf("submit failed: %v", result.Error)
		}
		if result.Data != "payload" {
			t.Errorf("expected 'payload', got %v", result.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit timeout")
	}
}

func TestPool_Concurrent(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.Workers = 4
	var processed atomic.Int64
	handler := func(ctx context.Context, task Task) Result {
		processed.Add(1)
		return Result{ID: task.ID, Data: task.Data}
	}
	pool := NewPool("test", cfg, handler)
	defer pool.Shutdown(5 * time.Second)

	ctx := context.Background()
	var wg sync.WaitGroup
	taskCount := 100
	for i := 0; i < taskCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			resultChan := pool.Submit(ctx, id)
			select {
			case result := <-resultChan:
				if result.Error != nil {
					t.Errorf("task %d failed: %v", id, result.Error)
				}
			case <-time.After(3 * time.Second):
				t.Errorf("task %d timeout", id)
			}
		}(i)
	}
	wg.Wait()

	if processed.Load() != int64(taskCount) {
		t.Errorf("expected %d processed, got %d", taskCount, processed.Load())
	}
	if pool.Completed() != uint64(taskCount) {
		t.Errorf("expected %d completed, got %d", taskCount, pool.Completed())
	}
}

func TestPool_TaskTimeout(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.Workers = 1
	cfg.TaskTimeout = 20 * time.Millisecond
	handler := func(ctx context.Context, task Task) Result {
		select {
		case <-time.After(200 * time.Millisecond):
			return Result{ID: task.ID}
		case <-ctx.Done():
			return Result{ID: task.ID, Error: ctx.Err()}
		}
	}
	pool := NewPool("slow", cfg, handler)
	defer pool.Shutdown(5 * time.Second)

	resultChan := pool.Submit(context.Background(), "x")
	select {
	case result := <-resultChan:
		if result.Error == nil {
			t.Fatal("expected timeout error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestPool_Shutdown(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.Workers = 2
	handler := func(ctx context.Context, task Task) Result {
		return Result{ID: task.ID}
	}
	pool := NewPool("test", cfg, handler)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		pool.Submit(ctx, i)
	}

	if err := pool.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestBatchProcessor(t *testing.T) {
	var processedBatches atomic.Int64
	var totalItems atomic.Int64

	handler := func(items []interface{}) error {
		processedBatches.Add(1)
		totalItems.Add(int64(len(items)))
		return nil
	}

	bp := NewBatchProcessor(10, 50*time.Millisecond, handler)
	bp.queue = make(chan interface{}, 100)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go bp.Run(ctx, &wg)

	itemCount := 25
	for i := 0; i < itemCount; i++ {
		if err := bp.Add(i); err != nil {
			t.Fatalf("failed to add item %d: %v", i, err)
		}
	}

	time.Sleep(200 * time.Millisecond)
	cancel()
	wg.Wait()

	if totalItems.Load() != int64(itemCount) {
		t.Errorf("expected %d items processed, got %d", itemCount, totalItems.Load())
	}
	if processedBatches.Load() < 1 {
		t.Error("expected at least 1 batch processed")
	}
}

func TestParallelIterator_ForEach(t *testing.T) {
	items := make([]interface{}, 100)
	for i := range items {
		items[i] = i
	}

	pi := NewParallelIterator(items, 4)
	var sum atomic.Int64
	err := pi.ForEach(func(item interface{}) error {
		sum.Add(int64(item.(int)))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if expected := int64(4950); sum.Load() != expected {
		t.Errorf("expected sum %d, got %d", expected, sum.Load())
	}
}

func TestParallelIterator_Map(t *testing.T) {
	items := make([]interface{}, 50)
	for i := range items {
		items[i] = i
	}

	pi := NewParallelIterator(items, 4)
	results, err := pi.Map(func(item interface{}) (interface{}, error) {
		return item.(int) * 2, nil
	})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	for i, result := range results {
		if expected := i * 2; result != expected {
			t.Errorf("result[%d]: expected %d, got %v", i, expected, result)
		}
	}
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()

	double := func(ctx context.Context, input <-chan interface{}) <-chan interface{} {
		output := make(chan interface{})
		go func() {
			defer close(output)
			for item := range input {
				select {
				case <-ctx.Done():
					return
				case output <- item.(int) * 2:
				}
			}
		}()
		return output
	}
	addTen := func(ctx context.Context, input <-chan interface{}) <-chan interface{} {
		output := make(chan interface{})
		go func() {
			defer close(output)
			for item := range input {
				select {
				case <-ctx.Done():
					return
				case output <- item.(int) + 10:
				}
			}
		}()
		return output
	}

	pipeline := NewPipeline(ctx, double, addTen)
	input := []interface{}{1, 2, 3, 4, 5}
	output := pipeline.Execute(input)

	results := make([]int, 0, len(input))
	for result := range output {
		results = append(results, result.(int))
	}
	if len(results) != len(input) {
		t.Fatalf("expected %d results, got %d", len(input), len(results))
	}
	for i, result := range results {
		if expected := input[i].(int)*2 + 10; result != expected {
			t.Errorf("result[%d]: expected %d, got %d", i, expected, result)
		}
	}
}

func TestFanOutFanIn(t *testing.T) {
	ctx := context.Background()

	input := make(chan interface{}, 10)
	go func() {
		defer close(input)
		for i := 0; i < 10; i++ {
			input <- i
		}
	}()

	workers := FanOut(ctx, input, 3)
	processed := make([]<-chan interface{}, len(workers))
	for i, w := range workers {
		out := make(chan interface{})
		processed[i] = out
		go func(in <-chan interface{}, out chan interface{}) {
			defer close(out)
			for item := range in {
				out <- item.(int) * 2
			}
		}(w, out)
	}

	output := FanIn(ctx, processed...)
	results := make(map[int]bool)
	for result := range output {
		results[result.(int)] = true
	}
	for i := 0; i < 10; i++ {
		if !results[i*2] {
			t.Errorf("missing result %d", i*2)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(10)
	defer rl.Stop()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("initial burst failed: %v", err)
		}
	}

	start := time.Now()
	count := 15
	for i := 0; i < count; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("wait failed: %v", err)
		}
	}
	elapsed := time.Since(start)

	minDuration := time.Duration(float64(count)/10*1000) * time.Millisecond
	if elapsed < minDuration {
		t.Errorf("rate limiter too fast: %v (expected at least %v)", elapsed, minDuration)
	}
}

func TestRateLimiter_ContextCancellation(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	rl.Wait(ctx)
	cancel()

	if err := rl.Wait(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPoolConfig_Defaults(t *testing.T) {
	cfg := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		t.Error("workers should be positive")
	}
	if cfg.QueueSize <= 0 {
		t.Error("queue size should be positive")
	}
}
