package localbatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnmchuo/inference-router/internal/provider"
)

func echoRunner(ctx context.Context, reqs []*provider.Request) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i] = Result{
			CustomID: req.CustomID,
			Response: &provider.Response{
				ID:           "resp-" + req.CustomID,
				Content:      "echo:" + req.CustomID,
				OutputTokens: 5,
				Model:        req.Model,
			},
		}
	}
	return results
}

func req(customID string) *provider.Request {
	return &provider.Request{Model: "local-llama", CustomID: customID}
}

func TestEngine_RoundTripPreservesIdentity(t *testing.T) {
	e := NewEngine(Config{MaxBatchSize: 4, MaxWait: 10 * time.Millisecond}, echoRunner, nil)
	defer e.Close()

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = <-e.Submit(context.Background(), req(fmt.Sprintf("custom-%d", i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if results[i].Err != nil {
			t.Fatalf("Request %d failed: %v", i, results[i].Err)
		}
		want := fmt.Sprintf("custom-%d", i)
		if results[i].CustomID != want {
			t.Errorf("Result %d has custom id %s, want %s", i, results[i].CustomID, want)
		}
		if results[i].Response.Content != "echo:"+want {
			t.Errorf("Result %d content mismatch: %s", i, results[i].Response.Content)
		}
	}
}

func TestEngine_GroupsConcurrentRequests(t *testing.T) {
	var mu sync.Mutex
	var batchSizes []int

	runner := func(ctx context.Context, reqs []*provider.Request) []Result {
		mu.Lock()
		batchSizes = append(batchSizes, len(reqs))
		mu.Unlock()
		return echoRunner(ctx, reqs)
	}

	e := NewEngine(Config{MaxBatchSize: 8, MaxWait: 50 * time.Millisecond}, runner, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-e.Submit(context.Background(), req(fmt.Sprintf("r-%d", i)))
		}(i)
	}
	wg.Wait()
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	total := 0
	grouped := false
	for _, size := range batchSizes {
		total += size
		if size > 1 {
			grouped = true
		}
		if size > 8 {
			t.Errorf("Window of %d exceeds max batch size 8", size)
		}
	}
	if total != 16 {
		t.Errorf("Expected 16 requests across passes, got %d", total)
	}
	if !grouped {
		t.Error("Expected at least one multi-request window")
	}
}

func TestEngine_OverloadRejectsExcess(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, reqs []*provider.Request) []Result {
		<-release
		return echoRunner(ctx, reqs)
	}

	// One slot of capacity and a 4-deep queue: everything beyond that
	// must be rejected, never queued indefinitely.
	e := NewEngine(Config{MaxBatchSize: 1, MaxWait: 5 * time.Millisecond, QueueLimit: 4, Capacity: 1}, runner, nil)

	var overloaded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := <-e.Submit(context.Background(), req(fmt.Sprintf("o-%d", i)))
			if errors.Is(res.Err, ErrOverloaded) {
				overloaded.Add(1)
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	e.Close()

	if overloaded.Load() == 0 {
		t.Error("Expected excess submissions to be rejected with ErrOverloaded")
	}
	if got := e.Stats().Rejected; got != overloaded.Load() {
		t.Errorf("Stats rejected=%d, observed %d", got, overloaded.Load())
	}
}

func TestEngine_WindowBoundedByCapacity(t *testing.T) {
	var mu sync.Mutex
	var maxWindow int
	block := make(chan struct{})

	runner := func(ctx context.Context, reqs []*provider.Request) []Result {
		mu.Lock()
		if len(reqs) > maxWindow {
			maxWindow = len(reqs)
		}
		mu.Unlock()
		<-block
		return echoRunner(ctx, reqs)
	}

	e := NewEngine(Config{MaxBatchSize: 32, MaxWait: 10 * time.Millisecond, QueueLimit: 100, Capacity: 6}, runner, nil)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-e.Submit(context.Background(), req(fmt.Sprintf("c-%d", i)))
		}(i)
	}

	time.Sleep(80 * time.Millisecond)
	close(block)
	wg.Wait()
	e.Close()

	if maxWindow > 6 {
		t.Errorf("Window of %d exceeds pool capacity 6", maxWindow)
	}
}

func TestEngine_AssignsCustomIDWhenMissing(t *testing.T) {
	e := NewEngine(Config{MaxWait: 5 * time.Millisecond}, echoRunner, nil)
	defer e.Close()

	res := <-e.Submit(context.Background(), &provider.Request{Model: "m"})
	if res.Err != nil {
		t.Fatalf("Submit failed: %v", res.Err)
	}
	if res.CustomID == "" {
		t.Error("Engine must assign a custom id when the caller omits one")
	}
}

func TestEngine_SubmitAfterClose(t *testing.T) {
	e := NewEngine(Config{MaxWait: 5 * time.Millisecond}, echoRunner, nil)
	e.Close()

	res := <-e.Submit(context.Background(), req("late"))
	if !errors.Is(res.Err, ErrClosed) {
		t.Errorf("Expected ErrClosed after shutdown, got %v", res.Err)
	}
}

func TestEngine_ConcurrentSubmitAndClose(t *testing.T) {
	// Hot reload retires pool engines while requests are still arriving;
	// a submission racing Close must resolve with an error, never panic
	// with a send on the closed queue.
	for iter := 0; iter < 200; iter++ {
		e := NewEngine(Config{MaxBatchSize: 4, MaxWait: time.Millisecond, QueueLimit: 8}, echoRunner, nil)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					res := <-e.Submit(context.Background(), req(fmt.Sprintf("race-%d-%d", g, i)))
					if res.Err != nil && !errors.Is(res.Err, ErrClosed) && !errors.Is(res.Err, ErrOverloaded) {
						t.Errorf("Unexpected submit error: %v", res.Err)
						return
					}
				}
			}(g)
		}
		e.Close()
		wg.Wait()
	}
}

func TestEngine_SubmitSync(t *testing.T) {
	e := NewEngine(Config{MaxWait: 5 * time.Millisecond}, echoRunner, nil)
	defer e.Close()

	resp, err := e.SubmitSync(context.Background(), req("sync-1"))
	if err != nil {
		t.Fatalf("SubmitSync failed: %v", err)
	}
	if resp.Content != "echo:sync-1" {
		t.Errorf("Unexpected content %s", resp.Content)
	}
}

func TestEngine_RunnerMissingResult(t *testing.T) {
	runner := func(ctx context.Context, reqs []*provider.Request) []Result {
		return nil // drops every request
	}
	e := NewEngine(Config{MaxWait: 5 * time.Millisecond}, runner, nil)
	defer e.Close()

	res := <-e.Submit(context.Background(), req("lost"))
	if res.Err == nil {
		t.Error("Expected an error when the runner drops a request")
	}
}
