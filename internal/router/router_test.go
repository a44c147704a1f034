package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/vnmchuo/inference-router/internal/backend"
	"github.com/vnmchuo/inference-router/internal/health"
	"github.com/vnmchuo/inference-router/internal/provider"
)

// mockDispatcher fails or succeeds per backend id and counts calls.
type mockDispatcher struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{
		fail:  map[string]error{},
		calls: map[string]int{},
	}
}

func (m *mockDispatcher) failWith(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[id] = err
}

func (m *mockDispatcher) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

func (m *mockDispatcher) Execute(ctx context.Context, d *backend.Descriptor, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	m.calls[d.ID]++
	err := m.fail[d.ID]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &provider.Response{
		ID:           "resp-" + d.ID,
		Content:      "ok",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
		Backend:      d.ID,
	}, nil
}

func upstreamErr(id string) error {
	return &provider.Error{Kind: provider.KindUpstream, Backend: id, Status: 500, Err: errors.New("boom")}
}

type fixture struct {
	registry *backend.Registry
	tracker  *health.Tracker
	usage    *backend.UsageTracker
	dispatch *mockDispatcher
	router   *Router
}

func newFixture(t *testing.T, descriptors []backend.Descriptor, pol Policy) *fixture {
	t.Helper()

	registry := backend.NewRegistry()
	if _, rejected := registry.Reload(descriptors); len(rejected) > 0 {
		t.Fatalf("Fixture backends rejected: %v", rejected)
	}

	f := &fixture{
		registry: registry,
		tracker:  health.NewTracker(health.Config{}, nil),
		usage:    backend.NewUsageTracker(),
		dispatch: newMockDispatcher(),
	}
	f.router = New(f.registry, f.tracker, f.usage, f.dispatch, nil, WithRandSource(rand.NewSource(42)))
	f.router.ApplyPolicy(pol)
	return f
}

func remote(id, model string, weight float64) backend.Descriptor {
	return backend.Descriptor{
		ID:       id,
		Model:    model,
		Kind:     backend.KindRemote,
		Endpoint: "https://" + id + ".example.com/v1",
		Weight:   weight,
	}
}

func envelope(model string) *Envelope {
	return &Envelope{
		Request:    &provider.Request{Model: model, RequestID: "req-1", TraceID: "trace-1"},
		MaxRetries: -1,
	}
}

func fastPolicy(strategy Strategy, chains map[string][]string) Policy {
	return Policy{
		Strategy:   strategy,
		Chains:     chains,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestRoute_SuccessEmitsSingleDecision(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{remote("a", "m", 1)}, fastPolicy(StrategyWeighted, nil))

	resp, trail, err := f.router.Route(context.Background(), envelope("m"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Backend != "a" {
		t.Errorf("Expected backend a, got %s", resp.Backend)
	}
	if len(trail) != 1 || !trail[0].Success {
		t.Fatalf("Expected exactly one successful decision, got %+v", trail)
	}
}

func TestRoute_ExactlyOneSuccessDecisionInTrail(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("a", "m", 1),
		remote("b", "m", 1),
		remote("c", "m", 1),
	}, fastPolicy(StrategyLeastBusy, map[string][]string{"m": {"a", "b", "c"}}))

	f.dispatch.failWith("a", upstreamErr("a"))
	f.dispatch.failWith("b", upstreamErr("b"))

	resp, trail, err := f.router.Route(context.Background(), envelope("m"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Backend != "c" {
		t.Errorf("Expected final success on c, got %s", resp.Backend)
	}

	successes := 0
	for i, d := range trail {
		if d.Success {
			successes++
			continue
		}
		if d.FailureCategory == "" {
			t.Errorf("Failed attempt %d missing failure category", i)
		}
	}
	if successes != 1 {
		t.Errorf("Expected exactly one success=true decision, got %d", successes)
	}
	if !trail[len(trail)-1].Success {
		t.Error("The final decision must be the successful one")
	}
}

func TestRoute_FallbackChainOrderRespected(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("a", "m", 1),
		remote("b", "m", 1),
		remote("c", "m", 1),
	}, fastPolicy(StrategyLeastBusy, map[string][]string{"m": {"a", "b", "c"}}))

	// Trip a and b so only c is eligible.
	for i := 0; i < 5; i++ {
		f.tracker.RecordFailure("a")
		f.tracker.RecordFailure("b")
	}

	resp, trail, err := f.router.Route(context.Background(), envelope("m"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Backend != "c" {
		t.Errorf("Expected route to c with a and b ineligible, got %s", resp.Backend)
	}
	if len(trail) != 1 {
		t.Errorf("Ineligible backends must not produce attempts, got %d decisions", len(trail))
	}
	if f.dispatch.callCount("a") != 0 || f.dispatch.callCount("b") != 0 {
		t.Error("Ineligible backends must not be dispatched to")
	}
}

func TestRoute_UnchosenCandidateKeepsItsProbe(t *testing.T) {
	registry := backend.NewRegistry()
	registry.Reload([]backend.Descriptor{remote("a", "m", 1), remote("b", "m", 1)})

	now := time.Unix(1700000000, 0)
	tracker := health.NewTracker(health.Config{}, nil, health.WithClock(func() time.Time { return now }))
	usage := backend.NewUsageTracker()
	dispatch := newMockDispatcher()

	// Trip both backends, then let both cooldowns elapse.
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("a")
		tracker.RecordFailure("b")
	}
	now = now.Add(61 * time.Second)

	r := New(registry, tracker, usage, dispatch, nil, WithRandSource(rand.NewSource(1)))
	r.ApplyPolicy(fastPolicy(StrategyLeastBusy, map[string][]string{"m": {"a", "b"}}))

	resp, _, err := r.Route(context.Background(), envelope("m"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	loser := "b"
	if resp.Backend == "b" {
		loser = "a"
	}
	if tracker.StateOf(resp.Backend) != health.StateClosed {
		t.Errorf("Dispatched probe succeeded, expected closed, got %s", tracker.StateOf(resp.Backend))
	}
	// Selection considered both candidates but dispatched to one; the
	// other's recovery probe must survive for the next request.
	if !tracker.IsEligible(loser) {
		t.Errorf("Unchosen candidate %s lost its probe without being dispatched to", loser)
	}
	if !tracker.AcquireProbe(loser) {
		t.Errorf("Unchosen candidate %s must still grant its probe", loser)
	}
}

func TestRoute_ValidationAnswerResolvesProbe(t *testing.T) {
	registry := backend.NewRegistry()
	registry.Reload([]backend.Descriptor{remote("a", "m", 1)})

	now := time.Unix(1700000000, 0)
	tracker := health.NewTracker(health.Config{}, nil, health.WithClock(func() time.Time { return now }))
	usage := backend.NewUsageTracker()
	dispatch := newMockDispatcher()
	dispatch.failWith("a", &provider.Error{Kind: provider.KindValidation, Backend: "a", Status: 400, Err: errors.New("bad request")})

	for i := 0; i < 5; i++ {
		tracker.RecordFailure("a")
	}
	now = now.Add(61 * time.Second)

	r := New(registry, tracker, usage, dispatch, nil, WithRandSource(rand.NewSource(1)))
	r.ApplyPolicy(fastPolicy(StrategyWeighted, nil))

	_, _, err := r.Route(context.Background(), envelope("m"))
	var routeErr *Error
	if !errors.As(err, &routeErr) || routeErr.Category != CategoryValidation {
		t.Fatalf("Expected validation error, got %v", err)
	}
	// A 4xx proves the backend answered; the probe must not stay
	// outstanding forever.
	if tracker.StateOf("a") != health.StateClosed {
		t.Errorf("Expected closed after the backend answered the probe, got %s", tracker.StateOf("a"))
	}
}

func TestRoute_ChainExhausted(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("a", "m", 1),
		remote("b", "m", 1),
		remote("c", "m", 1),
	}, fastPolicy(StrategyLeastBusy, map[string][]string{"m": {"a", "b", "c"}}))

	for _, id := range []string{"a", "b", "c"} {
		for i := 0; i < 5; i++ {
			f.tracker.RecordFailure(id)
		}
	}

	_, _, err := f.router.Route(context.Background(), envelope("m"))
	var routeErr *Error
	if !errors.As(err, &routeErr) {
		t.Fatalf("Expected *router.Error, got %v", err)
	}
	if routeErr.Category != CategoryChainExhausted {
		t.Errorf("Expected chain_exhausted, got %s", routeErr.Category)
	}
}

func TestRoute_NeverFallsBackToUnconfiguredBackend(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("a", "m", 1),
		remote("rogue", "other-model", 1),
	}, fastPolicy(StrategyLeastBusy, map[string][]string{"m": {"a", "rogue", "ghost"}}))

	f.dispatch.failWith("a", upstreamErr("a"))

	_, _, err := f.router.Route(context.Background(), envelope("m"))
	var routeErr *Error
	if !errors.As(err, &routeErr) || routeErr.Category != CategoryChainExhausted {
		t.Fatalf("Expected chain_exhausted, got %v", err)
	}
	if f.dispatch.callCount("rogue") != 0 {
		t.Error("Backend serving another model must never receive the request")
	}
	if f.dispatch.callCount("ghost") != 0 {
		t.Error("Unregistered chain member must never receive the request")
	}
}

func TestRoute_ValidationErrorNotRetried(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("a", "m", 1),
		remote("b", "m", 1),
	}, fastPolicy(StrategyLeastBusy, map[string][]string{"m": {"a", "b"}}))

	f.dispatch.failWith("a", &provider.Error{Kind: provider.KindValidation, Backend: "a", Status: 400, Err: errors.New("bad request")})

	_, trail, err := f.router.Route(context.Background(), envelope("m"))
	var routeErr *Error
	if !errors.As(err, &routeErr) || routeErr.Category != CategoryValidation {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if len(trail) != 1 {
		t.Errorf("Validation errors must not be retried, got %d attempts", len(trail))
	}
	if f.dispatch.callCount("b") != 0 {
		t.Error("Validation failure must not trigger fallback")
	}
}

func TestRoute_UnknownModel(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{remote("a", "m", 1)}, fastPolicy(StrategyWeighted, nil))

	_, _, err := f.router.Route(context.Background(), envelope("nonexistent-model-xyz"))
	var routeErr *Error
	if !errors.As(err, &routeErr) || routeErr.Category != CategoryValidation {
		t.Fatalf("Expected validation error for unknown model, got %v", err)
	}
}

func TestRoute_FailuresFeedCircuitTracker(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{remote("a", "m", 1)}, Policy{
		Strategy:   StrategyWeighted,
		MaxRetries: 0,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	})

	f.dispatch.failWith("a", upstreamErr("a"))

	for i := 0; i < 5; i++ {
		f.router.Route(context.Background(), envelope("m"))
	}
	if f.tracker.StateOf("a") != health.StateOpen {
		t.Errorf("Expected circuit open after repeated failures, got %s", f.tracker.StateOf("a"))
	}
}

func TestRoute_WeightedDistribution(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("a", "m", 0.7),
		remote("b", "m", 0.3),
	}, fastPolicy(StrategyWeighted, nil))

	counts := map[string]int{}
	env := envelope("m")
	for i := 0; i < 10000; i++ {
		resp, _, err := f.router.Route(context.Background(), env)
		if err != nil {
			t.Fatalf("Route %d failed: %v", i, err)
		}
		counts[resp.Backend]++
	}

	share := float64(counts["a"]) / 10000
	if share < 0.65 || share > 0.75 {
		t.Errorf("Expected a's share in [0.65, 0.75], got %.3f (counts %v)", share, counts)
	}
}

func TestRoute_WeightedExcludesSaturated(t *testing.T) {
	descriptors := []backend.Descriptor{
		remote("a", "m", 0.9),
		remote("b", "m", 0.1),
	}
	descriptors[0].RPM = 10

	f := newFixture(t, descriptors, fastPolicy(StrategyWeighted, nil))

	// Saturate a's request-per-minute budget.
	for i := 0; i < 10; i++ {
		f.usage.Record("a", 0)
	}

	for i := 0; i < 20; i++ {
		resp, _, err := f.router.Route(context.Background(), envelope("m"))
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if resp.Backend != "b" {
			t.Fatalf("Saturated backend must be excluded, got %s", resp.Backend)
		}
	}
}

func TestRoute_BackoffPacesRetries(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("a", "m", 1),
		remote("b", "m", 1),
		remote("c", "m", 1),
	}, Policy{
		Strategy:   StrategyLeastBusy,
		Chains:     map[string][]string{"m": {"a", "b", "c"}},
		MaxRetries: 3,
		BaseDelay:  20 * time.Millisecond,
		MaxDelay:   200 * time.Millisecond,
	})

	for _, id := range []string{"a", "b", "c"} {
		f.dispatch.failWith(id, upstreamErr(id))
	}

	start := time.Now()
	_, trail, err := f.router.Route(context.Background(), envelope("m"))
	elapsed := time.Since(start)

	var routeErr *Error
	if !errors.As(err, &routeErr) || routeErr.Category != CategoryChainExhausted {
		t.Fatalf("Expected chain_exhausted, got %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("Expected 3 failed attempts, got %d", len(trail))
	}

	// Delays of ~20ms and ~40ms (each ±20% jitter) separate the attempts.
	if elapsed < 45*time.Millisecond {
		t.Errorf("Retries completed too fast (%v), backoff not applied", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Retries took too long (%v)", elapsed)
	}
}

func TestRoute_LatencyStrategyPrefersFastBackend(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("fast", "m", 1),
		remote("slow", "m", 1),
	}, fastPolicy(StrategyLatency, nil))

	for i := 0; i < 20; i++ {
		f.router.Stats().RecordLatency("fast", 50)
		f.router.Stats().RecordLatency("slow", 900)
	}

	resp, _, err := f.router.Route(context.Background(), envelope("m"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Backend != "fast" {
		t.Errorf("Latency strategy should prefer fast backend, got %s", resp.Backend)
	}
}

func TestRoute_UsageStrategyPrefersColdBackend(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("hot", "m", 1),
		remote("idle", "m", 1),
	}, fastPolicy(StrategyUsage, nil))

	f.usage.Record("hot", 50000)

	resp, _, err := f.router.Route(context.Background(), envelope("m"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Backend != "idle" {
		t.Errorf("Usage strategy should prefer idle backend, got %s", resp.Backend)
	}
}

func TestRoute_TieBreakByBackendID(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("zeta", "m", 1),
		remote("alpha", "m", 1),
	}, fastPolicy(StrategyLeastBusy, nil))

	// Equal scores everywhere: deterministic pick by smallest id.
	for i := 0; i < 5; i++ {
		resp, _, err := f.router.Route(context.Background(), envelope("m"))
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if resp.Backend != "alpha" {
			t.Fatalf("Expected deterministic tie-break to alpha, got %s", resp.Backend)
		}
	}
}

func TestRoute_DecisionCarriesTenantID(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{remote("a", "m", 1)}, fastPolicy(StrategyWeighted, nil))

	env := envelope("m")
	env.Request.TenantID = "tenant-42"

	_, trail, err := f.router.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(trail) != 1 || trail[0].TenantID != "tenant-42" {
		t.Errorf("Decision should carry the request's tenant id, got %+v", trail)
	}
}

func TestRoute_DecisionSinkSeesEveryAttempt(t *testing.T) {
	var mu sync.Mutex
	var sunk []Decision

	registry := backend.NewRegistry()
	registry.Reload([]backend.Descriptor{remote("a", "m", 1), remote("b", "m", 1)})
	tracker := health.NewTracker(health.Config{}, nil)
	usage := backend.NewUsageTracker()
	dispatch := newMockDispatcher()
	dispatch.failWith("a", upstreamErr("a"))

	r := New(registry, tracker, usage, dispatch, nil,
		WithRandSource(rand.NewSource(1)),
		WithDecisionSink(func(d Decision) {
			mu.Lock()
			sunk = append(sunk, d)
			mu.Unlock()
		}),
	)
	r.ApplyPolicy(fastPolicy(StrategyLeastBusy, map[string][]string{"m": {"a", "b"}}))

	_, trail, err := r.Route(context.Background(), envelope("m"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(sunk) != len(trail) {
		t.Errorf("Sink saw %d decisions, trail has %d", len(sunk), len(trail))
	}
}

func TestBackoff_ExponentialWithJitterBounds(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, rand.NewSource(7))

	for attempt := 0; attempt < 4; attempt++ {
		want := time.Second << uint(attempt)
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		for i := 0; i < 100; i++ {
			got := b.Delay(attempt)
			if got < lo || got > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestBackoff_CappedAtMax(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second, rand.NewSource(7))

	for attempt := 4; attempt < 70; attempt++ {
		got := b.Delay(attempt)
		if got > time.Duration(float64(8*time.Second)*1.2) {
			t.Fatalf("Delay(%d) = %v exceeds jittered cap", attempt, got)
		}
	}
}

func TestBackoff_DeterministicWithFixedSeed(t *testing.T) {
	b1 := NewBackoff(time.Second, 30*time.Second, rand.NewSource(99))
	b2 := NewBackoff(time.Second, 30*time.Second, rand.NewSource(99))

	for attempt := 0; attempt < 10; attempt++ {
		if d1, d2 := b1.Delay(attempt), b2.Delay(attempt); d1 != d2 {
			t.Fatalf("Fixed seed must be deterministic: %v != %v", d1, d2)
		}
	}
}

func TestRoute_ContextCancelDuringBackoff(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{
		remote("a", "m", 1),
		remote("b", "m", 1),
	}, Policy{
		Strategy:   StrategyLeastBusy,
		Chains:     map[string][]string{"m": {"a", "b"}},
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Second,
	})
	f.dispatch.failWith("a", upstreamErr("a"))
	f.dispatch.failWith("b", upstreamErr("b"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := f.router.Route(ctx, envelope("m"))
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Cancellation should interrupt backoff promptly, took %v", elapsed)
	}
}

func TestRoute_MaxLatencyBoundsDispatch(t *testing.T) {
	registry := backend.NewRegistry()
	registry.Reload([]backend.Descriptor{remote("a", "m", 1)})
	tracker := health.NewTracker(health.Config{}, nil)
	usage := backend.NewUsageTracker()

	slow := dispatcherFunc(func(ctx context.Context, d *backend.Descriptor, req *provider.Request) (*provider.Response, error) {
		select {
		case <-time.After(time.Second):
			return &provider.Response{Backend: d.ID}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	r := New(registry, tracker, usage, slow, nil, WithRandSource(rand.NewSource(1)))
	r.ApplyPolicy(Policy{Strategy: StrategyWeighted, MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	env := envelope("m")
	env.MaxLatency = 30 * time.Millisecond

	start := time.Now()
	_, trail, err := r.Route(context.Background(), env)
	if err == nil {
		t.Fatal("Expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("MaxLatency must bound the dispatch, took %v", elapsed)
	}
	if len(trail) != 1 || trail[0].FailureCategory != string(CategoryTimeout) {
		t.Errorf("Expected one timeout attempt, got %+v", trail)
	}
}

type dispatcherFunc func(ctx context.Context, d *backend.Descriptor, req *provider.Request) (*provider.Response, error)

func (f dispatcherFunc) Execute(ctx context.Context, d *backend.Descriptor, req *provider.Request) (*provider.Response, error) {
	return f(ctx, d, req)
}

func TestStats_P95(t *testing.T) {
	s := NewStats()
	for i := 1; i <= 100; i++ {
		s.RecordLatency("a", float64(i))
	}
	p95 := s.LatencyP95("a")
	if p95 < 90 || p95 > 100 {
		t.Errorf("Expected p95 near 95, got %.1f", p95)
	}
	if s.LatencyP95("unseen") != 0 {
		t.Error("Unseen backend should report zero latency")
	}
}

func TestStats_InflightAcquireRelease(t *testing.T) {
	s := NewStats()
	release := s.Acquire("a")
	if s.Inflight("a") != 1 {
		t.Fatalf("Expected 1 inflight, got %d", s.Inflight("a"))
	}
	release()
	release() // idempotent
	if s.Inflight("a") != 0 {
		t.Fatalf("Expected 0 inflight after release, got %d", s.Inflight("a"))
	}
}

func TestWeighted_AllSaturatedYieldsExhausted(t *testing.T) {
	descriptors := []backend.Descriptor{remote("a", "m", 1)}
	descriptors[0].RPM = 1

	f := newFixture(t, descriptors, fastPolicy(StrategyWeighted, nil))
	f.usage.Record("a", 0)

	_, _, err := f.router.Route(context.Background(), envelope("m"))
	var routeErr *Error
	if !errors.As(err, &routeErr) || routeErr.Category != CategoryChainExhausted {
		t.Fatalf("Expected chain_exhausted when every backend is saturated, got %v", err)
	}
}

func TestApplyPolicy_InvalidStrategyFallsBack(t *testing.T) {
	f := newFixture(t, []backend.Descriptor{remote("a", "m", 1)}, Policy{Strategy: "roulette"})

	resp, trail, err := f.router.Route(context.Background(), envelope("m"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Backend != "a" {
		t.Errorf("Expected a, got %s", resp.Backend)
	}
	if trail[0].Strategy != string(StrategyWeighted) {
		t.Errorf("Invalid strategy should fall back to weighted, got %s", trail[0].Strategy)
	}
}

func ExampleBackoff() {
	b := NewBackoff(time.Second, 30*time.Second, rand.NewSource(1))
	b.Jitter = 0
	fmt.Println(b.Delay(0), b.Delay(1), b.Delay(2))
	// Output: 1s 2s 4s
}
