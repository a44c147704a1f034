package router

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/backend"
	"github.com/vnmchuo/inference-router/internal/health"
	"github.com/vnmchuo/inference-router/internal/provider"
)

// Dispatcher executes a request against a chosen backend. Remote backends
// and local pools plug in behind this.
type Dispatcher interface {
	Execute(ctx context.Context, d *backend.Descriptor, req *provider.Request) (*provider.Response, error)
}

// Policy is the hot-reloadable routing configuration. Swapped atomically;
// in-flight requests keep the policy they started with.
type Policy struct {
	Strategy   Strategy
	Chains     map[string][]string // logical model -> fallback chain of backend ids
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Strategy:   StrategyWeighted,
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

type policyState struct {
	Policy
	backoff *Backoff
}

type Router struct {
	registry *backend.Registry
	tracker  *health.Tracker
	usage    *backend.UsageTracker
	stats    *Stats
	dispatch Dispatcher
	logger   *zap.Logger
	sink     DecisionSink

	policy atomic.Pointer[policyState]

	rndMu sync.Mutex
	rnd   *rand.Rand
}

type Option func(*Router)

// WithRandSource fixes the randomness behind weighted selection and backoff
// jitter, for deterministic tests.
func WithRandSource(src rand.Source) Option {
	return func(r *Router) { r.rnd = rand.New(src) }
}

func WithDecisionSink(sink DecisionSink) Option {
	return func(r *Router) { r.sink = sink }
}

func New(registry *backend.Registry, tracker *health.Tracker, usage *backend.UsageTracker, dispatch Dispatcher, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		registry: registry,
		tracker:  tracker,
		usage:    usage,
		stats:    NewStats(),
		dispatch: dispatch,
		logger:   logger,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ApplyPolicy(DefaultPolicy())
	return r
}

// ApplyPolicy swaps the routing policy atomically.
func (r *Router) ApplyPolicy(p Policy) {
	if !p.Strategy.Valid() {
		p.Strategy = StrategyWeighted
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	r.policy.Store(&policyState{
		Policy:  p,
		backoff: NewBackoff(p.BaseDelay, p.MaxDelay, r),
	})
}

// Int63 lets the router's guarded rand serve as a rand.Source for backoff.
func (r *Router) Int63() int64 {
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.rnd.Int63()
}

func (r *Router) Seed(seed int64) {
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	r.rnd.Seed(seed)
}

func (r *Router) float64() float64 {
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.rnd.Float64()
}

// Stats exposes runtime signals for health reporting.
func (r *Router) Stats() *Stats { return r.stats }

// Route resolves the envelope to one terminal outcome: a response, or an
// *Error carrying the full attempt trail.
func (r *Router) Route(ctx context.Context, env *Envelope) (*provider.Response, []Decision, error) {
	pol := r.policy.Load()
	model := env.Request.Model

	candidates, chainIDs := r.resolveChain(pol, env)
	if len(candidates) == 0 {
		routeErr := &Error{
			Category: CategoryValidation,
			Model:    model,
			Err:      fmt.Errorf("no backends configured for model %q", model),
		}
		return nil, nil, routeErr
	}

	maxRetries := pol.MaxRetries
	if env.MaxRetries >= 0 {
		maxRetries = env.MaxRetries
	}
	maxAttempts := maxRetries + 1

	var trail []Decision
	tried := make(map[string]bool, len(candidates))

	for attempt := 0; attempt < maxAttempts; attempt++ {
		chosen := r.nextBackend(pol, candidates, tried, attempt)
		if chosen == nil {
			return nil, trail, r.exhausted(model, trail)
		}
		tried[chosen.ID] = true

		decision := Decision{
			Backend:   chosen.ID,
			Model:     model,
			Strategy:  string(pol.Strategy),
			Attempt:   attempt,
			Chain:     chainIDs,
			TenantID:  env.Request.TenantID,
			TraceID:   env.Request.TraceID,
			RequestID: env.Request.RequestID,
			At:        time.Now(),
		}

		attemptStart := time.Now()
		resp, err := r.execute(ctx, env, chosen)
		decision.LatencyMs = time.Since(attemptStart).Milliseconds()

		if err == nil {
			decision.Success = true
			decision.EstCostUSD = chosen.CostUSD(resp.InputTokens, resp.OutputTokens)
			trail = r.emit(trail, decision)

			r.tracker.RecordSuccess(chosen.ID)
			r.stats.RecordLatency(chosen.ID, float64(decision.LatencyMs))
			r.usage.Record(chosen.ID, int64(resp.InputTokens+resp.OutputTokens))
			return resp, trail, nil
		}

		category := categorize(err)
		decision.FailureCategory = string(category)
		trail = r.emit(trail, decision)

		if category == CategoryValidation {
			// The backend answered; the request itself was bad. That
			// resolves a half-open probe in the backend's favor.
			r.tracker.RecordSuccess(chosen.ID)
			return nil, trail, &Error{Category: CategoryValidation, Model: model, Attempts: trail, Err: err}
		}

		// Timeouts, 5xx and rate-limit signals all count against the circuit.
		r.tracker.RecordFailure(chosen.ID)
		r.logger.Warn("backend attempt failed",
			zap.String("backend", chosen.ID),
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.String("category", string(category)),
			zap.Error(err),
		)

		if attempt < maxAttempts-1 {
			delay := pol.backoff.Delay(attempt)
			select {
			case <-ctx.Done():
				return nil, trail, &Error{Category: CategoryTimeout, Model: model, Attempts: trail, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}

	return nil, trail, r.exhausted(model, trail)
}

// resolveChain orders candidates by the fallback chain configured for the
// model (or the envelope override). Chain members not present in the
// registry are dropped: routing never falls back to an unconfigured backend.
func (r *Router) resolveChain(pol *policyState, env *Envelope) ([]*backend.Descriptor, []string) {
	model := env.Request.Model
	registered := r.registry.List(model)

	chain := env.Chain
	if len(chain) == 0 {
		chain = pol.Chains[model]
	}
	if len(chain) == 0 {
		ids := make([]string, len(registered))
		for i, d := range registered {
			ids[i] = d.ID
		}
		return registered, ids
	}

	byID := make(map[string]*backend.Descriptor, len(registered))
	for _, d := range registered {
		byID[d.ID] = d
	}

	var ordered []*backend.Descriptor
	var ids []string
	for _, id := range chain {
		if d, ok := byID[id]; ok {
			ordered = append(ordered, d)
			ids = append(ids, id)
		}
	}
	return ordered, ids
}

// nextBackend picks the first attempt by strategy over eligible candidates;
// retries walk the fallback chain in order, skipping backends already tried
// or currently ineligible. The eligibility filter is a side-effect-free
// read; only the selected backend's half-open probe is claimed, so losing
// candidates keep their probe for concurrent requests.
func (r *Router) nextBackend(pol *policyState, candidates []*backend.Descriptor, tried map[string]bool, attempt int) *backend.Descriptor {
	for {
		var eligible []*backend.Descriptor
		for _, d := range candidates {
			if tried[d.ID] || !r.tracker.IsEligible(d.ID) {
				continue
			}
			eligible = append(eligible, d)
		}
		if len(eligible) == 0 {
			return nil
		}

		var chosen *backend.Descriptor
		if attempt > 0 {
			chosen = eligible[0] // chain order
		} else {
			chosen = selectors[pol.Strategy](eligible, &selectionEnv{
				stats: r.stats,
				usage: r.usage,
				rnd:   r.float64,
			})
		}
		if r.tracker.AcquireProbe(chosen.ID) {
			return chosen
		}
		// A concurrent request claimed the probe between the eligibility
		// read and here; drop the candidate and pick again.
		tried[chosen.ID] = true
	}
}

func (r *Router) execute(ctx context.Context, env *Envelope, chosen *backend.Descriptor) (*provider.Response, error) {
	callCtx := ctx
	if env.MaxLatency > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, env.MaxLatency)
		defer cancel()
	}

	release := r.stats.Acquire(chosen.ID)
	defer release()

	start := time.Now()
	resp, err := r.dispatch.Execute(callCtx, chosen, env.Request)
	if err != nil {
		return nil, err
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = time.Since(start).Milliseconds()
	}
	resp.Backend = chosen.ID
	return resp, nil
}

func (r *Router) exhausted(model string, trail []Decision) *Error {
	return &Error{
		Category: CategoryChainExhausted,
		Model:    model,
		Attempts: trail,
		Err:      fmt.Errorf("all eligible backends failed or none remain"),
	}
}

func (r *Router) emit(trail []Decision, d Decision) []Decision {
	if r.sink != nil {
		r.sink(d)
	}
	return append(trail, d)
}
