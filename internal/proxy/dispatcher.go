package proxy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/inference-router/config"
	"github.com/vnmchuo/inference-router/internal/backend"
	"github.com/vnmchuo/inference-router/internal/localbatch"
	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/provider/openaicompat"
)

// poolEntry pairs a running engine with the config it was built from, so
// reloads can tell tuning changes from no-ops.
type poolEntry struct {
	cfg    config.BackendConfig
	engine *localbatch.Engine
}

// Dispatcher maps routing decisions to executors: remote backends get an
// HTTP client, local pools get a continuous-batching engine in front of
// the pool endpoint. Hot-reload safe; executors for unchanged pools
// survive a Configure call.
type Dispatcher struct {
	logger *zap.Logger

	mu      sync.RWMutex
	remotes map[string]provider.Client
	pools   map[string]*poolEntry
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		remotes: make(map[string]provider.Client),
		pools:   make(map[string]*poolEntry),
	}
}

// Configure rebuilds executors from a freshly validated backend list.
// Engines whose pool config is unchanged keep running; removed or retuned
// pools are drained and replaced.
func (d *Dispatcher) Configure(backends []config.BackendConfig) {
	remotes := make(map[string]provider.Client, len(backends))
	pools := make(map[string]*poolEntry, len(backends))

	d.mu.Lock()
	for _, b := range backends {
		switch backend.Kind(b.Kind) {
		case backend.KindRemote:
			remotes[b.ID] = openaicompat.New(b.ID, b.Endpoint, b.APIKey())
		case backend.KindLocalPool:
			if old, ok := d.pools[b.ID]; ok && old.cfg == b {
				pools[b.ID] = old
				continue
			}
			pools[b.ID] = &poolEntry{cfg: b, engine: d.buildEngine(b)}
		}
	}

	var retired []*poolEntry
	for id, entry := range d.pools {
		if pools[id] != entry {
			retired = append(retired, entry)
		}
	}
	d.remotes = remotes
	d.pools = pools
	d.mu.Unlock()

	// Drain outside the lock; Close waits for in-flight passes.
	for _, entry := range retired {
		go entry.engine.Close()
	}
}

func (d *Dispatcher) buildEngine(b config.BackendConfig) *localbatch.Engine {
	client := openaicompat.New(b.ID, b.Endpoint, b.APIKey())
	runner := func(ctx context.Context, reqs []*provider.Request) []localbatch.Result {
		results := make([]localbatch.Result, len(reqs))
		g, gctx := errgroup.WithContext(ctx)
		for i, req := range reqs {
			i, req := i, req
			g.Go(func() error {
				resp, err := client.Complete(gctx, req)
				results[i] = localbatch.Result{CustomID: req.CustomID, Response: resp, Err: err}
				return nil
			})
		}
		g.Wait()
		return results
	}

	return localbatch.NewEngine(localbatch.Config{
		MaxBatchSize: b.MaxBatchSize,
		MaxWait:      b.MaxWait.Std(),
		QueueLimit:   b.QueueLimit,
		Capacity:     b.Capacity,
	}, runner, d.logger.With(zap.String("pool", b.ID)))
}

// Execute satisfies the router's dispatch contract.
func (d *Dispatcher) Execute(ctx context.Context, desc *backend.Descriptor, req *provider.Request) (*provider.Response, error) {
	d.mu.RLock()
	client, isRemote := d.remotes[desc.ID]
	pool, isPool := d.pools[desc.ID]
	d.mu.RUnlock()

	switch {
	case isRemote:
		return client.Complete(ctx, req)
	case isPool:
		return pool.engine.SubmitSync(ctx, req)
	default:
		return nil, &provider.Error{
			Kind:    provider.KindUpstream,
			Backend: desc.ID,
			Err:     fmt.Errorf("no executor configured for backend %s", desc.ID),
		}
	}
}

// SubmitLocal bypasses the router and hands the request straight to a
// pool engine; the throughput path for classifier-local traffic.
func (d *Dispatcher) SubmitLocal(ctx context.Context, poolID string, req *provider.Request) (*provider.Response, error) {
	d.mu.RLock()
	entry, ok := d.pools[poolID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no local pool %s", poolID)
	}
	return entry.engine.SubmitSync(ctx, req)
}

// PoolStats reports per-pool engine counters for the health endpoint.
func (d *Dispatcher) PoolStats() map[string]localbatch.Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]localbatch.Stats, len(d.pools))
	for id, entry := range d.pools {
		out[id] = entry.engine.Stats()
	}
	return out
}

// Close drains every pool engine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	pools := d.pools
	d.pools = make(map[string]*poolEntry)
	d.mu.Unlock()
	for _, entry := range pools {
		entry.engine.Close()
	}
}
