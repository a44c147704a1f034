// Package localbatch implements continuous batching for local inference
// pools: concurrently pending requests are grouped into one execution pass
// sized to the pool's remaining capacity.
package localbatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vnmchuo/inference-router/internal/provider"
)

var (
	// ErrOverloaded is returned when the admission queue is at its hard
	// limit. Callers should retry later or fall back to the realtime path.
	ErrOverloaded = errors.New("local batch queue overloaded")
	ErrClosed     = errors.New("local batch engine closed")
)

// Result carries one member request's outcome out of an execution pass.
type Result struct {
	CustomID string
	Response *provider.Response
	Err      error
}

// Runner executes one pass over the pool and returns exactly one result per
// request, matched by custom id.
type Runner func(ctx context.Context, reqs []*provider.Request) []Result

type Config struct {
	// MaxBatchSize caps how many requests share one execution pass.
	MaxBatchSize int
	// MaxWait bounds how long a partial window waits for more arrivals.
	MaxWait time.Duration
	// QueueLimit is the hard admission limit; beyond it Submit rejects
	// with ErrOverloaded instead of queueing indefinitely.
	QueueLimit int
	// Capacity is the pool's total in-flight request budget across passes,
	// a stand-in for remaining pool memory.
	Capacity int
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 32,
		MaxWait:      50 * time.Millisecond,
		QueueLimit:   1024,
		Capacity:     64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = d.QueueLimit
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	return c
}

type pending struct {
	req    *provider.Request
	result chan Result
}

// Engine owns one pool's admission queue and scheduling loop. Requests
// admitted to a window are never preempted; new arrivals join the next
// window. Capacity slots are held for the lifetime of a pass, so the
// scheduler stalls (and the queue backs up toward ErrOverloaded) when the
// pool is full.
type Engine struct {
	cfg    Config
	runner Runner
	logger *zap.Logger

	queue chan *pending
	slots *semaphore.Weighted

	// closeMu serializes admission against Close: Submit holds the read
	// lock across its check-and-send so the queue is never closed between
	// the two.
	closeMu sync.RWMutex
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	passes    atomic.Int64
	inflight  atomic.Int64
}

func NewEngine(cfg Config, runner Runner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		queue:  make(chan *pending, cfg.QueueLimit),
		slots:  semaphore.NewWeighted(int64(cfg.Capacity)),
		ctx:    ctx,
		cancel: cancel,
	}
	e.wg.Add(1)
	go e.schedule()
	return e
}

// Submit admits a request and returns a channel delivering its result.
// Admission fails fast with ErrOverloaded when the queue is full.
func (e *Engine) Submit(ctx context.Context, req *provider.Request) <-chan Result {
	resultCh := make(chan Result, 1)

	if req.CustomID == "" {
		r := *req
		r.CustomID = uuid.New().String()
		req = &r
	}

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()

	if e.closed {
		resultCh <- Result{CustomID: req.CustomID, Err: ErrClosed}
		close(resultCh)
		return resultCh
	}

	e.submitted.Add(1)
	p := &pending{req: req, result: resultCh}

	select {
	case e.queue <- p:
	default:
		e.rejected.Add(1)
		resultCh <- Result{CustomID: req.CustomID, Err: ErrOverloaded}
		close(resultCh)
	}

	return resultCh
}

// SubmitSync admits a request and waits for its result.
func (e *Engine) SubmitSync(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	select {
	case res := <-e.Submit(ctx, req):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) schedule() {
	defer e.wg.Done()

	timer := time.NewTimer(e.cfg.MaxWait)
	defer timer.Stop()

	var window []*pending

	for {
		select {
		case p, ok := <-e.queue:
			if !ok {
				e.flush(window)
				return
			}
			window = append(window, p)
			if len(window) >= e.cfg.MaxBatchSize {
				e.flush(window)
				window = nil
				timer.Reset(e.cfg.MaxWait)
			}

		case <-timer.C:
			e.flush(window)
			window = nil
			timer.Reset(e.cfg.MaxWait)
		}
	}
}

// flush launches the collected window in passes. Each pass is sized to the
// lesser of the max batch size, the remaining capacity and the window
// depth; acquiring the first slot blocks until a running pass frees one.
func (e *Engine) flush(window []*pending) {
	for len(window) > 0 {
		if err := e.slots.Acquire(e.ctx, 1); err != nil {
			for _, p := range window {
				p.result <- Result{CustomID: p.req.CustomID, Err: ErrClosed}
				close(p.result)
			}
			return
		}

		n := 1
		max := e.cfg.MaxBatchSize
		if len(window) < max {
			max = len(window)
		}
		for n < max && e.slots.TryAcquire(1) {
			n++
		}

		e.launch(window[:n])
		window = window[n:]
	}
}

// launch runs one pass in its own goroutine so the scheduler keeps forming
// windows while earlier passes execute.
func (e *Engine) launch(window []*pending) {
	n := len(window)
	e.inflight.Add(int64(n))
	e.passes.Add(1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.slots.Release(int64(n))
		defer e.inflight.Add(int64(-n))

		reqs := make([]*provider.Request, n)
		for i, p := range window {
			reqs[i] = p.req
		}

		start := time.Now()
		results := e.runner(e.ctx, reqs)
		e.logger.Debug("batch pass complete",
			zap.Int("window_size", n),
			zap.Duration("elapsed", time.Since(start)),
		)

		byID := make(map[string]Result, len(results))
		for _, res := range results {
			byID[res.CustomID] = res
		}

		for _, p := range window {
			res, ok := byID[p.req.CustomID]
			if !ok {
				res = Result{CustomID: p.req.CustomID, Err: errors.New("no result for request")}
			}
			if res.Err == nil {
				e.completed.Add(1)
			}
			p.result <- res
			close(p.result)
		}
	}()
}

// Close drains the queue, waits for in-flight passes, then cancels the
// runner context.
func (e *Engine) Close() {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.closeMu.Unlock()

	e.wg.Wait()
	e.cancel()
}

type Stats struct {
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Completed int64 `json:"completed"`
	Passes    int64 `json:"passes"`
	Queued    int   `json:"queued"`
	Inflight  int64 `json:"inflight"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Rejected:  e.rejected.Load(),
		Completed: e.completed.Load(),
		Passes:    e.passes.Load(),
		Queued:    len(e.queue),
		Inflight:  e.inflight.Load(),
	}
}
