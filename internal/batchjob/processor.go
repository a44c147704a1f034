package batchjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/inference-router/internal/provider"
)

var (
	// ErrSLABreach marks a job whose completion window elapsed before all
	// items resolved. The partial manifest stays retrievable.
	ErrSLABreach = errors.New("batch completion window exceeded")
	ErrCanceled  = errors.New("batch job canceled by caller")
	// ErrNotReady is returned by Retrieve while a job is still running.
	ErrNotReady     = errors.New("batch job has not reached a terminal status")
	ErrNotRetryable = errors.New("only failed batch jobs can be retried")
)

// Executor resolves one member request, normally by handing it to the
// router's low-urgency path.
type Executor func(ctx context.Context, req *provider.Request) (*provider.Response, error)

// Pricer returns the undiscounted cost of a resolved response.
type Pricer func(resp *provider.Response) float64

type Config struct {
	// CompletionWindow is the default SLA when a submission omits one.
	CompletionWindow time.Duration
	// PollInterval is how often each job's monitor checks the deadline.
	PollInterval time.Duration
	// Concurrency bounds how many member requests execute at once per job.
	Concurrency int
	// Discount scales item cost; 0.5 charges half the realtime rate.
	Discount float64
}

func DefaultConfig() Config {
	return Config{
		CompletionWindow: 24 * time.Hour,
		PollInterval:     5 * time.Minute,
		Concurrency:      4,
		Discount:         0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CompletionWindow <= 0 {
		c.CompletionWindow = d.CompletionWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Discount <= 0 || c.Discount > 1 {
		c.Discount = d.Discount
	}
	return c
}

// Processor owns the batch job lifecycle. Each submitted job gets its own
// execution goroutine plus a deadline monitor; both stop when the job
// reaches a terminal status or the processor shuts down.
type Processor struct {
	store  Store
	exec   Executor
	pricer Pricer
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
	closed  bool

	// onCompletion, when set, observes every terminal transition.
	onCompletion func(status Status, elapsed time.Duration)
}

type Option func(*Processor)

// WithCompletionHook registers an observer for terminal transitions,
// e.g. for completion-time metrics. Called after the job is persisted.
func WithCompletionHook(fn func(status Status, elapsed time.Duration)) Option {
	return func(p *Processor) { p.onCompletion = fn }
}

func NewProcessor(store Store, exec Executor, pricer Pricer, cfg Config, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pricer == nil {
		pricer = func(*provider.Response) float64 { return 0 }
	}
	p := &Processor{
		store:   store,
		exec:    exec,
		pricer:  pricer,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		cancels: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit validates the request set, persists a new job and starts its
// background execution. The returned job is a snapshot in the requested
// status; poll Status for progress.
func (p *Processor) Submit(ctx context.Context, tenantID, model string, reqs []*provider.Request, window time.Duration) (*Job, error) {
	job, err := p.newJob(tenantID, model, reqs, window, "")
	if err != nil {
		return nil, err
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := p.start(job); err != nil {
		return nil, err
	}
	return job.clone(), nil
}

func (p *Processor) newJob(tenantID, model string, reqs []*provider.Request, window time.Duration, retryOf string) (*Job, error) {
	if len(reqs) == 0 {
		return nil, &provider.Error{Kind: provider.KindValidation, Err: errors.New("batch submission has no requests")}
	}
	if window <= 0 {
		window = p.cfg.CompletionWindow
	}

	now := p.now()
	members := make([]*provider.Request, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	for i, r := range reqs {
		m := *r
		if m.Model == "" {
			m.Model = model
		}
		if m.CustomID == "" {
			m.CustomID = uuid.New().String()
		}
		if _, dup := seen[m.CustomID]; dup {
			return nil, &provider.Error{
				Kind: provider.KindValidation,
				Err:  fmt.Errorf("duplicate custom id %q in batch submission", m.CustomID),
			}
		}
		seen[m.CustomID] = struct{}{}
		members[i] = &m
	}

	return &Job{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Model:     model,
		Status:    StatusRequested,
		RetryOf:   retryOf,
		Requests:  members,
		Deadline:  now.Add(window),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (p *Processor) start(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("batch processor is shut down")
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	p.cancels[job.ID] = cancel

	p.wg.Add(2)
	go p.monitor(ctx, cancel, job.ID, job.Deadline)
	go p.run(ctx, job)
	return nil
}

// monitor is the long-lived poller for one job. It only watches the
// clock; run reacts to the cancellation cause.
func (p *Processor) monitor(ctx context.Context, cancel context.CancelCauseFunc, jobID string, deadline time.Time) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.now().After(deadline) {
				p.logger.Warn("batch job breached completion window",
					zap.String("job_id", jobID),
					zap.Time("deadline", deadline),
				)
				cancel(ErrSLABreach)
				return
			}
		}
	}
}

func (p *Processor) run(ctx context.Context, job *Job) {
	defer p.wg.Done()
	defer p.release(job.ID)

	for _, status := range []Status{StatusValidating, StatusPreparing, StatusReady} {
		if err := p.transition(job, status); err != nil {
			p.logger.Error("batch job transition failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			p.fail(job, context.Cause(ctx))
			return
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, req := range job.Requests {
		req := req
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil // canceled before this item started; leave it out of the manifest
			}
			entry := p.execute(gctx, req)
			mu.Lock()
			job.Manifest = append(job.Manifest, entry)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.fail(job, err)
		return
	}
	if ctx.Err() != nil {
		p.fail(job, ErrCanceled)
		return
	}

	if err := p.transition(job, StatusCompleted); err != nil {
		p.logger.Error("batch job completion failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.logger.Info("batch job completed",
		zap.String("job_id", job.ID),
		zap.Int("items", len(job.Manifest)),
	)
}

func (p *Processor) execute(ctx context.Context, req *provider.Request) ManifestEntry {
	resp, err := p.exec(ctx, req)
	if err != nil {
		return ManifestEntry{CustomID: req.CustomID, Error: err.Error()}
	}
	return ManifestEntry{
		CustomID:     req.CustomID,
		Success:      true,
		Content:      resp.Content,
		Backend:      resp.Backend,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      p.pricer(resp) * p.cfg.Discount,
	}
}

func (p *Processor) transition(job *Job, to Status) error {
	if err := job.advance(to, p.now()); err != nil {
		return err
	}
	if err := p.store.UpdateJob(context.Background(), job); err != nil {
		return err
	}
	if to.Terminal() && p.onCompletion != nil {
		elapsed := p.now().Sub(job.CreatedAt)
		if job.CompletedAt != nil {
			elapsed = job.CompletedAt.Sub(job.CreatedAt)
		}
		p.onCompletion(to, elapsed)
	}
	return nil
}

func (p *Processor) fail(job *Job, cause error) {
	if cause != nil {
		job.Error = cause.Error()
	}
	if err := p.transition(job, StatusFailed); err != nil {
		p.logger.Error("batch job failure persist failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.logger.Warn("batch job failed",
		zap.String("job_id", job.ID),
		zap.Int("resolved_items", len(job.Manifest)),
		zap.Error(cause),
	)
}

func (p *Processor) release(jobID string) {
	p.mu.Lock()
	if cancel, ok := p.cancels[jobID]; ok {
		cancel(nil)
		delete(p.cancels, jobID)
	}
	p.mu.Unlock()
}

// Status returns the job's current snapshot.
func (p *Processor) Status(ctx context.Context, id string) (*Job, error) {
	return p.store.GetJob(ctx, id)
}

// List returns jobs for a tenant, newest first. An empty tenant id lists
// every job.
func (p *Processor) List(ctx context.Context, tenantID string) ([]*Job, error) {
	return p.store.ListJobs(ctx, tenantID)
}

// Retrieve returns the result manifest. It errors until the job is
// terminal; a failed job yields whatever partial manifest was resolved
// before the failure.
func (p *Processor) Retrieve(ctx context.Context, id string) ([]ManifestEntry, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, id, job.Status)
	}
	return job.Manifest, nil
}

// Retry resubmits a failed job's request set as a new job. The original
// job is never mutated.
func (p *Processor) Retry(ctx context.Context, id string) (*Job, error) {
	orig, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != StatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotRetryable, id, orig.Status)
	}

	job, err := p.newJob(orig.TenantID, orig.Model, orig.Requests, 0, orig.ID)
	if err != nil {
		return nil, err
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := p.start(job); err != nil {
		return nil, err
	}
	return job.clone(), nil
}

// Cancel stops a running job. Items already resolved stay in the
// manifest; the job lands in failed.
func (p *Processor) Cancel(ctx context.Context, id string) error {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}

	p.mu.Lock()
	cancel, ok := p.cancels[id]
	p.mu.Unlock()
	if ok {
		cancel(ErrCanceled)
		return nil
	}

	// No live goroutine (e.g. after a restart): mark it directly.
	job.Error = ErrCanceled.Error()
	return p.transition(job, StatusFailed)
}

// Close cancels every running job and waits for their goroutines.
func (p *Processor) Close() {
	p.mu.Lock()
	p.closed = true
	for _, cancel := range p.cancels {
		cancel(ErrCanceled)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
