package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/auth"
	"github.com/vnmchuo/inference-router/internal/backend"
	"github.com/vnmchuo/inference-router/internal/batchjob"
	"github.com/vnmchuo/inference-router/internal/billing"
	"github.com/vnmchuo/inference-router/internal/classify"
	"github.com/vnmchuo/inference-router/internal/health"
	"github.com/vnmchuo/inference-router/internal/localbatch"
	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/router"
	"github.com/vnmchuo/inference-router/pkg/ratelimit"
)

type Handler struct {
	router   *router.Router
	dispatch *Dispatcher
	batch    *batchjob.Processor
	registry *backend.Registry
	tracker  *health.Tracker
	billing  billing.Store
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   *zap.Logger
	// reload re-reads the routing file; wired by main, also driven by SIGHUP.
	reload func() error
}

func NewHandler(rt *router.Router, dispatch *Dispatcher, batch *batchjob.Processor,
	registry *backend.Registry, tracker *health.Tracker, billingStore billing.Store,
	limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger, reload func() error) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		router:   rt,
		dispatch: dispatch,
		batch:    batch,
		registry: registry,
		tracker:  tracker,
		billing:  billingStore,
		limiter:  limiter,
		tracer:   tracer,
		logger:   logger,
		reload:   reload,
	}
}

// routingOptions is the caller-facing routing metadata block.
type routingOptions struct {
	Urgency        string   `json:"urgency,omitempty"`
	CostCeilingUSD float64  `json:"cost_ceiling_usd,omitempty"`
	MaxLatencyMs   int64    `json:"max_latency_ms,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
	Chain          []string `json:"chain,omitempty"`
}

type completionRequest struct {
	provider.Request
	Routing routingOptions `json:"routing"`
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if body.Model == "" || len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required", nil)
		return
	}

	req := body.Request
	req.TenantID = tenantID
	req.RequestID = requestID
	if req.TraceID == "" {
		req.TraceID = r.Header.Get("X-Trace-ID")
	}

	ctx, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}
	allowed, err := h.limiter.Allow(ctx, tenantID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
		return
	}

	urgency := router.Urgency(body.Routing.Urgency)
	maxLatency := time.Duration(body.Routing.MaxLatencyMs) * time.Millisecond
	path := classify.Decide(urgency, body.Routing.CostCeilingUSD, maxLatency)
	span.SetAttributes(attribute.String("path", string(path)))

	switch path {
	case classify.PathBatch:
		h.completeBatch(ctx, w, tenantID, &req)
	case classify.PathLocal:
		h.completeLocal(ctx, w, tenantID, requestID, &body, &req, maxLatency)
	default:
		h.completeRealtime(ctx, w, tenantID, requestID, &body, &req, maxLatency)
	}
}

// completeBatch folds a single low-urgency completion into an async job
// and answers 202 with the job id.
func (h *Handler) completeBatch(ctx context.Context, w http.ResponseWriter, tenantID string, req *provider.Request) {
	job, err := h.batch.Submit(ctx, tenantID, req.Model, []*provider.Request{req}, 0)
	if err != nil {
		if provider.KindOf(err) == provider.KindValidation {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"object":   "batch",
		"id":       job.ID,
		"status":   job.Status,
		"deadline": job.Deadline,
	})
}

// completeLocal runs the request through a continuous-batching pool when
// the model has one; otherwise it falls back to the realtime path.
func (h *Handler) completeLocal(ctx context.Context, w http.ResponseWriter, tenantID, requestID string,
	body *completionRequest, req *provider.Request, maxLatency time.Duration) {
	var pool *backend.Descriptor
	for _, d := range h.registry.List(req.Model) {
		if d.Kind == backend.KindLocalPool && h.tracker.AcquireProbe(d.ID) {
			pool = d
			break
		}
	}
	if pool == nil {
		h.completeRealtime(ctx, w, tenantID, requestID, body, req, maxLatency)
		return
	}

	callCtx := ctx
	if maxLatency > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, maxLatency)
		defer cancel()
	}

	start := time.Now()
	resp, err := h.dispatch.SubmitLocal(callCtx, pool.ID, req)
	if err != nil {
		if errors.Is(err, localbatch.ErrOverloaded) {
			// Saturation is a capacity signal, not a health verdict.
			h.tracker.ReleaseProbe(pool.ID)
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "local pool overloaded, retry later or use the realtime path", nil)
			return
		}
		h.tracker.RecordFailure(pool.ID)
		writeError(w, http.StatusBadGateway, err.Error(), nil)
		return
	}
	h.tracker.RecordSuccess(pool.ID)

	trail := []router.Decision{{
		Backend:   pool.ID,
		Model:     req.Model,
		Strategy:  "local-batch",
		Success:   true,
		LatencyMs: time.Since(start).Milliseconds(),
		TenantID:  tenantID,
		TraceID:   req.TraceID,
		RequestID: requestID,
		At:        start,
	}}
	h.logUsage(tenantID, requestID, pool, resp)
	h.writeCompletion(w, resp, trail)
}

func (h *Handler) completeRealtime(ctx context.Context, w http.ResponseWriter, tenantID, requestID string,
	body *completionRequest, req *provider.Request, maxLatency time.Duration) {
	env := &router.Envelope{
		Request:        req,
		Urgency:        router.Urgency(body.Routing.Urgency),
		CostCeilingUSD: body.Routing.CostCeilingUSD,
		MaxLatency:     maxLatency,
		MaxRetries:     -1,
		Chain:          body.Routing.Chain,
	}
	if body.Routing.MaxRetries != nil {
		env.MaxRetries = *body.Routing.MaxRetries
	}

	resp, trail, err := h.router.Route(ctx, env)
	if err != nil {
		status := http.StatusBadGateway
		var routeErr *router.Error
		if errors.As(err, &routeErr) {
			switch routeErr.Category {
			case router.CategoryValidation:
				status = http.StatusBadRequest
			case router.CategoryTimeout:
				status = http.StatusGatewayTimeout
			case router.CategoryRateLimited:
				status = http.StatusTooManyRequests
			}
		}
		writeError(w, status, err.Error(), trail)
		return
	}

	if desc, ok := h.registry.Get(resp.Backend); ok {
		h.logUsage(tenantID, requestID, desc, resp)
	}
	h.writeCompletion(w, resp, trail)
}

// logUsage appends a ledger row off the request path.
func (h *Handler) logUsage(tenantID, requestID string, desc *backend.Descriptor, resp *provider.Response) {
	go func() {
		err := h.billing.LogUsage(context.Background(), &billing.UsageLog{
			TenantID:     tenantID,
			RequestID:    requestID,
			Backend:      desc.ID,
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      desc.CostUSD(resp.InputTokens, resp.OutputTokens),
			LatencyMs:    resp.LatencyMs,
		})
		if err != nil {
			h.logger.Warn("usage log write failed", zap.Error(err))
		}
	}()
}

// writeCompletion renders the OpenAI-compatible completion shape plus the
// router extension block with the attempt trail.
func (h *Handler) writeCompletion(w http.ResponseWriter, resp *provider.Response, trail []router.Decision) {
	respID := resp.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	var costUSD float64
	for _, d := range trail {
		if d.Success {
			costUSD = d.EstCostUSD
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     respID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.InputTokens + resp.OutputTokens,
		},
		"router": map[string]any{
			"backend":    resp.Backend,
			"latency_ms": resp.LatencyMs,
			"cost_usd":   costUSD,
			"trail":      trail,
		},
	})
}

type batchSubmitRequest struct {
	Model            string              `json:"model"`
	Requests         []*provider.Request `json:"requests"`
	CompletionWindow string              `json:"completion_window,omitempty"` // e.g. "24h"
}

func (h *Handler) HandleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r.Context())
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var body batchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	var window time.Duration
	if body.CompletionWindow != "" {
		var err error
		window, err = time.ParseDuration(body.CompletionWindow)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid completion_window (use a duration like 24h)", nil)
			return
		}
	}

	job, err := h.batch.Submit(r.Context(), tenantID, body.Model, body.Requests, window)
	if err != nil {
		if provider.KindOf(err) == provider.KindValidation {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusAccepted, jobView(job))
}

func (h *Handler) HandleBatchStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.tenantJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (h *Handler) HandleBatchRetrieve(w http.ResponseWriter, r *http.Request) {
	job, ok := h.tenantJob(w, r)
	if !ok {
		return
	}

	manifest, err := h.batch.Retrieve(r.Context(), job.ID)
	if err != nil {
		if errors.Is(err, batchjob.ErrNotReady) {
			writeError(w, http.StatusConflict, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object":   "batch.manifest",
		"id":       job.ID,
		"status":   job.Status,
		"error":    job.Error,
		"manifest": manifest,
	})
}

func (h *Handler) HandleBatchRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := h.tenantJob(w, r)
	if !ok {
		return
	}

	retry, err := h.batch.Retry(r.Context(), job.ID)
	if err != nil {
		if errors.Is(err, batchjob.ErrNotRetryable) {
			writeError(w, http.StatusConflict, err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusAccepted, jobView(retry))
}

func (h *Handler) HandleBatchCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.tenantJob(w, r)
	if !ok {
		return
	}

	if err := h.batch.Cancel(r.Context(), job.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "canceled": true})
}

func (h *Handler) HandleBatchList(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r.Context())
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	jobs, err := h.batch.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	views := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		views[i] = jobView(j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": views})
}

// tenantJob loads the path's job and enforces tenant ownership.
func (h *Handler) tenantJob(w http.ResponseWriter, r *http.Request) (*batchjob.Job, bool) {
	tenantID := auth.GetTenantID(r.Context())
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return nil, false
	}

	job, err := h.batch.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, batchjob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch job not found", nil)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return nil, false
	}
	if job.TenantID != tenantID {
		writeError(w, http.StatusNotFound, "batch job not found", nil)
		return nil, false
	}
	return job, true
}

func jobView(job *batchjob.Job) map[string]any {
	v := map[string]any{
		"object":     "batch",
		"id":         job.ID,
		"model":      job.Model,
		"status":     job.Status,
		"requests":   len(job.Requests),
		"resolved":   len(job.Manifest),
		"deadline":   job.Deadline,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.RetryOf != "" {
		v["retry_of"] = job.RetryOf
	}
	if job.Error != "" {
		v["error"] = job.Error
	}
	return v
}

// HandleHealthz reports overall availability plus a per-backend
// eligibility snapshot.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	states := h.tracker.Snapshot()
	backends := make([]map[string]any, 0)
	eligible := 0
	for _, d := range h.registry.All() {
		state, tracked := states[d.ID]
		if !tracked {
			state = health.StateClosed
		}
		ok := h.tracker.IsEligible(d.ID)
		if ok {
			eligible++
		}
		backends = append(backends, map[string]any{
			"id":       d.ID,
			"model":    d.Model,
			"kind":     d.Kind,
			"state":    state.String(),
			"eligible": ok,
		})
	}

	status := "ok"
	code := http.StatusOK
	if len(backends) > 0 && eligible == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":   status,
		"service":  "inference-router",
		"backends": backends,
		"pools":    h.dispatch.PoolStats(),
	})
}

// HandleModels lists the logical models the registry can route.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := h.registry.Models()
	data := make([]map[string]any, len(models))
	for i, m := range models {
		backends := h.registry.List(m)
		ids := make([]string, len(backends))
		for j, d := range backends {
			ids[j] = d.ID
		}
		data[i] = map[string]any{
			"id":       m,
			"object":   "model",
			"backends": ids,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)", nil)
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)", nil)
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

// HandleReload re-reads the routing file and applies it. A file that
// fails validation leaves the running configuration untouched.
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload not configured", nil)
		return
	}
	if err := h.reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("reload rejected: %v", err), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, trail []router.Decision) {
	body := map[string]any{"error": msg}
	if len(trail) > 0 {
		body["trail"] = trail
	}
	writeJSON(w, status, body)
}
