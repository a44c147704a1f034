package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/config"
	"github.com/vnmchuo/inference-router/internal/auth"
	"github.com/vnmchuo/inference-router/internal/backend"
	"github.com/vnmchuo/inference-router/internal/batchjob"
	"github.com/vnmchuo/inference-router/internal/billing"
	"github.com/vnmchuo/inference-router/internal/health"
	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/proxy"
	"github.com/vnmchuo/inference-router/internal/router"
	"github.com/vnmchuo/inference-router/internal/seeder"
	"github.com/vnmchuo/inference-router/internal/telemetry"
	"github.com/vnmchuo/inference-router/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("inference-router", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	shutdownMeter, err := telemetry.InitMeter(cfg)
	if err != nil {
		logger.Fatal("failed to init meter", zap.Error(err))
	}
	defer shutdownMeter()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("postgres connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init billing
	billingStore := billing.NewPostgresStore(pool)

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Load routing topology
	routing, err := config.LoadRouting(cfg.RoutingConfigPath)
	if err != nil {
		logger.Fatal("failed to load routing config", zap.Error(err))
	}

	meter := otel.GetMeterProvider().Meter("inference-router")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		logger.Fatal("failed to init metrics", zap.Error(err))
	}

	registry := backend.NewRegistry()
	applyBackends(registry, routing, logger)

	tracker := health.NewTracker(circuitConfig(routing), logger,
		health.WithTransitionHook(func(backendID string, from, to health.State) {
			metrics.RecordCircuitTransition(context.Background(), backendID, from.String(), to.String())
		}),
	)
	usage := backend.NewUsageTracker()

	dispatch := proxy.NewDispatcher(logger)
	defer dispatch.Close()
	dispatch.Configure(routing.Backends)

	// 9. Init router
	rt := router.New(registry, tracker, usage, dispatch, logger,
		router.WithDecisionSink(func(d router.Decision) {
			metrics.RecordAttempt(context.Background(), d.Backend, d.Success, d.LatencyMs)
			if d.Success {
				metrics.RecordCost(context.Background(), d.Backend, d.TenantID, d.EstCostUSD)
			}
		}),
	)
	rt.ApplyPolicy(routingPolicy(routing))

	// 10. Init batch processor
	batchStore := batchjob.NewPostgresStore(pool)
	executor := func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		resp, _, err := rt.Route(ctx, &router.Envelope{
			Request:    req,
			Urgency:    router.UrgencyLow,
			MaxRetries: -1,
		})
		return resp, err
	}
	pricer := func(resp *provider.Response) float64 {
		if d, ok := registry.Get(resp.Backend); ok {
			return d.CostUSD(resp.InputTokens, resp.OutputTokens)
		}
		return 0
	}
	batch := batchjob.NewProcessor(batchStore, executor, pricer, batchConfig(routing), logger,
		batchjob.WithCompletionHook(func(status batchjob.Status, elapsed time.Duration) {
			metrics.RecordBatchCompletion(context.Background(), string(status), elapsed)
		}),
	)
	defer batch.Close()

	// 11. Init handler, with the hot-reload hook
	reload := func() error {
		fresh, err := config.LoadRouting(cfg.RoutingConfigPath)
		if err != nil {
			return err
		}
		applyBackends(registry, fresh, logger)
		tracker.UpdateConfig(circuitConfig(fresh))
		dispatch.Configure(fresh.Backends)
		rt.ApplyPolicy(routingPolicy(fresh))
		logger.Info("routing config reloaded", zap.Int("backends", len(fresh.Backends)))
		return nil
	}

	tracer := otel.GetTracerProvider().Tracer("inference-router")
	handler := proxy.NewHandler(rt, dispatch, batch, registry, tracker, billingStore,
		limiter, tracer, logger, reload)

	// 12. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	// 13. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", handler.HandleHealthz)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Get("/v1/models", handler.HandleModels)
		r.Get("/v1/usage", handler.HandleUsage)

		r.Post("/v1/batches", handler.HandleBatchSubmit)
		r.Get("/v1/batches", handler.HandleBatchList)
		r.Get("/v1/batches/{id}", handler.HandleBatchStatus)
		r.Get("/v1/batches/{id}/results", handler.HandleBatchRetrieve)
		r.Post("/v1/batches/{id}/retry", handler.HandleBatchRetry)
		r.Post("/v1/batches/{id}/cancel", handler.HandleBatchCancel)

		r.Post("/admin/reload", handler.HandleReload)
	})

	// SIGHUP also triggers a routing reload
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := reload(); err != nil {
				logger.Error("sighup reload rejected", zap.Error(err))
			}
		}
	}()

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("inference router starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// applyBackends swaps the registry snapshot and logs any rejected entries.
func applyBackends(registry *backend.Registry, rc *config.RoutingConfig, logger *zap.Logger) {
	descriptors := make([]backend.Descriptor, len(rc.Backends))
	for i, b := range rc.Backends {
		descriptors[i] = backend.Descriptor{
			ID:             b.ID,
			Model:          b.Model,
			Kind:           backend.Kind(b.Kind),
			Endpoint:       b.Endpoint,
			APIKey:         b.APIKey(),
			Weight:         b.Weight,
			RPM:            int64(b.RPM),
			TPM:            int64(b.TPM),
			InputCostPerM:  b.InputCostPerM,
			OutputCostPerM: b.OutputCostPerM,
		}
	}

	kept, rejected := registry.Reload(descriptors)
	for _, ce := range rejected {
		logger.Warn("rejected backend entry",
			zap.String("id", ce.ID),
			zap.Int("index", ce.Index),
			zap.String("reason", ce.Reason),
		)
	}
	logger.Info("backend registry loaded", zap.Int("backends", len(kept)), zap.Int("rejected", len(rejected)))
}

func circuitConfig(rc *config.RoutingConfig) health.Config {
	return health.Config{
		FailureThreshold: rc.Circuit.FailureThreshold,
		FailureWindow:    rc.Circuit.FailureWindow.Std(),
		Cooldown:         rc.Circuit.Cooldown.Std(),
		MaxCooldown:      rc.Circuit.MaxCooldown.Std(),
	}
}

func routingPolicy(rc *config.RoutingConfig) router.Policy {
	pol := router.DefaultPolicy()
	if rc.Strategy != "" {
		pol.Strategy = router.Strategy(rc.Strategy)
	}
	pol.Chains = rc.Chains
	if rc.Retry.MaxRetries > 0 {
		pol.MaxRetries = rc.Retry.MaxRetries
	}
	if rc.Retry.BaseDelay > 0 {
		pol.BaseDelay = rc.Retry.BaseDelay.Std()
	}
	if rc.Retry.MaxDelay > 0 {
		pol.MaxDelay = rc.Retry.MaxDelay.Std()
	}
	return pol
}

func batchConfig(rc *config.RoutingConfig) batchjob.Config {
	return batchjob.Config{
		CompletionWindow: rc.Batch.CompletionWindow.Std(),
		PollInterval:     rc.Batch.PollInterval.Std(),
		Concurrency:      rc.Batch.Concurrency,
		Discount:         rc.Batch.Discount,
	}
}
