package main

import (
	"context"
	"errors"
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

	"github.com/wattweiser/llm-gateway/config"
	"github.com/wattweiser/llm-gateway/internal/billing"
	"github.com/wattweiser/llm-gateway/internal/metrics"
	"github.com/wattweiser/llm-gateway/internal/provider"
	"github.com/wattweiser/llm-gateway/internal/provider/claude"
	"github.com/wattweiser/llm-gateway/internal/provider/gemini"
	"github.com/wattweiser/llm-gateway/internal/provider/openai"
	"github.com/wattweiser/llm-gateway/internal/proxy"
	"github.com/wattweiser/llm-gateway/internal/telemetry"
	"github.com/wattweiser/llm-gateway/internal/tenant"
	"github.com/wattweiser/llm-gateway/pkg/ratelimit"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pf, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("providers file not loaded, using built-in defaults",
				zap.String("path", cfg.ProvidersFile), zap.Error(err))
		}
		pf = config.DefaultProviders(cfg)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-gateway", cfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Usage store: Postgres when configured, SQLite standalone
	// fallback, else in-memory accounting only.
	var store billing.Store
	switch {
	case cfg.PostgresDSN != "":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		store = billing.NewPostgresStore(pool)
		logger.Info("usage store: postgres")
	case cfg.SQLitePath != "":
		sqliteStore, err := billing.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
		logger.Info("usage store: sqlite", zap.String("path", cfg.SQLitePath))
	default:
		logger.Warn("no usage store configured, usage records are not persisted")
	}

	// 4. Rate limiter (optional, Redis-backed)
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		logger.Info("rate limiting enabled", zap.Int64("default_tpm", cfg.DefaultRateLimitTPM))
	}

	// 5. Build the provider registry from configuration
	registry := provider.NewRegistry(logger.Named("registry"))
	for _, pc := range pf.Providers {
		impl, err := buildProvider(cfg, pc)
		if err != nil {
			return err
		}
		costs := make(map[string]provider.ModelCost, len(pc.Costs))
		for model, c := range pc.Costs {
			costs[model] = provider.ModelCost{PromptPer1K: c.PromptPer1K, CompletionPer1K: c.CompletionPer1K}
		}
		registry.Register(provider.NewEntry(impl, provider.EntryConfig{
			Name:     pc.Name,
			Priority: pc.Priority,
			Timeout:  time.Duration(pc.TimeoutMS) * time.Millisecond,
			Models:   pc.Models,
			Costs:    costs,
		}))
	}

	// 6. Cost tracker and alert notifier
	m := metrics.New()
	tracker := billing.NewTracker(registry, store, billing.TrackerConfig{
		DefaultThresholdUSD: pf.Alerting.DefaultThresholdUSD,
		TenantThresholds:    pf.Alerting.Tenants,
		AlertWindow:         time.Duration(pf.Alerting.WindowMinutes) * time.Minute,
	}, logger.Named("billing"))

	notifier := billing.NewNotifier(tracker.Alerts(), pf.Alerting.WebhookURL, m.Alerts, logger.Named("alerts"))
	go notifier.Run(ctx)

	// 7. Health prober
	prober := provider.NewProber(registry,
		time.Duration(pf.Probe.IntervalSeconds)*time.Second,
		time.Duration(pf.Probe.TimeoutSeconds)*time.Second,
		logger.Named("prober"),
	)
	go prober.Run(ctx)

	// 8. Router and handler
	tracer := otel.GetTracerProvider().Tracer("llm-gateway")
	router := proxy.NewRouter(registry, tracker, m, tracer, logger.Named("router"), proxy.RouterConfig{
		MaxAttempts: pf.Routing.MaxAttempts,
		BackoffBase: time.Duration(pf.Routing.BackoffMS) * time.Millisecond,
	})
	handler := proxy.NewHandler(router, registry, store, limiter, tracer, logger.Named("http"))

	// 9. Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(tenant.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-gateway"}`))
	})
	r.Handle("/metrics", m.Handler())

	r.Post("/v1/completions", handler.HandleCompletions)
	r.Get("/v1/providers", handler.HandleProviders)
	r.Get("/v1/usage", handler.HandleUsage)

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams stay open well past a usual write window
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("llm gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func buildProvider(cfg *config.Config, pc config.ProviderConfig) (provider.Provider, error) {
	switch pc.Type {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("provider %q: OPENAI_API_KEY is not set", pc.Name)
		}
		return openai.New(cfg.OpenAIAPIKey, pc.BaseURL), nil
	case "claude":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("provider %q: ANTHROPIC_API_KEY is not set", pc.Name)
		}
		return claude.New(cfg.AnthropicAPIKey, pc.BaseURL), nil
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("provider %q: GEMINI_API_KEY is not set", pc.Name)
		}
		return gemini.New(cfg.GeminiAPIKey, pc.BaseURL), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
	}
}
