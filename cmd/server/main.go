package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agentfi/chatpool/internal/agent"
	"github.com/agentfi/chatpool/internal/auth"
	"github.com/agentfi/chatpool/internal/bridge"
	"github.com/agentfi/chatpool/internal/cache"
	"github.com/agentfi/chatpool/internal/customer"
	"github.com/agentfi/chatpool/internal/gateway"
	"github.com/agentfi/chatpool/internal/llm"
	"github.com/agentfi/chatpool/internal/pool"
	"github.com/agentfi/chatpool/internal/router"
	"github.com/agentfi/chatpool/internal/store"
	"github.com/agentfi/chatpool/pkg/config"
)

func main() {
	// --- Config ---
	configPath := os.Getenv("CHATPOOL_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		slog.Error("refusing to start", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "port", cfg.Server.Port, "intake", cfg.Gateway.Intake)

	prompt, err := os.ReadFile(cfg.Agent.PromptPath)
	if err != nil {
		slog.Error("failed to read system prompt", "path", cfg.Agent.PromptPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Database ---
	dbPool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to create db pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	st := store.NewStore(dbPool)
	if err := st.Migrate(ctx); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// --- Cache ---
	customerCache, backend, closeCache := newCache(ctx, cfg.Redis)
	defer closeCache()

	// --- Agents ---
	llmClient := llm.NewBreakerClient(llm.NewOpenAIClient(cfg.LLM), cfg.LLM.BreakerFailures, cfg.LLM.BreakerTimeout, slog.Default())
	factory := agent.NewFactory(llmClient, agent.Options{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		MaxHistory:  cfg.Agent.MaxHistory,
	})

	b := bridge.New(bridge.Config{Workers: cfg.Bridge.Workers, QueueSize: cfg.Bridge.QueueSize}, slog.Default())
	b.Start()

	sched := pool.NewScheduler(pool.NewRegistry(), factory, b, pool.Options{
		Floor:         cfg.Pool.Floor,
		CloseAbove:    cfg.Pool.CloseAbove,
		IdleThreshold: cfg.Pool.IdleThreshold,
		SweepInterval: cfg.Pool.SweepInterval,
		ResetOnAssign: cfg.Pool.ResetOnAssign,
		SystemPrompt:  string(prompt),
	}, slog.Default())
	if err := sched.Fill(ctx); err != nil {
		slog.Error("failed to warm agent pool", "error", err)
		os.Exit(1)
	}
	monitor := pool.NewMonitor(sched)
	if err := monitor.Start(); err != nil {
		slog.Error("failed to start idle monitor", "error", err)
		os.Exit(1)
	}

	// --- Messaging ---
	gw := gateway.NewClient(cfg.Gateway)
	customers := customer.NewResolver(customerCache, st, gw, slog.Default())
	rt := router.New(sched, gw, customers, b, router.Options{
		TypingIndicator: cfg.Gateway.TypingIndicator,
		TypingDelay:     time.Duration(cfg.Gateway.TypingDelayMs) * time.Millisecond,
		QueryTimeout:    cfg.Agent.QueryTimeout,
		SlowThreshold:   cfg.Agent.SlowThreshold,
	}, slog.Default())

	var webhook http.Handler
	switch cfg.Gateway.Intake {
	case "websocket":
		socket := gateway.NewSocket(cfg.Gateway, rt, slog.Default())
		go socket.Run(ctx)
	default:
		webhook = gateway.NewWebhook(rt, cfg.Gateway.WebhookSecret, slog.Default())
	}

	// --- HTTP Server ---
	deps := serverDeps{
		cfg:     cfg,
		sched:   sched,
		monitor: monitor,
		bridge:  b,
		breaker: llmClient,
		cache:   customerCache,
		backend: backend,
		webhook: webhook,
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer shutdownCancel()

		// Stop intake first so no new conversations start while agents close.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			slog.Error("router shutdown error", "error", err)
		}
		monitor.Stop(shutdownCtx)
		sched.Shutdown(shutdownCtx)
		if err := b.Stop(shutdownCtx); err != nil {
			slog.Error("bridge shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("server stopped")
}

type serverDeps struct {
	cfg     *config.Config
	sched   *pool.Scheduler
	monitor *pool.Monitor
	bridge  *bridge.Bridge
	breaker *llm.BreakerClient
	cache   cache.Cache
	backend string
	webhook http.Handler
}

func newRouter(d serverDeps) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		counts := d.sched.Registry().Counts()
		status := "ok"
		if counts.Pool == 0 || !d.bridge.Running() {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":         status,
			"pool":           counts,
			"bridge_pending": d.bridge.Pending(),
			"llm_breaker":    d.breaker.State(),
		})
	})

	if d.webhook != nil {
		r.Post("/webhook", d.webhook.ServeHTTP)
		// Evolution appends the event name when "webhook by events" is on.
		r.Post("/webhook/*", d.webhook.ServeHTTP)
	}

	// --- Auth ---
	authSvc := auth.NewService(d.cfg.Auth.JWTSecret, d.cfg.Auth.TokenTTL)
	authHandler := auth.NewHandler()

	poolHandler := pool.NewHandler(d.sched, d.monitor)
	cacheHandler := cache.NewHandler(d.cache, d.backend)

	// Admin API routes (require JWT)
	r.Route("/api", func(r chi.Router) {
		r.Use(authSvc.JWTMiddleware)
		r.Get("/auth/whoami", authHandler.HandleWhoAmI)
		r.Mount("/pool", poolHandler.Routes())
		r.Get("/cache/stats", cacheHandler.HandleStats)
	})

	return r
}

// newCache picks redis when a URL is configured and falls back to memory
// when it is absent or unreachable.
func newCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, string, func()) {
	if strings.TrimSpace(cfg.URL) == "" {
		slog.Info("cache: using memory backend")
		return cache.NewMemory(), "memory", func() {}
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		slog.Error("failed to parse redis url, using memory cache", "error", err)
		return cache.NewMemory(), "memory", func() {}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, using memory cache", "error", err)
		rdb.Close()
		return cache.NewMemory(), "memory", func() {}
	}
	slog.Info("redis connected")
	return cache.NewRedis(rdb, cfg.CacheKey), "redis", func() { rdb.Close() }
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
