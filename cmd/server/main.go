package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fantasystocks/market-engine/internal/config"
	"github.com/fantasystocks/market-engine/internal/metrics"
	"github.com/fantasystocks/market-engine/internal/model"
	"github.com/fantasystocks/market-engine/internal/options"
	"github.com/fantasystocks/market-engine/internal/oracle"
	"github.com/fantasystocks/market-engine/internal/provider"
	"github.com/fantasystocks/market-engine/internal/refresh"
	"github.com/fantasystocks/market-engine/internal/settle"
	"github.com/fantasystocks/market-engine/internal/store"
	"github.com/fantasystocks/market-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Pricing ---
	orc, err := oracle.New(st, cfg.BasePrice, cfg.ScoreWeight)
	if err != nil {
		slog.Error("invalid pricing configuration", "err", err)
		os.Exit(1)
	}
	chain := options.NewGenerator()

	// App-level provider for trade-path score lookups. The refresh job
	// builds per-user providers from each holder's own credential.
	appProvider := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderToken, cfg.UserAgent)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Option settlement ---
	scheduler := settle.New(st)
	if err := scheduler.Start(context.Background()); err != nil {
		slog.Error("settlement scheduler failed to start", "err", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	// --- Trade service ---
	tradeSvc := trade.NewService(trade.Config{
		Store:       st,
		Oracle:      orc,
		Chain:       chain,
		Provider:    appProvider,
		Scheduler:   scheduler,
		Exerciser:   scheduler,
		PositionCap: cfg.PositionCap,
		Hub:         wsHub,
	})

	// --- Price refresh job ---
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	batcher := refresh.New(refresh.Config{
		Store:  st,
		Oracle: orc,
		ProviderFor: func(u *model.User) provider.ScoreProvider {
			return provider.NewClient(cfg.ProviderBaseURL, u.AccessToken, cfg.UserAgent)
		},
		Interval:     cfg.RefreshInterval,
		Cooldown:     cfg.Cooldown,
		UserPageSize: cfg.UserPageSize,
		Hub:          wsHub,
	})
	go batcher.Run(refreshCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trade and price updates.
		r.Get("/ws", wsHub.HandleWS)

		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}
