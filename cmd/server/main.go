package main

import (
	"context"
	"encoding/json"
	"errors"
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

	"github.com/propmarkets/challenge-engine/internal/audit"
	"github.com/propmarkets/challenge-engine/internal/config"
	"github.com/propmarkets/challenge-engine/internal/engine"
	"github.com/propmarkets/challenge-engine/internal/metrics"
	"github.com/propmarkets/challenge-engine/internal/quote"
	"github.com/propmarkets/challenge-engine/internal/reset"
	"github.com/propmarkets/challenge-engine/internal/settlement"
	"github.com/propmarkets/challenge-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Quote source ---
	var quotes quote.Source
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		quotes = quote.NewRedisSource(rdb, cfg.QuoteTimeout)
		slog.Info("quote cache connected", "timeout", cfg.QuoteTimeout.String())
	} else {
		slog.Warn("REDIS_URL not set, using in-memory quote source (no live market data)")
		quotes = quote.NewMemorySource()
	}

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Core services ---
	eng := engine.NewService(st, quotes, wsHub)
	scanner := settlement.NewScanner(st, quotes, eng)
	resetter := reset.NewScheduler(st, quotes)
	reconciler := audit.NewReconciler(st)

	// --- Background tickers (optional; cron endpoints always available) ---
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	if cfg.SettlementInterval > 0 {
		go scanner.Run(bgCtx, cfg.SettlementInterval)
	}
	if cfg.DailyResetInterval > 0 {
		go resetter.Run(bgCtx, cfg.DailyResetInterval)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"challenge-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time challenge events.
		r.Get("/ws", wsHub.HandleWS)

		// Challenge provisioning and queries.
		r.Post("/challenges", eng.HandleCreateChallenge)
		r.Get("/challenges/{challengeID}", eng.HandleGetChallenge)
		r.Get("/challenges/{challengeID}/equity", eng.HandleEquity)
		r.Get("/challenges/{challengeID}/positions", eng.HandleListPositions)
		r.Get("/challenges/{challengeID}/trades", eng.HandleListTrades)

		// Ledger-integrity audit; reports, never heals.
		r.Get("/challenges/{challengeID}/audit", auditHandler(reconciler))

		// Trade execution and position closing.
		r.Post("/trades", eng.HandleTrade)
		r.Post("/positions/{positionID}/close", eng.HandleClose)

		// Cron triggers for external schedulers.
		r.Group(func(r chi.Router) {
			r.Use(cronAuth(cfg.CronSecret))
			r.Post("/cron/settlement", func(w http.ResponseWriter, req *http.Request) {
				report := scanner.RunPass(req.Context())
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(report)
			})
			r.Post("/cron/daily-reset", func(w http.ResponseWriter, req *http.Request) {
				report := resetter.RunDailyReset(req.Context())
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(report)
			})
		})
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
		slog.Info("challenge-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down challenge-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("challenge-engine stopped")
}

// auditHandler serves the ledger reconciliation report. An unknown challenge
// is 404; any other reconciliation failure is 500; a detected divergence is
// still a 200 carrying the full result.
func auditHandler(reconciler *audit.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		result, err := reconciler.ReconcileChallenge(req.Context(), chi.URLParam(req, "challengeID"))
		if result == nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		if err != nil {
			slog.Error("ledger integrity violation", "challenge", result.ChallengeID,
				"divergence", result.Divergence.String())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// cronAuth guards the scheduler trigger endpoints with a shared secret.
// With no secret configured the triggers are open (development mode).
func cronAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get("X-Cron-Secret") != secret {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
