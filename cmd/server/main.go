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

	"github.com/strainex/exchange-engine/internal/exchange"
	"github.com/strainex/exchange-engine/internal/feed"
	"github.com/strainex/exchange-engine/internal/ledger"
	"github.com/strainex/exchange-engine/internal/metrics"
	"github.com/strainex/exchange-engine/internal/sched"
	"github.com/strainex/exchange-engine/internal/store"
	"github.com/strainex/exchange-engine/internal/wager"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	refreshSpec := os.Getenv("PRICE_REFRESH_SPEC")
	if refreshSpec == "" {
		refreshSpec = "*/5 * * * *" // every 5 minutes
	}
	sweepSpec := os.Getenv("SETTLEMENT_SWEEP_SPEC")
	if sweepSpec == "" {
		sweepSpec = "0 * * * *" // hourly
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
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

	// --- Shared account locks ---
	// One locker across both engines so trades and wagers on the same
	// account serialize against each other.
	locker := ledger.NewAccountLocker()

	// --- WebSocket hub ---
	wsHub := exchange.NewWSHub()
	go wsHub.Run()

	// --- Services ---
	exchangeSvc := exchange.NewService(st, locker, wsHub)
	wagerSvc := wager.NewService(st, locker)

	// --- Periodic jobs ---
	refresher := feed.NewRefresher(st, nil, wsHub)
	sweeper := wager.NewSweeper(st, wagerSvc, nil)

	runner := sched.NewRunner(context.Background())
	if _, err := runner.Add(refreshSpec, "price-refresh", func(ctx context.Context) {
		refresher.RefreshAll(ctx)
	}); err != nil {
		slog.Error("invalid PRICE_REFRESH_SPEC", "spec", refreshSpec, "err", err)
		os.Exit(1)
	}
	if _, err := runner.Add(sweepSpec, "settlement-sweep", func(ctx context.Context) {
		sweeper.Run(ctx)
	}); err != nil {
		slog.Error("invalid SETTLEMENT_SWEEP_SPEC", "spec", sweepSpec, "err", err)
		os.Exit(1)
	}
	runner.Start()
	defer runner.Stop()

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
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price and trade updates.
		r.Get("/ws", wsHub.HandleWS)

		// Accounts.
		r.Post("/accounts", exchangeSvc.HandleCreateAccount)
		r.Get("/accounts/{accountID}", exchangeSvc.HandleGetAccount)

		// Strains.
		r.Post("/strains", exchangeSvc.HandleCreateStrain)
		r.Get("/strains", exchangeSvc.HandleListStrains)
		r.Get("/strains/{strainID}", exchangeSvc.HandleGetStrain)

		// Trade execution.
		r.Post("/trades/buy", exchangeSvc.HandleBuy)
		r.Post("/trades/sell", exchangeSvc.HandleSell)
		r.Get("/trades/history", exchangeSvc.HandleTradeHistory)

		// Portfolio queries.
		r.Get("/portfolio/{accountID}", exchangeSvc.HandlePortfolio)

		// Wagers.
		r.Post("/wagers/futures", wagerSvc.HandlePlaceFutures)
		r.Post("/wagers/head-to-head", wagerSvc.HandlePlaceHeadToHead)
		r.Post("/wagers/prop", wagerSvc.HandlePlaceProp)
		r.Post("/wagers/{wagerID}/settle", wagerSvc.HandleSettle)
		r.Get("/wagers/account/{accountID}", wagerSvc.HandleListWagers)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-engine listening", "port", port)
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

	slog.Info("shutting down exchange-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-engine stopped")
}
