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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/betpool/fund-engine/internal/api"
	"github.com/betpool/fund-engine/internal/cashier"
	"github.com/betpool/fund-engine/internal/feed"
	"github.com/betpool/fund-engine/internal/ledger"
	"github.com/betpool/fund-engine/internal/lifecycle"
	"github.com/betpool/fund-engine/internal/metrics"
	"github.com/betpool/fund-engine/internal/store"
	"github.com/betpool/fund-engine/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg, err := store.NewPostgresStore(ctx, pool)
		if err != nil {
			slog.Error("database schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
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
		mem := store.NewMemoryStore()
		cleanup = append(cleanup, mem.Close)
		st = mem
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Interaction feed ---
	hub := feed.NewHub()
	go hub.Run()

	// --- Ledger and lifecycle engine ---
	lg := ledger.New(st, hub)
	engine := lifecycle.NewEngine(st, lg)

	// --- Cashier collaborators ---
	var checks cashier.CheckAPI
	var deposits cashier.DepositAPI
	if base := os.Getenv("CHECK_API_URL"); base != "" {
		checks = cashier.NewCheckClient(base, os.Getenv("CHECK_API_KEY"))
	}
	if base := os.Getenv("DEPOSIT_API_URL"); base != "" {
		deposits = cashier.NewDepositClient(base, os.Getenv("DEPOSIT_API_KEY"))
	}
	csh := cashier.New(st, lg, checks, deposits, cashier.LogMailer{})

	// --- Lifecycle watcher ---
	wtr := watcher.New(st, engine)
	wtr.Start()
	defer wtr.Stop()

	// --- HTTP service ---
	svc := api.NewService(st, lg, engine, csh)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fund-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the live interaction feed.
		r.Get("/ws", hub.HandleWS)

		// Wagering.
		r.Post("/wagers", svc.PlaceWager)

		// Cashier.
		r.Post("/deposits", svc.Deposit)
		r.Post("/withdrawals", svc.Withdraw)
		r.Post("/users/{userID}/documents", svc.UpdateDocumentStatus)

		// Fund lifecycle.
		r.Post("/funds", svc.CreateFund)
		r.Get("/funds/{fundID}", svc.GetFund)
		r.Get("/funds/{fundID}/bets", svc.GetFundBets)
		r.Post("/funds/{fundID}/open", svc.OpenFund)
		r.Post("/funds/{fundID}/close", svc.CloseFund)
		r.Post("/funds/{fundID}/return", svc.ReturnFund)
		r.Delete("/funds/{fundID}", svc.DeleteFund)

		// Bets and settlement.
		r.Post("/bets", svc.CreateBet)
		r.Post("/bets/{betID}/place", svc.PlaceBet)
		r.Post("/bets/{betID}/settle", svc.SettleBet)
		r.Delete("/bets/{betID}", svc.DeleteBet)

		// Results feed ingest.
		r.Put("/games", svc.PutGame)

		// Queries.
		r.Get("/users/{userID}", svc.GetUser)
		r.Get("/interactions", svc.GetInteractions)
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
		slog.Info("fund-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down fund-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("fund-engine stopped")
}
