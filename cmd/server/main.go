package main

import (
	"context"
	"errors"
	"flag"
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
	"golang.org/x/sync/errgroup"

	"github.com/atmx/contract-engine/internal/config"
	"github.com/atmx/contract-engine/internal/metrics"
	"github.com/atmx/contract-engine/internal/notify"
	"github.com/atmx/contract-engine/internal/pricefeed"
	"github.com/atmx/contract-engine/internal/risk"
	"github.com/atmx/contract-engine/internal/scheduler"
	"github.com/atmx/contract-engine/internal/settlement"
	"github.com/atmx/contract-engine/internal/store"
	"github.com/atmx/contract-engine/internal/trade"
	"github.com/atmx/contract-engine/internal/tradestate"
)

func main() {
	configPath := flag.String("config", os.Getenv("CE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("contract-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("contract-engine stopped")
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, price feed, change broker) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Ledger ---
	var ledger store.Ledger
	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		ledger = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			ledger = store.NewCachedStore(ledger, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("db.url not set, using in-memory ledger (data will not persist)")
		ledger = store.NewMemoryStore()
	}

	var broker store.Broker = store.NewMemoryBroker()
	if rdb != nil {
		broker = store.NewRedisBroker(rdb)
	}
	ledger = store.NewObservedStore(ledger, broker)

	// --- Prices ---
	prices := pricefeed.NewTable()
	var feed pricefeed.Feed = prices
	if rdb != nil {
		feed = pricefeed.Fallback{prices, pricefeed.NewRedisFeed(rdb)}
	}

	// --- Notifications ---
	hub := trade.NewWSHub()
	sinks := notify.Multi{hub, notify.LogSink{}}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() { kafka.Close() })
		sinks = append(sinks, kafka)
		slog.Info("Kafka notifications enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Risk limits ---
	perAsset, perClass, err := cfg.RiskLimits()
	if err != nil {
		return err
	}
	limiter := risk.NewLimiter(perAsset, perClass)

	// --- Engine ---
	tiers, err := settlement.ParseTiers(cfg.Settlement.Tiers)
	if err != nil {
		return err
	}
	state := tradestate.New(ledger, cfg.State.CompletedLimit)
	state.OnChange(func(userID string) {
		hub.PushState(state.Snapshot(userID))
	})

	engine := settlement.New(ledger, feed, state, sinks, limiter, settlement.Config{
		Tiers:         tiers,
		GuardCooldown: cfg.Settlement.GuardCooldown,
		ClaimTTL:      cfg.Settlement.ClaimTTL,
		MaxConcurrent: cfg.Settlement.MaxConcurrent,
	})

	// --- Scheduler ---
	sched := scheduler.New(ctx)
	if _, err := sched.Every(cfg.Settlement.ScanInterval, scheduler.Job("settle", engine.Tick)); err != nil {
		return err
	}
	if _, err := sched.Every(cfg.Settlement.RefreshInterval, scheduler.Job("refresh", engine.RefreshPrices)); err != nil {
		return err
	}

	// --- HTTP router ---
	svc := trade.NewService(engine, ledger, state, prices)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
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

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"contract-engine","outcome_mode":%q}`, engine.Mode())
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement and state pushes.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return state.Run(gctx, broker)
	})
	g.Go(func() error {
		slog.Info("contract-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down contract-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop()
		return srv.Shutdown(shutdownCtx)
	})

	sched.Start()
	return g.Wait()
}
