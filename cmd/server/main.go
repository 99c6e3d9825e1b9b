package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/api"
	"github.com/yesno/market-engine/internal/chain"
	"github.com/yesno/market-engine/internal/config"
	"github.com/yesno/market-engine/internal/ledger"
	"github.com/yesno/market-engine/internal/liquidity"
	"github.com/yesno/market-engine/internal/metrics"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/orderbook"
	"github.com/yesno/market-engine/internal/reconciler"
	"github.com/yesno/market-engine/internal/risk"
	"github.com/yesno/market-engine/internal/settlement"
	"github.com/yesno/market-engine/internal/store"
	"github.com/yesno/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis.url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Broadcast sinks ---
	hub := notify.NewWSHub()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	var sinks []notify.Sink
	if rdb != nil {
		// Every instance relays the shared channel to its own clients.
		sinks = append(sinks, notify.NewRedisPublisher(rdb, cfg.Redis.Channel))
		wg.Add(1)
		go func() {
			defer wg.Done()
			notify.Relay(ctx, rdb, cfg.Redis.Channel, hub)
		}()
	} else {
		sinks = append(sinks, hub)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		sinks = append(sinks, kp)
		slog.Info("Kafka event stream enabled", "topic", cfg.Kafka.Topic)
	}
	notifier := notify.New(sinks...)

	// --- Engine ---
	fees := ledger.Fees{Rate: cfg.Fees.FeeRate(), LpShare: cfg.Fees.LpFraction()}

	var limiter *risk.PositionLimiter
	if cfg.Risk.MaxPerMarket > 0 || cfg.Risk.MaxTotal > 0 {
		limiter = risk.NewPositionLimiter(
			decimal.NewFromFloat(cfg.Risk.MaxPerMarket),
			decimal.NewFromFloat(cfg.Risk.MaxTotal),
		)
	}

	rec := reconciler.New(st, fees, notifier)
	book := orderbook.New(st, fees, limiter, rec, notifier)
	trades := trade.NewExecutor(st, fees, limiter, rec, notifier)
	pools := liquidity.New(st, rec, notifier)
	settle := settlement.New(st, book, notifier)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(ctx, cfg.Reconciler.Interval)
	}()

	// --- Chain synchronizer ---
	if cfg.Chain.RPCURL != "" {
		client := chain.NewClient(chain.Config{
			RPCURL:           cfg.Chain.RPCURL,
			MarketAddress:    common.HexToAddress(cfg.Chain.MarketAddress),
			OrderBookAddress: common.HexToAddress(cfg.Chain.OrderBookAddress),
			ReadTimeout:      cfg.Chain.ReadTimeout,
			HealthInterval:   cfg.Chain.HealthInterval,
			EventBuffer:      cfg.Chain.EventBuffer,
		}, chain.DialEth)
		syncer := chain.NewSynchronizer(st, client, settle, rec, notifier, fees, chain.SyncOptions{
			TrackVirtualShares: cfg.Chain.TrackVirtualShares,
		})

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("chain client stopped", "err", err)
			}
		}()
		go func() {
			defer wg.Done()
			syncer.Run(ctx, client.Events())
		}()
		slog.Info("chain synchronizer enabled", "market_contract", cfg.Chain.MarketAddress)
	}

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")
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
	r.Handle("/metrics", metrics.Handler())

	h := api.New(api.Deps{
		Store:      st,
		Trades:     trades,
		Book:       book,
		Liquidity:  pools,
		Settlement: settle,
		Hub:        hub,
		AdminToken: cfg.Server.AdminToken,
	})
	r.Route("/api/v1", h.Mount)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down market-engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	wg.Wait()
	slog.Info("market-engine stopped")
}
