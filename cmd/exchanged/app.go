package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rickgao/exchange-core/internal/auction"
	"github.com/rickgao/exchange-core/internal/auth"
	"github.com/rickgao/exchange-core/internal/clock"
	"github.com/rickgao/exchange-core/internal/config"
	"github.com/rickgao/exchange-core/internal/contest"
	"github.com/rickgao/exchange-core/internal/database"
	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/gateway"
	"github.com/rickgao/exchange-core/internal/journal"
	"github.com/rickgao/exchange-core/internal/ledger"
	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/modifier"
	"github.com/rickgao/exchange-core/internal/notify"
	"github.com/rickgao/exchange-core/internal/record"
	"github.com/rickgao/exchange-core/internal/scheduler"
	"github.com/rickgao/exchange-core/internal/trade"
	"github.com/rickgao/exchange-core/internal/version"
	"github.com/rickgao/exchange-core/internal/wager"
)

// app is the wired daemon.
type app struct {
	logger   *slog.Logger
	pool     *pgxpool.Pool // nil with the memory driver
	registry *prometheus.Registry

	outbox     *notify.Outbox
	feed       *notify.Feed
	journal    *journal.Writer // nil unless enabled
	scheduler  *scheduler.Scheduler
	reconciler *exchange.Reconciler
	gateway    *gateway.Server
}

type stores struct {
	accounts ledger.Store
	holds    escrow.Store
	records  record.Store
}

func build(ctx context.Context, cfg *config.ExchangeConfig, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	st, err := a.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	clk := clock.Real()
	a.outbox = notify.NewOutbox(cfg.Feed.OutboxSize, m)
	a.feed = notify.NewFeed(notify.FeedConfig{
		SubscriberBuffer: cfg.Feed.SubscriberBuffer,
		PingInterval:     cfg.Feed.PingInterval,
		WriteTimeout:     cfg.Feed.WriteTimeout,
	}, a.outbox, m, logger.With("component", "feed"))

	var sink notify.Sink = a.outbox
	if cfg.Journal.Enabled {
		a.journal = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, a.pool, m, logger.With("component", "journal"))
		sink = notify.Tee(a.outbox, a.journal)
	}

	ldg := ledger.New(st.accounts, ledger.Config{MaxBalance: cfg.Ledger.MaxBalance},
		logger.With("component", "ledger"), ledger.WithClock(clk), ledger.WithMetrics(m))
	vault := escrow.New(st.holds, ldg, clk, m, logger.With("component", "escrow"))
	a.scheduler = scheduler.New(scheduler.Config{
		RetryAttempts: cfg.Scheduler.RetryAttempts,
		RetryBackoff:  cfg.Scheduler.RetryBackoff,
	}, clk, sink, m, logger.With("component", "scheduler"))

	core := exchange.New(exchange.Deps{
		Records:   st.records,
		Ledger:    ldg,
		Vault:     vault,
		Scheduler: a.scheduler,
		Sink:      sink,
		Clock:     clk,
		Metrics:   m,
		Logger:    logger.With("component", "exchange"),
	})
	mods := modifier.FromConfig(cfg.Modifiers)

	deps := gateway.Deps{
		Trade: trade.New(core, trade.Config{
			TTL:              cfg.Trade.TTL,
			MaxActivePerUser: cfg.Trade.MaxActivePerUser,
		}, logger.With("component", "trade")),
		Auction: auction.New(core, auction.Config{
			FloorRate:        cfg.Auction.FloorRate.Decimal,
			MinIncrementRate: cfg.Auction.MinIncrementRate.Decimal,
			DefaultDuration:  cfg.Auction.DefaultDuration,
			MinDuration:      cfg.Auction.MinDuration,
			MaxDuration:      cfg.Auction.MaxDuration,
			MaxOpenPerSeller: cfg.Auction.MaxOpenPerSeller,
		}, auction.NewStaticCatalog(cfg.Auction.Catalog), mods, logger.With("component", "auction")),
		Wager: wager.New(core, wager.Config{
			HouseFeeRate:      cfg.Wager.HouseFeeRate.Decimal,
			MinStake:          cfg.Wager.MinStake,
			MaxStake:          cfg.Wager.MaxStake,
			PendingTTL:        cfg.Wager.PendingTTL,
			ResolveTTL:        cfg.Wager.ResolveTTL,
			MaxPendingPerUser: cfg.Wager.MaxPendingPerUser,
			WinnerXP:          cfg.Wager.WinnerXP,
		}, mods, logger.With("component", "wager")),
		Contest: contest.New(core, contest.Config{
			Window:            cfg.Contest.Window,
			Grace:             cfg.Contest.Grace,
			MaxInput:          cfg.Contest.MaxInput,
			MinLevel:          cfg.Contest.MinLevel,
			MinTargetBalance:  cfg.Contest.MinTargetBalance,
			Cooldown:          cfg.Contest.Cooldown,
			BaseSuccessChance: cfg.Contest.BaseSuccessChance.Decimal,
			SuccessBonusRange: cfg.Contest.SuccessBonusRange.Decimal,
			MinStealPct:       cfg.Contest.MinStealPct.Decimal,
			MaxStealPct:       cfg.Contest.MaxStealPct.Decimal,
			PenaltyPct:        cfg.Contest.PenaltyPct.Decimal,
		}, nil, mods, logger.With("component", "contest")),
		Ledger:  ldg,
		Records: st.records,
		Feed:    a.feed,
		Metrics: m,
	}
	if a.journal != nil {
		pool := a.pool
		deps.History = func(ctx context.Context, id string) ([]model.Event, error) {
			return journal.History(ctx, pool, id)
		}
	}

	if cfg.Gateway.PublicKeyPath != "" {
		pub, err := auth.LoadPublicKey(cfg.Gateway.PublicKeyPath)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load gateway public key: %w", err)
		}
		deps.Verifier = &auth.Verifier{
			PublicKey: pub,
			KeyID:     cfg.Gateway.KeyID,
			MaxSkew:   cfg.Gateway.MaxClockSkew,
		}
		logger.Info("signed requests required", "key_id", cfg.Gateway.KeyID)
	}

	a.gateway = gateway.New(gateway.Config{
		CASRetries: cfg.Gateway.CASRetries,
		RateLimit:  cfg.Gateway.RateLimit,
		RateBurst:  cfg.Gateway.RateBurst,
	}, deps, logger.With("component", "gateway"))

	a.reconciler = exchange.NewReconciler(core, exchange.ReconcilerConfig{
		Interval:    cfg.Scheduler.SweepInterval,
		Concurrency: cfg.Scheduler.SweepConcurrency,
	}, logger.With("component", "reconciler"))

	return a, nil
}

func (a *app) openStores(ctx context.Context, cfg *config.ExchangeConfig) (stores, error) {
	if cfg.Database.Driver == "memory" {
		a.logger.Warn("using in-memory storage; state is lost on restart")
		return stores{
			accounts: ledger.NewMemoryStore(),
			holds:    escrow.NewMemoryStore(),
			records:  record.NewMemoryStore(),
		}, nil
	}

	db := cfg.Database.Postgres
	a.logger.Info("connecting to database",
		"host", db.Host,
		"port", db.Port,
		"database", db.Name,
	)
	pool, err := database.Connect(ctx, db)
	if err != nil {
		return stores{}, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return stores{}, fmt.Errorf("migrate database: %w", err)
	}
	a.pool = pool
	a.logger.Info("database connected")

	return stores{
		accounts: ledger.NewPostgresStore(pool),
		holds:    escrow.NewPostgresStore(pool),
		records:  record.NewPostgresStore(pool),
	}, nil
}

// start brings up background work. The reconciler's first sweep re-arms
// deadlines and re-drives settlements interrupted by the last shutdown.
func (a *app) start(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if a.journal != nil {
		if err := a.journal.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
	}
	if err := a.feed.Start(ctx); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}
	if err := a.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	return nil
}

func (a *app) stop(ctx context.Context) error {
	errs := []error{
		a.reconciler.Stop(ctx),
		a.scheduler.Stop(ctx),
		a.feed.Stop(ctx),
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Stop(ctx))
	}
	return errors.Join(errs...)
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// opsHandler serves metrics and health.
func (a *app) opsHandler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metrics.Handler(a.registry))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string            `json:"status"`
			Build      map[string]string `json:"build"`
			Components map[string]any    `json:"components"`
		}{
			Status:     "healthy",
			Build:      version.Info(),
			Components: make(map[string]any),
		}

		if a.pool != nil {
			if err := a.pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		last := a.reconciler.Last()
		health.Components["scheduler"] = map[string]any{"pending": a.scheduler.Pending()}
		health.Components["reconciler"] = last
		health.Components["feed"] = map[string]any{
			"subscribers": a.feed.Subscribers(),
			"pending":     a.outbox.Pending(),
		}
		if a.journal != nil {
			health.Components["journal"] = a.journal.Stats()
		}
		if last.Failed > 0 {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})

	return mux
}
