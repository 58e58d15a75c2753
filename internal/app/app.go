// Package app wires the order core to its backends. cmd/server runs it;
// cmd/adminctl uses the same wiring for one-shot operator commands.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tradebot/internal/config"
	"github.com/mbd888/tradebot/internal/coordinator"
	"github.com/mbd888/tradebot/internal/escrow"
	"github.com/mbd888/tradebot/internal/escrow/evm"
	"github.com/mbd888/tradebot/internal/events"
	"github.com/mbd888/tradebot/internal/health"
	"github.com/mbd888/tradebot/internal/jobs"
	"github.com/mbd888/tradebot/internal/lifecycle"
	"github.com/mbd888/tradebot/internal/metrics"
	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/payout"
	"github.com/mbd888/tradebot/internal/pricing"
	"github.com/mbd888/tradebot/internal/realtime"
	"github.com/mbd888/tradebot/internal/server"
	"github.com/mbd888/tradebot/internal/trade"
	"github.com/mbd888/tradebot/migrations"
)

// Rail is an escrow backend that can also pay out.
type Rail interface {
	escrow.Service
	escrow.Payer
}

// App is the wired order core.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store       trade.Store
	Rail        Rail
	Lifecycle   *lifecycle.Service
	Coordinator *coordinator.Coordinator
	Payout      *payout.Manager
	Bus         *events.Bus
	Health      *health.Registry

	db      *sql.DB
	closers []func()
}

// New connects the configured backends. Without DATABASE_URL the store is
// in memory; without EVM_RPC_URL so is the escrow rail.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		Health: health.NewRegistry(0),
	}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRail(ctx); err != nil {
		a.Close()
		return nil, err
	}
	notifier := a.openNotifier(ctx)

	quoter := pricing.NewQuoter(a.rates(), cfg.UnitsPerToken)
	fees := pricing.Fees{MaxFee: cfg.MaxFee, FeePercent: cfg.FeePercent}

	a.Bus = events.NewBus(256, logger)
	a.closers = append(a.closers, a.Bus.Close)

	a.Payout = payout.NewManager(a.Store, a.Rail, notifier, cfg.PaymentAttempts, logger)
	a.Lifecycle = lifecycle.NewService(a.Store, a.Rail, a.Rail, quoter, fees, notifier, lifecycle.Config{
		MaxDisputes:                 cfg.MaxDisputes,
		DisputeCountCommunityOrders: cfg.DisputeCountCommunityOrders,
		PaymentAttempts:             cfg.PaymentAttempts,
		OrderPublishedExpiration:    cfg.OrderPublishedExpiration,
		HoldExpiration:              cfg.HoldExpiration,
	}, logger)
	a.Coordinator = coordinator.New(a.Lifecycle, a.Rail, a.Store, logger)
	a.closers = append(a.closers, a.Coordinator.Close)
	a.Lifecycle.WithWatcher(a.Coordinator).WithPayout(a.Payout).WithEvents(a.Bus)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, orders are kept in memory")
		a.Store = trade.NewMemoryStore()
		return nil
	}
	db, err := sql.Open("postgres", a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	a.db = db
	a.closers = append(a.closers, func() { _ = db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.Store = trade.NewPostgresStore(db)
	a.Health.Register("database", health.Database(db))
	a.logger.Info("connected to postgres")
	return nil
}

func (a *App) openRail(ctx context.Context) error {
	if a.cfg.RPCURL == "" {
		a.logger.Warn("EVM_RPC_URL not set, escrow holds are simulated in memory")
		a.Rail = escrow.NewMemoryService(a.logger)
		return nil
	}
	client, err := ethclient.DialContext(ctx, a.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to dial escrow rpc: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	rail, err := evm.New(client, evm.Config{
		ChainID:        a.cfg.ChainID,
		TokenContract:  a.cfg.TokenContract,
		OperatorKey:    a.cfg.OperatorKey,
		PollInterval:   a.cfg.EscrowPoll,
		PayTimeout:     a.cfg.PayTimeout,
		FunderLookback: a.cfg.FunderLookback,
	}, a.secretFor, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, rail.Close)
	a.Rail = rail
	a.Health.Register("chain", health.Chain(client.BlockNumber))
	a.logger.Info("escrow rail connected",
		"chain_id", a.cfg.ChainID,
		"token", a.cfg.TokenContract,
		"operator", rail.OperatorAddress(),
	)
	return nil
}

// secretFor recovers a hold's key from the order that owns it, so holds
// opened before a restart can still be refunded.
func (a *App) secretFor(ctx context.Context, holdID string) (string, error) {
	o, err := a.Store.GetOrderByHash(ctx, holdID)
	if err != nil {
		return "", err
	}
	return o.Secret, nil
}

func (a *App) openNotifier(ctx context.Context) notify.Notifier {
	log := notify.NewLogNotifier(a.logger)
	if a.cfg.RedisURL == "" {
		return log
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		a.logger.Warn("invalid REDIS_URL, notifications are logged only", "error", err)
		return log
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis unreachable at startup", "error", err)
	}
	rn := notify.NewRedisNotifier(client, a.cfg.NotifyTopic, a.logger)
	a.closers = append(a.closers, rn.Close, func() { _ = client.Close() })
	a.Health.Register("redis", health.Redis(client))
	return notify.Multi{log, rn}
}

func (a *App) rates() pricing.RateSource {
	if a.cfg.RateAPIURL == "" {
		a.logger.Warn("RATE_API_URL not set, only USD is priced at 1:1")
		return pricing.StaticRates{"USD": decimal.NewFromInt(1)}
	}
	return pricing.NewHTTPRates(a.cfg.RateAPIURL, a.cfg.RateField, a.cfg.RateTTL)
}

// Run restores escrow subscriptions and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Coordinator.Resubscribe(ctx); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	hub := realtime.NewHub(a.logger)
	detach := hub.Attach(a.Bus)
	defer detach()

	srv := server.New(server.Config{
		Port:       a.cfg.Port,
		Production: a.cfg.IsProduction(),
		RateLimit:  server.DefaultRateLimit(),
	}, a.Store, hub, a.Health, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return srv.Run(gctx) })
	for _, t := range a.Timers() {
		g.Go(func() error {
			t.Start(gctx)
			return nil
		})
	}
	if a.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, a.db, 15*time.Second)
			return nil
		})
	}
	return g.Wait()
}

// Timers are the periodic jobs Run starts.
func (a *App) Timers() []*jobs.Timer {
	return []*jobs.Timer{
		jobs.NewTimer("expire_orders", a.cfg.ExpireOrdersInterval, func(ctx context.Context) error {
			_, err := a.Lifecycle.ExpireOrders(ctx)
			return err
		}, a.logger),
		jobs.NewTimer("buyer_payments", a.cfg.PendingPaymentsInterval, func(ctx context.Context) error {
			_, err := a.Payout.SweepBuyerPayments(ctx)
			return err
		}, a.logger),
		jobs.NewTimer("community_payments", a.cfg.PendingPaymentsInterval, func(ctx context.Context) error {
			_, err := a.Payout.SweepCommunityPayments(ctx)
			return err
		}, a.logger),
	}
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
