package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/pocketmoney-api/internal/achievements"
	"github.com/ksred/pocketmoney-api/internal/auth"
	"github.com/ksred/pocketmoney-api/internal/config"
	"github.com/ksred/pocketmoney-api/internal/database"
	"github.com/ksred/pocketmoney-api/internal/idempotency"
	"github.com/ksred/pocketmoney-api/internal/limits"
	"github.com/ksred/pocketmoney-api/internal/metrics"
	"github.com/ksred/pocketmoney-api/internal/portfolio"
	"github.com/ksred/pocketmoney-api/internal/pricing"
	"github.com/ksred/pocketmoney-api/internal/reconcile"
	"github.com/ksred/pocketmoney-api/internal/state"
	"github.com/ksred/pocketmoney-api/internal/trading"
	"github.com/ksred/pocketmoney-api/pkg/middleware"
	"github.com/ksred/pocketmoney-api/pkg/response"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// App is the fully wired order API.
type App struct {
	Router     *gin.Engine
	Trading    *trading.Service
	Portfolio  *portfolio.Service
	Auth       *auth.Service
	Reconciler *reconcile.Processor
	Metrics    *metrics.Metrics

	cfg        *config.Config
	db         *gorm.DB
	memory     *state.MemoryStore
	redis      *state.RedisStore
	flood      *middleware.FloodLimiter
	orderFlood *middleware.FloodLimiter
	notifier   achievements.Notifier
}

// New opens every dependency named in cfg and builds the router.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	store, err := app.openState(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.NewMetrics(registry)

	provider, err := newProvider(cfg.Pricing)
	if err != nil {
		app.Close()
		return nil, err
	}
	oracle := pricing.NewClient(provider, pricing.ClientConfig{
		Timeout:     cfg.Pricing.Timeout,
		MaxFailures: cfg.Pricing.Breaker.MaxFailures,
		OpenTimeout: cfg.Pricing.Breaker.OpenTimeout,
	}, app.Metrics)

	app.notifier, err = newNotifier(cfg.Achievements)
	if err != nil {
		app.Close()
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Limits.Daily.Timezone)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid quota timezone: %w", err)
	}

	prefix := cfg.State.KeyPrefix
	ledgerStore := trading.NewDatabase(db)
	ledger := trading.NewLedger(ledgerStore, trading.Mode(cfg.Ledger.Mode), app.Metrics)
	guard := idempotency.NewGuard(store, prefix, cfg.Idempotency.TTL, cfg.Idempotency.PendingTTL)

	app.Trading = trading.NewService(trading.Dependencies{
		Store:    ledgerStore,
		Ledger:   ledger,
		Rate:     limits.NewRateLimiter(store, prefix, cfg.Limits.Rate.MaxRequests, cfg.Limits.Rate.Window),
		Quota:    limits.NewQuotaTracker(store, prefix, cfg.Limits.Daily.MaxTrades, loc),
		Guard:    guard,
		Oracle:   oracle,
		Notifier: app.notifier,
		Metrics:  app.Metrics,
		Locks:    state.NewLocker(store, prefix, cfg.Ledger.LockTTL, cfg.Ledger.LockWait),
	}, trading.Options{
		KeyPolicy: cfg.Idempotency.KeyPolicy,
		Limits: trading.Limits{
			MaxShares:       cfg.Limits.PerTrade.MaxShares,
			MaxValue:        decimal.NewFromFloat(cfg.Limits.PerTrade.MaxValue),
			MaxSymbolLength: cfg.Limits.PerTrade.MaxSymbolLength,
		},
		StartingCash:  decimal.NewFromFloat(cfg.Accounts.StartingCash),
		NotifyTimeout: cfg.Achievements.Timeout,
	})

	app.Portfolio = portfolio.NewService(ledgerStore, oracle)
	app.Auth = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Users)
	app.Reconciler = reconcile.NewProcessor(ledgerStore, ledger, guard, app.Metrics, reconcile.Config{
		Interval: cfg.Reconcile.Interval,
		Grace:    cfg.Reconcile.Grace,
	})
	app.flood = middleware.NewFloodLimiter(middleware.DefaultLimits())
	app.orderFlood = middleware.NewFloodLimiter(middleware.OrderLimits())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	app.Router = gin.Default()
	app.Router.Use(app.flood.RateLimit())
	app.setupRoutes(registry)

	log.Info().
		Str("ledger_mode", cfg.Ledger.Mode).
		Str("state_backend", cfg.State.Backend).
		Str("pricing_provider", cfg.Pricing.Provider).
		Str("key_policy", cfg.Idempotency.KeyPolicy).
		Msg("order api configured")

	return app, nil
}

func (a *App) openState(ctx context.Context) (state.Store, error) {
	if a.cfg.State.Backend == "redis" {
		rs, err := state.NewRedisStore(ctx, state.RedisConfig{
			Addr:     a.cfg.State.RedisAddr,
			Password: a.cfg.State.RedisPassword,
			DB:       a.cfg.State.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = rs
		return rs, nil
	}

	log.Warn().Msg("using in-memory state; limits and idempotency are not shared between instances")
	a.memory = state.NewMemoryStore()
	return a.memory, nil
}

func newProvider(cfg config.Pricing) (pricing.Provider, error) {
	switch cfg.Provider {
	case "polygon":
		return pricing.NewPolygon(cfg.Polygon.APIKey)
	case "alpaca":
		return pricing.NewAlpaca(pricing.AlpacaConfig{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			DataURL:   cfg.Alpaca.DataURL,
			Feed:      cfg.Alpaca.Feed,
		})
	default:
		return pricing.NewSimulated(cfg.Simulated, cfg.Volatility, time.Now().UnixNano()), nil
	}
}

func newNotifier(cfg config.Achievements) (achievements.Notifier, error) {
	if len(cfg.Brokers) == 0 {
		log.Warn().Msg("no kafka brokers configured; achievements will only be logged")
		return achievements.LogNotifier{}, nil
	}
	return achievements.NewKafkaNotifier(cfg.Brokers, cfg.Topic)
}

// setupRoutes registers the public auth route, the JWT protected API and the
// metrics endpoint.
func (a *App) setupRoutes(registry *prometheus.Registry) {
	authHandlers := auth.NewGinHandlers(a.Auth)
	tradingHandlers := trading.NewGinHandlers(a.Trading)
	portfolioHandlers := portfolio.NewGinHandlers(a.Portfolio)

	a.Router.GET("/health", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	a.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := a.Router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(a.cfg.Auth.JWTSecret), a.orderFlood.RateLimit())
		{
			protected.POST("/orders/buy", tradingHandlers.BuyHandler())
			protected.POST("/orders/sell", tradingHandlers.SellHandler())
			protected.POST("/account", tradingHandlers.OpenAccountHandler())
			protected.GET("/account", tradingHandlers.GetAccountHandler())
			protected.GET("/transactions", tradingHandlers.ListTransactionsHandler())
			protected.GET("/portfolio", portfolioHandlers.SummaryHandler())
		}
	}
}

// Run starts the background loops. They stop when ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	go a.Reconciler.Start(ctx)
	go a.flood.RunCleanup(ctx, time.Minute)
	go a.orderFlood.RunCleanup(ctx, time.Minute)
	if a.memory != nil {
		go a.memory.RunSweeper(ctx, time.Minute, a.cfg.Limits.Rate.Window)
	}
}

// Close waits for in-flight achievement notifications and releases every
// connection.
func (a *App) Close() error {
	var errs []error

	if a.Trading != nil {
		a.Trading.Wait()
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Client().Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}
