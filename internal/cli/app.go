package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"signalist/internal/bot"
	"signalist/internal/domain"
	"signalist/internal/engine"
	"signalist/internal/events"
	"signalist/internal/monitor"
	"signalist/internal/order"
	"signalist/internal/reconciliation"
	"signalist/internal/risk"
	"signalist/internal/session"
	"signalist/internal/settings"
	"signalist/internal/strategy"
	"signalist/pkg/brokers/common"
	"signalist/pkg/brokers/paper"
	"signalist/pkg/config"
	"signalist/pkg/crypto"
	"signalist/pkg/db"
)

// app is the fully wired runtime shared by serve and the one-shot commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *db.Database
	pool    *session.Pool
	bus     *events.Bus
	metrics *monitor.Metrics
	worker  *strategy.WorkerClient
	reg     *strategy.Registry
	bots    *bot.Manager
	recon   *reconciliation.Service
	engine  *engine.Impl
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Server.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func paperConfig(cfg *config.Config) paper.Config {
	pc := paper.DefaultConfig()
	pc.InitialBalance = cfg.Paper.InitialBalance
	pc.Currency = cfg.Paper.Currency
	pc.Seed = cfg.Paper.Seed
	pc.SpreadBps = cfg.Paper.SpreadBps
	pc.VolatilityBps = cfg.Paper.VolatilityBps
	pc.Leverage = cfg.Paper.Leverage
	return pc
}

func retryPolicy(cfg *config.Config) common.RetryPolicy {
	p := common.DefaultRetryPolicy()
	p.MaxRetries = cfg.Bot.RetryMax
	if cfg.Bot.RetryBaseDelay > 0 {
		p.BaseDelay = cfg.Bot.RetryBaseDelay
	}
	if cfg.Bot.RetryMaxDelay > 0 {
		p.MaxDelay = cfg.Bot.RetryMaxDelay
	}
	return p
}

// buildApp opens the database and wires every component. Background loops
// are not started; close releases whatever was opened.
func buildApp(cfg *config.Config, logger *slog.Logger, version string) (*app, error) {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: database}

	var keyring *crypto.Keyring
	if keys := cfg.MasterKeys(); len(keys) > 0 {
		if keyring, err = crypto.NewKeyring(keys); err != nil {
			a.close()
			return nil, fmt.Errorf("load master keys: %w", err)
		}
	} else if !cfg.Paper.Only {
		a.close()
		return nil, fmt.Errorf("%w: set MASTER_ENCRYPTION_KEY or PAPER_ONLY=true", crypto.ErrNoKeys)
	} else {
		logger.Warn("no master key configured; broker credentials cannot be stored")
	}

	var brokers map[string]session.Broker
	if cfg.Paper.Only {
		brokers = session.PaperOnly(paperConfig(cfg))
	} else {
		brokers = session.DefaultBrokers(cfg, logger)
	}
	poolCfg := session.DefaultConfig()
	poolCfg.HealthInterval = cfg.Session.HealthInterval
	poolCfg.IdleTimeout = cfg.Session.IdleTTL
	poolCfg.FailureThreshold = cfg.Session.FailureThreshold
	poolCfg.CircuitTimeout = cfg.Session.CircuitTimeout
	a.pool = session.NewPool(poolCfg, brokers, database, keyring, logger)

	snapshot := func(ctx context.Context, userID string) ([]domain.Trade, error) {
		return database.LoadOpenTrades(ctx, userID, "")
	}
	a.bus = events.NewBus(events.Options{
		Heartbeat:        cfg.Stream.Heartbeat,
		SnapshotInterval: cfg.Stream.SnapshotInterval,
		Buffer:           cfg.Stream.Buffer,
	}, snapshot, logger)
	a.metrics = monitor.New()
	profiles := settings.NewStore(database, cfg.Settings.CacheTTL, risk.DefaultProfile())

	if addr := cfg.Bot.StrategyWorker; addr != "" {
		w, err := strategy.NewWorkerClient(addr, cfg.Bot.StartTimeout)
		if err != nil {
			logger.Warn("strategy worker unavailable", "addr", addr, "error", err)
		} else {
			a.worker = w
			logger.Info("strategy worker enabled", "addr", addr)
		}
	}
	a.reg = strategy.DefaultRegistry(a.worker)

	retry := retryPolicy(cfg)
	a.bots = bot.NewManager(bot.Config{
		CycleInterval:    cfg.Bot.CycleInterval,
		StartTimeout:     cfg.Bot.StartTimeout,
		StopGracePeriod:  cfg.Bot.StopGracePeriod,
		FailureThreshold: cfg.Bot.FailureThreshold,
	}, bot.Deps{
		Store:      database,
		Sessions:   a.pool,
		Profiles:   profiles,
		Strategies: a.reg,
		Dispatcher: order.NewDispatcher(database, retry, a.metrics, logger),
		Tracker:    risk.NewDailyTracker(),
		Bus:        a.bus,
		Metrics:    a.metrics,
		Logger:     logger,
	})
	a.recon = reconciliation.NewService(reconciliation.Config{
		Interval:    cfg.Reconcile.Interval,
		UserTimeout: cfg.Reconcile.UserTimeout,
		Concurrency: cfg.Reconcile.Concurrency,
		Retry:       retry,
	}, database, a.pool, a.bus, a.bots, a.metrics, logger)

	a.engine = engine.NewImpl(engine.Config{
		Bots:           a.bots,
		Reconciliation: a.recon,
		Pool:           a.pool,
		Settings:       profiles,
		Strategies:     a.reg,
		Keyring:        keyring,
		Bus:            a.bus,
		Metrics:        a.metrics,
		DB:             database,
		Meta:           engine.SystemStatus{Version: version, PaperMode: cfg.Paper.Only},
	})
	return a, nil
}

// syncCatalog upserts the YAML bot catalog when the file exists.
func (a *app) syncCatalog(ctx context.Context) error {
	path := a.cfg.Bot.CatalogPath
	if path == "" {
		return nil
	}
	defs, err := strategy.LoadCatalog(path)
	if errors.Is(err, os.ErrNotExist) {
		a.logger.Info("no bot catalog", "path", path)
		return nil
	}
	if err != nil {
		return err
	}
	if err := strategy.SyncCatalog(ctx, a.db, a.reg, defs); err != nil {
		return err
	}
	a.logger.Info("bot catalog synced", "path", path, "bots", len(defs))
	return nil
}

// close releases resources in reverse dependency order. Safe on a
// partially built app.
func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.worker != nil {
		_ = a.worker.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
}
