package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"signalist/internal/bot"
	"signalist/internal/domain"
	"signalist/internal/events"
	"signalist/internal/monitor"
	"signalist/internal/reconciliation"
	"signalist/internal/risk"
	"signalist/internal/session"
	"signalist/internal/settings"
	"signalist/internal/strategy"
	"signalist/pkg/brokers/common"
	"signalist/pkg/crypto"
	"signalist/pkg/db"
)

var (
	// ErrEmptyCredentials is returned when no credential field is set.
	ErrEmptyCredentials = errors.New("credentials are empty")
	// ErrNoKeyring means no master key is configured to seal credentials.
	ErrNoKeyring = errors.New("credential keyring not configured")
)

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	bots       *bot.Manager
	recon      *reconciliation.Service
	pool       *session.Pool
	settings   *settings.Store
	strategies *strategy.Registry
	keyring    *crypto.Keyring
	bus        *events.Bus
	metrics    *monitor.Metrics
	db         *db.Database

	// System metadata
	meta SystemStatus
	now  func() time.Time
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Bots           *bot.Manager
	Reconciliation *reconciliation.Service
	Pool           *session.Pool
	Settings       *settings.Store
	Strategies     *strategy.Registry
	Keyring        *crypto.Keyring
	Bus            *events.Bus
	Metrics        *monitor.Metrics
	DB             *db.Database
	Meta           SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	meta := cfg.Meta
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	return &Impl{
		bots:       cfg.Bots,
		recon:      cfg.Reconciliation,
		pool:       cfg.Pool,
		settings:   cfg.Settings,
		strategies: cfg.Strategies,
		keyring:    cfg.Keyring,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		db:         cfg.DB,
		meta:       meta,
		now:        time.Now,
	}
}

var _ Service = (*Impl)(nil)

// --- Bot Commands ---

func (e *Impl) StartBot(ctx context.Context, userID, botID string, opts *bot.StartOptions) (bot.Status, error) {
	if userID == "" {
		return bot.Status{}, db.ErrUserIDRequired
	}
	return e.bots.Start(ctx, userID, botID, opts)
}

func (e *Impl) StopBot(ctx context.Context, userID, botID string) (bot.StopResult, error) {
	if userID == "" {
		return bot.StopResult{}, db.ErrUserIDRequired
	}
	return e.bots.Stop(ctx, userID, botID)
}

// --- Bot Queries ---

func (e *Impl) GetBotStatus(ctx context.Context, userID, botID string) (bot.Status, error) {
	return e.bots.Status(ctx, userID, botID)
}

func (e *Impl) ListUserBots(ctx context.Context, userID string) ([]bot.Status, error) {
	return e.bots.List(ctx, userID)
}

// OpenTrades returns every OPEN trade of the user across brokers.
func (e *Impl) OpenTrades(ctx context.Context, userID string) ([]domain.Trade, error) {
	return e.db.LoadOpenTrades(ctx, userID, "")
}

// --- Reconciliation ---

func (e *Impl) ReconcileUser(ctx context.Context, userID string) (reconciliation.Result, error) {
	if userID == "" {
		return reconciliation.Result{}, db.ErrUserIDRequired
	}
	return e.recon.ReconcileUser(ctx, userID)
}

func (e *Impl) ReconcileAll(ctx context.Context) (reconciliation.BatchResult, error) {
	return e.recon.ReconcileAll(ctx)
}

func (e *Impl) GetReconciliationStatus(ctx context.Context) (reconciliation.Status, error) {
	return e.recon.Status(ctx)
}

// --- Settings & Credentials ---

func (e *Impl) GetRiskProfile(ctx context.Context, userID, botID string) (risk.Profile, error) {
	return e.settings.RiskProfile(ctx, userID, botID)
}

// SaveRiskProfile takes effect the next time the bot starts.
func (e *Impl) SaveRiskProfile(ctx context.Context, userID, botID string, p risk.Profile) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	return e.settings.SaveRiskProfile(ctx, userID, botID, p)
}

// SaveCredentials seals and stores broker credentials, clearing an earlier
// revocation. A live session keeps the credentials it was opened with until
// it is closed.
func (e *Impl) SaveCredentials(ctx context.Context, userID, broker string, c common.Credentials) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	if !slices.Contains(e.pool.Brokers(), broker) {
		return fmt.Errorf("%w: %s", session.ErrUnknownBroker, broker)
	}
	if c == (common.Credentials{}) {
		return ErrEmptyCredentials
	}
	if e.keyring == nil {
		return ErrNoKeyring
	}
	payload, err := e.keyring.SealJSON(c)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	return e.db.SaveCredential(ctx, db.Credential{
		UserID:     userID,
		Broker:     broker,
		Payload:    payload,
		KeyVersion: e.keyring.Version(),
	})
}

// RevokeSession revokes the stored credential and closes the live session.
// Bots holding the session move to ERROR.
func (e *Impl) RevokeSession(ctx context.Context, userID, broker string) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	return e.pool.Revoke(ctx, userID, broker)
}

// --- Live Stream ---

func (e *Impl) Subscribe(userID string) *events.Subscription {
	return e.bus.Subscribe(userID)
}

// --- System ---

func (e *Impl) Metrics() monitor.Snapshot {
	if e.metrics == nil {
		return monitor.Snapshot{}
	}
	e.metrics.SetRuntime(e.pool.Stats(), e.bots.Running(), e.bus.Dropped())
	return e.metrics.Snapshot()
}

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := e.meta
	now := e.now().UTC()
	status.ServerTime = now
	status.Uptime = now.Sub(status.StartedAt).Truncate(time.Second).String()
	status.Brokers = e.pool.Brokers()
	if e.strategies != nil {
		status.Strategies = e.strategies.Names()
	}
	status.RunningBots = e.bots.Running()
	status.Sessions = e.pool.Stats().Sessions
	return &status
}
