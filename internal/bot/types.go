// Package bot runs one task per (user, bot): it fetches quotes, asks the
// strategy for a signal, gates it through the risk manager and dispatches
// approved orders.
package bot

import (
	"context"
	"errors"
	"time"

	"signalist/internal/domain"
	"signalist/internal/risk"
	"signalist/internal/session"
	"signalist/pkg/db"
)

var (
	ErrAlreadyRunning = errors.New("bot already running")
	ErrBotNotFound    = errors.New("bot not found")
	ErrInvalidBot     = errors.New("invalid bot definition")
	ErrManagerClosed  = errors.New("bot manager closed")
	ErrTaskPanic      = errors.New("bot task panicked")
)

// Store is the persistence the manager needs.
type Store interface {
	GetBot(ctx context.Context, userID, botID string) (db.BotRecord, error)
	UpsertBot(ctx context.Context, b db.BotRecord) error
	ListBots(ctx context.Context, userID string) ([]db.BotRecord, error)
	ListAutostartBots(ctx context.Context) ([]db.BotRecord, error)
	UpdateBotState(ctx context.Context, userID, botID string, state domain.BotState, lastErr string) error
	LoadOpenTrades(ctx context.Context, userID, broker string) ([]domain.Trade, error)
	ListBotTrades(ctx context.Context, userID, botID string, limit int) ([]domain.Trade, error)
	SaveTrade(ctx context.Context, t domain.Trade) error
}

// Sessions hands out broker sessions.
type Sessions interface {
	Acquire(ctx context.Context, userID, broker string) (*session.Lease, error)
}

// Profiles resolves the risk profile of a bot.
type Profiles interface {
	RiskProfile(ctx context.Context, userID, botID string) (risk.Profile, error)
}

// Config tunes task scheduling.
type Config struct {
	CycleInterval    time.Duration
	StartTimeout     time.Duration
	StopGracePeriod  time.Duration
	FailureThreshold int
	RecentTrades     int // trades included in Status
}

// DefaultConfig cycles every 5s and errors out after 3 consecutive failures.
func DefaultConfig() Config {
	return Config{
		CycleInterval:    5 * time.Second,
		StartTimeout:     30 * time.Second,
		StopGracePeriod:  10 * time.Second,
		FailureThreshold: 3,
		RecentTrades:     20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CycleInterval <= 0 {
		c.CycleInterval = def.CycleInterval
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = def.StopGracePeriod
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecentTrades <= 0 {
		c.RecentTrades = def.RecentTrades
	}
	return c
}

// StartOptions overrides the stored bot definition. Empty fields keep the
// stored value; a bot with no stored definition needs Broker, Strategy and
// Symbol.
type StartOptions struct {
	Broker   string         `json:"broker,omitempty"`
	Strategy string         `json:"strategy,omitempty"`
	Symbol   string         `json:"symbol,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

func (o *StartOptions) empty() bool {
	return o == nil || (o.Broker == "" && o.Strategy == "" && o.Symbol == "" && o.Params == nil)
}

// Status is a read-only view of a bot.
type Status struct {
	UserID              string          `json:"user_id"`
	BotID               string          `json:"bot_id"`
	Broker              string          `json:"broker"`
	Strategy            string          `json:"strategy"`
	Symbol              string          `json:"symbol"`
	State               domain.BotState `json:"state"`
	LastError           string          `json:"last_error,omitempty"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	LastCycleAt         *time.Time      `json:"last_cycle_at,omitempty"`
	Cycles              int64           `json:"cycles"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	OrderFailures       int             `json:"order_failures"` // since the last accepted order
	OpenTrades          []domain.Trade  `json:"open_trades"`
	RecentTrades        []domain.Trade  `json:"recent_trades,omitempty"`
}

// StopResult reports the outcome of Stop.
type StopResult struct {
	Success        bool            `json:"success"`
	AlreadyStopped bool            `json:"already_stopped"`
	State          domain.BotState `json:"state"`
}
