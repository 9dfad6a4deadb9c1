// Package engine exposes the administrative entry points of the trading core.
// The API layer and the CLI talk to the core only through Service.
package engine

import (
	"context"

	"signalist/internal/bot"
	"signalist/internal/domain"
	"signalist/internal/events"
	"signalist/internal/monitor"
	"signalist/internal/reconciliation"
	"signalist/internal/risk"
	"signalist/pkg/brokers/common"
)

// Service defines the administrative operations of the engine.
// Every call is scoped to one user except the batch and system queries.
type Service interface {
	// Bot commands
	StartBot(ctx context.Context, userID, botID string, opts *bot.StartOptions) (bot.Status, error)
	StopBot(ctx context.Context, userID, botID string) (bot.StopResult, error)

	// Bot queries
	GetBotStatus(ctx context.Context, userID, botID string) (bot.Status, error)
	ListUserBots(ctx context.Context, userID string) ([]bot.Status, error)
	OpenTrades(ctx context.Context, userID string) ([]domain.Trade, error)

	// Reconciliation
	ReconcileUser(ctx context.Context, userID string) (reconciliation.Result, error)
	ReconcileAll(ctx context.Context) (reconciliation.BatchResult, error)
	GetReconciliationStatus(ctx context.Context) (reconciliation.Status, error)

	// Settings and credentials
	GetRiskProfile(ctx context.Context, userID, botID string) (risk.Profile, error)
	SaveRiskProfile(ctx context.Context, userID, botID string, p risk.Profile) error
	SaveCredentials(ctx context.Context, userID, broker string, c common.Credentials) error
	RevokeSession(ctx context.Context, userID, broker string) error

	// Live stream
	Subscribe(userID string) *events.Subscription

	// System
	Metrics() monitor.Snapshot
	GetSystemStatus(ctx context.Context) *SystemStatus
}
