package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"signalist/internal/risk"
)

// LoadRiskProfile returns the bot's profile, falling back to the user's
// default profile (stored with an empty bot id). ErrNotFound when neither exists.
func (d *Database) LoadRiskProfile(ctx context.Context, userID, botID string) (risk.Profile, error) {
	if userID == "" {
		return risk.Profile{}, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT max_risk_per_trade, max_daily_loss, max_drawdown, max_concurrent_positions,
		       max_position_size, position_size_mode, min_account_balance
		FROM risk_profiles
		WHERE user_id = ? AND bot_id IN (?, '')
		ORDER BY bot_id DESC LIMIT 1
	`, userID, botID)
	var (
		p    risk.Profile
		mode string
	)
	err := row.Scan(&p.MaxRiskPerTrade, &p.MaxDailyLoss, &p.MaxDrawdown, &p.MaxConcurrentPositions,
		&p.MaxPositionSize, &mode, &p.MinAccountBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.Profile{}, ErrNotFound
	}
	if err != nil {
		return risk.Profile{}, fmt.Errorf("load risk profile: %w", err)
	}
	p.PositionSizeMode = risk.SizeMode(mode)
	return p, nil
}

// SaveRiskProfile upserts a profile. An empty botID stores the user default.
func (d *Database) SaveRiskProfile(ctx context.Context, userID, botID string, p risk.Profile) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_profiles (
			user_id, bot_id, max_risk_per_trade, max_daily_loss, max_drawdown, max_concurrent_positions,
			max_position_size, position_size_mode, min_account_balance, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, bot_id) DO UPDATE SET
			max_risk_per_trade = excluded.max_risk_per_trade,
			max_daily_loss = excluded.max_daily_loss,
			max_drawdown = excluded.max_drawdown,
			max_concurrent_positions = excluded.max_concurrent_positions,
			max_position_size = excluded.max_position_size,
			position_size_mode = excluded.position_size_mode,
			min_account_balance = excluded.min_account_balance,
			updated_at = excluded.updated_at
	`, userID, botID, p.MaxRiskPerTrade, p.MaxDailyLoss, p.MaxDrawdown, p.MaxConcurrentPositions,
		p.MaxPositionSize, string(p.PositionSizeMode), p.MinAccountBalance, millis(d.now()))
	if err != nil {
		return fmt.Errorf("save risk profile: %w", err)
	}
	return nil
}
