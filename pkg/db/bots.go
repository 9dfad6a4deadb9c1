package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signalist/internal/domain"
)

// BotRecord is the persisted definition and last known state of a bot.
type BotRecord struct {
	UserID    string          `json:"user_id"`
	BotID     string          `json:"bot_id"`
	Broker    string          `json:"broker"`
	Strategy  string          `json:"strategy"`
	Symbol    string          `json:"symbol"`
	Params    map[string]any  `json:"params,omitempty"`
	Autostart bool            `json:"autostart"`
	State     domain.BotState `json:"state"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const botColumns = `user_id, bot_id, broker, strategy, symbol, params, autostart, state, last_error, updated_at`

func scanBot(r rowScanner) (BotRecord, error) {
	var (
		b       BotRecord
		params  string
		state   string
		updated int64
	)
	if err := r.Scan(&b.UserID, &b.BotID, &b.Broker, &b.Strategy, &b.Symbol, &params, &b.Autostart, &state, &b.LastError, &updated); err != nil {
		return BotRecord{}, err
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &b.Params); err != nil {
			return BotRecord{}, fmt.Errorf("decode params of bot %s: %w", b.BotID, err)
		}
	}
	b.State = domain.BotState(state)
	b.UpdatedAt = fromMillis(updated)
	return b, nil
}

// UpsertBot stores a bot definition. The runtime state is preserved for
// existing rows.
func (d *Database) UpsertBot(ctx context.Context, b BotRecord) error {
	if b.UserID == "" {
		return ErrUserIDRequired
	}
	params, err := json.Marshal(b.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if b.State == "" {
		b.State = domain.BotStopped
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO bots (`+botColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(user_id, bot_id) DO UPDATE SET
			broker = excluded.broker,
			strategy = excluded.strategy,
			symbol = excluded.symbol,
			params = excluded.params,
			autostart = excluded.autostart,
			updated_at = excluded.updated_at
	`, b.UserID, b.BotID, b.Broker, b.Strategy, b.Symbol, string(params), b.Autostart, string(b.State), millis(d.now()))
	if err != nil {
		return fmt.Errorf("upsert bot: %w", err)
	}
	return nil
}

// GetBot returns one bot or ErrNotFound.
func (d *Database) GetBot(ctx context.Context, userID, botID string) (BotRecord, error) {
	if userID == "" {
		return BotRecord{}, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE user_id = ? AND bot_id = ?`, userID, botID)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BotRecord{}, ErrNotFound
	}
	return b, err
}

// ListBots returns a user's bots ordered by id.
func (d *Database) ListBots(ctx context.Context, userID string) ([]BotRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return d.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE user_id = ? ORDER BY bot_id`, userID)
}

// ListAutostartBots returns bots marked for start at boot.
func (d *Database) ListAutostartBots(ctx context.Context) ([]BotRecord, error) {
	return d.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE autostart = 1 ORDER BY user_id, bot_id`)
}

func (d *Database) queryBots(ctx context.Context, q string, args ...any) ([]BotRecord, error) {
	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()
	var out []BotRecord
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBotState records the last runtime state of a bot.
func (d *Database) UpdateBotState(ctx context.Context, userID, botID string, state domain.BotState, lastErr string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE bots SET state = ?, last_error = ?, updated_at = ?
		WHERE user_id = ? AND bot_id = ?
	`, string(state), lastErr, millis(d.now()), userID, botID)
	if err != nil {
		return fmt.Errorf("update bot state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
