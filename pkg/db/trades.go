package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"signalist/internal/domain"
)

const tradeColumns = `id, user_id, bot_id, broker, order_id, COALESCE(idempotency_key, ''), symbol, side,
	quantity, entry_price, exit_price, stop_loss, take_profit, status, realized_pnl, unrealized_pnl,
	entry_reason, exit_reason, opened_at, closed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (domain.Trade, error) {
	var (
		t               domain.Trade
		side, status    string
		opened, updated int64
		closed          sql.NullInt64
	)
	if err := r.Scan(&t.ID, &t.UserID, &t.BotID, &t.Broker, &t.OrderID, &t.IdempotencyKey, &t.Symbol, &side,
		&t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.TakeProfit, &status, &t.RealizedPnL, &t.UnrealizedPnL,
		&t.EntryReason, &t.ExitReason, &opened, &closed, &updated); err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	t.OpenedAt = fromMillis(opened)
	t.UpdatedAt = fromMillis(updated)
	if closed.Valid {
		c := fromMillis(closed.Int64)
		t.ClosedAt = &c
	}
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTrade inserts a new ledger row. A repeated idempotency key returns
// ErrDuplicateTrade.
func (d *Database) SaveTrade(ctx context.Context, t domain.Trade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	if t.ID == "" {
		return errors.New("trade id is required")
	}
	if t.Status == "" {
		t.Status = domain.TradeOpen
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown trade status %q", t.Status)
	}
	now := d.now()
	if t.OpenedAt.IsZero() {
		t.OpenedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, user_id, bot_id, broker, order_id, idempotency_key, symbol, side,
			quantity, entry_price, exit_price, stop_loss, take_profit, status, realized_pnl, unrealized_pnl,
			entry_reason, exit_reason, opened_at, closed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.UserID, t.BotID, t.Broker, t.OrderID, nullString(t.IdempotencyKey), t.Symbol, string(t.Side),
		t.Quantity, t.EntryPrice, t.ExitPrice, t.StopLoss, t.TakeProfit, string(t.Status), t.RealizedPnL, t.UnrealizedPnL,
		t.EntryReason, t.ExitReason, millis(t.OpenedAt), nullMillis(t.ClosedAt), millis(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateTrade, t.IdempotencyKey)
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetTrade returns one trade by id.
func (d *Database) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trade{}, ErrNotFound
	}
	return t, err
}

// FindTradeByIdempotencyKey returns the trade an order key produced.
func (d *Database) FindTradeByIdempotencyKey(ctx context.Context, key string) (domain.Trade, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE idempotency_key = ?`, key)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trade{}, ErrNotFound
	}
	return t, err
}

// LoadOpenTrades returns a user's OPEN trades; an empty broker means all brokers.
func (d *Database) LoadOpenTrades(ctx context.Context, userID, broker string) ([]domain.Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	q := `SELECT ` + tradeColumns + ` FROM trades WHERE user_id = ? AND status = 'OPEN'`
	args := []any{userID}
	if broker != "" {
		q += ` AND broker = ?`
		args = append(args, broker)
	}
	q += ` ORDER BY opened_at`
	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	return collectTrades(rows)
}

// ListBotTrades returns a bot's most recent trades, newest first.
func (d *Database) ListBotTrades(ctx context.Context, userID, botID string, limit int) ([]domain.Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND bot_id = ?
		ORDER BY opened_at DESC LIMIT ?
	`, userID, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("query bot trades: %w", err)
	}
	return collectTrades(rows)
}

// ListUsersWithOpenTrades returns every user that has at least one OPEN trade.
func (d *Database) ListUsersWithOpenTrades(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT DISTINCT user_id FROM trades WHERE status = 'OPEN' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users with open trades: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateTradeStatus moves an OPEN trade to a terminal status. Any other
// transition fails with ErrInvalidTransition; the row is left untouched.
func (d *Database) UpdateTradeStatus(ctx context.Context, id string, status domain.TradeStatus, f domain.TradeUpdate) error {
	if !domain.CanTransition(domain.TradeOpen, status) {
		return fmt.Errorf("%w: OPEN -> %s", ErrInvalidTransition, status)
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), millis(d.now())}
	if f.ExitPrice != nil {
		sets = append(sets, "exit_price = ?")
		args = append(args, *f.ExitPrice)
	}
	if f.RealizedPnL != nil {
		sets = append(sets, "realized_pnl = ?", "unrealized_pnl = 0")
		args = append(args, *f.RealizedPnL)
	} else if f.UnrealizedPnL != nil {
		sets = append(sets, "unrealized_pnl = ?")
		args = append(args, *f.UnrealizedPnL)
	}
	if f.ExitReason != "" {
		sets = append(sets, "exit_reason = ?")
		args = append(args, f.ExitReason)
	}
	closed := f.ClosedAt
	if closed == nil {
		now := d.now()
		closed = &now
	}
	sets = append(sets, "closed_at = ?")
	args = append(args, nullMillis(closed))
	args = append(args, id)

	res, err := d.DB.ExecContext(ctx, `UPDATE trades SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = 'OPEN'`, args...)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	return d.checkOpenUpdate(ctx, res, id, status)
}

// UpdateUnrealizedPnL refreshes the mark-to-market of an OPEN trade.
func (d *Database) UpdateUnrealizedPnL(ctx context.Context, id string, pnl float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET unrealized_pnl = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'
	`, pnl, millis(d.now()), id)
	if err != nil {
		return fmt.Errorf("update unrealized pnl: %w", err)
	}
	return d.checkOpenUpdate(ctx, res, id, domain.TradeOpen)
}

func (d *Database) checkOpenUpdate(ctx context.Context, res sql.Result, id string, to domain.TradeStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var current string
	err = d.DB.QueryRowContext(ctx, `SELECT status FROM trades WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}
