// Package order submits approved signals to brokers exactly once.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"signalist/internal/domain"
	"signalist/internal/monitor"
	"signalist/pkg/brokers/common"
	"signalist/pkg/db"
)

// Ledger is the persistence the dispatcher writes to.
type Ledger interface {
	SaveTrade(ctx context.Context, t domain.Trade) error
	FindTradeByIdempotencyKey(ctx context.Context, key string) (domain.Trade, error)
}

// Dispatcher places orders with bounded retry and records the resulting trade.
type Dispatcher struct {
	ledger  Ledger
	policy  common.RetryPolicy
	metrics *monitor.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(ledger Ledger, policy common.RetryPolicy, metrics *monitor.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ledger:  ledger,
		policy:  policy,
		metrics: metrics,
		logger:  logger.With("component", "order"),
		now:     time.Now,
	}
}

// Dispatch submits req through adapter. A transient failure is retried
// under the same idempotency key; a rejection is returned as is.
func (d *Dispatcher) Dispatch(ctx context.Context, adapter common.Adapter, req Request) (Result, error) {
	sig := req.Signal
	if err := sig.Validate(); err != nil {
		return Result{}, &common.Error{Broker: req.Broker, Op: "place_order", Kind: common.KindValidation, Err: err}
	}
	key := IdempotencyKey(req.BotID, sig.Timestamp)

	if existing, err := d.ledger.FindTradeByIdempotencyKey(ctx, key); err == nil {
		d.duplicate(req, key)
		return Result{Trade: existing, Duplicate: true}, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return Result{}, fmt.Errorf("check idempotency key: %w", err)
	}

	spec := common.OrderSpec{
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Quantity:       sig.Quantity,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		IdempotencyKey: key,
		Comment:        req.BotID,
	}

	var (
		ack      common.OrderAck
		attempts int
	)
	var timer *monitor.Timer
	if d.metrics != nil {
		timer = monitor.NewTimer(d.metrics.OrderLatency)
	}
	err := common.Retry(ctx, d.policy, func(ctx context.Context) error {
		attempts++
		var err error
		ack, err = adapter.PlaceOrder(ctx, spec)
		if err != nil && common.IsTransient(err) {
			d.logger.Warn("order attempt failed", "user_id", req.UserID, "bot_id", req.BotID, "attempt", attempts, "error", err)
		}
		return err
	})
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		return Result{Attempts: attempts}, err
	}
	if ack.Status == common.StatusRejected {
		return Result{Attempts: attempts}, common.Rejected(req.Broker, "place_order", fmt.Errorf("order %s rejected", ack.OrderID))
	}

	entry := ack.FilledPrice
	if entry <= 0 {
		entry = sig.EntryPrice
	}
	qty := ack.FilledQty
	if qty <= 0 {
		qty = sig.Quantity
	}
	now := d.now().UTC()
	trade := domain.Trade{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		BotID:          req.BotID,
		Broker:         req.Broker,
		OrderID:        ack.OrderID,
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Quantity:       qty,
		EntryPrice:     entry,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		Status:         domain.TradeOpen,
		EntryReason:    sig.Reason,
		OpenedAt:       now,
		UpdatedAt:      now,
		IdempotencyKey: key,
	}
	if err := d.ledger.SaveTrade(ctx, trade); err != nil {
		if errors.Is(err, db.ErrDuplicateTrade) {
			if existing, ferr := d.ledger.FindTradeByIdempotencyKey(ctx, key); ferr == nil {
				d.duplicate(req, key)
				return Result{Trade: existing, Duplicate: true, Attempts: attempts}, nil
			}
		}
		// The broker holds a position the ledger does not; reconciliation
		// cannot repair this, so surface it loudly.
		d.logger.Error("order filled but trade not persisted", "user_id", req.UserID, "bot_id", req.BotID, "order_id", ack.OrderID, "error", err)
		return Result{Attempts: attempts}, fmt.Errorf("persist trade for order %s: %w", ack.OrderID, err)
	}
	if d.metrics != nil {
		d.metrics.IncOrders()
	}
	d.logger.Info("order filled",
		"user_id", req.UserID, "bot_id", req.BotID, "broker", req.Broker,
		"order_id", ack.OrderID, "symbol", sig.Symbol, "side", sig.Side, "qty", qty, "price", entry)
	return Result{Trade: trade, Attempts: attempts}, nil
}

func (d *Dispatcher) duplicate(req Request, key string) {
	if d.metrics != nil {
		d.metrics.IncDuplicateOrders()
	}
	d.logger.Info("duplicate signal ignored", "user_id", req.UserID, "bot_id", req.BotID, "key", key)
}
