package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"signalist/internal/domain"
	"signalist/internal/events"
	"signalist/internal/monitor"
	"signalist/internal/order"
	"signalist/internal/risk"
	"signalist/internal/session"
	"signalist/internal/strategy"
	"signalist/pkg/brokers/common"
)

// Error kinds carried by error events.
const (
	errKindRejection = "broker_rejection"
	errKindExhausted = "retries_exhausted"
	errKindRevoked   = "session_revoked"
	errKindFatal     = "fatal"
	errKindPanic     = "panic"
	errKindFailures  = "failure_threshold"
	errKindInternal  = "internal"
)

var errFailureThreshold = errors.New("failure threshold reached")

// runner holds the per-task state of the cycle loop. It is only used by the
// task goroutine.
type runner struct {
	m       *Manager
	t       *task
	adapter common.Adapter
	strat   strategy.Strategy
	profile risk.Profile
	log     *slog.Logger

	lastBalance common.Balance
	limit       risk.Check // active balance-threatening limit, already reported
}

// cycle runs one iteration. A non-nil error ends the task in ERROR.
func (r *runner) cycle(ctx context.Context) error {
	m, t := r.m, r.t
	if m.metrics != nil {
		m.metrics.IncCycles()
		defer monitor.NewTimer(m.metrics.CycleLatency).Stop()
	}
	t.touch(m.now())

	bal, err := r.adapter.GetBalance(ctx)
	if err != nil {
		return r.fail(ctx, "balance", err)
	}
	acct := m.tracker.Observe(t.key, r.adapter.DayBoundary(), bal.Balance)
	r.publishBalance(bal)

	if d, breached := risk.DrawdownBreached(acct, r.profile); breached {
		r.reportLimit(d)
		t.resetFailures()
		return nil
	}

	q, err := r.adapter.GetMarketData(ctx, t.rec.Symbol)
	if err != nil {
		return r.fail(ctx, "market_data", err)
	}
	sig, err := r.strat.OnQuote(ctx, q)
	if err != nil {
		return r.fail(ctx, "strategy", err)
	}
	if sig == nil {
		t.resetFailures()
		return nil
	}
	if m.metrics != nil {
		m.metrics.IncSignals()
	}

	open, err := r.openPositions(ctx)
	if err != nil {
		return r.fail(ctx, "open_positions", err)
	}
	dec := risk.CanTrade(*sig, acct, open, r.profile)
	if !dec.Allowed {
		r.log.Info("signal vetoed", "check", dec.Check, "reason", dec.Reason, "side", sig.Side, "qty", sig.Quantity)
		if m.metrics != nil {
			m.metrics.IncVetoes()
		}
		if dec.BalanceThreatening() {
			r.reportLimit(dec)
		}
		t.resetFailures()
		return nil
	}
	r.limit = ""

	res, err := m.dispatcher.Dispatch(ctx, r.adapter, order.Request{
		UserID: t.rec.UserID,
		BotID:  t.rec.BotID,
		Broker: t.rec.Broker,
		Signal: *sig,
	})
	if err != nil {
		return r.orderFailed(ctx, *sig, err)
	}
	t.orderAccepted()
	if !res.Duplicate {
		m.publish(t.rec.UserID, events.TradeExecuted(t.rec.BotID, res.Trade))
	}
	return nil
}

// openPositions is the ledger's view of the bot's open trades.
func (r *runner) openPositions(ctx context.Context) ([]domain.Position, error) {
	trades, err := r.m.store.LoadOpenTrades(ctx, r.t.rec.UserID, r.t.rec.Broker)
	if err != nil {
		return nil, err
	}
	var out []domain.Position
	for _, tr := range trades {
		if tr.BotID == r.t.rec.BotID {
			out = append(out, tr.Position())
		}
	}
	return out, nil
}

func (r *runner) publishBalance(b common.Balance) {
	if b == r.lastBalance {
		return
	}
	r.lastBalance = b
	r.m.publish(r.t.rec.UserID, events.Event{Type: events.KindBalanceUpdate, Data: events.BalancePayload{
		BotID:    r.t.rec.BotID,
		Broker:   r.t.rec.Broker,
		Balance:  b.Balance,
		Equity:   b.Equity,
		Currency: b.Currency,
	}})
}

// reportLimit emits drawdown_limit once per distinct limit.
func (r *runner) reportLimit(d risk.Decision) {
	if r.limit == d.Check {
		return
	}
	r.limit = d.Check
	r.log.Warn("balance limit reached, signals dropped", "check", d.Check, "reason", d.Reason)
	r.m.publish(r.t.rec.UserID, events.Event{Type: events.KindDrawdownLimit, Data: events.DrawdownPayload{
		BotID:  r.t.rec.BotID,
		Check:  string(d.Check),
		Reason: d.Reason,
	}})
}

func (r *runner) orderFailed(ctx context.Context, sig domain.Signal, err error) error {
	var exhausted *common.ErrRetriesExhausted
	switch {
	case common.KindOf(err) == common.KindValidation:
		r.log.Warn("signal dropped", "error", err)
		return nil
	case errors.As(err, &exhausted):
		tradeID := r.markStale(ctx, sig, err)
		r.m.publish(r.t.rec.UserID, events.Error(r.t.rec.BotID, tradeID, errKindExhausted, err.Error()))
	case common.IsRejection(err):
		if r.m.metrics != nil {
			r.m.metrics.IncRejections()
		}
		r.m.publish(r.t.rec.UserID, events.Error(r.t.rec.BotID, "", errKindRejection, err.Error()))
	}
	return r.classify(ctx, "place_order", err, r.t.recordOrderFailure)
}

// markStale records a trade whose order outcome is unknown after the retry
// budget ran out. Its idempotency key blocks a second submission of the same
// signal.
func (r *runner) markStale(ctx context.Context, sig domain.Signal, cause error) string {
	now := r.m.now().UTC()
	tr := domain.Trade{
		ID:             uuid.NewString(),
		UserID:         r.t.rec.UserID,
		BotID:          r.t.rec.BotID,
		Broker:         r.t.rec.Broker,
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Quantity:       sig.Quantity,
		EntryPrice:     sig.EntryPrice,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		Status:         domain.TradeStale,
		EntryReason:    sig.Reason,
		ExitReason:     "broker unreachable: " + cause.Error(),
		OpenedAt:       now,
		ClosedAt:       &now,
		UpdatedAt:      now,
		IdempotencyKey: order.IdempotencyKey(r.t.rec.BotID, sig.Timestamp),
	}
	if err := r.m.store.SaveTrade(ctx, tr); err != nil {
		r.log.Error("record stale trade", "error", err)
		return ""
	}
	r.log.Warn("trade marked stale", "trade_id", tr.ID, "symbol", sig.Symbol, "error", cause)
	return tr.ID
}

// fail classifies a cycle failure. Fatal errors and revocation end the task
// at once; other failures end it after FailureThreshold in a row.
func (r *runner) fail(ctx context.Context, op string, err error) error {
	return r.classify(ctx, op, err, r.t.recordFailure)
}

// classify applies the failure rules, counting with record.
func (r *runner) classify(ctx context.Context, op string, err error, record func(error) int) error {
	if ctx.Err() != nil {
		// Hard cancel from Stop; the loop exits on its own.
		return nil
	}
	if errors.Is(err, session.ErrSessionRevoked) || common.IsFatal(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if common.KindOf(err) == common.KindValidation {
		r.log.Warn("invalid request", "op", op, "error", err)
		return nil
	}
	if r.m.metrics != nil && common.KindOf(err) != 0 {
		r.m.metrics.IncBrokerErrors()
	}
	n := record(err)
	r.log.Warn("cycle failed", "op", op, "consecutive", n, "error", err)
	if n >= r.m.cfg.FailureThreshold {
		return fmt.Errorf("%w after %d consecutive failures (%s): %w", errFailureThreshold, n, op, err)
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTaskPanic):
		return errKindPanic
	case errors.Is(err, session.ErrSessionRevoked):
		return errKindRevoked
	case errors.Is(err, errFailureThreshold):
		return errKindFailures
	case common.IsFatal(err):
		return errKindFatal
	case common.IsRejection(err):
		return errKindRejection
	}
	return errKindInternal
}
