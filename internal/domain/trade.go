package domain

import "time"

// TradeStatus is the ledger status of a trade. OPEN moves to exactly one
// terminal status and never back.
type TradeStatus string

const (
	TradeOpen        TradeStatus = "OPEN"
	TradeClosed      TradeStatus = "CLOSED"
	TradeTPHit       TradeStatus = "TP_HIT"
	TradeSLHit       TradeStatus = "SL_HIT"
	TradeManualClose TradeStatus = "MANUAL_CLOSE"
	TradeStale       TradeStatus = "STALE"
)

// Terminal reports whether no further transition is allowed.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeClosed, TradeTPHit, TradeSLHit, TradeManualClose, TradeStale:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	return s == TradeOpen || s.Terminal()
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to TradeStatus) bool {
	return from == TradeOpen && to.Terminal()
}

// Trade is one ledger row.
type Trade struct {
	ID             string      `json:"trade_id"`
	UserID         string      `json:"user_id"`
	BotID          string      `json:"bot_id"`
	Broker         string      `json:"broker"`
	OrderID        string      `json:"order_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Quantity       float64     `json:"quantity"`
	EntryPrice     float64     `json:"entry_price"`
	ExitPrice      float64     `json:"exit_price,omitempty"`
	StopLoss       float64     `json:"stop_loss,omitempty"`
	TakeProfit     float64     `json:"take_profit,omitempty"`
	Status         TradeStatus `json:"status"`
	RealizedPnL    float64     `json:"realized_pnl"`
	UnrealizedPnL  float64     `json:"unrealized_pnl"`
	EntryReason    string      `json:"entry_reason,omitempty"`
	ExitReason     string      `json:"exit_reason,omitempty"`
	OpenedAt       time.Time   `json:"opened_at"`
	IdempotencyKey string      `json:"-"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Position projects an open trade into a Position.
func (t Trade) Position() Position {
	p := Position{
		PositionID:    t.ID,
		Symbol:        t.Symbol,
		Side:          t.Side,
		Quantity:      t.Quantity,
		EntryPrice:    t.EntryPrice,
		CurrentPrice:  t.EntryPrice,
		UnrealizedPnL: t.UnrealizedPnL,
		Status:        PositionOpen,
		OpenedAt:      t.OpenedAt,
	}
	if t.Status != TradeOpen {
		p.Status = PositionClosed
	}
	if t.Quantity != 0 && t.EntryPrice != 0 {
		p.CurrentPrice = t.EntryPrice + t.UnrealizedPnL/(t.Quantity*t.Side.Sign())
		p.UnrealizedPnLPct = t.UnrealizedPnL / (t.Quantity * t.EntryPrice) * 100
	}
	return p
}

// TradeUpdate carries the optional fields written with a status change.
type TradeUpdate struct {
	ExitPrice     *float64
	RealizedPnL   *float64
	UnrealizedPnL *float64
	ExitReason    string
	ClosedAt      *time.Time
}

// Float returns a pointer to v, for TradeUpdate fields.
func Float(v float64) *float64 { return &v }
