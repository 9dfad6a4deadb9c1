package common

import (
	"context"
	"time"

	"signalist/internal/domain"
)

// OrderStatus normalizes broker order status into a small set.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "FILLED"
	StatusPending  OrderStatus = "PENDING"
	StatusRejected OrderStatus = "REJECTED"
)

// Credentials are the per-user secrets an adapter authenticates with.
// Fields a broker does not use are left empty.
type Credentials struct {
	Login     string `json:"login,omitempty"`
	Password  string `json:"password,omitempty"`
	Server    string `json:"server,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Config is passed to Initialize.
type Config struct {
	UserID      string
	Credentials Credentials
	Currency    string
}

// Balance is the account balance reported by a broker.
type Balance struct {
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Currency string  `json:"currency"`
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// OrderSpec is an order intent. IdempotencyKey is stable across retries
// of the same signal.
type OrderSpec struct {
	Symbol         string
	Side           domain.Side
	Quantity       float64
	StopLoss       float64
	TakeProfit     float64
	IdempotencyKey string
	Comment        string
}

// OrderAck is the broker acknowledgement of a placed order.
type OrderAck struct {
	OrderID     string      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	FilledPrice float64     `json:"filled_price,omitempty"`
	FilledQty   float64     `json:"filled_qty,omitempty"`
}

// Health is a liveness probe result.
type Health struct {
	OK             bool   `json:"ok"`
	LatencyMs      int64  `json:"latency_ms"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// OrderState is the broker's authoritative view of a previously placed order.
type OrderState struct {
	Open          bool       `json:"open"`
	CurrentPrice  float64    `json:"current_price,omitempty"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	ExitPrice     float64    `json:"exit_price,omitempty"`
	RealizedPnL   *float64   `json:"realized_pnl,omitempty"` // nil when the broker does not report it
	ExitReason    string     `json:"exit_reason,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// OrderRef identifies a placed order for a state lookup.
type OrderRef struct {
	OrderID    string
	Symbol     string
	Side       domain.Side
	Quantity   float64
	EntryPrice float64
	OpenedAt   time.Time
}

// Adapter is the uniform contract every broker backend implements.
// Methods are safe for concurrent use once Initialize has returned.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context, cfg Config) error
	GetBalance(ctx context.Context) (Balance, error)
	GetMarketData(ctx context.Context, symbol string) (Quote, error)
	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderAck, error)
	HealthCheck(ctx context.Context) Health
	OrderState(ctx context.Context, ref OrderRef) (OrderState, error)
	DayBoundary() DayBoundary
	Close() error
}
