package events

import (
	"time"

	"signalist/internal/domain"
)

// Kind is the type tag of a stream frame.
type Kind string

const (
	KindTradeExecuted Kind = "trade_executed"
	KindTradeUpdate   Kind = "trade_update"
	KindTradeClosed   Kind = "trade_closed"
	KindBalanceUpdate Kind = "balance_update"
	KindDrawdownLimit Kind = "drawdown_limit"
	KindError         Kind = "error"
	KindHeartbeat     Kind = "heartbeat"
	KindOpenTrades    Kind = "open_trades"
)

// Event is one self-contained {type, data} frame.
type Event struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// TradePayload accompanies trade_executed, trade_update and trade_closed.
type TradePayload struct {
	BotID string       `json:"bot_id"`
	Trade domain.Trade `json:"trade"`
}

// BalancePayload accompanies balance_update.
type BalancePayload struct {
	BotID    string  `json:"bot_id"`
	Broker   string  `json:"broker"`
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Currency string  `json:"currency"`
}

// DrawdownPayload accompanies drawdown_limit.
type DrawdownPayload struct {
	BotID  string `json:"bot_id"`
	Check  string `json:"check"`
	Reason string `json:"reason"`
}

// ErrorPayload accompanies error.
type ErrorPayload struct {
	BotID   string `json:"bot_id,omitempty"`
	TradeID string `json:"trade_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HeartbeatPayload accompanies heartbeat.
type HeartbeatPayload struct {
	Time time.Time `json:"time"`
}

// OpenTradesPayload accompanies open_trades.
type OpenTradesPayload struct {
	Trades []domain.Trade `json:"trades"`
}

func TradeExecuted(botID string, t domain.Trade) Event {
	return Event{Type: KindTradeExecuted, Data: TradePayload{BotID: botID, Trade: t}}
}

func TradeUpdated(botID string, t domain.Trade) Event {
	return Event{Type: KindTradeUpdate, Data: TradePayload{BotID: botID, Trade: t}}
}

func TradeClosed(botID string, t domain.Trade) Event {
	return Event{Type: KindTradeClosed, Data: TradePayload{BotID: botID, Trade: t}}
}

func Error(botID, tradeID, kind, msg string) Event {
	return Event{Type: KindError, Data: ErrorPayload{BotID: botID, TradeID: tradeID, Kind: kind, Message: msg}}
}
