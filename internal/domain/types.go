package domain

import (
	"errors"
	"fmt"
	"time"
)

// Side is the direction of a signal or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// BotState is the runtime state of a bot task.
type BotState string

const (
	BotStopped  BotState = "STOPPED"
	BotStarting BotState = "STARTING"
	BotRunning  BotState = "RUNNING"
	BotStopping BotState = "STOPPING"
	BotError    BotState = "ERROR"
)

// Active reports whether a task owns the bot in this state.
func (s BotState) Active() bool {
	return s == BotStarting || s == BotRunning || s == BotStopping
}

// ErrInvalidSignal marks a malformed signal. It is never retried.
var ErrInvalidSignal = errors.New("invalid signal")

// Signal is a candidate trade produced by a strategy.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss,omitempty"`   // 0 means none
	TakeProfit float64   `json:"take_profit,omitempty"` // 0 means none
	Quantity   float64   `json:"quantity"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
}

// HasStopLoss reports whether a stop-loss level was attached.
func (s Signal) HasStopLoss() bool { return s.StopLoss > 0 }

// Validate checks the fields a broker would need. Errors wrap ErrInvalidSignal.
func (s Signal) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: symbol required", ErrInvalidSignal)
	case s.Side != SideBuy && s.Side != SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidSignal, s.Side)
	case s.EntryPrice <= 0:
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidSignal)
	case s.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidSignal)
	case s.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp required", ErrInvalidSignal)
	}
	if s.StopLoss > 0 {
		if s.Side == SideBuy && s.StopLoss >= s.EntryPrice {
			return fmt.Errorf("%w: stop-loss %.5f not below entry %.5f", ErrInvalidSignal, s.StopLoss, s.EntryPrice)
		}
		if s.Side == SideSell && s.StopLoss <= s.EntryPrice {
			return fmt.Errorf("%w: stop-loss %.5f not above entry %.5f", ErrInvalidSignal, s.StopLoss, s.EntryPrice)
		}
	}
	return nil
}

// Notional is quantity times entry price.
func (s Signal) Notional() float64 { return s.Quantity * s.EntryPrice }

// PositionStatus is OPEN or CLOSED.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the live view of an open exposure.
type Position struct {
	PositionID       string         `json:"position_id"`
	Symbol           string         `json:"symbol"`
	Side             Side           `json:"side"`
	Quantity         float64        `json:"quantity"`
	EntryPrice       float64        `json:"entry_price"`
	CurrentPrice     float64        `json:"current_price"`
	UnrealizedPnL    float64        `json:"unrealized_pnl"`
	UnrealizedPnLPct float64        `json:"unrealized_pnl_pct"`
	Status           PositionStatus `json:"status"`
	OpenedAt         time.Time      `json:"opened_at"`
}
