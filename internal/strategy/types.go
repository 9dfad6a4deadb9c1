// Package strategy turns market quotes into candidate trade signals.
package strategy

import (
	"context"
	"fmt"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// Strategy evaluates one quote at a time and returns at most one signal.
// Implementations keep their own history and are used by a single bot task.
type Strategy interface {
	Name() string
	OnQuote(ctx context.Context, q common.Quote) (*domain.Signal, error)
}

// Spec is what a factory needs to build a strategy for one bot.
type Spec struct {
	BotID  string
	Symbol string
	Params Params
}

// Params are free-form strategy settings from the bot catalog.
type Params map[string]any

// Float reads a numeric parameter, falling back to def.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Int reads an integer parameter, falling back to def.
func (p Params) Int(key string, def int) int {
	return int(p.Float(key, float64(def)))
}

// String reads a string parameter, falling back to def.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// sizing is shared by the built-in strategies.
type sizing struct {
	quantity      float64
	stopLossPct   float64
	takeProfitPct float64
}

func sizingFrom(p Params) (sizing, error) {
	s := sizing{
		quantity:      p.Float("quantity", 1),
		stopLossPct:   p.Float("stop_loss_pct", 1),
		takeProfitPct: p.Float("take_profit_pct", 2),
	}
	if s.quantity <= 0 {
		return s, fmt.Errorf("quantity must be positive, got %v", s.quantity)
	}
	if s.stopLossPct < 0 || s.takeProfitPct < 0 {
		return s, fmt.Errorf("stop_loss_pct and take_profit_pct must not be negative")
	}
	return s, nil
}

// signal builds an entry at the side of the book the order would hit, with
// stop-loss and take-profit at the configured percentages.
func (s sizing) signal(side domain.Side, q common.Quote, reason string) *domain.Signal {
	entry := q.Ask
	if side == domain.SideSell {
		entry = q.Bid
	}
	sig := &domain.Signal{
		Symbol:     q.Symbol,
		Side:       side,
		EntryPrice: entry,
		Quantity:   s.quantity,
		Timestamp:  q.Timestamp,
		Reason:     reason,
	}
	sign := side.Sign()
	if s.stopLossPct > 0 {
		sig.StopLoss = common.RoundPrice(entry*(1-sign*s.stopLossPct/100), 5)
	}
	if s.takeProfitPct > 0 {
		sig.TakeProfit = common.RoundPrice(entry*(1+sign*s.takeProfitPct/100), 5)
	}
	return sig
}
