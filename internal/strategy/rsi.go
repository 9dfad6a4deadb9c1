package strategy

import (
	"context"
	"fmt"
	"math"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// RSI buys when the relative strength index drops below the oversold level
// and sells above the overbought level.
type RSI struct {
	symbol     string
	period     int
	oversold   float64
	overbought float64
	sizing     sizing

	prices []float64
	rsi    float64
	prev   domain.Side
}

// NewRSI reads period, oversold, overbought and the sizing parameters.
func NewRSI(spec Spec) (Strategy, error) {
	s := &RSI{
		symbol:     spec.Symbol,
		period:     spec.Params.Int("period", 14),
		oversold:   spec.Params.Float("oversold", 30),
		overbought: spec.Params.Float("overbought", 70),
	}
	if s.period < 2 {
		return nil, fmt.Errorf("period must be at least 2, got %d", s.period)
	}
	if s.oversold >= s.overbought {
		return nil, fmt.Errorf("oversold %.1f must be below overbought %.1f", s.oversold, s.overbought)
	}
	sz, err := sizingFrom(spec.Params)
	if err != nil {
		return nil, err
	}
	s.sizing = sz
	s.prices = make([]float64, 0, s.period+1)
	return s, nil
}

func (s *RSI) Name() string { return fmt.Sprintf("RSI_%d", s.period) }

func (s *RSI) OnQuote(_ context.Context, q common.Quote) (*domain.Signal, error) {
	if q.Symbol != s.symbol {
		return nil, nil
	}
	s.prices = append(s.prices, q.Mid())
	if len(s.prices) > s.period+1 {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.period+1 {
		return nil, nil
	}
	s.rsi = relativeStrength(s.prices)

	var side domain.Side
	switch {
	case s.rsi < s.oversold:
		side = domain.SideBuy
	case s.rsi > s.overbought:
		side = domain.SideSell
	default:
		// Neutral zone re-arms both directions.
		s.prev = ""
		return nil, nil
	}
	if side == s.prev {
		return nil, nil
	}
	s.prev = side
	return s.sizing.signal(side, q, fmt.Sprintf("RSI %.2f", s.rsi)), nil
}

func relativeStrength(prices []float64) float64 {
	var gain, loss float64
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss += math.Abs(change)
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}
