package strategy

import (
	"context"
	"fmt"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// Momentum emits BUY when the mid jumps up by more than threshold between
// consecutive quotes and SELL when it drops by as much.
type Momentum struct {
	symbol    string
	threshold float64 // fractional move, 0.001 = 0.1%
	sizing    sizing
	lastPrice float64
}

// NewMomentum reads threshold and the sizing parameters.
func NewMomentum(spec Spec) (Strategy, error) {
	threshold := spec.Params.Float("threshold", 0.001)
	if threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %v", threshold)
	}
	sz, err := sizingFrom(spec.Params)
	if err != nil {
		return nil, err
	}
	return &Momentum{symbol: spec.Symbol, threshold: threshold, sizing: sz}, nil
}

func (m *Momentum) Name() string { return "momentum_" + m.symbol }

func (m *Momentum) OnQuote(_ context.Context, q common.Quote) (*domain.Signal, error) {
	if q.Symbol != m.symbol {
		return nil, nil
	}
	price := q.Mid()
	last := m.lastPrice
	m.lastPrice = price
	if last <= 0 {
		return nil, nil
	}
	change := (price - last) / last
	switch {
	case change >= m.threshold:
		return m.sizing.signal(domain.SideBuy, q, fmt.Sprintf("momentum up %.3f%%", change*100)), nil
	case change <= -m.threshold:
		return m.sizing.signal(domain.SideSell, q, fmt.Sprintf("momentum down %.3f%%", -change*100)), nil
	}
	return nil, nil
}
