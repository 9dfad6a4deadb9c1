package strategy

import (
	"context"
	"fmt"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

// MACross emits BUY when the fast SMA crosses above the slow SMA (golden
// cross) and SELL on the opposite (death cross).
type MACross struct {
	symbol     string
	fastPeriod int
	slowPeriod int
	sizing     sizing

	fastMA float64
	slowMA float64
	prices []float64
	prev   domain.Side // last emitted side; repeats are suppressed
}

// NewMACross reads fast, slow, quantity, stop_loss_pct and take_profit_pct.
func NewMACross(spec Spec) (Strategy, error) {
	fast, slow := spec.Params.Int("fast", 10), spec.Params.Int("slow", 30)
	if fast <= 0 || slow <= fast {
		return nil, fmt.Errorf("need 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	sz, err := sizingFrom(spec.Params)
	if err != nil {
		return nil, err
	}
	return &MACross{
		symbol:     spec.Symbol,
		fastPeriod: fast,
		slowPeriod: slow,
		sizing:     sz,
		prices:     make([]float64, 0, slow),
	}, nil
}

func (s *MACross) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

func (s *MACross) OnQuote(_ context.Context, q common.Quote) (*domain.Signal, error) {
	if q.Symbol != s.symbol {
		return nil, nil
	}
	s.prices = append(s.prices, q.Mid())
	if len(s.prices) > s.slowPeriod {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.slowPeriod {
		return nil, nil
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = calculateMA(s.prices, s.fastPeriod)
	s.slowMA = calculateMA(s.prices, s.slowPeriod)
	// The first full window only seeds the averages.
	if oldSlow == 0 {
		return nil, nil
	}

	var side domain.Side
	var note string
	switch {
	case oldFast <= oldSlow && s.fastMA > s.slowMA:
		side = domain.SideBuy
		note = fmt.Sprintf("golden cross: MA%d(%.5f) > MA%d(%.5f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA)
	case oldFast >= oldSlow && s.fastMA < s.slowMA:
		side = domain.SideSell
		note = fmt.Sprintf("death cross: MA%d(%.5f) < MA%d(%.5f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA)
	default:
		return nil, nil
	}
	if side == s.prev {
		return nil, nil
	}
	s.prev = side
	return s.sizing.signal(side, q, note), nil
}

// calculateMA is the simple average of the last period prices.
func calculateMA(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}
