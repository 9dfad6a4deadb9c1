package strategy

import (
	"context"
	"testing"
	"time"

	"signalist/internal/domain"
	"signalist/pkg/brokers/common"
)

func quote(sym string, mid float64, i int) common.Quote {
	return common.Quote{Symbol: sym, Bid: mid - 0.0001, Ask: mid + 0.0001, Timestamp: time.Unix(int64(1700000000+i), 0).UTC()}
}

func feed(t *testing.T, s Strategy, sym string, prices []float64) []*domain.Signal {
	t.Helper()
	var out []*domain.Signal
	for i, p := range prices {
		sig, err := s.OnQuote(context.Background(), quote(sym, p, i))
		if err != nil {
			t.Fatalf("OnQuote: %v", err)
		}
		if sig != nil {
			out = append(out, sig)
		}
	}
	return out
}

func TestMACrossGoldenThenDeathCross(t *testing.T) {
	s, err := NewMACross(Spec{BotID: "b", Symbol: "EURUSD", Params: Params{"fast": 2, "slow": 4, "quantity": 1000}})
	if err != nil {
		t.Fatalf("NewMACross: %v", err)
	}
	prices := []float64{1.10, 1.09, 1.08, 1.07, 1.06, 1.08, 1.11, 1.12, 1.13, 1.10, 1.06, 1.03}
	sigs := feed(t, s, "EURUSD", prices)
	if len(sigs) != 2 {
		t.Fatalf("expected golden and death cross, got %d signals", len(sigs))
	}
	if sigs[0].Side != domain.SideBuy || sigs[1].Side != domain.SideSell {
		t.Fatalf("unexpected sides %s, %s", sigs[0].Side, sigs[1].Side)
	}
	buy := sigs[0]
	if buy.Quantity != 1000 || buy.StopLoss >= buy.EntryPrice || buy.TakeProfit <= buy.EntryPrice {
		t.Fatalf("bad bracket on buy: %+v", buy)
	}
	if err := buy.Validate(); err != nil {
		t.Fatalf("signal should validate: %v", err)
	}
	sell := sigs[1]
	if sell.StopLoss <= sell.EntryPrice || sell.TakeProfit >= sell.EntryPrice {
		t.Fatalf("bad bracket on sell: %+v", sell)
	}
}

func TestMACrossIgnoresOtherSymbols(t *testing.T) {
	s, _ := NewMACross(Spec{Symbol: "EURUSD", Params: Params{"fast": 2, "slow": 3}})
	if sigs := feed(t, s, "GBPUSD", []float64{1, 2, 3, 1, 5, 9}); len(sigs) != 0 {
		t.Fatalf("expected no signals for foreign symbol, got %d", len(sigs))
	}
}

func TestMACrossRejectsBadPeriods(t *testing.T) {
	if _, err := NewMACross(Spec{Params: Params{"fast": 5, "slow": 5}}); err == nil {
		t.Fatal("expected error for fast == slow")
	}
	if _, err := NewMACross(Spec{Params: Params{"quantity": -1}}); err == nil {
		t.Fatal("expected error for negative quantity")
	}
}

func TestRSIOversoldBuysOnce(t *testing.T) {
	s, err := NewRSI(Spec{Symbol: "X", Params: Params{"period": 3}})
	if err != nil {
		t.Fatalf("NewRSI: %v", err)
	}
	sigs := feed(t, s, "X", []float64{10, 9, 8, 7, 6, 5})
	if len(sigs) != 1 || sigs[0].Side != domain.SideBuy {
		t.Fatalf("expected a single BUY on a falling series, got %+v", sigs)
	}
}

func TestMomentumThreshold(t *testing.T) {
	s, err := NewMomentum(Spec{Symbol: "X", Params: Params{"threshold": 0.01, "stop_loss_pct": 0}})
	if err != nil {
		t.Fatalf("NewMomentum: %v", err)
	}
	sigs := feed(t, s, "X", []float64{100, 100.5, 102, 101.9, 99})
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(sigs))
	}
	if sigs[0].Side != domain.SideBuy || sigs[1].Side != domain.SideSell {
		t.Fatalf("unexpected sides %s, %s", sigs[0].Side, sigs[1].Side)
	}
	if sigs[0].HasStopLoss() {
		t.Fatal("stop_loss_pct 0 should leave the stop unset")
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(nil)
	if got := r.Names(); len(got) != 3 || got[0] != "ma_cross" || got[1] != "momentum" || got[2] != "rsi" {
		t.Fatalf("unexpected names %v", got)
	}
	if _, err := r.Build("nope", Spec{}); err == nil {
		t.Fatal("expected ErrUnknownStrategy")
	}
	s, err := r.Build("momentum", Spec{Symbol: "X"})
	if err != nil || s.Name() != "momentum_X" {
		t.Fatalf("Build momentum: %v %v", s, err)
	}
}

func TestParams(t *testing.T) {
	p := Params{"a": 3, "b": 2.5, "c": "x", "d": int64(7)}
	if p.Float("a", 0) != 3 || p.Float("b", 0) != 2.5 || p.Int("d", 0) != 7 {
		t.Fatalf("numeric params not read: %v", p)
	}
	if p.Float("missing", 1.5) != 1.5 || p.String("c", "") != "x" || p.String("a", "def") != "def" {
		t.Fatal("fallbacks not applied")
	}
}
