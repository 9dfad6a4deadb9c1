package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalist/internal/domain"
)

func openPositions(n int) []domain.Position {
	out := make([]domain.Position, n)
	for i := range out {
		out[i] = domain.Position{Symbol: "XAUUSD", Status: domain.PositionOpen}
	}
	return out
}

func buy(qty, entry, stop float64) domain.Signal {
	return domain.Signal{Symbol: "XAUUSD", Side: domain.SideBuy, EntryPrice: entry, StopLoss: stop, Quantity: qty, Timestamp: time.Now()}
}

func TestCalculateMaxPositionSize(t *testing.T) {
	got, err := CalculateMaxPositionSize(10000, 1, 2000, 1980)
	require.NoError(t, err)
	assert.InDelta(t, 5, got, 1e-9)

	double, err := CalculateMaxPositionSize(20000, 1, 2000, 1980)
	require.NoError(t, err)
	assert.InDelta(t, 2*got, double, 1e-9, "size scales with balance")

	for _, stop := range []float64{0, 2000} {
		size, err := CalculateMaxPositionSize(10000, 1, 2000, stop)
		assert.ErrorIs(t, err, ErrInvalidStopDistance, "stop=%v", stop)
		assert.Zero(t, size)
	}
}

func TestCheckDailyLoss(t *testing.T) {
	cases := []struct {
		name    string
		balance float64
		loss    float64
		max     float64
		want    bool
	}{
		{"over limit", 10000, -1500, 10, false},
		{"at limit", 10000, -1000, 10, true},
		{"under limit", 10000, -200, 10, true},
		{"positive sign", 10000, 1500, 10, false},
		{"zero balance", 0, -1, 10, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CheckDailyLoss(tc.balance, tc.loss, tc.max))
		})
	}
}

func TestCanTradeOrder(t *testing.T) {
	p := Profile{
		MaxRiskPerTrade:        1,
		MaxDailyLoss:           10,
		MaxConcurrentPositions: 3,
		MaxPositionSize:        10,
		PositionSizeMode:       SizeUnits,
		MinAccountBalance:      500,
	}
	acct := Account{Balance: 10000, DayStartBalance: 10000}

	cases := []struct {
		name string
		sig  domain.Signal
		acct Account
		open int
		want Check
	}{
		{"concurrent limit", buy(1, 2000, 1980), acct, 3, CheckConcurrentPositions},
		// Both size and risk fail; size is checked first.
		{"size before risk", buy(50, 2000, 1000), acct, 0, CheckPositionSize},
		{"min balance", buy(1, 2000, 1980), Account{Balance: 100, DayStartBalance: 100}, 0, CheckMinBalance},
		{"risk per trade", buy(6, 2000, 1980), acct, 0, CheckRiskPerTrade},
		{"no stop uses notional", buy(1, 2000, 0), acct, 0, CheckRiskPerTrade},
		{"daily loss", buy(1, 2000, 1980), Account{Balance: 8500, DayStartBalance: 10000, DailyLoss: -1500}, 0, CheckDailyLossLimit},
		{"allowed", buy(5, 2000, 1980), acct, 2, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := CanTrade(tc.sig, tc.acct, openPositions(tc.open), p)
			if tc.want == "" {
				assert.True(t, d.Allowed, "vetoed by %s (%s)", d.Check, d.Reason)
				return
			}
			assert.False(t, d.Allowed)
			assert.Equal(t, tc.want, d.Check)
		})
	}
}

func TestCanTradeConcurrentAlwaysVetoes(t *testing.T) {
	p := DefaultProfile()
	for n := p.MaxConcurrentPositions; n < p.MaxConcurrentPositions+5; n++ {
		d := CanTrade(buy(0.001, 100, 99), Account{Balance: 1e6}, openPositions(n), p)
		assert.False(t, d.Allowed, "%d open positions", n)
	}
}

func TestPercentPositionSize(t *testing.T) {
	p := DefaultProfile() // 10% of balance
	acct := Account{Balance: 10000, DayStartBalance: 10000}

	d := CanTrade(buy(0.6, 2000, 1990), acct, nil, p)
	assert.Equal(t, CheckPositionSize, d.Check, "1200 notional is over 10%")
	d = CanTrade(buy(0.4, 2000, 1990), acct, nil, p)
	assert.True(t, d.Allowed, "800 notional: %+v", d)
}

func TestDrawdownBreached(t *testing.T) {
	p := DefaultProfile()
	d, hit := DrawdownBreached(Account{Balance: 7900, PeakBalance: 10000}, p)
	assert.True(t, hit)
	assert.True(t, d.BalanceThreatening())

	_, hit = DrawdownBreached(Account{Balance: 9000, PeakBalance: 10000}, p)
	assert.False(t, hit, "10% drawdown is under the 20% limit")
}
