// Package risk gates candidate signals against a bot's risk profile.
package risk

import (
	"errors"
	"math"

	"signalist/internal/domain"
)

// ErrInvalidStopDistance is returned when no stop-loss distance exists.
var ErrInvalidStopDistance = errors.New("stop-loss missing or equal to entry price")

// CanTrade applies the checks in order and stops at the first failure.
// It never mutates its inputs.
func CanTrade(sig domain.Signal, acct Account, open []domain.Position, p Profile) Decision {
	if len(open) >= p.MaxConcurrentPositions {
		return veto(CheckConcurrentPositions, "%d open positions, limit %d", len(open), p.MaxConcurrentPositions)
	}

	if p.MaxPositionSize > 0 {
		switch p.PositionSizeMode {
		case SizePercent:
			limit := acct.Balance * p.MaxPositionSize / 100
			if sig.Notional() > limit {
				return veto(CheckPositionSize, "notional %.2f exceeds %.2f%% of balance (%.2f)", sig.Notional(), p.MaxPositionSize, limit)
			}
		default:
			if sig.Quantity > p.MaxPositionSize {
				return veto(CheckPositionSize, "quantity %.4f exceeds %.4f", sig.Quantity, p.MaxPositionSize)
			}
		}
	}

	if acct.Balance < p.MinAccountBalance {
		return veto(CheckMinBalance, "balance %.2f below minimum %.2f", acct.Balance, p.MinAccountBalance)
	}

	budget := acct.Balance * p.MaxRiskPerTrade / 100
	if risk := TradeRisk(sig); risk > budget {
		return veto(CheckRiskPerTrade, "trade risk %.2f exceeds budget %.2f", risk, budget)
	}

	start := acct.DayStartBalance
	if start <= 0 {
		start = acct.Balance
	}
	if !CheckDailyLoss(start, acct.DailyLoss, p.MaxDailyLoss) {
		return veto(CheckDailyLossLimit, "daily loss %.2f of %.2f exceeds %.2f%%", math.Abs(acct.DailyLoss), start, p.MaxDailyLoss)
	}

	return Decision{Allowed: true}
}

// TradeRisk is the amount lost if the stop-loss is hit. Without a stop-loss
// the whole notional is at risk.
func TradeRisk(sig domain.Signal) float64 {
	if !sig.HasStopLoss() {
		return sig.Notional()
	}
	return sig.Quantity * math.Abs(sig.EntryPrice-sig.StopLoss)
}

// CalculateMaxPositionSize returns (balance * riskPercent / 100) / |entry - stop|.
func CalculateMaxPositionSize(balance, riskPercent, entryPrice, stopLoss float64) (float64, error) {
	if stopLoss <= 0 || stopLoss == entryPrice {
		return 0, ErrInvalidStopDistance
	}
	if balance <= 0 || riskPercent <= 0 {
		return 0, nil
	}
	return (balance * riskPercent / 100) / math.Abs(entryPrice-stopLoss), nil
}

// CheckDailyLoss is true iff |realizedLoss| / balance * 100 <= maxDailyLossPct.
// A non-positive balance always fails.
func CheckDailyLoss(balance, realizedLoss, maxDailyLossPct float64) bool {
	if balance <= 0 {
		return false
	}
	return math.Abs(realizedLoss)/balance*100 <= maxDailyLossPct
}

// DrawdownBreached reports whether the account has fallen maxDrawdown
// percent or more from its peak. A zero limit disables the check.
func DrawdownBreached(acct Account, p Profile) (Decision, bool) {
	if p.MaxDrawdown <= 0 {
		return Decision{Allowed: true}, false
	}
	if dd := acct.Drawdown(); dd >= p.MaxDrawdown {
		return veto(CheckDrawdownLimit, "drawdown %.2f%% reached limit %.2f%%", dd, p.MaxDrawdown), true
	}
	return Decision{Allowed: true}, false
}
