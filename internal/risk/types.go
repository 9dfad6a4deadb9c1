package risk

import (
	"errors"
	"fmt"
)

// SizeMode selects how MaxPositionSize is interpreted.
type SizeMode string

const (
	SizeUnits   SizeMode = "units"   // absolute quantity
	SizePercent SizeMode = "percent" // notional as percent of balance
)

// Profile holds the risk limits for one bot. It is read-only during evaluation.
type Profile struct {
	MaxRiskPerTrade        float64  `json:"max_risk_per_trade" yaml:"max_risk_per_trade"` // % of balance
	MaxDailyLoss           float64  `json:"max_daily_loss" yaml:"max_daily_loss"`         // % of day-start balance
	MaxDrawdown            float64  `json:"max_drawdown" yaml:"max_drawdown"`             // % from peak
	MaxConcurrentPositions int      `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	MaxPositionSize        float64  `json:"max_position_size" yaml:"max_position_size"` // <= 0 disables the check
	PositionSizeMode       SizeMode `json:"position_size_mode" yaml:"position_size_mode"`
	MinAccountBalance      float64  `json:"min_account_balance" yaml:"min_account_balance"`
}

// DefaultProfile is a conservative profile used when a bot has none stored.
func DefaultProfile() Profile {
	return Profile{
		MaxRiskPerTrade:        1,
		MaxDailyLoss:           5,
		MaxDrawdown:            20,
		MaxConcurrentPositions: 3,
		MaxPositionSize:        10,
		PositionSizeMode:       SizePercent,
		MinAccountBalance:      100,
	}
}

// ErrInvalidProfile is returned by Validate.
var ErrInvalidProfile = errors.New("invalid risk profile")

// Validate rejects profiles that would make every check meaningless.
func (p Profile) Validate() error {
	switch {
	case p.MaxRiskPerTrade <= 0 || p.MaxRiskPerTrade > 100:
		return fmt.Errorf("%w: max_risk_per_trade %.2f", ErrInvalidProfile, p.MaxRiskPerTrade)
	case p.MaxDailyLoss <= 0 || p.MaxDailyLoss > 100:
		return fmt.Errorf("%w: max_daily_loss %.2f", ErrInvalidProfile, p.MaxDailyLoss)
	case p.MaxDrawdown < 0 || p.MaxDrawdown > 100:
		return fmt.Errorf("%w: max_drawdown %.2f", ErrInvalidProfile, p.MaxDrawdown)
	case p.MaxConcurrentPositions < 1:
		return fmt.Errorf("%w: max_concurrent_positions %d", ErrInvalidProfile, p.MaxConcurrentPositions)
	case p.PositionSizeMode != SizeUnits && p.PositionSizeMode != SizePercent:
		return fmt.Errorf("%w: position_size_mode %q", ErrInvalidProfile, p.PositionSizeMode)
	case p.MinAccountBalance < 0:
		return fmt.Errorf("%w: min_account_balance %.2f", ErrInvalidProfile, p.MinAccountBalance)
	}
	return nil
}

// Account is the balance context a signal is evaluated against.
type Account struct {
	Balance         float64 `json:"balance"`
	DayStartBalance float64 `json:"day_start_balance"`
	DailyLoss       float64 `json:"daily_loss"` // realized loss today, <= 0
	PeakBalance     float64 `json:"peak_balance"`
}

// Drawdown is the percent decline from peak balance.
func (a Account) Drawdown() float64 {
	if a.PeakBalance <= 0 || a.Balance >= a.PeakBalance {
		return 0
	}
	return (a.PeakBalance - a.Balance) / a.PeakBalance * 100
}

// Check names one rule of CanTrade.
type Check string

const (
	CheckConcurrentPositions Check = "max_concurrent_positions"
	CheckPositionSize        Check = "max_position_size"
	CheckMinBalance          Check = "min_account_balance"
	CheckRiskPerTrade        Check = "max_risk_per_trade"
	CheckDailyLossLimit      Check = "max_daily_loss"
	CheckDrawdownLimit       Check = "max_drawdown"
)

// Decision is the outcome of a risk gate.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Check   Check  `json:"check,omitempty"` // failing rule when vetoed
	Reason  string `json:"reason,omitempty"`
}

// BalanceThreatening reports whether the veto protects the account balance
// itself rather than the shape of a single trade.
func (d Decision) BalanceThreatening() bool {
	switch d.Check {
	case CheckMinBalance, CheckDailyLossLimit, CheckDrawdownLimit:
		return !d.Allowed
	}
	return false
}

func veto(c Check, format string, args ...any) Decision {
	return Decision{Allowed: false, Check: c, Reason: fmt.Sprintf(format, args...)}
}
