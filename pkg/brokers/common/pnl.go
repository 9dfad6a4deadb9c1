package common

import (
	"github.com/shopspring/decimal"

	"signalist/internal/domain"
)

// PnL returns (exit - entry) * qty, sign-adjusted for side, rounded to cents.
func PnL(side domain.Side, entry, exit, qty float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side == domain.SideSell {
		diff = diff.Neg()
	}
	v, _ := diff.Mul(decimal.NewFromFloat(qty)).Round(2).Float64()
	return v
}

// RoundPrice rounds a price to the given number of decimal places.
func RoundPrice(p float64, places int32) float64 {
	v, _ := decimal.NewFromFloat(p).Round(places).Float64()
	return v
}
