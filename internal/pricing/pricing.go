// Package pricing implements the strain stock price model:
//
//	price = base + popularity bonus + volatility modifier
//
// where base is ten times the average street price per unit, the popularity
// bonus scales with favorite count, and the volatility modifier rewards a
// wide trailing price range with a premium (and discounts a flat one).
//
// All functions are pure and deterministic: the same signals always produce
// the same price. All monetary values use shopspring/decimal, never float64.
// Results are rounded half-up to 2 decimal places.
package pricing

import (
	"github.com/shopspring/decimal"
)

var (
	// MinPrice is the floor applied to every computed price. Extreme signal
	// combinations can drive the raw formula negative; quotes are clamped
	// here instead of ever going non-positive.
	MinPrice = decimal.NewFromFloat(0.01)

	// DefaultAvgPrice is used when no average market price signal is
	// available for a strain.
	DefaultAvgPrice = decimal.NewFromFloat(10.0)

	ten     = decimal.NewFromInt(10)
	hundred = decimal.NewFromInt(100)

	highVolPremium = decimal.NewFromFloat(0.05)  // spread > 50% of avg
	midVolPremium  = decimal.NewFromFloat(0.03)  // spread in (30%, 50%]
	lowVolDiscount = decimal.NewFromFloat(-0.02) // spread < 10% of avg

	highVolThreshold = decimal.NewFromInt(50)
	midVolThreshold  = decimal.NewFromInt(30)
	lowVolThreshold  = decimal.NewFromInt(10)
)

// Signals are the market inputs to the price model.
type Signals struct {
	// AvgPricePerUnit is the average market price per unit (>= 0).
	// Zero means "no signal" and falls back to DefaultAvgPrice.
	AvgPricePerUnit decimal.Decimal

	// FavoriteCount is the number of user favorites (>= 0).
	FavoriteCount int64

	// VolatilitySpread is the high/low price range over the trailing
	// window (>= 0).
	VolatilitySpread decimal.Decimal
}

// Price computes the stock price for the given signals, rounded to 2
// decimal places and clamped to MinPrice.
func Price(s Signals) decimal.Decimal {
	avg := s.AvgPricePerUnit
	if avg.IsZero() {
		avg = DefaultAvgPrice
	}

	base := avg.Mul(ten)
	popularityBonus := decimal.NewFromInt(s.FavoriteCount).Div(ten)
	volatilityModifier := volatilityModifier(base, avg, s.VolatilitySpread)

	price := base.Add(popularityBonus).Add(volatilityModifier).Round(2)
	if price.LessThan(MinPrice) {
		return MinPrice
	}
	return price
}

// volatilityModifier maps the spread-to-average ratio onto a premium or
// discount against the base component. A spread above 50% of the average
// earns +5% of base, above 30% earns +3%, below 10% costs -2%, and the
// 10–30% band is neutral.
func volatilityModifier(base, avg, spread decimal.Decimal) decimal.Decimal {
	if spread.LessThanOrEqual(decimal.Zero) || avg.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	volatilityPct := spread.Div(avg).Mul(hundred)
	switch {
	case volatilityPct.GreaterThan(highVolThreshold):
		return base.Mul(highVolPremium)
	case volatilityPct.GreaterThan(midVolThreshold):
		return base.Mul(midVolPremium)
	case volatilityPct.LessThan(lowVolThreshold):
		return base.Mul(lowVolDiscount)
	default:
		return decimal.Zero
	}
}

// PercentChange returns the percentage change from old to new, rounded to 2
// decimal places. Defined as 0 when old is zero, avoiding division-by-zero
// rather than signaling an error.
func PercentChange(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).Div(oldPrice).Mul(hundred).Round(2)
}
