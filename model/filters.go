package model

import "github.com/shopspring/decimal"

// Range describes a {min, max, step} trading constraint on price or size.
type Range struct {
	Min  decimal.Decimal
	Max  decimal.Decimal
	Step decimal.Decimal
}

// RoundDown truncates v down to the nearest multiple of Step.
func (r Range) RoundDown(v decimal.Decimal) decimal.Decimal {
	return roundToStep(v, r.Step, false)
}

// RoundUp rounds v up to the nearest multiple of Step.
func (r Range) RoundUp(v decimal.Decimal) decimal.Decimal {
	return roundToStep(v, r.Step, true)
}

func roundToStep(v, step decimal.Decimal, up bool) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	quotient := v.Div(step)
	var rounded decimal.Decimal
	if up {
		rounded = quotient.Ceil()
	} else {
		rounded = quotient.Truncate(0)
	}
	return rounded.Mul(step)
}

// Valid reports whether v falls within [Min, Max] (Max of zero means unbounded).
func (r Range) Valid(v decimal.Decimal) bool {
	if v.LessThan(r.Min) {
		return false
	}
	if !r.Max.IsZero() && v.GreaterThan(r.Max) {
		return false
	}
	return true
}

// MinNotional is the minimum allowed price*size for an order.
type MinNotional struct {
	Min decimal.Decimal
}

// Valid reports whether price*size meets the minimum notional.
func (m MinNotional) Valid(price, size decimal.Decimal) bool {
	if m.Min.IsZero() {
		return true
	}
	return price.Mul(size).GreaterThanOrEqual(m.Min)
}

// MinSizeForPrice returns the smallest size that satisfies the minimum
// notional at the given price.
func (m MinNotional) MinSizeForPrice(price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return m.Min.Div(price)
}

// Filters describes the per-symbol trade constraints reported by the venue.
type Filters struct {
	Price         Range
	Size          Range
	MinNotional   MinNotional
	BasePrecision int
	QuotePrecision int
	Spot          bool
	CrossMargin   bool
	IsolatedMargin bool
}
