package model

import "github.com/shopspring/decimal"

// Fees holds the maker/taker fee rates for a symbol or account tier.
type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// WithFee grows size so that, after a taker fee is deducted from the received
// amount, the caller still nets at least the original size. Used by the
// market broker's ensure_size option.
func WithFee(size, feeRate decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	denom := one.Sub(feeRate)
	if denom.LessThanOrEqual(decimal.Zero) {
		return size
	}
	return size.Div(denom)
}
