package model

import "github.com/shopspring/decimal"

// BorrowInfo describes margin borrow terms for an asset.
type BorrowInfo struct {
	Limit            decimal.Decimal
	InterestInterval Interval
	InterestRate     decimal.Decimal
}

// Balance is an account's holdings of one asset.
type Balance struct {
	Available decimal.Decimal
	Hold      decimal.Decimal
	Borrowed  decimal.Decimal
	Interest  decimal.Decimal
}

// Significant reports whether Available+Hold is non-zero at the asset's
// reported precision (i.e. not dust below the smallest representable unit).
func (b Balance) Significant(precision int32) bool {
	total := b.Available.Add(b.Hold)
	threshold := decimal.New(1, -precision)
	return total.GreaterThanOrEqual(threshold)
}

// Total returns Available+Hold.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Hold)
}
