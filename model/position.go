package model

import (
	"math"

	"github.com/shopspring/decimal"
)

// PositionSide distinguishes long from short.
type PositionSide int

const (
	Long PositionSide = iota
	Short
)

func (s PositionSide) String() string {
	if s == Long {
		return "LONG"
	}
	return "SHORT"
}

// CloseReason records why a position was closed.
type CloseReason int

const (
	CloseStrategy CloseReason = iota
	CloseStopLoss
	CloseTakeProfit
	CloseTrailingStop
	CloseCancelled
)

func (r CloseReason) String() string {
	switch r {
	case CloseStrategy:
		return "STRATEGY"
	case CloseStopLoss:
		return "STOP_LOSS"
	case CloseTakeProfit:
		return "TAKE_PROFIT"
	case CloseTrailingStop:
		return "TRAILING_STOP"
	case CloseCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Position is a sum type over the four position lifecycle states. Side and
// State together discriminate which fields are meaningful; OpenLong/OpenShort
// leave Close* fields zero, Long/Short populate them.
type Position struct {
	Side   PositionSide
	Open   bool // true: OpenLong/OpenShort, false: Long/Short (closed)
	Symbol Symbol

	Collateral decimal.Decimal // short only
	Borrowed   decimal.Decimal // short only
	Interest   decimal.Decimal // short only, set on close

	Time       Timestamp
	Fills      []Fill // open fills
	CloseTime  Timestamp
	CloseFills []Fill
	CloseReason CloseReason
}

// Cost is the quote spent to open the position.
func (p Position) Cost() decimal.Decimal {
	return TotalQuote(p.Fills)
}

// Gain is the quote received on close.
func (p Position) Gain() decimal.Decimal {
	return TotalQuote(p.CloseFills)
}

// InterestQuoteEquivalent approximates accrued interest in quote terms using
// the open fills' average price, for profit accounting on shorts.
func (p Position) InterestQuoteEquivalent() decimal.Decimal {
	if p.Interest.IsZero() || len(p.Fills) == 0 {
		return decimal.Zero
	}
	avgPrice := TotalQuote(p.Fills).Div(TotalSize(p.Fills))
	return p.Interest.Mul(avgPrice)
}

// Profit computes realized profit per §3/§8 invariant 3.
func (p Position) Profit() decimal.Decimal {
	switch p.Side {
	case Long:
		return TotalQuote(p.CloseFills).
			Sub(closeFeeQuote(p)).
			Sub(TotalQuote(p.Fills))
	default: // Short
		return TotalQuote(p.Fills).
			Sub(openFeeQuote(p)).
			Sub(TotalQuote(p.CloseFills)).
			Sub(p.InterestQuoteEquivalent())
	}
}

func closeFeeQuote(p Position) decimal.Decimal {
	total := decimal.Zero
	for _, f := range p.CloseFills {
		if f.FeeAsset == p.Symbol.Quote() {
			total = total.Add(f.Fee)
		}
	}
	return total
}

func openFeeQuote(p Position) decimal.Decimal {
	total := decimal.Zero
	for _, f := range p.Fills {
		if f.FeeAsset == p.Symbol.Quote() {
			total = total.Add(f.Fee)
		}
	}
	return total
}

// ROI is Profit() / Cost(); zero cost yields zero to avoid division by zero.
func (p Position) ROI() decimal.Decimal {
	cost := p.Cost()
	if cost.IsZero() {
		return decimal.Zero
	}
	return p.Profit().Div(cost)
}

// AnnualizedROI scales ROI by the year/duration ratio; returns +Inf for a
// zero-duration position (opened and closed at the same timestamp).
func (p Position) AnnualizedROI() float64 {
	duration := p.CloseTime.Diff(p.Time)
	if duration == 0 {
		return math.Inf(1)
	}
	roi, _ := p.ROI().Float64()
	years := float64(duration) / float64(Year)
	return roi / years
}

// BaseGain is the base-asset amount retained after fees from a long's open
// fills: total_size - fee_in_base.
func (p Position) BaseGain() decimal.Decimal {
	total := TotalSize(p.Fills)
	baseFee := TotalFee(p.Fills, p.Symbol.Base())
	return total.Sub(baseFee)
}

// Dust is the base-asset residue below the symbol's size step left over
// after a close, e.g. from fee rounding.
func (p Position) Dust(sizeStep decimal.Decimal) decimal.Decimal {
	gained := p.BaseGain()
	sold := TotalSize(p.CloseFills)
	residue := gained.Sub(sold)
	if residue.LessThan(sizeStep) {
		return residue
	}
	return decimal.Zero
}
