package position

import (
	"github.com/shopspring/decimal"

	"algotrader/model"
)

// SimulatedPositioner replays the same numeric effects as Positioner without
// any broker/account/exchange I/O, driven purely by a price, Filters, Fees,
// and BorrowInfo. Used by BACKTEST mode and backtesting tools (§4.5).
type SimulatedPositioner struct {
	Filters    model.Filters
	Fees       model.Fees
	BorrowInfo model.BorrowInfo
}

func syntheticFill(price, size decimal.Decimal, feeRate decimal.Decimal, feeAsset string, quotePrecision int32) model.Fill {
	quote := model.ExpectedQuote(price, size, quotePrecision)
	var fee decimal.Decimal
	if feeAsset != "" {
		fee = size.Mul(feeRate)
	}
	return model.Fill{Price: price, Size: size, Quote: quote, Fee: fee, FeeAsset: feeAsset}
}

// OpenLong buys quote/price worth of base at price, charging the taker fee
// in the base asset.
func (s *SimulatedPositioner) OpenLong(symbol model.Symbol, price, quote decimal.Decimal, now model.Timestamp) model.Position {
	size := roundDownToStep(quote.Div(price), s.Filters.Size.Step)
	fill := syntheticFill(price, size, s.Fees.Taker, symbol.Base(), int32(s.Filters.QuotePrecision))
	return model.Position{Side: model.Long, Open: true, Symbol: symbol, Time: now, Fills: []model.Fill{fill}}
}

// CloseLong sells the position's base gain at price.
func (s *SimulatedPositioner) CloseLong(pos model.Position, price decimal.Decimal, now model.Timestamp, reason model.CloseReason) model.Position {
	size := roundDownToStep(pos.BaseGain(), s.Filters.Size.Step)
	fill := syntheticFill(price, size, s.Fees.Taker, pos.Symbol.Quote(), int32(s.Filters.QuotePrecision))
	pos.Open = false
	pos.CloseTime = now
	pos.CloseFills = []model.Fill{fill}
	pos.CloseReason = reason
	return pos
}

// OpenShort borrows collateral*(marginMultiplier-1) in base and sells it at
// price, the simulated analogue of the live borrow-and-sell lifecycle.
func (s *SimulatedPositioner) OpenShort(symbol model.Symbol, price, collateral decimal.Decimal, now model.Timestamp) model.Position {
	collateralInBase := collateral.Div(price)
	borrowed := roundDownToStep(collateralInBase.Mul(decimal.NewFromInt(marginMultiplier-1)), s.Filters.Size.Step)
	fill := syntheticFill(price, borrowed, s.Fees.Taker, symbol.Quote(), int32(s.Filters.QuotePrecision))
	return model.Position{
		Side: model.Short, Open: true, Symbol: symbol,
		Collateral: collateral, Borrowed: borrowed, Time: now, Fills: []model.Fill{fill},
	}
}

// CloseShort computes accrued interest and buys back the borrowed base at
// price.
func (s *SimulatedPositioner) CloseShort(pos model.Position, price decimal.Decimal, now model.Timestamp, reason model.CloseReason) model.Position {
	interest := computeInterest(pos, s.BorrowInfo, now)
	repay := pos.Borrowed.Add(interest)
	fill := syntheticFill(price, repay, s.Fees.Taker, pos.Symbol.Base(), int32(s.Filters.QuotePrecision))
	pos.Open = false
	pos.Interest = interest
	pos.CloseTime = now
	pos.CloseFills = []model.Fill{fill}
	pos.CloseReason = reason
	return pos
}
