package model

import "github.com/shopspring/decimal"

// Fill is one matched portion of an order at a specific price.
type Fill struct {
	Price    decimal.Decimal
	Size     decimal.Decimal
	Quote    decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
}

// TotalSize sums the Size of every fill.
func TotalSize(fills []Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Size)
	}
	return total
}

// TotalQuote sums the Quote of every fill.
func TotalQuote(fills []Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Quote)
	}
	return total
}

// TotalFee sums the Fee of every fill denominated in the given asset.
func TotalFee(fills []Fill, asset string) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		if f.FeeAsset == asset {
			total = total.Add(f.Fee)
		}
	}
	return total
}

// AllFees sums Fee per distinct FeeAsset across every fill.
func AllFees(fills []Fill) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, f := range fills {
		out[f.FeeAsset] = out[f.FeeAsset].Add(f.Fee)
	}
	return out
}

// ExpectedQuote computes price*size rounded to quotePrecision, the quote a
// fill should report absent venue-side rounding quirks.
func ExpectedQuote(price, size decimal.Decimal, quotePrecision int32) decimal.Decimal {
	return price.Mul(size).Round(quotePrecision)
}

// ExpectedBaseFee computes the taker fee charged in the base asset
// (half-up rounded to basePrecision), used when the fee asset is the base
// asset received on a buy.
func ExpectedBaseFee(size, takerRate decimal.Decimal, basePrecision int32) decimal.Decimal {
	return size.Mul(takerRate).Round(basePrecision)
}

// ExpectedQuoteFee computes the taker fee charged in the quote asset,
// used when the fee asset is the quote asset received on a sell.
func ExpectedQuoteFee(quote, takerRate decimal.Decimal, quotePrecision int32) decimal.Decimal {
	return quote.Mul(takerRate).Round(quotePrecision)
}

// FillFromCumulative derives the delta fill implied by new cumulative totals
// reported by a venue that only exposes running sums rather than per-match
// deltas (e.g. an edited order's cumulative filled_size/filled_quote/filled_fee).
func FillFromCumulative(prior []Fill, cumSize, cumQuote, cumFee decimal.Decimal, feeAsset string) Fill {
	priorSize := TotalSize(prior)
	priorQuote := TotalQuote(prior)
	priorFee := TotalFee(prior, feeAsset)

	deltaSize := cumSize.Sub(priorSize)
	deltaQuote := cumQuote.Sub(priorQuote)
	deltaFee := cumFee.Sub(priorFee)

	var price decimal.Decimal
	if !deltaSize.IsZero() {
		price = deltaQuote.Div(deltaSize)
	}

	return Fill{
		Price:    price,
		Size:     deltaSize,
		Quote:    deltaQuote,
		Fee:      deltaFee,
		FeeAsset: feeAsset,
	}
}
