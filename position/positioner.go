// Package position implements the positioner (C5): opening and closing
// long/short positions, including the margin borrow/repay lifecycle for
// short positions on venues without native leveraged orders.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/broker"
	"algotrader/custodian"
	"algotrader/exchange"
	"algotrader/model"
	"algotrader/orderbook"
)

const (
	maxBorrowAttempts  = 10
	borrowRetryBase    = 200 * time.Millisecond
	marginMultiplier   = 3 // default collateral multiplier absent per-symbol override
	repayPollAttempts  = 10
	repayPollBase      = 300 * time.Millisecond
)

// Positioner opens and closes positions against a live venue, orchestrating
// custodian fund acquisition/release and, for short positions, isolated
// margin transfer/borrow/repay.
type Positioner struct {
	adapter   exchange.Adapter
	registry  *orderbook.Registry
	market    *broker.MarketBroker
	custodian custodian.Custodian
	info      exchange.ExchangeInfo
}

// NewPositioner constructs a positioner bound to one venue adapter.
func NewPositioner(adapter exchange.Adapter, registry *orderbook.Registry, market *broker.MarketBroker, cust custodian.Custodian, info exchange.ExchangeInfo) *Positioner {
	return &Positioner{adapter: adapter, registry: registry, market: market, custodian: cust, info: info}
}

// OpenLong acquires quote from the custodian and buys the base asset.
func (p *Positioner) OpenLong(ctx context.Context, account string, symbol model.Symbol, quote decimal.Decimal) (model.Position, error) {
	acquired, err := p.custodian.RequestQuote(ctx, p.adapter, symbol.Quote(), &quote)
	if err != nil {
		return model.Position{}, fmt.Errorf("request quote: %w", err)
	}
	if err := p.custodian.Acquire(ctx, p.adapter, symbol.Quote(), acquired); err != nil {
		return model.Position{}, fmt.Errorf("acquire quote: %w", err)
	}

	result, err := p.market.Buy(ctx, account, symbol, nil, &acquired, false, false)
	if err != nil {
		_ = p.custodian.Release(ctx, p.adapter, symbol.Quote(), acquired)
		return model.Position{}, fmt.Errorf("open long buy: %w", err)
	}

	baseReceived := model.TotalSize(result.Fills)
	if err := p.custodian.Release(ctx, p.adapter, symbol.Base(), baseReceived); err != nil {
		return model.Position{}, fmt.Errorf("release base: %w", err)
	}

	return model.Position{
		Side:   model.Long,
		Open:   true,
		Symbol: symbol,
		Time:   result.Time,
		Fills:  result.Fills,
	}, nil
}

// CloseLong sells the position's base gain and releases quote proceeds.
func (p *Positioner) CloseLong(ctx context.Context, account string, pos model.Position, reason model.CloseReason) (model.Position, error) {
	filters := p.info.Filters[pos.Symbol]
	baseGain := roundDownToStep(pos.BaseGain(), filters.Size.Step)
	if err := p.custodian.Acquire(ctx, p.adapter, pos.Symbol.Base(), baseGain); err != nil {
		return model.Position{}, fmt.Errorf("acquire base: %w", err)
	}

	result, err := p.market.Sell(ctx, account, pos.Symbol, &baseGain, false, false)
	if err != nil {
		_ = p.custodian.Release(ctx, p.adapter, pos.Symbol.Base(), baseGain)
		return model.Position{}, fmt.Errorf("close long sell: %w", err)
	}

	quoteReceived := model.TotalQuote(result.Fills)
	if err := p.custodian.Release(ctx, p.adapter, pos.Symbol.Quote(), quoteReceived); err != nil {
		return model.Position{}, fmt.Errorf("release quote: %w", err)
	}

	pos.Open = false
	pos.CloseTime = result.Time
	pos.CloseFills = result.Fills
	pos.CloseReason = reason
	return pos, nil
}

// OpenShort transfers collateral to an isolated-margin account, borrows the
// base asset against it, and sells the borrowed base (§4.5 margin borrow
// model).
func (p *Positioner) OpenShort(ctx context.Context, symbol model.Symbol, collateral decimal.Decimal) (model.Position, error) {
	if !p.adapter.Capabilities().CanMarginTrade {
		return model.Position{}, &model.NotImplemented{Detail: "venue does not support margin trading"}
	}

	if err := p.custodian.Acquire(ctx, p.adapter, symbol.Quote(), collateral); err != nil {
		return model.Position{}, fmt.Errorf("acquire collateral: %w", err)
	}
	if err := p.adapter.Transfer(ctx, symbol.Quote(), collateral, "spot", string(symbol)); err != nil {
		_ = p.custodian.Release(ctx, p.adapter, symbol.Quote(), collateral)
		return model.Position{}, fmt.Errorf("transfer collateral to margin account: %w", err)
	}

	borrowable, err := p.maxBorrowableWithRetry(ctx, symbol, symbol.Base())
	if err != nil {
		return model.Position{}, err
	}

	tickers, err := p.adapter.MapTickers(ctx)
	if err != nil {
		return model.Position{}, fmt.Errorf("map tickers: %w", err)
	}
	ticker, ok := tickers[symbol]
	if !ok {
		return model.Position{}, &model.UnexpectedExchangeResult{Detail: "no ticker for " + string(symbol)}
	}
	collateralInBase := collateral.Div(ticker.Last.Price)
	target := collateralInBase.Mul(decimal.NewFromInt(marginMultiplier - 1))
	borrowed := decimal.Min(target, borrowable)
	if borrowed.IsZero() {
		return model.Position{}, &model.BadOrder{Reason: "computed borrow amount is zero"}
	}

	if err := p.adapter.Borrow(ctx, symbol.Base(), borrowed, string(symbol)); err != nil {
		return model.Position{}, fmt.Errorf("borrow: %w", err)
	}

	result, err := p.market.Sell(ctx, string(symbol), symbol, &borrowed, false, false)
	if err != nil {
		return model.Position{}, fmt.Errorf("open short sell: %w", err)
	}

	return model.Position{
		Side:       model.Short,
		Open:       true,
		Symbol:     symbol,
		Collateral: collateral,
		Borrowed:   borrowed,
		Time:       result.Time,
		Fills:      result.Fills,
	}, nil
}

// maxBorrowableWithRetry guards against cached-quota reads: some venues
// report 0 for a freshly isolated account until a background index refresh
// runs. A single "prime" query of the quote asset's borrow limit nudges that
// refresh before the final retry.
func (p *Positioner) maxBorrowableWithRetry(ctx context.Context, symbol model.Symbol, asset string) (decimal.Decimal, error) {
	wait := borrowRetryBase
	for attempt := 0; attempt < maxBorrowAttempts; attempt++ {
		amount, err := p.adapter.GetMaxBorrowable(ctx, symbol, asset)
		if err != nil {
			return decimal.Zero, fmt.Errorf("get max borrowable: %w", err)
		}
		if !amount.IsZero() {
			return amount, nil
		}
		if attempt == maxBorrowAttempts-1 {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
		wait *= 2
	}

	// prime: query the quote asset's limit once, then retry the base asset once more.
	if _, err := p.adapter.GetMaxBorrowable(ctx, symbol, symbol.Quote()); err != nil {
		return decimal.Zero, fmt.Errorf("prime max borrowable: %w", err)
	}
	amount, err := p.adapter.GetMaxBorrowable(ctx, symbol, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get max borrowable after prime: %w", err)
	}
	if amount.IsZero() {
		return decimal.Zero, &model.UnexpectedExchangeResult{Detail: "max borrowable persistently zero for " + asset}
	}
	return amount, nil
}

// CloseShort computes accrued interest, buys back the borrowed base, repays
// the loan, and transfers remaining funds back to spot (§4.5 close short).
// now is the caller-supplied close time, used to compute elapsed interest
// ticks; the strategy supervisor passes the current candle's timestamp.
func (p *Positioner) CloseShort(ctx context.Context, pos model.Position, reason model.CloseReason, borrowInfo model.BorrowInfo, now model.Timestamp) (model.Position, error) {
	interest := computeInterest(pos, borrowInfo, now)
	repay := pos.Borrowed.Add(interest)
	interestPerTick := pos.Borrowed.Mul(borrowInfo.InterestRate)
	buySize := repay.Add(interestPerTick)
	grownSize := model.WithFee(buySize, p.info.Fees[pos.Symbol].Taker)

	result, err := p.market.Buy(ctx, string(pos.Symbol), pos.Symbol, &grownSize, nil, false, true)
	if err != nil {
		return model.Position{}, fmt.Errorf("close short buy: %w", err)
	}

	if err := p.adapter.Repay(ctx, pos.Symbol.Base(), repay, string(pos.Symbol)); err != nil {
		return model.Position{}, fmt.Errorf("repay: %w", err)
	}

	if err := p.awaitRepayReflected(ctx, pos.Symbol, pos.Borrowed); err != nil {
		return model.Position{}, err
	}

	balances, err := p.adapter.MapBalances(ctx, string(pos.Symbol))
	if err != nil {
		return model.Position{}, fmt.Errorf("map balances post-repay: %w", err)
	}
	quoteBal := balances[string(pos.Symbol)][pos.Symbol.Quote()]
	baseBal := balances[string(pos.Symbol)][pos.Symbol.Base()]

	if !quoteBal.Available.IsZero() {
		if err := p.adapter.Transfer(ctx, pos.Symbol.Quote(), quoteBal.Available, string(pos.Symbol), "spot"); err != nil {
			return model.Position{}, fmt.Errorf("transfer quote to spot: %w", err)
		}
	}
	if !baseBal.Available.IsZero() {
		if err := p.adapter.Transfer(ctx, pos.Symbol.Base(), baseBal.Available, string(pos.Symbol), "spot"); err != nil {
			return model.Position{}, fmt.Errorf("transfer residual base to spot: %w", err)
		}
	}

	pos.Open = false
	pos.Interest = interest
	pos.CloseTime = result.Time
	pos.CloseFills = result.Fills
	pos.CloseReason = reason
	return pos, nil
}

func roundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// computeInterest applies ceil((now-openTime)/interestInterval) * rate *
// borrowed, half-up rounded to 8 decimal places (§4.5 step 1).
func computeInterest(pos model.Position, info model.BorrowInfo, now model.Timestamp) decimal.Decimal {
	if info.InterestInterval == 0 {
		return decimal.Zero
	}
	elapsedTicks := decimal.NewFromInt(int64(now.Diff(pos.Time))).
		Div(decimal.NewFromInt(int64(info.InterestInterval))).Ceil()
	return elapsedTicks.Mul(info.InterestRate).Mul(pos.Borrowed).Round(8)
}

// awaitRepayReflected polls the margin account's Borrowed balance until it
// differs from preRepay, guarding against a cached read immediately after
// Repay returns.
func (p *Positioner) awaitRepayReflected(ctx context.Context, symbol model.Symbol, preRepay decimal.Decimal) error {
	wait := repayPollBase
	for attempt := 0; attempt < repayPollAttempts; attempt++ {
		balances, err := p.adapter.MapBalances(ctx, string(symbol))
		if err != nil {
			return fmt.Errorf("map balances during repay poll: %w", err)
		}
		bal := balances[string(symbol)][symbol.Base()]
		if !bal.Borrowed.Equal(preRepay) {
			return nil
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
	return &model.NotImplemented{Detail: "residual repay remains after polling: buy more base"}
}
