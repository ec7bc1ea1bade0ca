// Package broker implements the market broker (C3, IOC/immediate fills via
// book walk or direct venue market orders) and the limit broker (C4, the
// resting-and-repricing state machine), both consuming an exchange.Adapter
// and, where needed, a shared orderbook.Book.
package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"algotrader/exchange"
	"algotrader/model"
	"algotrader/orderbook"
)

// MarketBroker places immediate-or-cancel market orders, synthesizing
// quote->size conversion via book walk when the venue cannot place market
// orders by quote directly.
type MarketBroker struct {
	adapter  exchange.Adapter
	registry *orderbook.Registry
	info     exchange.ExchangeInfo
}

// NewMarketBroker constructs a market broker bound to one venue adapter.
func NewMarketBroker(adapter exchange.Adapter, registry *orderbook.Registry, info exchange.ExchangeInfo) *MarketBroker {
	return &MarketBroker{adapter: adapter, registry: registry, info: info}
}

// Buy places a market buy for size base units or quote units of quote asset.
func (m *MarketBroker) Buy(ctx context.Context, account string, symbol model.Symbol, size, quote *decimal.Decimal, test, ensureSize bool) (model.OrderResult, error) {
	return m.place(ctx, account, symbol, model.Buy, size, quote, test, ensureSize)
}

// Sell places a market sell for size base units. Quote must be nil; sell
// size is required per §4.3 invariant 1.
func (m *MarketBroker) Sell(ctx context.Context, account string, symbol model.Symbol, size *decimal.Decimal, test, ensureSize bool) (model.OrderResult, error) {
	if size == nil {
		return model.OrderResult{}, &model.BadOrder{Reason: "sell requires size"}
	}
	return m.place(ctx, account, symbol, model.Sell, size, nil, test, ensureSize)
}

func (m *MarketBroker) place(ctx context.Context, account string, symbol model.Symbol, side model.Side, size, quote *decimal.Decimal, test, ensureSize bool) (model.OrderResult, error) {
	if (size == nil) == (quote == nil) {
		return model.OrderResult{}, &model.BadOrder{Reason: "exactly one of size or quote must be set"}
	}

	filters := m.info.Filters[symbol]
	fees := m.info.Fees[symbol]

	if side == model.Buy && quote != nil && !m.adapter.Capabilities().CanPlaceMarketOrderQuote {
		handle, err := m.registry.Subscribe(ctx, m.adapter, symbol)
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("subscribe book for quote conversion: %w", err)
		}
		defer handle.Close()
		synthesized, err := handle.Book().FindOrderAsks(nil, quote, fees.Taker, filters)
		if err != nil {
			return model.OrderResult{}, err
		}
		converted := model.TotalSize(synthesized)
		size = &converted
		quote = nil
	}

	if size != nil {
		rounded := roundDownToStep(*size, filters.Size.Step)
		if rounded.LessThan(filters.Size.Min) {
			return model.OrderResult{}, &model.BadOrder{Reason: "size below minimum after rounding"}
		}
		size = &rounded
	}

	if ensureSize && size != nil {
		rate := fees.Taker
		grown := model.WithFee(*size, rate)
		size = &grown
	}

	if test {
		return m.simulateFill(ctx, side, symbol, size, quote, fees, filters)
	}

	req := model.PlaceOrderRequest{
		Account:     account,
		Symbol:      symbol,
		Side:        side,
		Type:        model.Market,
		Size:        size,
		Quote:       quote,
		TimeInForce: model.IOC,
		ClientID:    m.adapter.GenerateClientID(),
	}

	if m.adapter.Capabilities().CanGetMarketOrderResultDirect {
		return m.adapter.PlaceOrder(ctx, req)
	}
	return m.placeAndStream(ctx, account, symbol, req)
}

// placeAndStream covers venues that report fills only via the order-update
// stream: subscribe before placing, then collect matches until Done.
func (m *MarketBroker) placeAndStream(ctx context.Context, account string, symbol model.Symbol, req model.PlaceOrderRequest) (model.OrderResult, error) {
	updates, err := m.adapter.ConnectStreamOrders(ctx, account, symbol)
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("connect order stream: %w", err)
	}

	if _, err := m.adapter.PlaceOrder(ctx, req); err != nil {
		return model.OrderResult{}, err
	}

	var fills []model.Fill
	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return model.OrderResult{Status: model.StatusFilled, Fills: fills}, nil
			}
			if upd.ClientID != req.ClientID {
				continue
			}
			switch upd.Kind {
			case model.OrderUpdateMatch:
				fills = append(fills, upd.Fill)
			case model.OrderUpdateDone:
				return model.OrderResult{Time: upd.Time, Status: model.StatusFilled, Fills: fills}, nil
			}
		case <-ctx.Done():
			return model.OrderResult{}, ctx.Err()
		}
	}
}

// simulateFill returns a NOT_PLACED result with synthesized fills from the
// book, producing no side effect (test mode).
func (m *MarketBroker) simulateFill(ctx context.Context, side model.Side, symbol model.Symbol, size, quote *decimal.Decimal, fees model.Fees, filters model.Filters) (model.OrderResult, error) {
	handle, err := m.registry.Subscribe(ctx, m.adapter, symbol)
	if err != nil {
		return model.OrderResult{}, err
	}
	defer handle.Close()

	var fills []model.Fill
	if side == model.Buy {
		fills, err = handle.Book().FindOrderAsks(size, quote, fees.Taker, filters)
	} else {
		fills, err = handle.Book().FindOrderBids(size, quote, fees.Taker, filters)
	}
	if err != nil {
		return model.OrderResult{}, err
	}
	return model.OrderResult{Status: model.StatusNotPlaced, Fills: fills}, nil
}

func roundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
