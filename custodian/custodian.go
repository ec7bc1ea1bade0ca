// Package custodian abstracts where a trader's trading capital comes from
// (C7): a fixed stub allocation, the venue's spot wallet, or (interface
// only) a yield-bearing savings product that must be redeemed before use.
package custodian

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"algotrader/exchange"
)

// Custodian reserves and returns trading capital around a position's
// lifetime. Acquire/Release bracket fund movement the way the teacher
// brackets websocket connection lifetime with defer Close().
type Custodian interface {
	RequestQuote(ctx context.Context, adapter exchange.Adapter, asset string, quote *decimal.Decimal) (decimal.Decimal, error)
	Acquire(ctx context.Context, adapter exchange.Adapter, asset string, quote decimal.Decimal) error
	Release(ctx context.Context, adapter exchange.Adapter, asset string, quote decimal.Decimal) error
}

// Stub requires an explicit quote amount and performs no fund movement;
// used in backtests where capital is a configuration value, not a balance.
type Stub struct{}

func NewStub() *Stub { return &Stub{} }

func (s *Stub) RequestQuote(ctx context.Context, adapter exchange.Adapter, asset string, quote *decimal.Decimal) (decimal.Decimal, error) {
	if quote == nil {
		return decimal.Zero, fmt.Errorf("custodian.Stub requires an explicit quote amount")
	}
	return *quote, nil
}

func (s *Stub) Acquire(ctx context.Context, adapter exchange.Adapter, asset string, quote decimal.Decimal) error {
	return nil
}

func (s *Stub) Release(ctx context.Context, adapter exchange.Adapter, asset string, quote decimal.Decimal) error {
	return nil
}

// Spot reads the trading account's spot balance when no explicit quote is
// given. Funds already sit on the trading account, so acquire/release are
// no-ops; the broker spends directly from spot.
type Spot struct {
	Account string
}

func NewSpot(account string) *Spot { return &Spot{Account: account} }

func (s *Spot) RequestQuote(ctx context.Context, adapter exchange.Adapter, asset string, quote *decimal.Decimal) (decimal.Decimal, error) {
	if quote != nil {
		return *quote, nil
	}
	balances, err := adapter.MapBalances(ctx, s.Account)
	if err != nil {
		return decimal.Zero, err
	}
	bal, ok := balances[s.Account][asset]
	if !ok {
		return decimal.Zero, nil
	}
	return bal.Available, nil
}

func (s *Spot) Acquire(ctx context.Context, adapter exchange.Adapter, asset string, quote decimal.Decimal) error {
	return nil
}

func (s *Spot) Release(ctx context.Context, adapter exchange.Adapter, asset string, quote decimal.Decimal) error {
	return nil
}

// Savings redeems a yield-bearing product into spot on acquire and
// re-purchases it on release. Specified per §4.7 as interface-only; this
// implementation is a stub pending a concrete savings-product API.
type Savings struct {
	Account string
	Product string
}

func NewSavings(account, product string) *Savings { return &Savings{Account: account, Product: product} }

func (s *Savings) RequestQuote(ctx context.Context, adapter exchange.Adapter, asset string, quote *decimal.Decimal) (decimal.Decimal, error) {
	if quote != nil {
		return *quote, nil
	}
	return decimal.Zero, fmt.Errorf("custodian.Savings: querying available balance without an explicit quote is not implemented")
}

func (s *Savings) Acquire(ctx context.Context, adapter exchange.Adapter, asset string, quote decimal.Decimal) error {
	return fmt.Errorf("custodian.Savings: redeem-on-acquire not implemented")
}

func (s *Savings) Release(ctx context.Context, adapter exchange.Adapter, asset string, quote decimal.Decimal) error {
	return fmt.Errorf("custodian.Savings: purchase-on-release not implemented")
}

var (
	_ Custodian = (*Stub)(nil)
	_ Custodian = (*Spot)(nil)
	_ Custodian = (*Savings)(nil)
)
