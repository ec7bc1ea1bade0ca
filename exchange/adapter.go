// Package exchange defines the uniform capability-set contract (C1) that
// every venue adapter implements, and hosts the concrete adapter
// (exchange/binance, used in every mode; backtests simulate fills in
// position.SimulatedPositioner rather than in a venue adapter).
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"algotrader/model"
)

// Capabilities reports which optional operations a venue supports. Brokers
// and the positioner branch on these booleans rather than on adapter type.
type Capabilities struct {
	CanStreamDepthSnapshot            bool
	CanMarginBorrow                   bool
	CanMarginOrderLeverage            bool
	CanPlaceMarketOrder               bool
	CanPlaceMarketOrderQuote          bool
	CanEditOrder                      bool
	CanEditOrderAtomic                bool
	CanGetMarketOrderResultDirect     bool
	CanStreamBalances                 bool
	CanStreamHistoricalEarliestCandle bool
	CanListAllTickers                 bool
	CanMarginTrade                    bool
}

// Ticker is a venue's latest best-bid/ask/last-trade snapshot for a symbol.
type Ticker struct {
	Symbol model.Symbol
	Bid    model.PriceLevel
	Ask    model.PriceLevel
	Last   model.PriceLevel
}

// ExchangeInfo bundles the venue-wide metadata the rest of the core needs:
// per-symbol filters, fee schedule, and per-asset margin borrow terms.
type ExchangeInfo struct {
	Fees       map[model.Symbol]model.Fees
	Filters    map[model.Symbol]model.Filters
	BorrowInfo map[string]model.BorrowInfo // keyed by asset
}

// Trade is a single executed trade reported by the venue's public trade feed.
type Trade struct {
	Time  model.Timestamp
	Price model.PriceLevel
}

// Adapter is the capability-set interface every venue implementation
// satisfies (§4.1). All methods return typed errors from package model on
// failure.
type Adapter interface {
	Capabilities() Capabilities
	GenerateClientID() string

	GetExchangeInfo(ctx context.Context) (ExchangeInfo, error)
	MapTickers(ctx context.Context) (map[model.Symbol]Ticker, error)
	MapBalances(ctx context.Context, account string) (map[string]map[string]model.Balance, error)
	ConnectStreamBalances(ctx context.Context, account string) (<-chan map[string]model.Balance, error)

	GetDepth(ctx context.Context, symbol model.Symbol) (model.Snapshot, error)
	ConnectStreamDepth(ctx context.Context, symbol model.Symbol) (<-chan model.DepthEvent, error)

	StreamHistoricalTrades(ctx context.Context, symbol model.Symbol, start, end model.Timestamp) (<-chan Trade, error)
	ConnectStreamTrades(ctx context.Context, symbol model.Symbol) (<-chan Trade, error)

	PlaceOrder(ctx context.Context, req model.PlaceOrderRequest) (model.OrderResult, error)
	CancelOrder(ctx context.Context, account string, symbol model.Symbol, clientID string) error
	EditOrder(ctx context.Context, req model.EditOrderRequest) (model.OrderResult, error)
	ConnectStreamOrders(ctx context.Context, account string, symbol model.Symbol) (<-chan model.OrderUpdate, error)

	// Margin-only operations; callers must check Capabilities().CanMarginTrade first.
	Transfer(ctx context.Context, asset string, amount decimal.Decimal, fromAccount, toAccount string) error
	Borrow(ctx context.Context, asset string, amount decimal.Decimal, account string) error
	Repay(ctx context.Context, asset string, amount decimal.Decimal, account string) error
	GetMaxBorrowable(ctx context.Context, symbol model.Symbol, asset string) (decimal.Decimal, error)
	CreateAccount(ctx context.Context, symbol model.Symbol) error
	ListOpenAccounts(ctx context.Context) ([]string, error)
	ListOpenMarginPositions(ctx context.Context, account string) ([]model.Symbol, error)

	// GetCandles fetches historical OHLCV candles, used for warm-up/adjusted-start
	// backfill and by the symbol-repick scanner.
	GetCandles(ctx context.Context, symbol model.Symbol, interval model.Interval, start, end model.Timestamp) ([]model.Candle, error)
	ConnectStreamCandles(ctx context.Context, symbol model.Symbol, interval model.Interval) (<-chan model.Candle, error)
}
