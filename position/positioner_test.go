package position

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"algotrader/broker"
	"algotrader/custodian"
	"algotrader/exchange"
	"algotrader/model"
	"algotrader/orderbook"
)

// fakeAdapter embeds the (nil) exchange.Adapter interface so it satisfies the
// full interface via promoted methods, overriding only what the live
// positioner and the market broker beneath it actually call.
type fakeAdapter struct {
	exchange.Adapter
	caps    exchange.Capabilities
	tickers map[model.Symbol]exchange.Ticker

	borrowableSeq   []decimal.Decimal
	borrowableCalls int

	balancesSeq  []map[string]map[string]model.Balance
	balancesCall int

	placeResult   model.OrderResult
	transferErr   error
	borrowErr     error
	repayErr      error
	transferCalls []string
}

func (f *fakeAdapter) Capabilities() exchange.Capabilities { return f.caps }
func (f *fakeAdapter) GenerateClientID() string            { return "client-1" }

func (f *fakeAdapter) MapTickers(context.Context) (map[model.Symbol]exchange.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeAdapter) Transfer(_ context.Context, asset string, amount decimal.Decimal, from, to string) error {
	f.transferCalls = append(f.transferCalls, asset+":"+from+"->"+to+":"+amount.String())
	return f.transferErr
}

func (f *fakeAdapter) Borrow(context.Context, string, decimal.Decimal, string) error {
	return f.borrowErr
}

func (f *fakeAdapter) Repay(context.Context, string, decimal.Decimal, string) error {
	return f.repayErr
}

func (f *fakeAdapter) GetMaxBorrowable(context.Context, model.Symbol, string) (decimal.Decimal, error) {
	idx := f.borrowableCalls
	if idx >= len(f.borrowableSeq) {
		idx = len(f.borrowableSeq) - 1
	}
	f.borrowableCalls++
	return f.borrowableSeq[idx], nil
}

func (f *fakeAdapter) MapBalances(context.Context, string) (map[string]map[string]model.Balance, error) {
	idx := f.balancesCall
	if idx >= len(f.balancesSeq) {
		idx = len(f.balancesSeq) - 1
	}
	f.balancesCall++
	return f.balancesSeq[idx], nil
}

func (f *fakeAdapter) PlaceOrder(context.Context, model.PlaceOrderRequest) (model.OrderResult, error) {
	return f.placeResult, nil
}

func newTestPositioner(t *testing.T, adapter *fakeAdapter, filters model.Filters, fees model.Fees) *Positioner {
	t.Helper()
	symbol := model.NewSymbol("eth", "usdt")
	info := exchange.ExchangeInfo{
		Fees:    map[model.Symbol]model.Fees{symbol: fees},
		Filters: map[model.Symbol]model.Filters{symbol: filters},
	}
	registry := orderbook.NewRegistry(slog.Default())
	marketBroker := broker.NewMarketBroker(adapter, registry, info)
	return NewPositioner(adapter, registry, marketBroker, custodian.NewStub(), info)
}

func TestOpenShortRetriesMaxBorrowableUntilNonZero(t *testing.T) {
	symbol := model.NewSymbol("eth", "usdt")
	adapter := &fakeAdapter{
		caps: exchange.Capabilities{CanMarginTrade: true, CanGetMarketOrderResultDirect: true},
		tickers: map[model.Symbol]exchange.Ticker{
			symbol: {Last: model.PriceLevel{Price: d("10")}},
		},
		// the first borrow-limit read is a stale cache artifact (0); the
		// retry a moment later reflects the freshly isolated account.
		borrowableSeq: []decimal.Decimal{d("0"), d("5")},
		placeResult: model.OrderResult{
			Status: model.StatusFilled,
			Fills:  []model.Fill{{Price: d("10"), Size: d("2"), Quote: d("20"), FeeAsset: "usdt"}},
		},
	}
	filters := model.Filters{Size: model.Range{Step: d("0.0001")}, QuotePrecision: 2}
	fees := model.Fees{Taker: d("0.001")}
	p := newTestPositioner(t, adapter, filters, fees)

	pos, err := p.OpenShort(context.Background(), symbol, d("10"))
	if err != nil {
		t.Fatalf("OpenShort: %v", err)
	}
	if adapter.borrowableCalls < 2 {
		t.Fatalf("GetMaxBorrowable called %d times, want at least 2 (retry past the stale zero)", adapter.borrowableCalls)
	}
	if !pos.Open || pos.Side != model.Short {
		t.Fatalf("expected an open short position, got %+v", pos)
	}
	// collateral(10)/price(10) = 1 base; target = 1*(margin_multiplier-1) = 2; min(2, borrowable=5) = 2.
	if !pos.Borrowed.Equal(d("2")) {
		t.Fatalf("Borrowed = %s, want 2", pos.Borrowed)
	}
	if !pos.Collateral.Equal(d("10")) {
		t.Fatalf("Collateral = %s, want 10", pos.Collateral)
	}
}

func TestOpenShortFailsWhenVenueLacksMarginCapability(t *testing.T) {
	adapter := &fakeAdapter{caps: exchange.Capabilities{CanMarginTrade: false}}
	p := newTestPositioner(t, adapter, model.Filters{}, model.Fees{})

	_, err := p.OpenShort(context.Background(), model.NewSymbol("eth", "usdt"), d("10"))
	if _, ok := err.(*model.NotImplemented); !ok {
		t.Fatalf("expected NotImplemented, got %v", err)
	}
}

func TestCloseShortPollsBalancesUntilRepayReflected(t *testing.T) {
	symbol := model.NewSymbol("eth", "usdt")
	preRepayBalances := map[string]map[string]model.Balance{
		string(symbol): {"eth": {Borrowed: d("2")}},
	}
	postRepayBalances := map[string]map[string]model.Balance{
		string(symbol): {"eth": {Borrowed: d("0")}},
	}
	finalBalances := map[string]map[string]model.Balance{
		string(symbol): {
			"usdt": {Available: d("5")},
			"eth":  {Available: d("0")},
		},
	}
	adapter := &fakeAdapter{
		caps: exchange.Capabilities{CanMarginTrade: true, CanGetMarketOrderResultDirect: true},
		placeResult: model.OrderResult{
			Status: model.StatusFilled,
			Time:   model.Timestamp(5000),
			Fills:  []model.Fill{{Price: d("10"), Size: d("2.1"), Quote: d("21"), FeeAsset: "eth"}},
		},
		// first poll reads the cached pre-repay figure, second poll reflects it.
		balancesSeq: []map[string]map[string]model.Balance{preRepayBalances, postRepayBalances, finalBalances},
	}
	filters := model.Filters{Size: model.Range{Step: d("0.0001")}, QuotePrecision: 2}
	fees := model.Fees{Taker: d("0.001")}
	p := newTestPositioner(t, adapter, filters, fees)

	pos := model.Position{
		Side:     model.Short,
		Open:     true,
		Symbol:   symbol,
		Borrowed: d("2"),
		Time:     model.Timestamp(1000),
	}
	borrowInfo := model.BorrowInfo{InterestInterval: model.Hour, InterestRate: d("0.01")}
	now := model.Timestamp(1000 + uint64(2*model.Hour))

	closed, err := p.CloseShort(context.Background(), pos, model.CloseStrategy, borrowInfo, now)
	if err != nil {
		t.Fatalf("CloseShort: %v", err)
	}
	if adapter.balancesCall < 2 {
		t.Fatalf("MapBalances called %d times, want at least 2 (poll past the stale repay read)", adapter.balancesCall)
	}
	if closed.Open {
		t.Fatalf("expected the position to be closed")
	}
	// ceil(2h/1h) * 0.01 * 2 = 0.04
	if !closed.Interest.Equal(d("0.04")) {
		t.Fatalf("Interest = %s, want 0.04", closed.Interest)
	}
	if closed.CloseReason != model.CloseStrategy {
		t.Fatalf("CloseReason = %v, want CloseStrategy", closed.CloseReason)
	}
}

func TestCloseShortTransfersResidualBalancesBackToSpot(t *testing.T) {
	symbol := model.NewSymbol("eth", "usdt")
	repayReflected := map[string]map[string]model.Balance{
		string(symbol): {"eth": {Borrowed: d("0")}},
	}
	residual := map[string]map[string]model.Balance{
		string(symbol): {
			"usdt": {Available: d("3")},
			"eth":  {Available: d("0.5")},
		},
	}
	adapter := &fakeAdapter{
		caps: exchange.Capabilities{CanMarginTrade: true, CanGetMarketOrderResultDirect: true},
		placeResult: model.OrderResult{
			Status: model.StatusFilled,
			Fills:  []model.Fill{{Price: d("10"), Size: d("2.1"), Quote: d("21"), FeeAsset: "eth"}},
		},
		balancesSeq: []map[string]map[string]model.Balance{repayReflected, residual},
	}
	filters := model.Filters{Size: model.Range{Step: d("0.0001")}, QuotePrecision: 2}
	fees := model.Fees{Taker: d("0.001")}
	p := newTestPositioner(t, adapter, filters, fees)

	pos := model.Position{Side: model.Short, Open: true, Symbol: symbol, Borrowed: d("2"), Time: model.Timestamp(0)}
	borrowInfo := model.BorrowInfo{InterestInterval: model.Hour, InterestRate: d("0.01")}

	closed, err := p.CloseShort(context.Background(), pos, model.CloseTakeProfit, borrowInfo, model.Timestamp(uint64(model.Hour)))
	if err != nil {
		t.Fatalf("CloseShort: %v", err)
	}
	if closed.CloseReason != model.CloseTakeProfit {
		t.Fatalf("CloseReason = %v, want CloseTakeProfit", closed.CloseReason)
	}
	if len(adapter.transferCalls) != 2 {
		t.Fatalf("transfer calls = %v, want 2 (residual quote and residual base both swept back to spot)", adapter.transferCalls)
	}
}
