// Package binance implements the exchange.Adapter capability set (C1) over
// a centralized spot/margin venue's REST+WS API: HMAC-signed REST trading
// via resty, market-data and user-data websocket feeds via gorilla/websocket,
// and a token-bucket rate limiter per endpoint category.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"algotrader/exchange"
	"algotrader/model"
)

// Config configures a binance adapter instance.
type Config struct {
	BaseURL    string
	WSMarket   string
	WSUser     string
	APIKey     string
	Secret     string
	DryRun     bool
	Timeout    time.Duration
	RetryCount int
}

// Adapter implements exchange.Adapter over the REST+WS venue described by Config.
type Adapter struct {
	cfg    Config
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger

	capabilities exchange.Capabilities

	marketFeed *WSFeed
	userFeed   *WSFeed
	feedOnce   sync.Once
}

// New creates a binance-style venue adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Adapter{
		cfg:    cfg,
		http:   http,
		auth:   NewAuth(cfg.APIKey, cfg.Secret),
		rl:     NewRateLimiter(),
		logger: logger.With("component", "exchange.binance"),
		capabilities: exchange.Capabilities{
			CanStreamDepthSnapshot:        false,
			CanMarginBorrow:               true,
			CanMarginOrderLeverage:        false,
			CanPlaceMarketOrder:           true,
			CanPlaceMarketOrderQuote:      true,
			CanEditOrder:                  true,
			CanEditOrderAtomic:            false,
			CanGetMarketOrderResultDirect: true,
			CanStreamBalances:             true,
			CanListAllTickers:             true,
			CanMarginTrade:                true,
		},
	}
}

func (a *Adapter) Capabilities() exchange.Capabilities { return a.capabilities }

func (a *Adapter) GenerateClientID() string { return uuid.NewString() }

func (a *Adapter) ensureFeeds(logger *slog.Logger) {
	a.feedOnce.Do(func() {
		a.marketFeed = NewMarketFeed(a.cfg.WSMarket, logger)
		a.userFeed = NewUserFeed(a.cfg.WSUser, a.auth, logger)
	})
}

func (a *Adapter) signedRequest(ctx context.Context, method, path string, body any) *resty.Request {
	var bodyStr string
	if body != nil {
		b, _ := json.Marshal(body)
		bodyStr = string(b)
	}
	headers := a.auth.Headers(method, path, bodyStr)
	return a.http.R().SetContext(ctx).SetHeaders(headers)
}

func (a *Adapter) GetExchangeInfo(ctx context.Context) (exchange.ExchangeInfo, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return exchange.ExchangeInfo{}, err
	}
	var wire struct {
		Symbols []struct {
			Symbol         string `json:"symbol"`
			PriceStep      string `json:"priceStep"`
			SizeStep       string `json:"sizeStep"`
			SizeMin        string `json:"sizeMin"`
			MinNotional    string `json:"minNotional"`
			BasePrecision  int32  `json:"basePrecision"`
			QuotePrecision int32  `json:"quotePrecision"`
			MakerFee       string `json:"makerFee"`
			TakerFee       string `json:"takerFee"`
			IsolatedMargin bool   `json:"isolatedMarginAllowed"`
		} `json:"symbols"`
	}
	resp, err := a.http.R().SetContext(ctx).SetResult(&wire).Get("/api/v3/exchangeInfo")
	if err != nil {
		return exchange.ExchangeInfo{}, &model.ExchangeException{Op: "get_exchange_info", Err: err}
	}
	if resp.IsError() {
		return exchange.ExchangeInfo{}, &model.ExchangeException{Op: "get_exchange_info", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}

	info := exchange.ExchangeInfo{
		Fees:       make(map[model.Symbol]model.Fees),
		Filters:    make(map[model.Symbol]model.Filters),
		BorrowInfo: make(map[string]model.BorrowInfo),
	}
	for _, s := range wire.Symbols {
		sym := model.Symbol(s.Symbol)
		info.Fees[sym] = model.Fees{Maker: mustDecimal(s.MakerFee), Taker: mustDecimal(s.TakerFee)}
		info.Filters[sym] = model.Filters{
			Price:          model.Range{Step: mustDecimal(s.PriceStep)},
			Size:           model.Range{Step: mustDecimal(s.SizeStep), Min: mustDecimal(s.SizeMin)},
			MinNotional:    model.MinNotional{Min: mustDecimal(s.MinNotional)},
			BasePrecision:  int(s.BasePrecision),
			QuotePrecision: int(s.QuotePrecision),
			Spot:           true,
			IsolatedMargin: s.IsolatedMargin,
		}
	}
	return info, nil
}

func (a *Adapter) MapTickers(ctx context.Context) (map[model.Symbol]exchange.Ticker, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	var wire []struct {
		Symbol string `json:"symbol"`
		Bid    string `json:"bidPrice"`
		BidQty string `json:"bidQty"`
		Ask    string `json:"askPrice"`
		AskQty string `json:"askQty"`
		Last   string `json:"lastPrice"`
	}
	resp, err := a.http.R().SetContext(ctx).SetResult(&wire).Get("/api/v3/ticker/bookTicker")
	if err != nil || resp.IsError() {
		return nil, &model.ExchangeException{Op: "map_tickers", Err: err}
	}
	out := make(map[model.Symbol]exchange.Ticker, len(wire))
	for _, t := range wire {
		sym := model.Symbol(t.Symbol)
		out[sym] = exchange.Ticker{
			Symbol: sym,
			Bid:    model.PriceLevel{Price: mustDecimal(t.Bid), Size: mustDecimal(t.BidQty)},
			Ask:    model.PriceLevel{Price: mustDecimal(t.Ask), Size: mustDecimal(t.AskQty)},
			Last:   model.PriceLevel{Price: mustDecimal(t.Last)},
		}
	}
	return out, nil
}

func (a *Adapter) GetDepth(ctx context.Context, symbol model.Symbol) (model.Snapshot, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return model.Snapshot{}, err
	}
	var wire struct {
		LastUpdateID uint64      `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	resp, err := a.http.R().SetContext(ctx).SetQueryParam("symbol", string(symbol)).SetResult(&wire).Get("/api/v3/depth")
	if err != nil || resp.IsError() {
		return model.Snapshot{}, &model.ExchangeException{Op: "get_depth", Err: err}
	}
	return model.Snapshot{
		Bids:         toPriceLevels(wire.Bids),
		Asks:         toPriceLevels(wire.Asks),
		LastUpdateID: wire.LastUpdateID,
	}, nil
}

func (a *Adapter) ConnectStreamDepth(ctx context.Context, symbol model.Symbol) (<-chan model.DepthEvent, error) {
	a.ensureFeeds(a.logger)
	go a.marketFeed.Run(ctx)
	return a.marketFeed.DepthEvents(), nil
}

func (a *Adapter) ConnectStreamTrades(ctx context.Context, symbol model.Symbol) (<-chan exchange.Trade, error) {
	a.ensureFeeds(a.logger)
	go a.marketFeed.Run(ctx)
	return a.marketFeed.TradeEvents(), nil
}

func (a *Adapter) StreamHistoricalTrades(ctx context.Context, symbol model.Symbol, start, end model.Timestamp) (<-chan exchange.Trade, error) {
	out := make(chan exchange.Trade)
	go func() {
		defer close(out)
		var wire []struct {
			Time  int64  `json:"time"`
			Price string `json:"price"`
		}
		resp, err := a.http.R().SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol":    string(symbol),
				"startTime": strconv.FormatUint(uint64(start), 10),
				"endTime":   strconv.FormatUint(uint64(end), 10),
			}).SetResult(&wire).Get("/api/v3/aggTrades")
		if err != nil || resp.IsError() {
			return
		}
		for _, t := range wire {
			select {
			case out <- exchange.Trade{Time: model.Timestamp(t.Time), Price: model.PriceLevel{Price: mustDecimal(t.Price)}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *Adapter) GetCandles(ctx context.Context, symbol model.Symbol, interval model.Interval, start, end model.Timestamp) ([]model.Candle, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	var wire [][]any
	resp, err := a.http.R().SetContext(ctx).SetQueryParams(map[string]string{
		"symbol":    string(symbol),
		"interval":  interval.String(),
		"startTime": strconv.FormatUint(uint64(start), 10),
		"endTime":   strconv.FormatUint(uint64(end), 10),
	}).SetResult(&wire).Get("/api/v3/klines")
	if err != nil || resp.IsError() {
		return nil, &model.ExchangeException{Op: "get_candles", Err: err}
	}
	candles := make([]model.Candle, 0, len(wire))
	for _, row := range wire {
		if len(row) < 6 {
			continue
		}
		t, _ := row[0].(float64)
		candles = append(candles, model.Candle{
			Time:   model.Timestamp(uint64(t)),
			Open:   mustDecimal(fmt.Sprint(row[1])),
			High:   mustDecimal(fmt.Sprint(row[2])),
			Low:    mustDecimal(fmt.Sprint(row[3])),
			Close:  mustDecimal(fmt.Sprint(row[4])),
			Volume: mustDecimal(fmt.Sprint(row[5])),
			Closed: true,
		})
	}
	return candles, nil
}

func (a *Adapter) ConnectStreamCandles(ctx context.Context, symbol model.Symbol, interval model.Interval) (<-chan model.Candle, error) {
	out := make(chan model.Candle)
	close(out) // no live candle stream: the channel is closed at once and delivers no candles
	return out, nil
}

func toPriceLevels(raw [][2]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		out = append(out, model.PriceLevel{Price: mustDecimal(pair[0]), Size: mustDecimal(pair[1])})
	}
	return out
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func mustDecimal(s string) decimal.Decimal {
	v, err := parseDecimal(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
