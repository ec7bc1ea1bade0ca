package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"algotrader/exchange"
	"algotrader/model"
)

const (
	pingInterval     = 20 * time.Second
	readTimeout      = 60 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	depthBufferSize  = 256
	tradeBufferSize  = 64
)

// wireDepthEvent is the JSON shape of a depth stream message. Kind
// distinguishes an initial snapshot push (for venues where
// CanStreamDepthSnapshot is true) from an incremental update.
type wireDepthEvent struct {
	Kind          string          `json:"e"`
	FirstUpdateID uint64          `json:"U"`
	LastUpdateID  uint64          `json:"u"`
	Bids          [][2]string     `json:"b"`
	Asks          [][2]string     `json:"a"`
}

type wireTrade struct {
	Time  int64  `json:"T"`
	Price string `json:"p"`
}

type wireOrderUpdate struct {
	ClientID string `json:"c"`
	Kind     string `json:"x"` // NEW, TRADE, CANCELED
	Price    string `json:"L"` // last fill price
	Size     string `json:"l"` // last fill size
	Quote    string `json:"Z"` // cumulative quote
	Fee      string `json:"n"`
	FeeAsset string `json:"N"`
	Reason   string `json:"r"`
	Time     int64  `json:"T"`
}

// WSFeed maintains one reconnecting websocket connection to the venue and
// dispatches typed events onto per-kind channels, mirroring the market-data
// and user-data feed pattern used for book/price-change/trade/order events.
type WSFeed struct {
	url    string
	auth   *Auth
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	depthCh chan model.DepthEvent
	tradeCh chan exchange.Trade
	orderCh chan model.OrderUpdate
}

// NewMarketFeed creates a feed for public depth/trade streams.
func NewMarketFeed(url string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     url,
		logger:  logger.With("component", "ws_market"),
		depthCh: make(chan model.DepthEvent, depthBufferSize),
		tradeCh: make(chan exchange.Trade, tradeBufferSize),
	}
}

// NewUserFeed creates a feed for the authenticated order-update stream.
func NewUserFeed(url string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     url,
		auth:    auth,
		logger:  logger.With("component", "ws_user"),
		orderCh: make(chan model.OrderUpdate, tradeBufferSize),
	}
}

func (f *WSFeed) DepthEvents() <-chan model.DepthEvent  { return f.depthCh }
func (f *WSFeed) TradeEvents() <-chan exchange.Trade    { return f.tradeCh }
func (f *WSFeed) OrderEvents() <-chan model.OrderUpdate { return f.orderCh }

// Run maintains the connection with exponential backoff reconnect until ctx
// is cancelled.
func (f *WSFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.connectAndRead(ctx); err != nil {
			f.logger.Warn("ws connection lost", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer conn.Close()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	backoff := time.Second
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		backoff = time.Second
		f.dispatchMessage(msg)
		_ = backoff
	}
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatchMessage peeks the event kind and routes to the matching typed
// channel. Full messages are decoded into typed structs; on a full channel
// the message is dropped with a warning rather than blocking the reader.
func (f *WSFeed) dispatchMessage(raw []byte) {
	var probe struct {
		Kind string `json:"e"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		f.logger.Warn("ws: malformed message", "error", err)
		return
	}

	switch probe.Kind {
	case "depthUpdate", "depthSnapshot":
		var wire wireDepthEvent
		if err := json.Unmarshal(raw, &wire); err != nil {
			f.logger.Warn("ws: malformed depth event", "error", err)
			return
		}
		event := toDepthEvent(wire)
		select {
		case f.depthCh <- event:
		default:
			f.logger.Warn("depth channel full, dropping event")
		}
	case "trade":
		var wire wireTrade
		if err := json.Unmarshal(raw, &wire); err != nil {
			return
		}
		price, _ := parseDecimal(wire.Price)
		select {
		case f.tradeCh <- exchange.Trade{Time: model.Timestamp(wire.Time), Price: model.PriceLevel{Price: price}}:
		default:
			f.logger.Warn("trade channel full, dropping event")
		}
	case "executionReport":
		var wire wireOrderUpdate
		if err := json.Unmarshal(raw, &wire); err != nil {
			return
		}
		update := toOrderUpdate(wire)
		select {
		case f.orderCh <- update:
		default:
			f.logger.Warn("order channel full, dropping event")
		}
	}
}

func toDepthEvent(wire wireDepthEvent) model.DepthEvent {
	bids := toPriceLevels(wire.Bids)
	asks := toPriceLevels(wire.Asks)
	if wire.Kind == "depthSnapshot" {
		return model.DepthEvent{
			Kind: model.DepthEventSnapshot,
			Snapshot: model.Snapshot{
				Bids:         bids,
				Asks:         asks,
				LastUpdateID: wire.LastUpdateID,
			},
		}
	}
	return model.DepthEvent{
		Kind: model.DepthEventUpdate,
		Update: model.Update{
			Bids:          bids,
			Asks:          asks,
			FirstUpdateID: wire.FirstUpdateID,
			LastUpdateID:  wire.LastUpdateID,
		},
	}
}

func toOrderUpdate(wire wireOrderUpdate) model.OrderUpdate {
	switch wire.Kind {
	case "NEW":
		return model.OrderUpdate{Kind: model.OrderUpdateNew, ClientID: wire.ClientID}
	case "TRADE":
		price, _ := parseDecimal(wire.Price)
		size, _ := parseDecimal(wire.Size)
		quote := price.Mul(size)
		fee, _ := parseDecimal(wire.Fee)
		return model.OrderUpdate{
			Kind:     model.OrderUpdateMatch,
			ClientID: wire.ClientID,
			Fill: model.Fill{
				Price: price, Size: size, Quote: quote,
				Fee: fee, FeeAsset: wire.FeeAsset,
			},
		}
	case "CANCELED":
		reason := model.CancelUnknown
		if wire.Reason == "EDIT" {
			reason = model.CancelEdit
		}
		return model.OrderUpdate{Kind: model.OrderUpdateCanceled, ClientID: wire.ClientID, Reason: reason}
	default: // "DONE" or terminal fallthrough
		return model.OrderUpdate{Kind: model.OrderUpdateDone, ClientID: wire.ClientID, Time: model.Timestamp(wire.Time)}
	}
}
