package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"algotrader/exchange"
	"algotrader/model"
	"algotrader/orderbook"
)

// PricingStrategy selects how the limit broker prices its resting order
// relative to the book's best price on its own side.
type PricingStrategy int

const (
	// Leading posts inside the spread, one tick better than best, unless the
	// spread is exactly one tick (then it matches best).
	Leading PricingStrategy = iota
	// Matching posts at best on its own side, never improving.
	Matching
)

// LimitOrderRequest configures one fill-via-resting-limit-order operation.
type LimitOrderRequest struct {
	Account                string
	Symbol                 model.Symbol
	Side                   model.Side
	Size                   *decimal.Decimal
	Quote                  *decimal.Decimal
	Strategy               PricingStrategy
	UseEditOrderIfPossible bool
	CancelOrderOnError     bool
}

// LimitBroker fills a requested size by resting a limit order at (or near)
// top-of-book and re-pricing it as the book moves (C4, §4.4).
type LimitBroker struct {
	adapter  exchange.Adapter
	registry *orderbook.Registry
	info     exchange.ExchangeInfo
}

// NewLimitBroker constructs a limit broker bound to one venue adapter.
func NewLimitBroker(adapter exchange.Adapter, registry *orderbook.Registry, info exchange.ExchangeInfo) *LimitBroker {
	return &LimitBroker{adapter: adapter, registry: registry, info: info}
}

// ledger accumulates fills and tracks the resting order's current price
// under a mutex shared between the book-watcher and order-update goroutines.
type ledger struct {
	mu              sync.Mutex
	fills           []model.Fill
	lastOrderPrice  decimal.Decimal
	havePrice       bool
	lastMatchTime   model.Timestamp
	cancelConfirmed chan struct{}
	newConfirmed    chan struct{}
	done            chan struct{}
	doneOnce        sync.Once
}

func newLedger() *ledger {
	return &ledger{
		cancelConfirmed: make(chan struct{}, 1),
		newConfirmed:    make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
}

func (l *ledger) filledSize() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.TotalSize(l.fills)
}

func (l *ledger) filledQuote() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.TotalQuote(l.fills)
}

func (l *ledger) snapshot() []model.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

func (l *ledger) addFill(f model.Fill, t model.Timestamp) {
	l.mu.Lock()
	l.fills = append(l.fills, f)
	l.lastMatchTime = t
	l.mu.Unlock()
}

func (l *ledger) setPrice(p decimal.Decimal) {
	l.mu.Lock()
	l.lastOrderPrice = p
	l.havePrice = true
	l.mu.Unlock()
}

func (l *ledger) price() (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastOrderPrice, l.havePrice
}

func (l *ledger) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// desiredPrice implements the §4.4 pricing policy against the current book.
func desiredPrice(book *orderbook.Book, side model.Side, strategy PricingStrategy, tick decimal.Decimal) (decimal.Decimal, error) {
	bestBid, haveBid := book.BestBid()
	bestAsk, haveAsk := book.BestAsk()

	ownBest, ownHas := bestBid, haveBid
	otherBest, otherHas := bestAsk, haveAsk
	if side == model.Sell {
		ownBest, ownHas = bestAsk, haveAsk
		otherBest, otherHas = bestBid, haveBid
	}

	if !ownHas && !otherHas {
		return decimal.Zero, &model.NotImplemented{Detail: "both sides of book empty"}
	}
	if !ownHas {
		if side == model.Buy {
			return otherBest.Price.Sub(tick), nil
		}
		return otherBest.Price.Add(tick), nil
	}

	spread := decimal.Zero
	if ownHas && otherHas {
		if side == model.Buy {
			spread = otherBest.Price.Sub(ownBest.Price)
		} else {
			spread = ownBest.Price.Sub(otherBest.Price)
		}
	}

	if strategy == Matching {
		return ownBest.Price, nil
	}

	// Leading: one tick better unless spread is exactly one tick.
	if otherHas && spread.Equal(tick) {
		return ownBest.Price, nil
	}
	if side == model.Buy {
		return ownBest.Price.Add(tick), nil
	}
	return ownBest.Price.Sub(tick), nil
}

// improves reports whether candidate is a strict improvement over current
// in the direction that improves fill probability for side.
func improves(side model.Side, current, candidate decimal.Decimal) bool {
	if side == model.Buy {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// Fill resists and re-prices a limit order until req.Size/Quote is filled or
// ctx is cancelled.
func (b *LimitBroker) Fill(ctx context.Context, req LimitOrderRequest) (model.OrderResult, error) {
	if (req.Size == nil) == (req.Quote == nil) {
		return model.OrderResult{}, &model.BadOrder{Reason: "exactly one of size or quote must be set"}
	}

	filters := b.info.Filters[req.Symbol]
	handle, err := b.registry.Subscribe(ctx, b.adapter, req.Symbol)
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("subscribe book: %w", err)
	}
	defer handle.Close()

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := b.adapter.ConnectStreamOrders(opCtx, req.Account, req.Symbol)
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("connect order stream: %w", err)
	}

	l := newLedger()
	clientID := b.adapter.GenerateClientID()
	repriceCh := make(chan decimal.Decimal, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.watchBook(opCtx, handle.Book(), req.Side, req.Strategy, filters.Price.Step, clientID, l, repriceCh)
	}()
	go func() {
		defer wg.Done()
		b.watchOrders(opCtx, updates, clientID, l)
	}()

	result, err := b.runStateMachine(opCtx, req, filters, clientID, l, repriceCh)

	cancel()
	wg.Wait()
	return result, err
}

func (b *LimitBroker) watchBook(ctx context.Context, book *orderbook.Book, side model.Side, strategy PricingStrategy, tick decimal.Decimal, clientID string, l *ledger, repriceCh chan<- decimal.Decimal) {
	for {
		updated := book.Updated()
		select {
		case <-updated:
		case <-ctx.Done():
			return
		}

		price, err := desiredPrice(book, side, strategy, tick)
		if err != nil {
			continue
		}
		current, have := l.price()
		if !have {
			continue
		}
		if !improves(side, current, price) {
			continue
		}
		select {
		case repriceCh <- price:
		default:
			// a reprice is already pending; the state machine will pick up
			// the latest desired price on its next book read instead
		}
	}
}

func (b *LimitBroker) watchOrders(ctx context.Context, updates <-chan model.OrderUpdate, clientID string, l *ledger) {
	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.ClientID != clientID {
				continue
			}
			switch upd.Kind {
			case model.OrderUpdateMatch:
				l.addFill(upd.Fill, upd.Time)
			case model.OrderUpdateCanceled:
				if upd.Reason == model.CancelEdit {
					// side effect of a non-atomic edit, not an error; the
					// state machine's own edit call already knows this.
					continue
				}
				select {
				case l.cancelConfirmed <- struct{}{}:
				default:
				}
			case model.OrderUpdateNew:
				select {
				case l.newConfirmed <- struct{}{}:
				default:
				}
			case model.OrderUpdateDone:
				l.markDone()
			}
		case <-ctx.Done():
			return
		}
	}
}

// runStateMachine drives Idle -> Resting -> {Editing|Cancelling|Done}.
func (b *LimitBroker) runStateMachine(ctx context.Context, req LimitOrderRequest, filters model.Filters, clientID string, l *ledger, repriceCh <-chan decimal.Decimal) (model.OrderResult, error) {
	handle, err := b.registry.Subscribe(ctx, b.adapter, req.Symbol)
	if err != nil {
		return model.OrderResult{}, err
	}
	defer handle.Close()

	price, err := desiredPrice(handle.Book(), req.Side, req.Strategy, filters.Price.Step)
	if err != nil {
		return model.OrderResult{}, err
	}

	remaining, err := remainingSize(req, l, price, filters)
	if err != nil {
		return model.OrderResult{}, err
	}
	if remaining.IsZero() {
		return finalResult(l), nil
	}

	if err := b.place(ctx, req, clientID, price, remaining); err != nil {
		return model.OrderResult{}, err
	}
	l.setPrice(price)

	for {
		select {
		case <-l.done:
			return finalResult(l), nil

		case newPrice := <-repriceCh:
			remaining, err := remainingSize(req, l, newPrice, filters)
			if err != nil {
				return model.OrderResult{}, err
			}
			if remaining.IsZero() {
				return finalResult(l), nil
			}
			if err := b.reprice(ctx, req, clientID, newPrice, remaining, l); err != nil {
				return model.OrderResult{}, err
			}
			l.setPrice(newPrice)

		case <-ctx.Done():
			if req.CancelOrderOnError {
				b.cancelAndAwait(context.Background(), req, clientID, l)
			}
			return finalResult(l), ctx.Err()
		}
	}
}

func remainingSize(req LimitOrderRequest, l *ledger, price decimal.Decimal, filters model.Filters) (decimal.Decimal, error) {
	filledSize := l.filledSize()
	filledQuote := l.filledQuote()

	var remaining decimal.Decimal
	if req.Size != nil {
		remaining = req.Size.Sub(filledSize)
	} else {
		quoteRemaining := req.Quote.Sub(filledQuote)
		if quoteRemaining.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, nil
		}
		remaining = quoteRemaining.Div(price)
	}
	remaining = roundDownToStep(remaining, filters.Size.Step)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	if !filters.MinNotional.Valid(price, remaining) {
		// partial fill under minimum: terminate early with success
		return decimal.Zero, nil
	}
	return remaining, nil
}

func finalResult(l *ledger) model.OrderResult {
	fills := l.snapshot()
	status := model.StatusPartiallyFilled
	if len(fills) > 0 {
		status = model.StatusFilled
	}
	return model.OrderResult{Time: l.lastMatchTime, Status: status, Fills: fills}
}

func (b *LimitBroker) place(ctx context.Context, req LimitOrderRequest, clientID string, price, size decimal.Decimal) error {
	placeReq := model.PlaceOrderRequest{
		Account:     req.Account,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        model.Limit,
		Size:        &size,
		Price:       &price,
		TimeInForce: model.GTC,
		ClientID:    clientID,
	}
	_, err := b.adapter.PlaceOrder(ctx, placeReq)
	return err
}

// reprice moves the resting order to a new price, preferring an atomic edit
// when available and falling back to cancel-then-place otherwise.
func (b *LimitBroker) reprice(ctx context.Context, req LimitOrderRequest, clientID string, price, size decimal.Decimal, l *ledger) error {
	if req.UseEditOrderIfPossible && b.adapter.Capabilities().CanEditOrder {
		_, err := b.adapter.EditOrder(ctx, model.EditOrderRequest{
			Account:  req.Account,
			Symbol:   req.Symbol,
			ClientID: clientID,
			Price:    price,
			Size:     size,
		})
		if err == nil {
			return nil
		}
		var insufficient *model.InsufficientFunds
		if ok := errors.As(err, &insufficient); ok {
			// a fill landed during the edit; treat as cancel-succeeded and
			// let the caller recompute remaining on its next loop iteration
			// against the freshly queried cumulative fills.
			return nil
		}
		var missing *model.OrderMissing
		if ok := errors.As(err, &missing); ok {
			return nil
		}
		return err
	}
	return b.cancelThenPlace(ctx, req, clientID, price, size, l)
}

func (b *LimitBroker) cancelThenPlace(ctx context.Context, req LimitOrderRequest, clientID string, price, size decimal.Decimal, l *ledger) error {
	if err := b.adapter.CancelOrder(ctx, req.Account, req.Symbol, clientID); err != nil {
		var missing *model.OrderMissing
		if !errors.As(err, &missing) {
			return err
		}
	}
	select {
	case <-l.cancelConfirmed:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.place(ctx, req, clientID, price, size)
}

func (b *LimitBroker) cancelAndAwait(ctx context.Context, req LimitOrderRequest, clientID string, l *ledger) {
	_ = b.adapter.CancelOrder(ctx, req.Account, req.Symbol, clientID)
	select {
	case <-l.cancelConfirmed:
	case <-l.done:
	}
}
