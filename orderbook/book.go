// Package orderbook maintains per-(exchange, symbol) local order books (C2):
// snapshot+incremental fusion with sequence-gap detection, and reference
// counted subscriber sharing so every caller of the same (exchange, symbol)
// sees one background sync task and one book instance.
package orderbook

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"algotrader/model"
)

// Book holds one side-pair of price->size maps plus a derived sorted view,
// guarded by a single mutex shared by the reader queries and the applier.
type Book struct {
	symbol     model.Symbol
	baseAsset  string
	quoteAsset string

	mu   sync.RWMutex
	bids map[string]decimal.Decimal // price string key avoids float/decimal hashing surprises
	asks map[string]decimal.Decimal

	updated chan struct{} // closed+replaced each applied batch; see Updated()
}

// NewBook constructs a standalone book for symbol, outside the registry's
// shared-subscriber lifecycle. Used by backtest replay and tests that need
// a book without a live sync goroutine.
func NewBook(symbol model.Symbol) *Book {
	return newBook(symbol)
}

func newBook(symbol model.Symbol) *Book {
	return &Book{
		symbol:     symbol,
		baseAsset:  symbol.Base(),
		quoteAsset: symbol.Quote(),
		bids:       make(map[string]decimal.Decimal),
		asks:       make(map[string]decimal.Decimal),
		updated:    make(chan struct{}),
	}
}

func applySide(side map[string]decimal.Decimal, levels []model.PriceLevel) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if lvl.Size.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = lvl.Size
	}
}

// LoadSnapshot replaces both sides wholesale. Exposed for backtest replay
// and tests driving a standalone Book outside the registry's sync loop.
func (b *Book) LoadSnapshot(snap model.Snapshot) {
	b.loadSnapshot(snap)
}

// ApplyUpdate merges an incremental update into both sides. Exposed for
// backtest replay and tests driving a standalone Book.
func (b *Book) ApplyUpdate(upd model.Update) {
	b.applyUpdate(upd)
}

// loadSnapshot replaces both sides wholesale.
func (b *Book) loadSnapshot(snap model.Snapshot) {
	b.mu.Lock()
	b.bids = make(map[string]decimal.Decimal, len(snap.Bids))
	b.asks = make(map[string]decimal.Decimal, len(snap.Asks))
	applySide(b.bids, snap.Bids)
	applySide(b.asks, snap.Asks)
	b.mu.Unlock()
}

// applyUpdate merges an incremental update into both sides.
func (b *Book) applyUpdate(upd model.Update) {
	b.mu.Lock()
	applySide(b.bids, upd.Bids)
	applySide(b.asks, upd.Asks)
	b.mu.Unlock()
}

func sortedLevels(side map[string]decimal.Decimal, descending bool) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(side))
	for priceStr, size := range side {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		out = append(out, model.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// ListAsks returns ask levels sorted ascending by price.
func (b *Book) ListAsks() []model.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedLevels(b.asks, false)
}

// ListBids returns bid levels sorted descending by price.
func (b *Book) ListBids() []model.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedLevels(b.bids, true)
}

// BestAsk returns the lowest ask, or false if the book side is empty.
func (b *Book) BestAsk() (model.PriceLevel, bool) {
	levels := b.ListAsks()
	if len(levels) == 0 {
		return model.PriceLevel{}, false
	}
	return levels[0], true
}

// BestBid returns the highest bid, or false if the book side is empty.
func (b *Book) BestBid() (model.PriceLevel, bool) {
	levels := b.ListBids()
	if len(levels) == 0 {
		return model.PriceLevel{}, false
	}
	return levels[0], true
}

// notifyUpdated fires the Updated() signal exactly once per applied batch:
// close the current channel (waking every receiver) and swap in a fresh one.
func (b *Book) notifyUpdated() {
	b.mu.Lock()
	ch := b.updated
	b.updated = make(chan struct{})
	b.mu.Unlock()
	close(ch)
}

// Updated returns a channel that closes the next time an update batch is
// applied. Callers must re-call Updated() after each fire to keep watching;
// this is the auto-clearing "fires exactly once per batch" signal.
func (b *Book) Updated() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// walkSide consumes price levels in the given order to fill size/quote,
// producing per-level Fills. feeRate is applied per-fill in feeAsset;
// feeOnBase selects whether the fee is computed on fill size (base asset,
// buys) or fill quote (quote asset, sells).
func walkSide(levels []model.PriceLevel, size, quote *decimal.Decimal, feeRate decimal.Decimal, feeAsset string, feeOnBase bool, filters model.Filters) ([]model.Fill, error) {
	var fills []model.Fill
	remainingSize := decimal.Zero
	remainingQuote := decimal.Zero
	byQuote := size == nil
	if size != nil {
		remainingSize = *size
	} else if quote != nil {
		remainingQuote = *quote
	} else {
		return nil, &model.BadOrder{Reason: "exactly one of size or quote must be set"}
	}

	for _, lvl := range levels {
		if byQuote {
			if remainingQuote.LessThanOrEqual(decimal.Zero) {
				break
			}
		} else if remainingSize.LessThanOrEqual(decimal.Zero) {
			break
		}

		var fillSize decimal.Decimal
		if byQuote {
			maxSizeAtLevel := remainingQuote.Div(lvl.Price)
			fillSize = decimal.Min(lvl.Size, maxSizeAtLevel)
		} else {
			fillSize = decimal.Min(lvl.Size, remainingSize)
		}
		fillSize = roundDownToStep(fillSize, filters.Size.Step)
		if fillSize.LessThanOrEqual(decimal.Zero) {
			continue
		}

		fillQuote := fillSize.Mul(lvl.Price).Round(int32(filters.QuotePrecision))
		var fee decimal.Decimal
		if feeOnBase {
			fee = fillSize.Mul(feeRate)
		} else {
			fee = fillQuote.Mul(feeRate)
		}
		fills = append(fills, model.Fill{Price: lvl.Price, Size: fillSize, Quote: fillQuote, Fee: fee, FeeAsset: feeAsset})

		if byQuote {
			remainingQuote = remainingQuote.Sub(fillQuote)
		} else {
			remainingSize = remainingSize.Sub(fillSize)
		}
	}
	return fills, nil
}

func roundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// FindOrderAsks walks asks ascending, synthesizing the fills a market buy of
// size (or quote) would receive. feeRate is the taker rate; fees are charged
// in the base asset on buys.
func (b *Book) FindOrderAsks(size, quote *decimal.Decimal, feeRate decimal.Decimal, filters model.Filters) ([]model.Fill, error) {
	return walkSide(b.ListAsks(), size, quote, feeRate, b.baseAsset, true, filters)
}

// FindOrderBids walks bids descending, synthesizing the fills a market sell
// of size would receive. Fee asset is the quote asset on sells.
func (b *Book) FindOrderBids(size, quote *decimal.Decimal, feeRate decimal.Decimal, filters model.Filters) ([]model.Fill, error) {
	return walkSide(b.ListBids(), size, quote, feeRate, b.quoteAsset, false, filters)
}
