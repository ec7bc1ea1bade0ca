package strategy

import (
	"github.com/shopspring/decimal"

	"algotrader/model"
)

// Protection is the stop-loss/take-profit contract. UpsideHit/DownsideHit
// are evaluated against the latest close; Update/Clear advance the
// variant's internal reference price as each candle closes or a position
// opens/closes.
type Protection interface {
	UpsideHit(price decimal.Decimal) bool
	DownsideHit(price decimal.Decimal) bool
	Update(candle model.Candle)
	Clear(candle model.Candle)
}

// Noop never trips.
type Noop struct{}

func (Noop) UpsideHit(decimal.Decimal) bool   { return false }
func (Noop) DownsideHit(decimal.Decimal) bool { return false }
func (Noop) Update(model.Candle)              {}
func (Noop) Clear(model.Candle)               {}

// FixedProtection trips at a fixed percentage above/below the price recorded
// on the last Clear (i.e. position-open close).
type FixedProtection struct {
	UpsidePct   decimal.Decimal // e.g. 0.05 for take-profit at +5%
	DownsidePct decimal.Decimal // e.g. 0.05 for stop-loss at -5%
	reference   decimal.Decimal
}

func NewFixedProtection(upsidePct, downsidePct decimal.Decimal) *FixedProtection {
	return &FixedProtection{UpsidePct: upsidePct, DownsidePct: downsidePct}
}

func (b *FixedProtection) UpsideHit(price decimal.Decimal) bool {
	if b.UpsidePct.IsZero() || b.reference.IsZero() {
		return false
	}
	threshold := b.reference.Mul(decimal.NewFromInt(1).Add(b.UpsidePct))
	return price.GreaterThanOrEqual(threshold)
}

func (b *FixedProtection) DownsideHit(price decimal.Decimal) bool {
	if b.DownsidePct.IsZero() || b.reference.IsZero() {
		return false
	}
	threshold := b.reference.Mul(decimal.NewFromInt(1).Sub(b.DownsidePct))
	return price.LessThanOrEqual(threshold)
}

func (b *FixedProtection) Update(model.Candle) {}

func (b *FixedProtection) Clear(candle model.Candle) {
	b.reference = candle.Close
}

// Trailing trips at a fixed percentage from the running extreme seen since
// the last Clear, tightening the stop as the position moves favorably.
type Trailing struct {
	UpsidePct   decimal.Decimal
	DownsidePct decimal.Decimal
	highWater   decimal.Decimal
	lowWater    decimal.Decimal
}

func NewTrailing(upsidePct, downsidePct decimal.Decimal) *Trailing {
	return &Trailing{UpsidePct: upsidePct, DownsidePct: downsidePct}
}

func (t *Trailing) UpsideHit(price decimal.Decimal) bool {
	if t.UpsidePct.IsZero() || t.highWater.IsZero() {
		return false
	}
	threshold := t.highWater.Mul(decimal.NewFromInt(1).Sub(t.UpsidePct))
	return price.LessThanOrEqual(threshold)
}

func (t *Trailing) DownsideHit(price decimal.Decimal) bool {
	if t.DownsidePct.IsZero() || t.lowWater.IsZero() {
		return false
	}
	threshold := t.lowWater.Mul(decimal.NewFromInt(1).Add(t.DownsidePct))
	return price.GreaterThanOrEqual(threshold)
}

func (t *Trailing) Update(candle model.Candle) {
	if t.highWater.IsZero() || candle.High.GreaterThan(t.highWater) {
		t.highWater = candle.High
	}
	if t.lowWater.IsZero() || candle.Low.LessThan(t.lowWater) {
		t.lowWater = candle.Low
	}
}

func (t *Trailing) Clear(candle model.Candle) {
	t.highWater = candle.Close
	t.lowWater = candle.Close
}

// Legacy combines FixedProtection and Trailing behind a flag, matching a
// venue's earlier fixed-threshold-only behavior when TrailingEnabled is
// false.
type Legacy struct {
	TrailingEnabled bool
	basic           *FixedProtection
	trailing        *Trailing
}

func NewLegacy(upsidePct, downsidePct decimal.Decimal, trailingEnabled bool) *Legacy {
	return &Legacy{
		TrailingEnabled: trailingEnabled,
		basic:           NewFixedProtection(upsidePct, downsidePct),
		trailing:        NewTrailing(upsidePct, downsidePct),
	}
}

func (l *Legacy) active() Protection {
	if l.TrailingEnabled {
		return l.trailing
	}
	return l.basic
}

func (l *Legacy) UpsideHit(price decimal.Decimal) bool   { return l.active().UpsideHit(price) }
func (l *Legacy) DownsideHit(price decimal.Decimal) bool { return l.active().DownsideHit(price) }
func (l *Legacy) Update(candle model.Candle)             { l.active().Update(candle) }
func (l *Legacy) Clear(candle model.Candle) {
	l.basic.Clear(candle)
	l.trailing.Clear(candle)
}
