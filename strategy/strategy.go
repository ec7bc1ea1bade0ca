// Package strategy implements the strategy supervisor (C6): a per-symbol
// candle loop that turns a pluggable Strategy's advice into open/close
// position actions, with stop-loss/take-profit, risk supervision, and
// (in Multi) dynamic symbol repicking and rebalancing.
package strategy

import (
	"algotrader/model"
)

// Advice is the action a Strategy recommends after consuming a candle.
type Advice int

const (
	NONE Advice = iota
	LONG
	SHORT
	LIQUIDATE
)

func (a Advice) String() string {
	switch a {
	case LONG:
		return "LONG"
	case SHORT:
		return "SHORT"
	case LIQUIDATE:
		return "LIQUIDATE"
	default:
		return "NONE"
	}
}

// ExtraCandleSpec asks the supervisor to also feed the strategy candles from
// a second symbol/interval/type (e.g. a slower-interval trend filter).
type ExtraCandleSpec struct {
	Symbol   model.Symbol
	Interval model.Interval
	Type     string
}

// Meta carries context a Strategy needs beyond the raw candle: the open
// position (if any) and whether the candle is part of adjusted-start warm-up.
type Meta struct {
	OpenPosition *model.Position
	WarmUp       bool
}

// Strategy is the pluggable decision contract the supervisor drives. A
// strategy holds its own indicator state across calls to Update.
type Strategy interface {
	Update(candle model.Candle, meta Meta) Advice
	Mature() bool
	Maturity() int
	ExtraCandles() []ExtraCandleSpec
}

// Changed wraps a Strategy so repeated identical advice surfaces as NONE
// after the first tick, preventing the supervisor from re-acting on a
// sustained signal every candle.
type Changed struct {
	inner Strategy

	prevailing    Advice
	prevailingAge int
	lastReturned  Advice
}

// NewChanged wraps inner in a Changed decorator.
func NewChanged(inner Strategy) *Changed {
	return &Changed{inner: inner}
}

// Update delegates to the wrapped strategy and returns NONE unless the
// advice differs from the previously returned advice; LIQUIDATE is never
// suppressed.
func (c *Changed) Update(candle model.Candle, meta Meta) Advice {
	advice := c.inner.Update(candle, meta)

	if advice == c.prevailing {
		c.prevailingAge++
	} else {
		c.prevailing = advice
		c.prevailingAge = 0
	}

	if advice == c.lastReturned && advice != LIQUIDATE {
		return NONE
	}
	c.lastReturned = advice
	return advice
}

func (c *Changed) Mature() bool                    { return c.inner.Mature() }
func (c *Changed) Maturity() int                   { return c.inner.Maturity() }
func (c *Changed) ExtraCandles() []ExtraCandleSpec { return c.inner.ExtraCandles() }
func (c *Changed) PrevailingAdvice() Advice        { return c.prevailing }
func (c *Changed) PrevailingAdviceAge() int        { return c.prevailingAge }

// Reset clears the change-tracking state without touching the wrapped
// strategy, used by the missed-candle RESTART policy.
func (c *Changed) Reset() {
	c.prevailing = NONE
	c.prevailingAge = 0
	c.lastReturned = NONE
}
