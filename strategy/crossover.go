package strategy

import (
	"github.com/shopspring/decimal"

	"algotrader/model"
)

// ema is an exponential moving average accumulator, alpha = 2/(period+1).
type ema struct {
	alpha   decimal.Decimal
	value   decimal.Decimal
	primed  bool
}

func newEMA(period int) *ema {
	return &ema{alpha: decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))}
}

func (e *ema) update(price decimal.Decimal) decimal.Decimal {
	if !e.primed {
		e.value = price
		e.primed = true
		return e.value
	}
	e.value = price.Sub(e.value).Mul(e.alpha).Add(e.value)
	return e.value
}

// EMACrossover advises LONG/SHORT when a short-period EMA diverges from a
// long-period EMA past a percentage threshold, grounded on
// juno/strategies/emaemacx.py's EmaEmaCX (persistence filtering dropped;
// Changed already suppresses repeated identical advice upstream).
type EMACrossover struct {
	short, long       *ema
	negThreshold      decimal.Decimal
	posThreshold      decimal.Decimal
	longPeriod        int
	ticks             int
}

// NewEMACrossover constructs an EMA-crossover strategy. negThreshold is
// typically negative (e.g. -0.5) and posThreshold positive (e.g. 0.5),
// expressed as a percentage difference between the two EMAs.
func NewEMACrossover(shortPeriod, longPeriod int, negThreshold, posThreshold decimal.Decimal) *EMACrossover {
	return &EMACrossover{
		short:        newEMA(shortPeriod),
		long:         newEMA(longPeriod),
		negThreshold: negThreshold,
		posThreshold: posThreshold,
		longPeriod:   longPeriod,
	}
}

func (s *EMACrossover) Update(candle model.Candle, _ Meta) Advice {
	shortVal := s.short.update(candle.Close)
	longVal := s.long.update(candle.Close)

	if s.ticks < s.longPeriod {
		s.ticks++
	}
	if !s.Mature() {
		return NONE
	}

	mid := shortVal.Add(longVal).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return NONE
	}
	diffPct := shortVal.Sub(longVal).Mul(decimal.NewFromInt(100)).Div(mid)

	switch {
	case diffPct.GreaterThan(s.posThreshold):
		return LONG
	case diffPct.LessThan(s.negThreshold):
		return SHORT
	default:
		return NONE
	}
}

func (s *EMACrossover) Mature() bool            { return s.ticks >= s.longPeriod }
func (s *EMACrossover) Maturity() int           { return s.longPeriod }
func (s *EMACrossover) ExtraCandles() []ExtraCandleSpec { return nil }
