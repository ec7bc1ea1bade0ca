package strategy

import (
	"log/slog"

	"algotrader/model"
)

// Fixed plays back a predetermined sequence of advices, one per Update call,
// returning NONE once exhausted. Grounded on juno/strategies/fixed.py, used
// for deterministic backtests and supervisor tests.
type Fixed struct {
	advices []Advice
	pos     int
	logger  *slog.Logger
}

// NewFixed constructs a Fixed strategy that plays back advices in order.
func NewFixed(advices []Advice, logger *slog.Logger) *Fixed {
	return &Fixed{advices: advices, logger: logger}
}

func (f *Fixed) Update(_ model.Candle, _ Meta) Advice {
	if f.pos >= len(f.advices) {
		if f.logger != nil {
			f.logger.Warn("fixed strategy ran out of predetermined advices")
		}
		return NONE
	}
	a := f.advices[f.pos]
	f.pos++
	return a
}

func (f *Fixed) Mature() bool                    { return true }
func (f *Fixed) Maturity() int                   { return 0 }
func (f *Fixed) ExtraCandles() []ExtraCandleSpec { return nil }
