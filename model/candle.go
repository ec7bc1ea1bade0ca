package model

import "github.com/shopspring/decimal"

// Candle is one OHLCV bar. Time is the bar's interval-start, not its close time.
type Candle struct {
	Time   Timestamp
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	Closed bool
}

// ShiftedCopy returns a copy of the candle with Time replaced, used by the
// missed-candle LAST policy to synthesize repeated bars.
func (c Candle) ShiftedCopy(t Timestamp) Candle {
	shifted := c
	shifted.Time = t
	return shifted
}
