package model

import "github.com/shopspring/decimal"

// TradingSummary aggregates a trader run's closed positions.
type TradingSummary struct {
	Start           Timestamp
	End             Timestamp
	StartingAssets  map[string]decimal.Decimal
	Positions       []Position
}

// CountBySide tallies closed positions by Long/Short.
func (s TradingSummary) CountBySide() map[PositionSide]int {
	out := map[PositionSide]int{}
	for _, p := range s.Positions {
		out[p.Side]++
	}
	return out
}

// CountByCloseReason tallies closed positions by CloseReason.
func (s TradingSummary) CountByCloseReason() map[CloseReason]int {
	out := map[CloseReason]int{}
	for _, p := range s.Positions {
		out[p.CloseReason]++
	}
	return out
}

// TotalProfit sums Profit() across every closed position.
func (s TradingSummary) TotalProfit() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.Profit())
	}
	return total
}

// MaxDrawdown computes the largest peak-to-trough drop in cumulative profit
// over the position-close sequence, using the running-peak method.
func (s TradingSummary) MaxDrawdown() decimal.Decimal {
	cumulative := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, p := range s.Positions {
		cumulative = cumulative.Add(p.Profit())
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		drawdown := peak.Sub(cumulative)
		if drawdown.GreaterThan(maxDD) {
			maxDD = drawdown
		}
	}
	return maxDD
}
