package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"algotrader/model"
	"algotrader/position"
)

// MissedCandlePolicy controls behavior when a gap of 2 or more intervals
// is observed between consecutive candles.
type MissedCandlePolicy int

const (
	Ignore MissedCandlePolicy = iota
	Restart
	Last
)

// BasicConfig configures a single-symbol Basic trader.
type BasicConfig struct {
	Symbol         model.Symbol
	Interval       model.Interval
	Start          model.Timestamp // 0 disables adjusted-start warm-up discarding
	AdjustedStart  model.Timestamp
	AllocatedQuote decimal.Decimal
	Long           bool
	Short          bool
	MissedCandle   MissedCandlePolicy
	CloseOnExit    bool
}

// positioner abstracts over the live Positioner and the backtest
// SimulatedPositioner so Basic/Multi can run against either.
type positioner interface {
	OpenLong(ctx context.Context, account string, symbol model.Symbol, quote decimal.Decimal) (model.Position, error)
	CloseLong(ctx context.Context, account string, pos model.Position, reason model.CloseReason) (model.Position, error)
	OpenShort(ctx context.Context, symbol model.Symbol, collateral decimal.Decimal) (model.Position, error)
	CloseShort(ctx context.Context, pos model.Position, reason model.CloseReason, borrowInfo model.BorrowInfo, now model.Timestamp) (model.Position, error)
}

// SimulatedAdapter adapts SimulatedPositioner (whose methods take an
// explicit price and no context/account/error triple) to the positioner
// interface the candle loop drives, so cmd/trader can wire the same Basic/
// Multi code against either a live Positioner (PAPER/LIVE) or a
// SimulatedPositioner (BACKTEST) per §4.6's backtest-vs-live branch. Price
// is supplied by the caller (typically the current candle's close).
type SimulatedAdapter struct {
	SP    *position.SimulatedPositioner
	Price func(symbol model.Symbol) decimal.Decimal
}

func (s SimulatedAdapter) OpenLong(_ context.Context, _ string, symbol model.Symbol, quote decimal.Decimal) (model.Position, error) {
	return s.SP.OpenLong(symbol, s.Price(symbol), quote, 0), nil
}

func (s SimulatedAdapter) CloseLong(_ context.Context, _ string, pos model.Position, reason model.CloseReason) (model.Position, error) {
	return s.SP.CloseLong(pos, s.Price(pos.Symbol), 0, reason), nil
}

func (s SimulatedAdapter) OpenShort(_ context.Context, symbol model.Symbol, collateral decimal.Decimal) (model.Position, error) {
	return s.SP.OpenShort(symbol, s.Price(symbol), collateral, 0), nil
}

func (s SimulatedAdapter) CloseShort(_ context.Context, pos model.Position, reason model.CloseReason, _ model.BorrowInfo, now model.Timestamp) (model.Position, error) {
	return s.SP.CloseShort(pos, s.Price(pos.Symbol), now, reason), nil
}

// symbolState tracks one symbol's strategy/position lifecycle, shared by
// Basic and Multi (§4.6 per-symbol state).
type symbolState struct {
	Strategy      Strategy
	Changed       *Changed
	AdjustedStart model.Timestamp
	Start         model.Timestamp
	Next          model.Timestamp

	StopLoss   Protection
	TakeProfit Protection

	OpenPosition   *model.Position
	AllocatedQuote decimal.Decimal

	FirstCandle *model.Candle
	LastCandle  *model.Candle

	Advice Advice
	Reason model.CloseReason
}

// Basic drives one Strategy against one symbol's candle stream, opening and
// closing a single position per the strategy's advice and stop-loss/
// take-profit protection.
type Basic struct {
	cfg    BasicConfig
	pos    positioner
	state  *symbolState
	logger *slog.Logger
}

// NewBasic constructs a single-symbol trader. strat is wrapped in Changed so
// sustained advice is only acted on once.
func NewBasic(cfg BasicConfig, strat Strategy, stopLoss, takeProfit Protection, pos positioner, logger *slog.Logger) *Basic {
	return &Basic{
		cfg: cfg,
		pos: pos,
		state: &symbolState{
			Strategy:       strat,
			Changed:        NewChanged(strat),
			StopLoss:       stopLoss,
			TakeProfit:     takeProfit,
			AllocatedQuote: cfg.AllocatedQuote,
			Start:          cfg.Start,
			AdjustedStart:  cfg.AdjustedStart,
			Next:           cfg.Start,
		},
		logger: logger.With("component", "strategy.basic", "symbol", cfg.Symbol),
	}
}

// Run consumes candles from candleCh until ctx is cancelled or the channel
// closes, acting on advice as described in §4.6.
func (b *Basic) Run(ctx context.Context, account string, candleCh <-chan model.Candle) error {
	for {
		select {
		case <-ctx.Done():
			if b.cfg.CloseOnExit && b.state.OpenPosition != nil {
				b.closePosition(ctx, account, model.CloseCancelled)
			}
			return ctx.Err()
		case candle, ok := <-candleCh:
			if !ok {
				return nil
			}
			if err := b.onCandle(ctx, account, candle); err != nil {
				return err
			}
		}
	}
}

func (b *Basic) onCandle(ctx context.Context, account string, candle model.Candle) error {
	s := b.state

	if s.LastCandle != nil {
		gap := candle.Time.Diff(s.LastCandle.Time)
		if gap >= 2*b.cfg.Interval {
			switch b.cfg.MissedCandle {
			case Restart:
				s.Changed.Reset()
				s.Next = candle.Time
			case Last:
				shifted := s.LastCandle.ShiftedCopy(s.LastCandle.Time.Add(b.cfg.Interval))
				for shifted.Time < candle.Time {
					if err := b.processCandle(ctx, account, shifted); err != nil {
						return err
					}
					shifted = shifted.ShiftedCopy(shifted.Time.Add(b.cfg.Interval))
				}
			case Ignore:
			}
		}
	}
	return b.processCandle(ctx, account, candle)
}

func (b *Basic) processCandle(ctx context.Context, account string, candle model.Candle) error {
	s := b.state
	if s.FirstCandle == nil {
		s.FirstCandle = &candle
	}
	s.LastCandle = &candle

	s.StopLoss.Update(candle)
	s.TakeProfit.Update(candle)

	if s.Start != 0 && candle.Time < s.Start {
		s.Strategy.Update(candle, Meta{OpenPosition: s.OpenPosition, WarmUp: true})
		return nil
	}

	if s.OpenPosition != nil {
		if s.StopLoss.DownsideHit(candle.Close) {
			return b.closePosition(ctx, account, model.CloseStopLoss)
		}
		if s.TakeProfit.UpsideHit(candle.Close) {
			return b.closePosition(ctx, account, model.CloseTakeProfit)
		}
	}

	advice := s.Changed.Update(candle, Meta{OpenPosition: s.OpenPosition})
	s.Advice = advice

	switch advice {
	case LIQUIDATE:
		if s.OpenPosition != nil {
			return b.closePosition(ctx, account, model.CloseStrategy)
		}
	case LONG:
		if s.OpenPosition != nil && s.OpenPosition.Side == model.Short {
			if err := b.closePosition(ctx, account, model.CloseStrategy); err != nil {
				return err
			}
		}
		if s.OpenPosition == nil && b.cfg.Long {
			return b.openPosition(ctx, account, model.Long)
		}
	case SHORT:
		if s.OpenPosition != nil && s.OpenPosition.Side == model.Long {
			if err := b.closePosition(ctx, account, model.CloseStrategy); err != nil {
				return err
			}
		}
		if s.OpenPosition == nil && b.cfg.Short {
			return b.openPosition(ctx, account, model.Short)
		}
	}
	return nil
}

func (b *Basic) openPosition(ctx context.Context, account string, side model.PositionSide) error {
	s := b.state
	var pos model.Position
	var err error
	if side == model.Long {
		pos, err = b.pos.OpenLong(ctx, account, b.cfg.Symbol, s.AllocatedQuote)
	} else {
		pos, err = b.pos.OpenShort(ctx, b.cfg.Symbol, s.AllocatedQuote)
	}
	if err != nil {
		b.logger.Error("open position failed", "side", side, "error", err)
		return fmt.Errorf("open %s position: %w", side, err)
	}
	s.OpenPosition = &pos
	if s.LastCandle != nil {
		s.StopLoss.Clear(*s.LastCandle)
		s.TakeProfit.Clear(*s.LastCandle)
	}
	b.logger.Info("position opened", "side", side)
	return nil
}

func (b *Basic) closePosition(ctx context.Context, account string, reason model.CloseReason) error {
	s := b.state
	if s.OpenPosition == nil {
		return nil
	}
	var closed model.Position
	var err error
	if s.OpenPosition.Side == model.Long {
		closed, err = b.pos.CloseLong(ctx, account, *s.OpenPosition, reason)
	} else {
		var now model.Timestamp
		if s.LastCandle != nil {
			now = s.LastCandle.Time
		}
		closed, err = b.pos.CloseShort(ctx, *s.OpenPosition, reason, model.BorrowInfo{}, now)
	}
	if err != nil {
		b.logger.Error("close position failed", "reason", reason, "error", err)
		return fmt.Errorf("close position: %w", err)
	}
	b.logger.Info("position closed", "reason", reason, "profit", closed.Profit())
	s.OpenPosition = nil
	s.Reason = reason
	return nil
}
