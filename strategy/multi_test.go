package strategy

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"algotrader/model"
)

func newTestMulti(cfg MultiConfig, pos positioner) *Multi {
	return NewMulti(cfg, "acct", pos, nil, nil, nil, nil, nil, slog.Default())
}

func TestMultiCloseReasonLockedDetectsStopLoss(t *testing.T) {
	m := newTestMulti(MultiConfig{}, &fakePositioner{})
	state := &symbolState{
		OpenPosition: &model.Position{Side: model.Long},
		LastCandle:   &model.Candle{Close: decimal.NewFromInt(90)},
		StopLoss:     NewFixedProtection(decimal.Zero, pct("0.05")),
		TakeProfit:   Noop{},
		Changed:      NewChanged(&fixedSeqStrategy{advices: []Advice{NONE}}),
	}
	state.StopLoss.Clear(model.Candle{Close: decimal.NewFromInt(100)})

	reason, shouldClose := m.closeReasonLocked(state)
	if !shouldClose || reason != model.CloseStopLoss {
		t.Fatalf("closeReasonLocked = (%v, %v), want (STOP_LOSS, true)", reason, shouldClose)
	}
}

func TestMultiCloseReasonLockedDetectsOppositeAdvice(t *testing.T) {
	m := newTestMulti(MultiConfig{}, &fakePositioner{})
	changed := NewChanged(&fixedSeqStrategy{advices: []Advice{SHORT}})
	changed.Update(model.Candle{}, Meta{})

	state := &symbolState{
		OpenPosition: &model.Position{Side: model.Long},
		LastCandle:   &model.Candle{Close: decimal.NewFromInt(100)},
		StopLoss:     Noop{},
		TakeProfit:   Noop{},
		Changed:      changed,
	}

	reason, shouldClose := m.closeReasonLocked(state)
	if !shouldClose || reason != model.CloseStrategy {
		t.Fatalf("closeReasonLocked = (%v, %v), want (STRATEGY, true) for a long facing a prevailing SHORT", reason, shouldClose)
	}
}

func TestMultiCloseReasonLockedNoCloseWithoutLastCandle(t *testing.T) {
	m := newTestMulti(MultiConfig{}, &fakePositioner{})
	state := &symbolState{
		OpenPosition: &model.Position{Side: model.Long},
		StopLoss:     Noop{},
		TakeProfit:   Noop{},
		Changed:      NewChanged(&fixedSeqStrategy{advices: []Advice{NONE}}),
	}

	if _, shouldClose := m.closeReasonLocked(state); shouldClose {
		t.Fatalf("closeReasonLocked should not fire before any candle has been observed")
	}
}

func TestMultiTickOpensUpToPositionCountRespectingAgeDrift(t *testing.T) {
	pos := &fakePositioner{}
	m := newTestMulti(MultiConfig{PositionCount: 1, Long: true, AllowedAgeDrift: 0}, pos)

	fresh := NewChanged(&fixedSeqStrategy{advices: []Advice{LONG}})
	fresh.Update(model.Candle{}, Meta{}) // age 0

	stale := NewChanged(&fixedSeqStrategy{advices: []Advice{LONG}})
	stale.Update(model.Candle{}, Meta{})
	stale.Update(model.Candle{}, Meta{}) // advice suppressed but prevailing tracked: age 1, over AllowedAgeDrift 0

	m.symbols = map[model.Symbol]*symbolState{
		"AAA": {StopLoss: Noop{}, TakeProfit: Noop{}, Changed: fresh, LastCandle: &model.Candle{}, AllocatedQuote: decimal.NewFromInt(50)},
		"BBB": {StopLoss: Noop{}, TakeProfit: Noop{}, Changed: stale, LastCandle: &model.Candle{}, AllocatedQuote: decimal.NewFromInt(50)},
	}

	m.tick(context.Background())

	if pos.opens != 1 {
		t.Fatalf("opens = %d, want exactly 1 (PositionCount caps concurrent opens)", pos.opens)
	}
}

func TestMultiRebalanceEvensOutFreeSlotsAboveThreshold(t *testing.T) {
	m := newTestMulti(MultiConfig{PositionCount: 2, TotalQuote: decimal.NewFromInt(200), RebalanceThresholdPct: pct("0.05")}, &fakePositioner{})

	m.symbols = map[model.Symbol]*symbolState{
		"AAA": {AllocatedQuote: decimal.NewFromInt(10)},
		"BBB": {AllocatedQuote: decimal.NewFromInt(190)},
	}

	m.rebalance()

	for symbol, state := range m.symbols {
		if !state.AllocatedQuote.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("symbol %s AllocatedQuote = %s, want 100 after rebalance", symbol, state.AllocatedQuote)
		}
	}
}

func TestMultiRebalanceSkipsWhenBelowThreshold(t *testing.T) {
	m := newTestMulti(MultiConfig{PositionCount: 2, TotalQuote: decimal.NewFromInt(200), RebalanceThresholdPct: pct("0.50")}, &fakePositioner{})

	m.symbols = map[model.Symbol]*symbolState{
		"AAA": {AllocatedQuote: decimal.NewFromInt(95)},
		"BBB": {AllocatedQuote: decimal.NewFromInt(105)},
	}

	m.rebalance()

	if !m.symbols["AAA"].AllocatedQuote.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("rebalance should not have touched AllocatedQuote below the configured threshold")
	}
}

func TestMultiCloseAllClosesEveryOpenPosition(t *testing.T) {
	pos := &fakePositioner{}
	m := newTestMulti(MultiConfig{}, pos)
	m.symbols = map[model.Symbol]*symbolState{
		"AAA": {OpenPosition: &model.Position{Side: model.Long}, LastCandle: &model.Candle{}},
		"BBB": {OpenPosition: &model.Position{Side: model.Short}, LastCandle: &model.Candle{}},
		"CCC": {},
	}

	m.closeAll(context.Background(), model.CloseCancelled)

	if pos.closes != 2 {
		t.Fatalf("closes = %d, want 2 (only symbols with an open position)", pos.closes)
	}
	for symbol, state := range m.symbols {
		if symbol != "CCC" && state.OpenPosition != nil {
			t.Fatalf("symbol %s should have OpenPosition cleared after closeAll", symbol)
		}
	}
}
