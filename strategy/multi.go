package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"algotrader/model"
	"algotrader/risk"
)

// StrategyFactory builds a fresh Strategy instance for one symbol, called
// whenever Multi starts tracking a new symbol (initial set or a repick).
type StrategyFactory func(symbol model.Symbol) Strategy

// ProtectionFactory builds a fresh stop-loss/take-profit pair for one symbol.
type ProtectionFactory func(symbol model.Symbol) (stopLoss, takeProfit Protection)

// CandleSource supplies a symbol's candle stream; cmd/trader passes the
// venue adapter's ConnectStreamCandles in every mode.
type CandleSource func(ctx context.Context, symbol model.Symbol, interval model.Interval) (<-chan model.Candle, error)

// MultiConfig configures the multi-symbol supervisor.
type MultiConfig struct {
	Interval              model.Interval
	Start, End            model.Timestamp
	PositionCount         int
	AllowedAgeDrift       int
	Long, Short           bool
	MissedCandle          MissedCandlePolicy
	AdjustedStart         model.Timestamp
	CloseOnExit           bool
	TotalQuote            decimal.Decimal
	RebalanceThresholdPct decimal.Decimal // default 0.05 (5%) when zero
}

type commandAction int

const (
	cmdOpen commandAction = iota
	cmdClose
)

type symbolCommand struct {
	action commandAction
	short  bool
	reason model.CloseReason
	done   chan error
}

// Multi runs one Strategy per tracked symbol concurrently, coordinating
// open/close decisions through a SlotBarrier rendezvous every interval
// (§4.6 main loop). One goroutine per symbol produces advice; the
// supervisor's own goroutine acts on the aggregated result each tick.
type Multi struct {
	cfg     MultiConfig
	account string
	pos     positioner

	strategyFactory   StrategyFactory
	protectionFactory ProtectionFactory
	candleSource      CandleSource
	scanner           *Scanner // nil disables repick
	riskMgr           *risk.Manager

	logger *slog.Logger

	mu      sync.Mutex
	symbols map[model.Symbol]*symbolState
	cancels map[model.Symbol]context.CancelFunc
	cmdChs  map[model.Symbol]chan symbolCommand
	barrier *SlotBarrier
}

// NewMulti constructs a multi-symbol supervisor. riskMgr may be nil to
// disable risk supervision entirely.
func NewMulti(cfg MultiConfig, account string, pos positioner, strategyFactory StrategyFactory, protectionFactory ProtectionFactory, candleSource CandleSource, scanner *Scanner, riskMgr *risk.Manager, logger *slog.Logger) *Multi {
	return &Multi{
		cfg:               cfg,
		account:           account,
		pos:               pos,
		strategyFactory:   strategyFactory,
		protectionFactory: protectionFactory,
		candleSource:      candleSource,
		scanner:           scanner,
		riskMgr:           riskMgr,
		logger:            logger.With("component", "strategy.multi"),
		symbols:           make(map[model.Symbol]*symbolState),
		cancels:           make(map[model.Symbol]context.CancelFunc),
		cmdChs:            make(map[model.Symbol]chan symbolCommand),
		barrier:           NewSlotBarrier(),
	}
}

// Run starts tracking the initial symbol set and drives the supervisor loop
// until ctx is cancelled.
func (m *Multi) Run(ctx context.Context, initial []model.Symbol) error {
	m.mu.Lock()
	for _, symbol := range initial {
		m.addSymbolLocked(ctx, symbol)
	}
	m.mu.Unlock()

	var killCh <-chan risk.KillSignal
	if m.riskMgr != nil {
		killCh = m.riskMgr.KillCh()
	}

	defer func() {
		if m.cfg.CloseOnExit {
			m.closeAll(context.Background(), model.CloseCancelled)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case kill := <-killCh:
			m.handleKill(ctx, kill)
		case <-m.barrier.DoneCh():
			m.tick(ctx)
			m.maybeRepick(ctx)
			m.rebalance()
			m.barrier.Release()
		}
	}
}

// addSymbolLocked registers a new symbol, starts its candle task, and
// wires it into the barrier. Caller holds m.mu.
func (m *Multi) addSymbolLocked(ctx context.Context, symbol model.Symbol) {
	if _, ok := m.symbols[symbol]; ok {
		return
	}
	strat := m.strategyFactory(symbol)
	stopLoss, takeProfit := m.protectionFactory(symbol)

	state := &symbolState{
		Strategy:       strat,
		Changed:        NewChanged(strat),
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		AllocatedQuote: m.perSlotQuote(),
		Start:          m.cfg.Start,
		AdjustedStart:  m.cfg.AdjustedStart,
		Next:           m.cfg.Start,
	}
	m.symbols[symbol] = state

	taskCtx, cancel := context.WithCancel(ctx)
	m.cancels[symbol] = cancel
	cmdCh := make(chan symbolCommand, 1)
	m.cmdChs[symbol] = cmdCh
	release := m.barrier.AddSlot(symbol)

	go m.runSymbolTask(taskCtx, symbol, release, cmdCh)
}

// removeSymbolLocked cancels a symbol's candle task and drains its command
// queue before dropping it, per §4.6 step 3's tightening (await drain before
// swap-out). Caller holds m.mu.
func (m *Multi) removeSymbolLocked(symbol model.Symbol) {
	if cancel, ok := m.cancels[symbol]; ok {
		cancel()
	}
	if cmdCh, ok := m.cmdChs[symbol]; ok {
		for len(cmdCh) > 0 {
			cmd := <-cmdCh
			if cmd.done != nil {
				cmd.done <- fmt.Errorf("symbol removed before command processed")
			}
		}
	}
	m.barrier.RemoveSlot(symbol)
	delete(m.symbols, symbol)
	delete(m.cancels, symbol)
	delete(m.cmdChs, symbol)
	if m.riskMgr != nil {
		m.riskMgr.RemoveMarket(symbol)
	}
}

func (m *Multi) perSlotQuote() decimal.Decimal {
	if m.cfg.PositionCount <= 0 {
		return m.cfg.TotalQuote
	}
	return m.cfg.TotalQuote.Div(decimal.NewFromInt(int64(m.cfg.PositionCount)))
}

// runSymbolTask consumes one symbol's candle stream, updating its strategy
// state and arriving at the barrier once per interval, then waits for the
// supervisor's release before consuming the next candle.
func (m *Multi) runSymbolTask(ctx context.Context, symbol model.Symbol, release <-chan struct{}, cmdCh <-chan symbolCommand) {
	candleCh, err := m.candleSource(ctx, symbol, m.cfg.Interval)
	if err != nil {
		m.logger.Error("candle source failed", "symbol", symbol, "error", err)
		m.barrier.Arrive(symbol)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-cmdCh:
			m.applyCommand(ctx, symbol, cmd)
		case candle, ok := <-candleCh:
			if !ok {
				return
			}
			m.observeCandle(symbol, candle)
			m.barrier.Arrive(symbol)

			select {
			case <-release:
			case <-ctx.Done():
				return
			}
		}
	}
}

// observeCandle applies the missed-candle policy and updates the symbol's
// strategy/protection state, storing the resulting advice for the
// supervisor's next tick.
func (m *Multi) observeCandle(symbol model.Symbol, candle model.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.symbols[symbol]
	if !ok {
		return
	}

	if state.LastCandle != nil {
		gap := candle.Time.Diff(state.LastCandle.Time)
		if gap >= 2*m.cfg.Interval {
			switch m.cfg.MissedCandle {
			case Restart:
				state.Changed.Reset()
				state.Next = candle.Time
			case Last:
				shifted := state.LastCandle.ShiftedCopy(state.LastCandle.Time.Add(m.cfg.Interval))
				for shifted.Time < candle.Time {
					m.applyCandleLocked(state, shifted)
					shifted = shifted.ShiftedCopy(shifted.Time.Add(m.cfg.Interval))
				}
			case Ignore:
			}
		}
	}
	m.applyCandleLocked(state, candle)
}

// applyCandleLocked feeds one candle to the symbol's strategy. Candles
// before Start are adjusted-start warm-up (§4.6): they mature the strategy
// and update protection reference prices but their advice is discarded
// rather than routed through Changed, so the supervisor never acts on it.
func (m *Multi) applyCandleLocked(state *symbolState, candle model.Candle) {
	if state.FirstCandle == nil {
		state.FirstCandle = &candle
	}
	state.LastCandle = &candle
	state.StopLoss.Update(candle)
	state.TakeProfit.Update(candle)

	warmUp := state.Start != 0 && candle.Time < state.Start
	if warmUp {
		state.Strategy.Update(candle, Meta{OpenPosition: state.OpenPosition, WarmUp: true})
		return
	}
	state.Advice = state.Changed.Update(candle, Meta{OpenPosition: state.OpenPosition})
}

// tick processes every tracked symbol's aggregated advice: closes positions
// whose advice is LIQUIDATE/opposite or whose stop-loss/take-profit fired,
// then opens new positions up to PositionCount (§4.6 main loop steps 1-2).
func (m *Multi) tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	openCount := 0
	for _, state := range m.symbols {
		if state.OpenPosition != nil {
			openCount++
		}
	}

	for symbol, state := range m.symbols {
		if state.OpenPosition == nil {
			continue
		}
		reason, shouldClose := m.closeReasonLocked(state)
		if shouldClose {
			if m.closePositionLocked(ctx, symbol, state, reason) {
				openCount--
			}
		}
	}

	for symbol, state := range m.symbols {
		if state.OpenPosition != nil || openCount >= m.cfg.PositionCount {
			continue
		}
		if state.Changed.PrevailingAdviceAge() > m.cfg.AllowedAgeDrift {
			continue
		}
		switch state.Changed.PrevailingAdvice() {
		case LONG:
			if m.cfg.Long && m.openPositionLocked(ctx, symbol, state, model.Long) {
				openCount++
			}
		case SHORT:
			if m.cfg.Short && m.openPositionLocked(ctx, symbol, state, model.Short) {
				openCount++
			}
		}
	}
}

func (m *Multi) closeReasonLocked(state *symbolState) (model.CloseReason, bool) {
	if state.LastCandle == nil {
		return 0, false
	}
	if state.StopLoss.DownsideHit(state.LastCandle.Close) {
		return model.CloseStopLoss, true
	}
	if state.TakeProfit.UpsideHit(state.LastCandle.Close) {
		return model.CloseTakeProfit, true
	}
	prevailing := state.Changed.PrevailingAdvice()
	if prevailing == LIQUIDATE {
		return model.CloseStrategy, true
	}
	if state.OpenPosition.Side == model.Long && prevailing == SHORT {
		return model.CloseStrategy, true
	}
	if state.OpenPosition.Side == model.Short && prevailing == LONG {
		return model.CloseStrategy, true
	}
	return 0, false
}

func (m *Multi) openPositionLocked(ctx context.Context, symbol model.Symbol, state *symbolState, side model.PositionSide) bool {
	var pos model.Position
	var err error
	if side == model.Long {
		pos, err = m.pos.OpenLong(ctx, m.account, symbol, state.AllocatedQuote)
	} else {
		pos, err = m.pos.OpenShort(ctx, symbol, state.AllocatedQuote)
	}
	if err != nil {
		m.logger.Error("open position failed", "symbol", symbol, "side", side, "error", err)
		return false
	}
	state.OpenPosition = &pos
	if state.LastCandle != nil {
		state.StopLoss.Clear(*state.LastCandle)
		state.TakeProfit.Clear(*state.LastCandle)
	}
	m.logger.Info("position opened", "symbol", symbol, "side", side)
	return true
}

func (m *Multi) closePositionLocked(ctx context.Context, symbol model.Symbol, state *symbolState, reason model.CloseReason) bool {
	var closed model.Position
	var err error
	if state.OpenPosition.Side == model.Long {
		closed, err = m.pos.CloseLong(ctx, m.account, *state.OpenPosition, reason)
	} else {
		var now model.Timestamp
		if state.LastCandle != nil {
			now = state.LastCandle.Time
		}
		closed, err = m.pos.CloseShort(ctx, *state.OpenPosition, reason, model.BorrowInfo{}, now)
	}
	if err != nil {
		m.logger.Error("close position failed", "symbol", symbol, "reason", reason, "error", err)
		return false
	}
	m.logger.Info("position closed", "symbol", symbol, "reason", reason, "profit", closed.Profit())
	state.OpenPosition = nil
	state.Reason = reason
	return true
}

// maybeRepick swaps tracked symbols for the scanner's current top set,
// awaiting each removed symbol's command queue drain (handled inside
// removeSymbolLocked) before starting replacements (§4.6 step 3).
func (m *Multi) maybeRepick(ctx context.Context) {
	if m.scanner == nil {
		return
	}
	top, err := m.scanner.Top(ctx)
	if err != nil {
		m.logger.Warn("repick scan failed", "error", err)
		return
	}
	desired := make(map[model.Symbol]bool, len(top))
	for _, s := range top {
		desired[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol, state := range m.symbols {
		if desired[symbol] || state.OpenPosition != nil {
			continue
		}
		m.removeSymbolLocked(symbol)
	}
	for _, symbol := range top {
		m.addSymbolLocked(ctx, symbol)
	}
}

// rebalance redistributes AllocatedQuote evenly across free (no open
// position) slots when the population's relative standard deviation
// exceeds the configured threshold (default 5%, §4.6 step 4).
func (m *Multi) rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := m.cfg.RebalanceThresholdPct
	if threshold.IsZero() {
		threshold = decimal.NewFromFloat(0.05)
	}

	var free []*symbolState
	for _, state := range m.symbols {
		if state.OpenPosition == nil {
			free = append(free, state)
		}
	}
	if len(free) < 2 {
		return
	}

	mean := 0.0
	for _, s := range free {
		v, _ := s.AllocatedQuote.Float64()
		mean += v
	}
	mean /= float64(len(free))
	if mean == 0 {
		return
	}

	variance := 0.0
	for _, s := range free {
		v, _ := s.AllocatedQuote.Float64()
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(free))
	relStdDev := math.Sqrt(variance) / mean

	if relStdDev <= threshold.InexactFloat64() {
		return
	}

	even := m.perSlotQuote()
	for _, s := range free {
		s.AllocatedQuote = even
	}
}

// handleKill closes positions matching the kill signal's scope (a single
// symbol, or every tracked symbol when Symbol is empty).
func (m *Multi) handleKill(ctx context.Context, kill risk.KillSignal) {
	m.logger.Warn("risk kill signal received", "symbol", kill.Symbol, "reason", kill.Reason)
	if kill.Symbol != "" {
		m.mu.Lock()
		if state, ok := m.symbols[kill.Symbol]; ok && state.OpenPosition != nil {
			m.closePositionLocked(ctx, kill.Symbol, state, model.CloseStrategy)
		}
		m.mu.Unlock()
		return
	}
	m.closeAll(ctx, model.CloseStrategy)
}

func (m *Multi) closeAll(ctx context.Context, reason model.CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, state := range m.symbols {
		if state.OpenPosition != nil {
			m.closePositionLocked(ctx, symbol, state, reason)
		}
	}
}

// OpenPositions queues an open command for each symbol, serialized through
// that symbol's single-slot command channel so it doesn't race the
// supervisor's own tick (§4.6 on-command control).
func (m *Multi) OpenPositions(ctx context.Context, symbols []model.Symbol, short bool) error {
	return m.dispatchCommand(ctx, symbols, symbolCommand{action: cmdOpen, short: short})
}

// ClosePositions queues a close command for each symbol.
func (m *Multi) ClosePositions(ctx context.Context, symbols []model.Symbol, reason model.CloseReason) error {
	return m.dispatchCommand(ctx, symbols, symbolCommand{action: cmdClose, reason: reason})
}

func (m *Multi) dispatchCommand(ctx context.Context, symbols []model.Symbol, cmd symbolCommand) error {
	for _, symbol := range symbols {
		m.mu.Lock()
		cmdCh, ok := m.cmdChs[symbol]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("symbol %s is not tracked", symbol)
		}
		done := make(chan error, 1)
		cmd.done = done
		select {
		case cmdCh <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Multi) applyCommand(ctx context.Context, symbol model.Symbol, cmd symbolCommand) {
	m.mu.Lock()
	state, ok := m.symbols[symbol]
	m.mu.Unlock()
	if !ok {
		if cmd.done != nil {
			cmd.done <- fmt.Errorf("symbol %s is not tracked", symbol)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	switch cmd.action {
	case cmdOpen:
		side := model.Long
		if cmd.short {
			side = model.Short
		}
		if state.OpenPosition == nil {
			if !m.openPositionLocked(ctx, symbol, state, side) {
				err = fmt.Errorf("open position failed for %s", symbol)
			}
		}
	case cmdClose:
		if state.OpenPosition != nil {
			if !m.closePositionLocked(ctx, symbol, state, cmd.reason) {
				err = fmt.Errorf("close position failed for %s", symbol)
			}
		}
	}
	if cmd.done != nil {
		cmd.done <- err
	}
}
