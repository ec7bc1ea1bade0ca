// Package risk aggregates per-symbol exposure and PnL reports from the
// strategy supervisor, enforces exposure/loss limits, and emits kill
// signals that the supervisor selects on alongside its candle loop.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/model"
)

// PositionReport is one symbol's exposure/PnL snapshot for a tick.
type PositionReport struct {
	Symbol        model.Symbol
	ExposureQuote decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	MidPrice      decimal.Decimal
	Time          model.Timestamp
}

// KillSignal instructs the supervisor to close positions or stop quoting
// for the given scope.
type KillSignal struct {
	Symbol model.Symbol // zero value ("") means global scope
	Reason string
	Time   model.Timestamp
}

type priceAnchor struct {
	price decimal.Decimal
	time  model.Timestamp
}

// Config tunes the risk manager's limits.
type Config struct {
	MaxPositionPerMarket decimal.Decimal
	MaxGlobalExposure    decimal.Decimal
	MaxMarketsActive     int
	KillSwitchDropPct    decimal.Decimal
	KillSwitchWindow     model.Interval
	MaxDailyLoss         decimal.Decimal
	CooldownAfterKill    model.Interval
}

// Snapshot is a point-in-time view of the manager's aggregate state.
type Snapshot struct {
	TotalExposure   decimal.Decimal
	TotalUnrealized decimal.Decimal
	TotalRealized   decimal.Decimal
	KillActive      bool
	DailyLoss       decimal.Decimal
}

// Manager consumes PositionReports on one channel and emits KillSignals on
// another, matching the teacher's reportCh/killCh goroutine shape.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	reportCh chan PositionReport
	killCh   chan KillSignal

	mu         sync.Mutex
	byReports  map[model.Symbol]PositionReport
	anchors    map[model.Symbol]priceAnchor
	killActive bool
	killUntil  model.Timestamp
	dailyLoss  decimal.Decimal
	dailyReset model.Timestamp
}

// NewManager constructs a risk manager with the given limits.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "risk.manager"),
		reportCh: make(chan PositionReport, 64),
		killCh:   make(chan KillSignal, 8),
	}
}

// KillCh returns the channel the supervisor selects on for kill signals.
func (m *Manager) KillCh() <-chan KillSignal { return m.killCh }

// Report submits a position report for processing; non-blocking.
func (m *Manager) Report(r PositionReport) {
	select {
	case m.reportCh <- r:
	default:
		m.logger.Warn("risk report channel full, dropping report", "symbol", r.Symbol)
	}
}

// RemoveMarket clears tracked state for a symbol whose position has closed.
func (m *Manager) RemoveMarket(symbol model.Symbol) {
	m.mu.Lock()
	delete(m.byExposure(), symbol)
	delete(m.anchors, symbol)
	m.mu.Unlock()
}

// IsKillSwitchActive reports whether the kill switch is currently active.
func (m *Manager) IsKillSwitchActive(now model.Timestamp) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.killActive && now >= m.killUntil {
		m.killActive = false
	}
	return m.killActive
}

// RemainingBudget returns the smaller of per-market and global exposure
// headroom for symbol.
func (m *Manager) RemainingBudget(symbol model.Symbol) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	perMarket := m.cfg.MaxPositionPerMarket.Sub(m.byExposure()[symbol].ExposureQuote)
	global := m.cfg.MaxGlobalExposure.Sub(m.totalExposureLocked())
	return decimal.Min(perMarket, global)
}

// GetRiskSnapshot returns the manager's current aggregate state.
func (m *Manager) GetRiskSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var unrealized, realized decimal.Decimal
	for _, r := range m.byExposure() {
		unrealized = unrealized.Add(r.UnrealizedPnL)
		realized = realized.Add(r.RealizedPnL)
	}
	return Snapshot{
		TotalExposure:   m.totalExposureLocked(),
		TotalUnrealized: unrealized,
		TotalRealized:   realized,
		KillActive:      m.killActive,
		DailyLoss:       m.dailyLoss,
	}
}

func (m *Manager) byExposure() map[model.Symbol]PositionReport {
	if m.byReports == nil {
		m.byReports = make(map[model.Symbol]PositionReport)
	}
	return m.byReports
}

func (m *Manager) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, r := range m.byExposure() {
		total = total.Add(r.ExposureQuote)
	}
	return total
}

// Run consumes reports until ctx is cancelled, recomputing totals and
// checking limits after each one.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case r := <-m.reportCh:
			m.processReport(r)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) processReport(r PositionReport) {
	m.mu.Lock()
	if m.anchors == nil {
		m.anchors = make(map[model.Symbol]priceAnchor)
	}
	prevPnL := decimal.Zero
	if existing, ok := m.byExposure()[r.Symbol]; ok {
		prevPnL = existing.RealizedPnL
	}
	m.byExposure()[r.Symbol] = r

	delta := r.RealizedPnL.Sub(prevPnL)
	if m.dailyReset == 0 || r.Time-m.dailyReset > model.Timestamp(24*time.Hour/time.Millisecond) {
		m.dailyReset = r.Time
		m.dailyLoss = decimal.Zero
	}
	if delta.IsNegative() {
		m.dailyLoss = m.dailyLoss.Sub(delta)
	}

	exceeded := ""
	if r.ExposureQuote.GreaterThan(m.cfg.MaxPositionPerMarket) && !m.cfg.MaxPositionPerMarket.IsZero() {
		exceeded = "per-market exposure limit exceeded"
	} else if total := m.totalExposureLocked(); total.GreaterThan(m.cfg.MaxGlobalExposure) && !m.cfg.MaxGlobalExposure.IsZero() {
		exceeded = "global exposure limit exceeded"
	} else if !m.cfg.MaxDailyLoss.IsZero() && m.dailyLoss.GreaterThan(m.cfg.MaxDailyLoss) {
		exceeded = "max daily loss exceeded"
	}

	movementKill := m.checkPriceMovement(r)
	m.mu.Unlock()

	if exceeded != "" {
		m.emitKill(KillSignal{Symbol: r.Symbol, Reason: exceeded, Time: r.Time})
	} else if movementKill != "" {
		m.emitKill(KillSignal{Symbol: r.Symbol, Reason: movementKill, Time: r.Time})
	}
}

// checkPriceMovement compares the current mid price to the window-start
// anchor and flags a kill if it moved, up or down, by at least
// KillSwitchDropPct within KillSwitchWindow. Caller holds m.mu.
func (m *Manager) checkPriceMovement(r PositionReport) string {
	anchor, ok := m.anchors[r.Symbol]
	if !ok || r.Time.Diff(anchor.time) >= m.cfg.KillSwitchWindow {
		m.anchors[r.Symbol] = priceAnchor{price: r.MidPrice, time: r.Time}
		return ""
	}
	if anchor.price.IsZero() || m.cfg.KillSwitchDropPct.IsZero() {
		return ""
	}
	dropPct := anchor.price.Sub(r.MidPrice).Div(anchor.price).Abs()
	if dropPct.GreaterThanOrEqual(m.cfg.KillSwitchDropPct) {
		return "rapid price movement"
	}
	return ""
}

// emitKill drains any stale pending signal and sends the new one
// non-blocking, and marks the cooldown window active.
func (m *Manager) emitKill(sig KillSignal) {
	m.mu.Lock()
	m.killActive = true
	m.killUntil = sig.Time + model.Timestamp(m.cfg.CooldownAfterKill)
	m.mu.Unlock()

	select {
	case <-m.killCh:
	default:
	}
	select {
	case m.killCh <- sig:
	default:
	}
	m.logger.Warn("risk kill signal emitted", "symbol", sig.Symbol, "reason", sig.Reason)
}
