package risk

import (
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"algotrader/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func drainKill(t *testing.T, m *Manager) KillSignal {
	t.Helper()
	select {
	case sig := <-m.KillCh():
		return sig
	default:
		t.Fatalf("expected a kill signal, got none")
		return KillSignal{}
	}
}

func expectNoKill(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case sig := <-m.KillCh():
		t.Fatalf("unexpected kill signal: %+v", sig)
	default:
	}
}

func TestManagerProcessReportAggregatesExposureAndPnL(t *testing.T) {
	m := NewManager(Config{}, slog.Default())
	m.processReport(PositionReport{Symbol: "AAA", ExposureQuote: d("100"), UnrealizedPnL: d("5"), RealizedPnL: d("0"), MidPrice: d("10"), Time: 1000})
	m.processReport(PositionReport{Symbol: "BBB", ExposureQuote: d("50"), UnrealizedPnL: d("-2"), RealizedPnL: d("0"), MidPrice: d("20"), Time: 1000})

	snap := m.GetRiskSnapshot()
	if !snap.TotalExposure.Equal(d("150")) {
		t.Fatalf("TotalExposure = %s, want 150", snap.TotalExposure)
	}
	if !snap.TotalUnrealized.Equal(d("3")) {
		t.Fatalf("TotalUnrealized = %s, want 3", snap.TotalUnrealized)
	}
}

func TestManagerEmitsKillOnPerMarketExposureExceeded(t *testing.T) {
	m := NewManager(Config{MaxPositionPerMarket: d("100")}, slog.Default())
	m.processReport(PositionReport{Symbol: "AAA", ExposureQuote: d("150"), Time: 1000})

	sig := drainKill(t, m)
	if sig.Symbol != "AAA" || sig.Reason != "per-market exposure limit exceeded" {
		t.Fatalf("kill signal = %+v, want per-market exposure breach for AAA", sig)
	}
}

func TestManagerEmitsKillOnMaxDailyLossExceeded(t *testing.T) {
	m := NewManager(Config{MaxDailyLoss: d("50")}, slog.Default())
	m.processReport(PositionReport{Symbol: "AAA", RealizedPnL: d("-30"), Time: 1000})
	expectNoKill(t, m) // 30 loss is under the 50 cap

	m.processReport(PositionReport{Symbol: "AAA", RealizedPnL: d("-80"), Time: 2000})
	sig := drainKill(t, m)
	if sig.Reason != "max daily loss exceeded" {
		t.Fatalf("reason = %q, want %q", sig.Reason, "max daily loss exceeded")
	}
}

func TestManagerEmitsKillOnRapidPriceMovement(t *testing.T) {
	cfg := Config{KillSwitchWindow: model.Minute, KillSwitchDropPct: d("0.05")}
	m := NewManager(cfg, slog.Default())

	m.processReport(PositionReport{Symbol: "AAA", MidPrice: d("100"), Time: 1000})
	expectNoKill(t, m) // first observation only seeds the anchor

	m.processReport(PositionReport{Symbol: "AAA", MidPrice: d("90"), Time: 1500})
	sig := drainKill(t, m)
	if sig.Reason != "rapid price movement" {
		t.Fatalf("reason = %q, want %q", sig.Reason, "rapid price movement")
	}
}

func TestManagerDoesNotKillOnPriceMovementOutsideWindow(t *testing.T) {
	cfg := Config{KillSwitchWindow: model.Minute, KillSwitchDropPct: d("0.05")}
	m := NewManager(cfg, slog.Default())

	m.processReport(PositionReport{Symbol: "AAA", MidPrice: d("100"), Time: 1000})
	m.processReport(PositionReport{Symbol: "AAA", MidPrice: d("50"), Time: model.Timestamp(1000 + uint64(2*model.Minute))})
	expectNoKill(t, m) // the anchor re-seeded once the window elapsed, no drop measured yet
}

func TestManagerIsKillSwitchActiveRespectsCooldown(t *testing.T) {
	m := NewManager(Config{MaxPositionPerMarket: d("1"), CooldownAfterKill: model.Minute}, slog.Default())
	m.processReport(PositionReport{Symbol: "AAA", ExposureQuote: d("2"), Time: 1000})
	drainKill(t, m)

	if !m.IsKillSwitchActive(model.Timestamp(1000 + uint64(model.Minute) - 1)) {
		t.Fatalf("kill switch should still be active just before cooldown elapses")
	}
	if m.IsKillSwitchActive(model.Timestamp(1000 + uint64(model.Minute))) {
		t.Fatalf("kill switch should have cleared once cooldown elapsed")
	}
}

func TestManagerRemainingBudgetIsTheTighterOfPerMarketAndGlobal(t *testing.T) {
	m := NewManager(Config{MaxPositionPerMarket: d("100"), MaxGlobalExposure: d("120")}, slog.Default())
	m.processReport(PositionReport{Symbol: "AAA", ExposureQuote: d("80"), Time: 1000})
	m.processReport(PositionReport{Symbol: "BBB", ExposureQuote: d("30"), Time: 1000})

	got := m.RemainingBudget("AAA")
	if !got.Equal(d("10")) {
		t.Fatalf("RemainingBudget(AAA) = %s, want 10 (global headroom 120-110=10 is tighter than per-market 100-80=20)", got)
	}
}

func TestManagerRemoveMarketClearsExposure(t *testing.T) {
	m := NewManager(Config{MaxGlobalExposure: d("100")}, slog.Default())
	m.processReport(PositionReport{Symbol: "AAA", ExposureQuote: d("40"), Time: 1000})
	m.RemoveMarket("AAA")

	snap := m.GetRiskSnapshot()
	if !snap.TotalExposure.IsZero() {
		t.Fatalf("TotalExposure after RemoveMarket = %s, want 0", snap.TotalExposure)
	}
}
