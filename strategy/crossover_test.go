package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestEMACrossoverImmatureUntilLongPeriod(t *testing.T) {
	s := NewEMACrossover(2, 5, pct("-0.5"), pct("0.5"))
	for i := 0; i < 4; i++ {
		if s.Mature() {
			t.Fatalf("tick %d: strategy matured early", i)
		}
		if got := s.Update(candleClose("100"), Meta{}); got != NONE {
			t.Fatalf("tick %d: immature strategy returned %s, want NONE", i, got)
		}
	}
	s.Update(candleClose("100"), Meta{})
	if !s.Mature() {
		t.Fatalf("strategy should be mature after %d ticks", s.Maturity())
	}
}

func TestEMACrossoverAdvisesLongOnUpwardDivergence(t *testing.T) {
	s := NewEMACrossover(2, 4, pct("-0.01"), pct("0.01"))
	prices := []string{"100", "100", "100", "100", "150", "200", "250"}

	var last Advice
	for _, p := range prices {
		last = s.Update(candleClose(p), Meta{})
	}
	if last != LONG {
		t.Fatalf("got %s after a sustained upward run, want LONG", last)
	}
}

func TestEMACrossoverAdvisesShortOnDownwardDivergence(t *testing.T) {
	s := NewEMACrossover(2, 4, pct("-0.01"), pct("0.01"))
	prices := []string{"100", "100", "100", "100", "60", "30", "10"}

	var last Advice
	for _, p := range prices {
		last = s.Update(candleClose(p), Meta{})
	}
	if last != SHORT {
		t.Fatalf("got %s after a sustained downward run, want SHORT", last)
	}
}

func TestEMACrossoverMaturityReportsLongPeriod(t *testing.T) {
	s := NewEMACrossover(3, 9, decimal.Zero, decimal.Zero)
	if s.Maturity() != 9 {
		t.Fatalf("Maturity() = %d, want 9", s.Maturity())
	}
	if s.ExtraCandles() != nil {
		t.Fatalf("ExtraCandles() = %v, want nil", s.ExtraCandles())
	}
}
