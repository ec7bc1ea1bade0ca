package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestLongProfit(t *testing.T) {
	t.Parallel()
	sym := NewSymbol("eth", "usdt")
	pos := Position{
		Side:   Long,
		Symbol: sym,
		Fills:  []Fill{{Price: d("10"), Size: d("1"), Quote: d("10"), Fee: d("0.01"), FeeAsset: "eth"}},
		CloseFills: []Fill{
			{Price: d("12"), Size: d("1"), Quote: d("12"), Fee: d("0.012"), FeeAsset: "usdt"},
		},
	}
	want := d("12").Sub(d("0.012")).Sub(d("10"))
	if got := pos.Profit(); !got.Equal(want) {
		t.Errorf("Profit() = %s, want %s", got, want)
	}
}

func TestShortProfitWithInterest(t *testing.T) {
	t.Parallel()
	sym := NewSymbol("eth", "usdt")
	pos := Position{
		Side:     Short,
		Symbol:   sym,
		Fills:    []Fill{{Price: d("10"), Size: d("1"), Quote: d("10"), Fee: d("0.01"), FeeAsset: "usdt"}},
		Interest: d("0.02"),
		CloseFills: []Fill{
			{Price: d("10.3"), Size: d("1.03"), Quote: d("10.609"), Fee: d("0.01"), FeeAsset: "eth"},
		},
	}
	interestQuote := pos.InterestQuoteEquivalent()
	want := d("10").Sub(d("0.01")).Sub(d("10.609")).Sub(interestQuote)
	if got := pos.Profit(); !got.Equal(want) {
		t.Errorf("Profit() = %s, want %s", got, want)
	}
}

func TestAnnualizedROIInfiniteOnZeroDuration(t *testing.T) {
	t.Parallel()
	pos := Position{
		Side:   Long,
		Symbol: NewSymbol("eth", "usdt"),
		Time:   1000,
		CloseTime: 1000,
		Fills:  []Fill{{Price: d("10"), Size: d("1"), Quote: d("10")}},
		CloseFills: []Fill{{Price: d("11"), Size: d("1"), Quote: d("11")}},
	}
	got := pos.AnnualizedROI()
	if !isInf(got) {
		t.Errorf("AnnualizedROI() = %v, want +Inf", got)
	}
}

func isInf(f float64) bool { return f > 1e300 || f < -1e300 }
