package strategy

import (
	"context"
	"testing"

	"algotrader/exchange"
	"algotrader/model"
)

// fakeAdapter embeds the (nil) exchange.Adapter interface so it satisfies
// the full interface via promoted methods, while overriding only the ones
// the scanner actually calls.
type fakeAdapter struct {
	exchange.Adapter
	tickers       map[model.Symbol]exchange.Ticker
	hourlyCandles map[model.Symbol][]model.Candle
	dailyCandles  map[model.Symbol][]model.Candle
}

func (f *fakeAdapter) MapTickers(context.Context) (map[model.Symbol]exchange.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeAdapter) GetCandles(_ context.Context, symbol model.Symbol, interval model.Interval, _, _ model.Timestamp) ([]model.Candle, error) {
	if interval == model.Day {
		return f.dailyCandles[symbol], nil
	}
	return f.hourlyCandles[symbol], nil
}

func volumeCandle(volume, close string) model.Candle {
	return model.Candle{Volume: pct(volume), Close: pct(close)}
}

func TestScannerTopRanksByQuoteVolumeDescending(t *testing.T) {
	adapter := &fakeAdapter{
		tickers: map[model.Symbol]exchange.Ticker{"AAA": {}, "BBB": {}, "CCC": {}},
		hourlyCandles: map[model.Symbol][]model.Candle{
			"AAA": {volumeCandle("1", "10")}, // 10
			"BBB": {volumeCandle("5", "10")}, // 50
			"CCC": {volumeCandle("2", "10")}, // 20
		},
	}
	s := NewScanner(adapter, RepickConfig{})

	top, err := s.Top(context.Background())
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	want := []model.Symbol{"BBB", "CCC", "AAA"}
	if len(top) != len(want) {
		t.Fatalf("Top returned %v, want %v", top, want)
	}
	for i := range want {
		if top[i] != want[i] {
			t.Fatalf("Top returned %v, want %v", top, want)
		}
	}
}

func TestScannerTopExcludesGlobMatches(t *testing.T) {
	adapter := &fakeAdapter{
		tickers: map[model.Symbol]exchange.Ticker{"test-AAA": {}, "BBB": {}},
		hourlyCandles: map[model.Symbol][]model.Candle{
			"test-AAA": {volumeCandle("100", "10")},
			"BBB":      {volumeCandle("1", "10")},
		},
	}
	s := NewScanner(adapter, RepickConfig{Exclude: []string{"test-*"}})

	top, err := s.Top(context.Background())
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(top) != 1 || top[0] != "BBB" {
		t.Fatalf("Top = %v, want [BBB] with test-AAA excluded", top)
	}
}

func TestScannerTopRespectsTopN(t *testing.T) {
	adapter := &fakeAdapter{
		tickers: map[model.Symbol]exchange.Ticker{"AAA": {}, "BBB": {}},
		hourlyCandles: map[model.Symbol][]model.Candle{
			"AAA": {volumeCandle("1", "10")},
			"BBB": {volumeCandle("5", "10")},
		},
	}
	s := NewScanner(adapter, RepickConfig{TopN: 1})

	top, err := s.Top(context.Background())
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(top) != 1 || top[0] != "BBB" {
		t.Fatalf("Top = %v, want [BBB]", top)
	}
}

func TestScannerTopFiltersByRequiredStart(t *testing.T) {
	adapter := &fakeAdapter{
		tickers: map[model.Symbol]exchange.Ticker{"AAA": {}, "BBB": {}},
		hourlyCandles: map[model.Symbol][]model.Candle{
			"AAA": {volumeCandle("1", "10")},
			"BBB": {volumeCandle("1", "10")},
		},
		dailyCandles: map[model.Symbol][]model.Candle{
			"AAA": {{}}, // has history covering RequiredStart
		},
	}
	s := NewScanner(adapter, RepickConfig{RequiredStart: 1000})

	top, err := s.Top(context.Background())
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(top) != 1 || top[0] != "AAA" {
		t.Fatalf("Top = %v, want [AAA] since BBB lacks history at RequiredStart", top)
	}
}

func TestScannerExcludedMatchIsCaseInsensitive(t *testing.T) {
	s := NewScanner(nil, RepickConfig{Exclude: []string{"TEST-*"}})
	if !s.excluded("test-aaa") {
		t.Fatalf("excluded(test-aaa) = false, want true for a case-insensitive glob match")
	}
	if s.excluded("other") {
		t.Fatalf("excluded(other) = true, want false")
	}
}
