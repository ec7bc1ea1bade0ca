package strategy

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/exchange"
	"algotrader/model"
)

// RepickConfig tunes Multi's periodic symbol-repick scan (§4.6 step 3).
type RepickConfig struct {
	TopN          int
	Exclude       []string // glob patterns matched against symbol strings
	RequiredStart model.Timestamp
	ScanInterval  model.Interval
}

// Scanner ranks symbols by 24h quote volume, excluding configured glob
// patterns, for Multi's repick step. Grounded on the teacher's Gamma-API
// polling scanner, generalized from a spread/liquidity composite score to
// a pure 24h-quote-volume ranking since the spec's repick criterion is
// volume-only (§4.6 step 3).
type Scanner struct {
	adapter exchange.Adapter
	cfg     RepickConfig
}

// NewScanner builds a symbol scanner bound to one venue adapter.
func NewScanner(adapter exchange.Adapter, cfg RepickConfig) *Scanner {
	return &Scanner{adapter: adapter, cfg: cfg}
}

// Top returns the top N symbols by 24h quote volume, excluding symbols
// matching any configured glob pattern and (when RequiredStart is set)
// symbols whose earliest available candle is newer than RequiredStart.
func (s *Scanner) Top(ctx context.Context) ([]model.Symbol, error) {
	tickers, err := s.adapter.MapTickers(ctx)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		symbol model.Symbol
		volume decimal.Decimal
	}
	var candidates []ranked
	for symbol := range tickers {
		if s.excluded(symbol) {
			continue
		}
		volume, err := s.quoteVolume24h(ctx, symbol)
		if err != nil {
			continue // venue hiccup on one symbol shouldn't abort the whole scan
		}
		candidates = append(candidates, ranked{symbol: symbol, volume: volume})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].volume.GreaterThan(candidates[j].volume)
	})

	if s.cfg.RequiredStart != 0 {
		filtered := candidates[:0]
		for _, c := range candidates {
			ok, err := s.passesRequiredStart(ctx, c.symbol)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	n := s.cfg.TopN
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}

	top := make([]model.Symbol, 0, n)
	for _, c := range candidates[:n] {
		top = append(top, c.symbol)
	}
	return top, nil
}

func (s *Scanner) excluded(symbol model.Symbol) bool {
	sym := strings.ToLower(string(symbol))
	for _, pattern := range s.cfg.Exclude {
		if ok, _ := filepath.Match(strings.ToLower(pattern), sym); ok {
			return true
		}
	}
	return false
}

// quoteVolume24h sums Volume*Close across the last 24 hourly candles as a
// quote-denominated proxy for 24h traded volume.
func (s *Scanner) quoteVolume24h(ctx context.Context, symbol model.Symbol) (decimal.Decimal, error) {
	now := model.Timestamp(uint64(time.Now().UnixMilli()))
	start := now.Sub(model.Day)
	candles, err := s.adapter.GetCandles(ctx, symbol, model.Hour, start, now)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, c := range candles {
		total = total.Add(c.Volume.Mul(c.Close))
	}
	return total, nil
}

func (s *Scanner) passesRequiredStart(ctx context.Context, symbol model.Symbol) (bool, error) {
	end := s.cfg.RequiredStart.Add(model.Day)
	candles, err := s.adapter.GetCandles(ctx, symbol, model.Day, s.cfg.RequiredStart, end)
	if err != nil {
		return false, nil // treat venues that can't answer as disqualifying, not fatal
	}
	return len(candles) > 0, nil
}

// Run polls Top on ScanInterval and sends results to the returned channel
// until ctx is cancelled, matching the teacher's scanner goroutine shape.
func (s *Scanner) Run(ctx context.Context) <-chan []model.Symbol {
	out := make(chan []model.Symbol, 1)
	go func() {
		defer close(out)
		interval := time.Duration(s.cfg.ScanInterval) * time.Millisecond
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		emit := func() {
			top, err := s.Top(ctx)
			if err != nil {
				return
			}
			select {
			case <-out:
			default:
			}
			select {
			case out <- top:
			default:
			}
		}
		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emit()
			}
		}
	}()
	return out
}
