package strategy

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// StrategyConfig names a registered strategy variant plus its constructor
// arguments, resolved once at construction time (§4.6 dynamic dispatch).
type StrategyConfig struct {
	Type         string
	ShortPeriod  int
	LongPeriod   int
	NegThreshold decimal.Decimal
	PosThreshold decimal.Decimal
	FixedAdvices []Advice
}

// BuildStrategy resolves cfg.Type to a concrete Strategy. Unknown types
// return an error rather than panicking, since cfg typically originates
// from a config file.
func BuildStrategy(cfg StrategyConfig, logger *slog.Logger) (Strategy, error) {
	switch cfg.Type {
	case "ema_crossover":
		return NewEMACrossover(cfg.ShortPeriod, cfg.LongPeriod, cfg.NegThreshold, cfg.PosThreshold), nil
	case "fixed":
		return NewFixed(cfg.FixedAdvices, logger), nil
	default:
		return nil, fmt.Errorf("strategy: unknown strategy type %q", cfg.Type)
	}
}

// ProtectionConfig names a registered stop-loss/take-profit variant.
type ProtectionConfig struct {
	Type            string
	UpsidePct       decimal.Decimal
	DownsidePct     decimal.Decimal
	TrailingEnabled bool
}

// BuildProtection resolves cfg.Type to a concrete Protection.
func BuildProtection(cfg ProtectionConfig) (Protection, error) {
	switch cfg.Type {
	case "", "noop":
		return Noop{}, nil
	case "basic":
		return NewFixedProtection(cfg.UpsidePct, cfg.DownsidePct), nil
	case "trailing":
		return NewTrailing(cfg.UpsidePct, cfg.DownsidePct), nil
	case "legacy":
		return NewLegacy(cfg.UpsidePct, cfg.DownsidePct, cfg.TrailingEnabled), nil
	default:
		return nil, fmt.Errorf("strategy: unknown protection type %q", cfg.Type)
	}
}
