// Trader — a candle-driven algorithmic trading core for centralized
// spot/margin venues.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires the chosen mode, waits for SIGINT/SIGTERM
//	strategy/basic.go        — single-symbol candle loop: advice → open/close position
//	strategy/multi.go        — multi-symbol supervisor: tick/repick/rebalance across a symbol set
//	strategy/crossover.go    — EMA-crossover advice strategy
//	strategy/scanner.go      — ranks symbols by 24h quote volume for repicking
//	broker/market.go         — IOC market order execution with quote→size synthesis
//	broker/limit.go          — resting/re-pricing limit order state machine
//	position/positioner.go  — open/close long/short, margin borrow/repay orchestration
//	orderbook/sync.go        — shared, refcounted order book snapshot+incremental sync
//	custodian/custodian.go   — trading capital source (stub/spot/savings)
//	risk/manager.go          — per-market/global exposure, daily loss, price-shock kill switch
//	persist/store.go         — JSON file persistence for resumable state
//	exchange/binance         — REST+WS venue adapter
//
// Modes:
//
//	BACKTEST drives a SimulatedAdapter positioner (no network orders) priced
//	from the venue adapter's live ticker; PAPER and LIVE drive the real venue
//	adapter's Positioner, with PAPER additionally setting the adapter's
//	DryRun flag so orders are validated but never actually placed. In every
//	mode candles come from the venue adapter's ConnectStreamCandles.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/broker"
	"algotrader/custodian"
	"algotrader/exchange"
	"algotrader/exchange/binance"
	"algotrader/internal/config"
	"algotrader/internal/logging"
	"algotrader/model"
	"algotrader/orderbook"
	"algotrader/persist"
	"algotrader/position"
	"algotrader/risk"
	"algotrader/strategy"
)

// positionerBackend mirrors strategy's unexported positioner interface so
// this package can hold either a live Positioner or a backtest
// SimulatedAdapter in one variable and hand it to strategy.NewBasic/NewMulti,
// which accept any value whose method set matches structurally.
type positionerBackend interface {
	OpenLong(ctx context.Context, account string, symbol model.Symbol, quote decimal.Decimal) (model.Position, error)
	CloseLong(ctx context.Context, account string, pos model.Position, reason model.CloseReason) (model.Position, error)
	OpenShort(ctx context.Context, symbol model.Symbol, collateral decimal.Decimal) (model.Position, error)
	CloseShort(ctx context.Context, pos model.Position, reason model.CloseReason, borrowInfo model.BorrowInfo, now model.Timestamp) (model.Position, error)
}

func main() {
	multi := flag.Bool("multi", false, "run the multi-symbol supervisor instead of the single-symbol trader")
	cfgPath := flag.String("config", "configs/config.yaml", "path to the config file")
	flag.Parse()
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		*cfgPath = p
	}

	if *multi {
		runMulti(*cfgPath)
	} else {
		runBasic(*cfgPath)
	}
}

func runBasic(cfgPath string) {
	cfg, err := config.LoadBasic(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := config.ValidateBasic(cfg); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := buildAdapter(cfg.Exchange, cfg.Mode == config.Paper, logger)
	info, err := adapter.GetExchangeInfo(ctx)
	if err != nil {
		logger.Error("failed to fetch exchange info", "error", err)
		os.Exit(1)
	}

	store, err := persist.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	symbol := model.Symbol(cfg.Symbol)
	interval, err := model.ParseInterval(cfg.Interval)
	if err != nil {
		logger.Error("invalid interval", "error", err)
		os.Exit(1)
	}
	start, err := config.ParseTimestamp(cfg.Start)
	if err != nil {
		logger.Error("invalid start", "error", err)
		os.Exit(1)
	}
	adjustedStart, err := config.ParseTimestamp(cfg.AdjustedStart)
	if err != nil {
		logger.Error("invalid adjusted_start", "error", err)
		os.Exit(1)
	}
	quote, err := config.ParseDecimal(cfg.Quote)
	if err != nil {
		logger.Error("invalid quote", "error", err)
		os.Exit(1)
	}

	strat, err := strategy.BuildStrategy(strategy.StrategyConfig{Type: cfg.StrategyName}, logger)
	if err != nil {
		logger.Error("failed to build strategy", "error", err)
		os.Exit(1)
	}
	stopLoss, takeProfit, err := buildProtections(cfg.StopLoss, cfg.TakeProfit)
	if err != nil {
		logger.Error("failed to build stop-loss/take-profit", "error", err)
		os.Exit(1)
	}

	registry := orderbook.NewRegistry(logger)
	pos, err := buildPositioner(cfg.Mode, adapter, registry, info, cfg.Custodian)
	if err != nil {
		logger.Error("failed to build positioner", "error", err)
		os.Exit(1)
	}

	basic := strategy.NewBasic(strategy.BasicConfig{
		Symbol:         symbol,
		Interval:       interval,
		Start:          start,
		AdjustedStart:  adjustedStart,
		AllocatedQuote: quote,
		Long:           cfg.Long,
		Short:          cfg.Short,
		MissedCandle:   missedCandlePolicyFrom(cfg.MissedCandle),
		CloseOnExit:    cfg.CloseOnExit,
	}, strat, stopLoss, takeProfit, pos, logger)

	candleCh, err := adapter.ConnectStreamCandles(ctx, symbol, interval)
	if err != nil {
		logger.Error("failed to connect candle stream", "error", err)
		os.Exit(1)
	}

	logger.Info("trader started", "symbol", symbol, "mode", cfg.Mode, "dry_run", cfg.DryRun)
	if err := basic.Run(ctx, "default", candleCh); err != nil && ctx.Err() == nil {
		logger.Error("trader exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("trader stopped")
}

func runMulti(cfgPath string) {
	cfg, err := config.LoadMulti(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := config.ValidateMulti(cfg); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := buildAdapter(cfg.Exchange, cfg.Mode == config.Paper, logger)
	info, err := adapter.GetExchangeInfo(ctx)
	if err != nil {
		logger.Error("failed to fetch exchange info", "error", err)
		os.Exit(1)
	}

	store, err := persist.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	interval, err := model.ParseInterval(cfg.Interval)
	if err != nil {
		logger.Error("invalid interval", "error", err)
		os.Exit(1)
	}
	start, err := config.ParseTimestamp(cfg.Start)
	if err != nil {
		logger.Error("invalid start", "error", err)
		os.Exit(1)
	}
	end, err := config.ParseTimestamp(cfg.End)
	if err != nil {
		logger.Error("invalid end", "error", err)
		os.Exit(1)
	}
	adjustedStart, err := config.ParseTimestamp(cfg.AdjustedStart)
	if err != nil {
		logger.Error("invalid adjusted_start", "error", err)
		os.Exit(1)
	}
	totalQuote, err := config.ParseDecimal(cfg.Quote)
	if err != nil {
		logger.Error("invalid quote", "error", err)
		os.Exit(1)
	}
	rebalancePct, err := config.ParseDecimal(cfg.RebalancePct)
	if err != nil {
		logger.Error("invalid rebalance_threshold_pct", "error", err)
		os.Exit(1)
	}

	registry := orderbook.NewRegistry(logger)
	pos, err := buildPositioner(cfg.Mode, adapter, registry, info, cfg.Custodian)
	if err != nil {
		logger.Error("failed to build positioner", "error", err)
		os.Exit(1)
	}

	riskCfg, err := riskConfigFrom(cfg.Risk)
	if err != nil {
		logger.Error("invalid risk config", "error", err)
		os.Exit(1)
	}
	riskMgr := risk.NewManager(riskCfg, logger)
	go riskMgr.Run(ctx)

	var scanner *strategy.Scanner
	if cfg.Repick.Enabled {
		requiredStart, err := config.ParseTimestamp(cfg.Repick.RequiredStart)
		if err != nil {
			logger.Error("invalid repick required_start", "error", err)
			os.Exit(1)
		}
		scanInterval, err := model.ParseInterval(cfg.Repick.ScanInterval)
		if err != nil {
			logger.Error("invalid repick scan_interval", "error", err)
			os.Exit(1)
		}
		scanner = strategy.NewScanner(adapter, strategy.RepickConfig{
			TopN:          cfg.Repick.TopN,
			Exclude:       cfg.Repick.Exclude,
			RequiredStart: requiredStart,
			ScanInterval:  scanInterval,
		})
	}

	strategyName := cfg.StrategyName
	stopLossCfg, takeProfitCfg := cfg.StopLoss, cfg.TakeProfit

	m := strategy.NewMulti(strategy.MultiConfig{
		Interval:              interval,
		Start:                 start,
		End:                   end,
		PositionCount:         cfg.PositionCount,
		AllowedAgeDrift:       cfg.AllowedAgeDrift,
		Long:                  cfg.Long,
		Short:                 cfg.Short,
		MissedCandle:          missedCandlePolicyFrom(cfg.MissedCandle),
		AdjustedStart:         adjustedStart,
		CloseOnExit:           cfg.CloseOnExit,
		TotalQuote:            totalQuote,
		RebalanceThresholdPct: rebalancePct,
	}, "default", pos,
		func(model.Symbol) strategy.Strategy {
			strat, err := strategy.BuildStrategy(strategy.StrategyConfig{Type: strategyName}, logger)
			if err != nil {
				logger.Error("failed to build strategy, falling back to a no-op strategy", "error", err)
				return strategy.NewFixed(nil, logger)
			}
			return strat
		},
		func(model.Symbol) (strategy.Protection, strategy.Protection) {
			stopLoss, takeProfit, err := buildProtections(stopLossCfg, takeProfitCfg)
			if err != nil {
				logger.Error("failed to build stop-loss/take-profit, falling back to no-op", "error", err)
				return strategy.Noop{}, strategy.Noop{}
			}
			return stopLoss, takeProfit
		},
		func(ctx context.Context, symbol model.Symbol, interval model.Interval) (<-chan model.Candle, error) {
			return adapter.ConnectStreamCandles(ctx, symbol, interval)
		},
		scanner, riskMgr, logger,
	)

	initial := make([]model.Symbol, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		initial[i] = model.Symbol(s)
	}

	logger.Info("multi-symbol trader started", "symbols", cfg.Symbols, "mode", cfg.Mode, "dry_run", cfg.DryRun)
	if err := m.Run(ctx, initial); err != nil && ctx.Err() == nil {
		logger.Error("multi-symbol trader exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("multi-symbol trader stopped")
}

func buildAdapter(cfg config.ExchangeConfig, dryRun bool, logger *slog.Logger) exchange.Adapter {
	return binance.New(binance.Config{
		BaseURL:    cfg.BaseURL,
		WSMarket:   cfg.WSMarket,
		WSUser:     cfg.WSUser,
		APIKey:     cfg.APIKey,
		Secret:     cfg.Secret,
		DryRun:     dryRun,
		Timeout:    10 * time.Second,
		RetryCount: 3,
	}, logger)
}

// buildPositioner selects the positioner backend for mode: BACKTEST drives a
// SimulatedAdapter whose Price reads the venue adapter's live ticker, not a
// candle's historical close; PAPER/LIVE drive the real Positioner against
// the venue adapter.
func buildPositioner(mode config.Mode, adapter exchange.Adapter, registry *orderbook.Registry, info exchange.ExchangeInfo, custCfg config.CustodianConfig) (positionerBackend, error) {
	if mode == config.Backtest {
		return strategy.SimulatedAdapter{
			SP: &position.SimulatedPositioner{
				Filters: model.Filters{},
				Fees:    model.Fees{},
			},
			Price: func(symbol model.Symbol) decimal.Decimal {
				tickers, err := adapter.MapTickers(context.Background())
				if err != nil {
					return decimal.Zero
				}
				return tickers[symbol].Last.Price
			},
		}, nil
	}

	cust, err := buildCustodian(custCfg)
	if err != nil {
		return nil, err
	}
	market := broker.NewMarketBroker(adapter, registry, info)
	return position.NewPositioner(adapter, registry, market, cust, info), nil
}

func buildCustodian(cfg config.CustodianConfig) (custodian.Custodian, error) {
	switch cfg.Kind {
	case "", "stub":
		return custodian.NewStub(), nil
	case "spot":
		return custodian.NewSpot(cfg.Account), nil
	case "savings":
		return custodian.NewSavings(cfg.Account, cfg.SavingsProduct), nil
	default:
		return custodian.NewStub(), nil
	}
}

func buildProtections(stopLossCfg, takeProfitCfg config.ProtectionConfig) (strategy.Protection, strategy.Protection, error) {
	stopLoss, err := strategy.BuildProtection(strategy.ProtectionConfig{
		Type:            protectionTypeFrom(stopLossCfg),
		UpsidePct:       decimalOrZero(stopLossCfg.UpsidePct),
		DownsidePct:     decimalOrZero(stopLossCfg.DownsidePct),
		TrailingEnabled: stopLossCfg.TrailingEnabled,
	})
	if err != nil {
		return nil, nil, err
	}
	takeProfit, err := strategy.BuildProtection(strategy.ProtectionConfig{
		Type:            protectionTypeFrom(takeProfitCfg),
		UpsidePct:       decimalOrZero(takeProfitCfg.UpsidePct),
		DownsidePct:     decimalOrZero(takeProfitCfg.DownsidePct),
		TrailingEnabled: takeProfitCfg.TrailingEnabled,
	})
	if err != nil {
		return nil, nil, err
	}
	return stopLoss, takeProfit, nil
}

func protectionTypeFrom(cfg config.ProtectionConfig) string {
	if cfg.UpsidePct == "" && cfg.DownsidePct == "" {
		return "noop"
	}
	if cfg.TrailingEnabled {
		return "legacy"
	}
	return "basic"
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func missedCandlePolicyFrom(name string) strategy.MissedCandlePolicy {
	switch name {
	case "RESTART":
		return strategy.Restart
	case "LAST":
		return strategy.Last
	default:
		return strategy.Ignore
	}
}

func riskConfigFrom(cfg config.RiskConfig) (risk.Config, error) {
	maxPosition, err := config.ParseDecimal(cfg.MaxPositionPerMarket)
	if err != nil {
		return risk.Config{}, err
	}
	maxGlobal, err := config.ParseDecimal(cfg.MaxGlobalExposure)
	if err != nil {
		return risk.Config{}, err
	}
	killDrop, err := config.ParseDecimal(cfg.KillSwitchDropPct)
	if err != nil {
		return risk.Config{}, err
	}
	maxDailyLoss, err := config.ParseDecimal(cfg.MaxDailyLoss)
	if err != nil {
		return risk.Config{}, err
	}
	killWindow, err := model.ParseInterval(orDefault(cfg.KillSwitchWindow, "5m"))
	if err != nil {
		return risk.Config{}, err
	}
	cooldown, err := model.ParseInterval(orDefault(cfg.CooldownAfterKill, "15m"))
	if err != nil {
		return risk.Config{}, err
	}
	return risk.Config{
		MaxPositionPerMarket: maxPosition,
		MaxGlobalExposure:    maxGlobal,
		MaxMarketsActive:     cfg.MaxMarketsActive,
		KillSwitchDropPct:    killDrop,
		KillSwitchWindow:     killWindow,
		MaxDailyLoss:         maxDailyLoss,
		CooldownAfterKill:    cooldown,
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
