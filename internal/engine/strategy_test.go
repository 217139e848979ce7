package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
	"grid-backtest/internal/strategy"
)

func bar(i int, o, h, l, c string) core.Candle {
	return core.Candle{
		Time:   start.Add(time.Duration(i) * time.Hour),
		Open:   d(o),
		High:   d(h),
		Low:    d(l),
		Close:  d(c),
		Volume: decimal.NewFromInt(1000),
	}
}

func TestRunStrategyResolvesThroughRegistry(t *testing.T) {
	p := strategy.Params{Grid: gridParams()}
	res, err := newEngine(t, baseConfig()).RunStrategy(context.Background(), series("100", "98.9", "100"), strategy.GridName, p)
	if err != nil {
		t.Fatalf("RunStrategy() error = %v", err)
	}
	if res.Status != StatusCompleted || res.Strategy != strategy.GridName || len(res.Fills) == 0 {
		t.Fatalf("status=%s strategy=%s fills=%d", res.Status, res.Strategy, len(res.Fills))
	}
}

func TestRunStrategyUnknownNameFails(t *testing.T) {
	res, err := newEngine(t, baseConfig()).RunStrategy(context.Background(), series("100", "101"), "martingale", strategy.Params{})
	var cfgErr *core.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "strategy.type" {
		t.Fatalf("RunStrategy() error = %v, want strategy.type ConfigError", err)
	}
	if !errors.Is(err, strategy.ErrUnknownStrategy) {
		t.Fatalf("error %v does not wrap ErrUnknownStrategy", err)
	}
	if res.Status != StatusFailed || res.RunID == "" || res.BarsProcessed != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunStrategyUsesInjectedRegistry(t *testing.T) {
	reg := strategy.NewRegistry()
	strat := &scripted{}
	if err := reg.Register("scripted", func(strategy.Params) (strategy.Strategy, error) { return strat, nil }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg.Seal()
	e := newEngine(t, baseConfig(), WithRegistry(reg))
	if _, err := e.RunStrategy(context.Background(), series("100", "101"), "scripted", strategy.Params{}); err != nil {
		t.Fatalf("RunStrategy() error = %v", err)
	}
	if len(strat.bars) != 2 {
		t.Fatalf("strategy saw %d bars, want 2", len(strat.bars))
	}
	if _, err := e.RunStrategy(context.Background(), series("100"), strategy.GridName, strategy.Params{}); !errors.Is(err, strategy.ErrUnknownStrategy) {
		t.Fatalf("grid should be unknown to the injected registry, got %v", err)
	}
}

func TestSupertrendCashBoundEntryFills(t *testing.T) {
	cfg := baseConfig()
	cfg.InitialCash = d("1100")
	cfg.FeeBps = d("50")
	cfg.SlippageBps = d("20")
	p := strategy.Params{Supertrend: strategy.SupertrendParams{
		ATRPeriod:      2,
		ATRMultiplier:  decimal.NewFromInt(1),
		MaxOrderAmount: decimal.NewFromInt(5000),
		FeeBps:         cfg.FeeBps,
		SlippageBps:    cfg.SlippageBps,
	}}
	candles := []core.Candle{
		bar(0, "100", "101", "99", "100"),
		bar(1, "100", "101", "99", "100"),
		bar(2, "100", "101", "99", "100"),
		bar(3, "110", "111", "104", "110"),
		bar(4, "110", "111", "109", "110"),
	}
	res, err := newEngine(t, cfg).RunStrategy(context.Background(), candles, strategy.SupertrendName, p)
	if err != nil {
		t.Fatalf("RunStrategy() error = %v", err)
	}
	if n := len(res.DiagnosticsOf(DiagOrderRejected)); n != 0 {
		t.Fatalf("rejections = %+v", res.Diagnostics)
	}
	if len(res.Fills) != 1 || !res.Fills[0].Qty.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("fills = %+v, want one buy of 9", res.Fills)
	}
	if res.Final.Cash.Cmp(decimal.Zero) < 0 {
		t.Fatalf("cash = %s", res.Final.Cash)
	}
}
