package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
	"grid-backtest/internal/strategy"
)

var start = time.Date(2024, 2, 1, 3, 45, 0, 0, time.UTC)

// series builds hourly candles whose open is the previous close and whose
// range extends 0.2 beyond the body.
func series(closes ...string) []core.Candle {
	out := make([]core.Candle, len(closes))
	pad := decimal.RequireFromString("0.2")
	prev := decimal.RequireFromString(closes[0])
	for i, raw := range closes {
		c := decimal.RequireFromString(raw)
		out[i] = core.Candle{
			Time:   start.Add(time.Duration(i) * time.Hour),
			Open:   prev,
			High:   decimal.Max(prev, c).Add(pad),
			Low:    decimal.Min(prev, c).Sub(pad),
			Close:  c,
			Volume: decimal.NewFromInt(1000),
		}
		prev = c
	}
	return out
}

func wave(n int) []core.Candle {
	closes := make([]string, n)
	for i := range closes {
		v := 100 + 4*math.Sin(float64(i)/6) + 0.8*math.Sin(float64(i)*1.7)
		closes[i] = decimal.NewFromFloat(v).Round(2).String()
	}
	return series(closes...)
}

func baseConfig() Config {
	return Config{
		Symbol:      "ABC",
		InitialCash: decimal.NewFromInt(100_000),
		Interval:    time.Hour,
	}
}

func newEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

// scripted lets each test drive the broker from the callbacks it needs.
type scripted struct {
	broker   strategy.Broker
	onBar    func(ctx context.Context, b strategy.Broker, c core.Candle) error
	onFill   func(ctx context.Context, b strategy.Broker, o core.Order, f core.Fill) error
	onReject func(ctx context.Context, b strategy.Broker, o core.Order, reason error) error

	bars     []core.Candle
	filled   []core.Fill
	rejected []error
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Init(_ context.Context, b strategy.Broker) error {
	s.broker = b
	return nil
}

func (s *scripted) OnBar(ctx context.Context, c core.Candle) error {
	s.bars = append(s.bars, c)
	if s.onBar != nil {
		return s.onBar(ctx, s.broker, c)
	}
	return nil
}

func (s *scripted) OnOrderFilled(ctx context.Context, o core.Order, f core.Fill) error {
	s.filled = append(s.filled, f)
	if s.onFill != nil {
		return s.onFill(ctx, s.broker, o, f)
	}
	return nil
}

func (s *scripted) OnOrderRejected(ctx context.Context, o core.Order, reason error) error {
	s.rejected = append(s.rejected, reason)
	if s.onReject != nil {
		return s.onReject(ctx, s.broker, o, reason)
	}
	return nil
}

func gridStrategy(t *testing.T, p strategy.GridParams) *strategy.Grid {
	t.Helper()
	g, err := strategy.NewGrid("ABC", p, nil)
	if err != nil {
		t.Fatalf("NewGrid() error = %v", err)
	}
	return g
}

func gridParams() strategy.GridParams {
	return strategy.GridParams{
		Levels:          3,
		SpacingPct:      decimal.NewFromInt(1),
		OrderQty:        decimal.NewFromInt(10),
		InitialPosition: strategy.WaitForBuy,
		StopLossPct:     decimal.NewFromInt(5),
		TakeProfitPct:   decimal.NewFromInt(5),
		AutoReset:       true,
	}
}
