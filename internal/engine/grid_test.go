package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
	"grid-backtest/internal/strategy"
)

func TestBuyAtMarketBootstrapPrecedesSells(t *testing.T) {
	p := gridParams()
	p.InitialPosition = strategy.BuyAtMarket
	g := gridStrategy(t, p)
	res, err := newEngine(t, baseConfig()).Run(context.Background(), series("100", "100.1", "100.05"), g)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	boot := res.Orders[0]
	if boot.Type != core.Market || boot.Side != core.Buy || !boot.Qty.Equal(decimal.NewFromInt(30)) || boot.Status != core.OrderFilled {
		t.Fatalf("first order = %+v, want filled MARKET BUY 30", boot)
	}
	sells, buys := 0, 0
	for _, o := range res.Orders[1:] {
		if o.Type != core.Limit {
			t.Fatalf("unexpected second market order %+v", o)
		}
		if o.Side == core.Sell {
			sells++
		} else {
			buys++
		}
	}
	if sells != 3 || buys != 3 {
		t.Fatalf("grid orders buys=%d sells=%d, want 3/3", buys, sells)
	}
	if g.State().Status != strategy.StatusActive {
		t.Fatalf("status = %s", g.State().Status)
	}
}

func TestBreakoutLeavesOnlyTheNewGrid(t *testing.T) {
	g := gridStrategy(t, gridParams())
	candles := series("100", "99.6", "98.6", "94", "94.3")
	res, err := newEngine(t, baseConfig()).Run(context.Background(), candles, g)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	st := g.State()
	if st.Cycle != 2 || st.Status != strategy.StatusActive || !st.Center.Equal(decimal.RequireFromString("94")) {
		t.Fatalf("state = %+v, want ACTIVE cycle 2 centered on 94", st)
	}
	live := 0
	for _, o := range res.Orders {
		if !o.Active() {
			continue
		}
		live++
		if !strings.HasPrefix(o.Tag, "grid-2-") {
			t.Fatalf("order %s from an old cycle still pending: %+v", o.ID, o)
		}
	}
	if live != st.LiveOrders() || live != 3 {
		t.Fatalf("live orders = %d, state tracks %d, want 3", live, st.LiveOrders())
	}
	if pos := res.Position(); !pos.Qty.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("position = %s, want 30 bought on the way down", pos.Qty)
	}
	report := res.StrategyReport
	if report["resets"] != 1 || report["cycles"] != 1 {
		t.Fatalf("strategy report = %+v", report)
	}
}

func TestGridRoundTripProducesTrade(t *testing.T) {
	cfg := baseConfig()
	cfg.FeeBps = decimal.NewFromInt(10)
	g := gridStrategy(t, gridParams())
	res, err := newEngine(t, cfg).Run(context.Background(), series("100", "98.9", "100", "101.2", "100.5"), g)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %+v, want one round trip", res.Trades)
	}
	tr := res.Trades[0]
	if !tr.EntryPrice.Equal(decimal.NewFromInt(99)) || !tr.ExitPrice.Equal(decimal.NewFromInt(101)) || !tr.GrossPnL.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("trade = %+v", tr)
	}
	// 0.1% on both legs: 0.99 + 1.01
	if !tr.Fees.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("fees = %s, want 2", tr.Fees)
	}
	if tr.TaxClass != core.Intraday {
		t.Fatalf("tax class = %s", tr.TaxClass)
	}
}

func TestGapCandleSweepingBuysRefillsEverySell(t *testing.T) {
	g := gridStrategy(t, gridParams())
	candles := series("100")
	candles = append(candles, core.Candle{
		Time:   start.Add(time.Hour),
		Open:   d("99.5"),
		High:   d("99.7"),
		Low:    d("96.5"),
		Close:  d("96.8"),
		Volume: decimal.NewFromInt(1000),
	})
	res, err := newEngine(t, baseConfig()).Run(context.Background(), candles, g)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pos := res.Position(); !pos.Qty.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("position = %s, want 30", pos.Qty)
	}
	var sells []decimal.Decimal
	covered := decimal.Zero
	for _, o := range res.Orders {
		if o.Active() && o.Side == core.Sell {
			sells = append(sells, o.Price)
			covered = covered.Add(o.Qty)
		}
	}
	if len(sells) != 3 || !covered.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("live sells = %v covering %s, want 3 covering 30", sells, covered)
	}
	for _, want := range []string{"98", "99", "101"} {
		found := false
		for _, got := range sells {
			if got.Equal(d(want)) {
				found = true
			}
		}
		if !found {
			t.Fatalf("live sells = %v, missing %s", sells, want)
		}
	}
	if st := g.State(); st.LiveOrders() != 3 || st.Status != strategy.StatusActive {
		t.Fatalf("state = %+v", st)
	}
}
