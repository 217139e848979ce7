package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
	"grid-backtest/internal/grid"
)

var gridStart = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

func bar(i int, close string) core.Candle {
	c := decimal.RequireFromString(close)
	return core.Candle{
		Time:  gridStart.Add(time.Duration(i) * time.Hour),
		Open:  c,
		High:  c,
		Low:   c,
		Close: c,
	}
}

func baseGridParams() GridParams {
	return GridParams{
		Levels:          3,
		SpacingPct:      decimal.NewFromInt(1),
		Type:            grid.Arithmetic,
		OrderQty:        decimal.NewFromInt(10),
		InitialPosition: WaitForBuy,
		StopLossPct:     decimal.NewFromInt(10),
		TakeProfitPct:   decimal.NewFromInt(10),
	}
}

func newGridForTest(t *testing.T, params GridParams) (*Grid, *fakeBroker) {
	t.Helper()
	g, err := NewGrid("ABC", params, nil)
	if err != nil {
		t.Fatalf("NewGrid() error = %v", err)
	}
	b := newFakeBroker()
	if err := g.Init(context.Background(), b); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return g, b
}

func findLive(t *testing.T, b *fakeBroker, side core.Side, price string) core.Order {
	t.Helper()
	p := decimal.RequireFromString(price)
	for _, ord := range b.activeBySide(side) {
		if ord.Price.Equal(p) {
			return ord
		}
	}
	t.Fatalf("no live %s at %s; active=%v", side, price, b.active())
	return core.Order{}
}

func TestGridWaitForBuyPlacesOnlyBuys(t *testing.T) {
	g, b := newGridForTest(t, baseGridParams())
	if err := g.OnBar(context.Background(), bar(0, "100")); err != nil {
		t.Fatalf("OnBar() error = %v", err)
	}
	if got := len(b.activeBySide(core.Buy)); got != 3 {
		t.Fatalf("live buys = %d, want 3", got)
	}
	if got := len(b.activeBySide(core.Sell)); got != 0 {
		t.Fatalf("live sells = %d, want 0", got)
	}
	for _, price := range []string{"97", "98", "99"} {
		findLive(t, b, core.Buy, price)
	}
	st := g.State()
	if st.Status != StatusActive || st.Cycle != 1 || len(st.Levels) != 6 {
		t.Fatalf("state = %+v", st)
	}
	for i := 1; i < len(st.Levels); i++ {
		if st.Levels[i].Price.Cmp(st.Levels[i-1].Price) <= 0 {
			t.Fatalf("levels not ascending: %v", st.Levels)
		}
	}
}

func TestGridRefillMovesOneSlot(t *testing.T) {
	ctx := context.Background()
	g, b := newGridForTest(t, baseGridParams())
	_ = g.OnBar(ctx, bar(0, "100"))

	buy99 := findLive(t, b, core.Buy, "99")
	ord, fill := b.fill(buy99.ID, buy99.Price)
	if err := g.OnOrderFilled(ctx, ord, fill); err != nil {
		t.Fatalf("OnOrderFilled() error = %v", err)
	}
	sell := findLive(t, b, core.Sell, "101")
	if !sell.Qty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("sell qty = %s, want 10", sell.Qty)
	}

	ord, fill = b.fill(sell.ID, sell.Price)
	_ = g.OnOrderFilled(ctx, ord, fill)
	rebuy := findLive(t, b, core.Buy, "99")
	if rebuy.ID == buy99.ID {
		t.Fatalf("expected a new buy order at 99")
	}
	if st := g.State(); st.Levels[3].Live() || st.Levels[2].OrderID != rebuy.ID {
		t.Fatalf("slots after sell fill = %+v", st.Levels)
	}
}

func TestGridRefillSkipsOccupiedSlot(t *testing.T) {
	ctx := context.Background()
	g, b := newGridForTest(t, baseGridParams())
	_ = g.OnBar(ctx, bar(0, "100"))

	buy98 := findLive(t, b, core.Buy, "98")
	before := len(b.submitted)
	ord, fill := b.fill(buy98.ID, buy98.Price)
	_ = g.OnOrderFilled(ctx, ord, fill)
	if len(b.submitted) != before {
		t.Fatalf("placed an order into the occupied 99 slot: %v", b.submitted[before:])
	}
	if got := len(b.activeBySide(core.Sell)); got != 0 {
		t.Fatalf("live sells = %d, want 0", got)
	}
}

func TestGridPartialFillWaitsForCompletion(t *testing.T) {
	ctx := context.Background()
	g, b := newGridForTest(t, baseGridParams())
	_ = g.OnBar(ctx, bar(0, "100"))

	buy := findLive(t, b, core.Buy, "99")
	ord := b.orders[buy.ID]
	ord.ApplyFill(decimal.NewFromInt(4), buy.Price, decimal.Zero, time.Time{})
	b.position = decimal.NewFromInt(4)
	_ = g.OnOrderFilled(ctx, *ord, core.Fill{OrderID: ord.ID, Qty: decimal.NewFromInt(4)})
	if got := len(b.activeBySide(core.Sell)); got != 0 {
		t.Fatalf("sell placed on partial fill")
	}
}

func TestGridBuyAtMarketBootstrapsBeforeSells(t *testing.T) {
	ctx := context.Background()
	params := baseGridParams()
	params.InitialPosition = BuyAtMarket
	g, b := newGridForTest(t, params)
	_ = g.OnBar(ctx, bar(0, "100"))

	if len(b.submitted) != 1 {
		t.Fatalf("submitted = %v, want a single market buy", b.submitted)
	}
	boot := b.submitted[0]
	if boot.Type != core.Market || boot.Side != core.Buy || !boot.Qty.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("bootstrap = %+v, want MARKET BUY 30", boot)
	}
	if g.State().Status != StatusBuilding {
		t.Fatalf("status = %s, want BUILDING", g.State().Status)
	}

	ord, fill := b.fill(boot.ID, decimal.NewFromInt(100))
	_ = g.OnOrderFilled(ctx, ord, fill)
	if buys, sells := len(b.activeBySide(core.Buy)), len(b.activeBySide(core.Sell)); buys != 3 || sells != 3 {
		t.Fatalf("after bootstrap buys=%d sells=%d, want 3/3", buys, sells)
	}
	if g.State().Status != StatusActive {
		t.Fatalf("status = %s, want ACTIVE", g.State().Status)
	}
}

func TestGridBuyAtMarketOnlyBuysShortfall(t *testing.T) {
	params := baseGridParams()
	params.InitialPosition = BuyAtMarket
	g, b := newGridForTest(t, params)
	b.position = decimal.NewFromInt(12)
	_ = g.OnBar(context.Background(), bar(0, "100"))
	if len(b.submitted) != 1 || !b.submitted[0].Qty.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("submitted = %v, want market buy of 18", b.submitted)
	}
}

func TestGridRejectedBootstrapDegradesToBuys(t *testing.T) {
	ctx := context.Background()
	params := baseGridParams()
	params.InitialPosition = BuyAtMarket
	g, b := newGridForTest(t, params)
	b.submitErr = func(req core.OrderRequest) error {
		if req.Type == core.Market {
			return core.Rejection(core.ErrInsufficientCash)
		}
		return nil
	}
	_ = g.OnBar(ctx, bar(0, "100"))
	if got := len(b.activeBySide(core.Buy)); got != 3 {
		t.Fatalf("live buys = %d, want 3", got)
	}
	if got := len(b.activeBySide(core.Sell)); got != 0 {
		t.Fatalf("live sells = %d, want 0", got)
	}
	if st := g.State(); st.Policy != WaitForBuy || st.Status != StatusActive {
		t.Fatalf("state = %+v", st)
	}
}

func TestGridFillTimeBootstrapRejectionDegrades(t *testing.T) {
	ctx := context.Background()
	params := baseGridParams()
	params.InitialPosition = BuyAtMarket
	g, b := newGridForTest(t, params)
	_ = g.OnBar(ctx, bar(0, "100"))
	boot := *b.orders[b.submitted[0].ID]
	boot.Status = core.OrderRejected
	b.orders[boot.ID].Status = core.OrderRejected
	_ = g.OnOrderRejected(ctx, boot, core.ErrNoNextCandle)
	if got := len(b.activeBySide(core.Buy)); got != 3 {
		t.Fatalf("live buys = %d, want 3", got)
	}
}

func TestGridBreakoutResetsAroundClose(t *testing.T) {
	ctx := context.Background()
	params := baseGridParams()
	params.AutoReset = true
	g, b := newGridForTest(t, params)
	b.realized = decimal.NewFromInt(5)
	_ = g.OnBar(ctx, bar(0, "100"))
	first := b.active()

	_ = g.OnBar(ctx, bar(1, "95"))
	if len(b.canceled) != 0 {
		t.Fatalf("cancelled inside bounds: %v", b.canceled)
	}

	b.realized = decimal.NewFromInt(12)
	if err := g.OnBar(ctx, bar(2, "89")); err != nil {
		t.Fatalf("OnBar() error = %v", err)
	}
	for _, ord := range first {
		if b.orders[ord.ID].Status != core.OrderCancelled {
			t.Fatalf("order %s left %s after breach", ord.ID, b.orders[ord.ID].Status)
		}
	}
	st := g.State()
	if st.Status != StatusActive || st.Cycle != 2 || !st.Center.Equal(decimal.NewFromInt(89)) {
		t.Fatalf("state = %+v, want ACTIVE cycle 2 centered on 89", st)
	}
	if st.LiveOrders() != len(b.active()) || len(b.active()) != 3 {
		t.Fatalf("live orders = %d (broker %d), want 3", st.LiveOrders(), len(b.active()))
	}
	cycles := g.Cycles()
	if len(cycles) != 1 || cycles[0].Direction != "DOWN" || !cycles[0].RealizedPnL.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("cycles = %+v", cycles)
	}
	if g.Resets() != 1 {
		t.Fatalf("resets = %d, want 1", g.Resets())
	}
}

func TestGridBreakoutWithoutResetGoesDormant(t *testing.T) {
	ctx := context.Background()
	g, b := newGridForTest(t, baseGridParams())
	_ = g.OnBar(ctx, bar(0, "100"))
	_ = g.OnBar(ctx, bar(1, "111"))
	if g.State().Status != StatusDormant {
		t.Fatalf("status = %s, want DORMANT", g.State().Status)
	}
	if len(b.active()) != 0 {
		t.Fatalf("active orders after breach: %v", b.active())
	}
	n := len(b.submitted)
	_ = g.OnBar(ctx, bar(2, "100"))
	if len(b.submitted) != n {
		t.Fatalf("dormant grid submitted orders")
	}
	if c := g.Cycles(); len(c) != 1 || c[0].Direction != "UP" {
		t.Fatalf("cycles = %+v", c)
	}
}

func TestGridSkipsLevelsOutsideBounds(t *testing.T) {
	params := baseGridParams()
	params.SpacingPct = decimal.NewFromInt(5)
	params.StopLossPct = decimal.NewFromInt(12)
	g, b := newGridForTest(t, params)
	_ = g.OnBar(context.Background(), bar(0, "100"))
	if got := len(b.activeBySide(core.Buy)); got != 2 {
		t.Fatalf("live buys = %d, want 2 (85 is below the stop)", got)
	}
}

func TestGridOrderAmountSizing(t *testing.T) {
	params := baseGridParams()
	params.OrderQty = decimal.Zero
	params.OrderAmount = decimal.NewFromInt(1000)
	g, b := newGridForTest(t, params)
	_ = g.OnBar(context.Background(), bar(0, "100"))
	ord := findLive(t, b, core.Buy, "99")
	if !ord.Qty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("qty at 99 = %s, want 10", ord.Qty)
	}
	ord = findLive(t, b, core.Buy, "97")
	if !ord.Qty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("qty at 97 = %s, want 10", ord.Qty)
	}
}

func TestGridConfigErrors(t *testing.T) {
	cases := map[string]func(*GridParams){
		"zero levels":  func(p *GridParams) { p.Levels = 0 },
		"zero spacing": func(p *GridParams) { p.SpacingPct = decimal.Zero },
		"spacing too wide": func(p *GridParams) {
			p.Levels = 5
			p.SpacingPct = decimal.NewFromInt(20)
		},
		"no size":   func(p *GridParams) { p.OrderQty = decimal.Zero },
		"bad stop":  func(p *GridParams) { p.StopLossPct = decimal.NewFromInt(100) },
		"no target": func(p *GridParams) { p.TakeProfitPct = decimal.Zero },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := baseGridParams()
			mutate(&p)
			_, err := NewGrid("ABC", p, nil)
			var cfgErr *core.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("NewGrid() error = %v, want ConfigError", err)
			}
		})
	}
}
