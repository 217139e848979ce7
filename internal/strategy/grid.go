package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
	"grid-backtest/internal/grid"
)

const GridName = "grid"

type InitialPosition string

const (
	WaitForBuy  InitialPosition = "WAIT_FOR_BUY"
	BuyAtMarket InitialPosition = "BUY_AT_MARKET"
)

func ParseInitialPosition(raw string) (InitialPosition, error) {
	switch InitialPosition(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", WaitForBuy:
		return WaitForBuy, nil
	case BuyAtMarket:
		return BuyAtMarket, nil
	}
	return "", fmt.Errorf("initial_position must be WAIT_FOR_BUY or BUY_AT_MARKET, got %q", raw)
}

type GridStatus string

const (
	StatusBuilding  GridStatus = "BUILDING"
	StatusActive    GridStatus = "ACTIVE"
	StatusBreached  GridStatus = "BREACHED"
	StatusResetting GridStatus = "RESETTING"
	StatusDormant   GridStatus = "DORMANT"
)

const bootstrapTag = "grid-bootstrap"

type GridParams struct {
	Levels          int
	SpacingPct      decimal.Decimal
	Type            grid.Type
	OrderAmount     decimal.Decimal
	OrderQty        decimal.Decimal
	InitialPosition InitialPosition
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal
	AutoReset       bool
	Rules           core.Rules
}

func (p GridParams) Validate() error {
	if err := grid.CheckShape(p.Levels, p.SpacingPct, p.Type); err != nil {
		return core.NewConfigError("grid", "%v", err)
	}
	if p.OrderQty.Cmp(decimal.Zero) <= 0 && p.OrderAmount.Cmp(decimal.Zero) <= 0 {
		return core.NewConfigError("grid.order_amount", "or grid.order_qty must be > 0")
	}
	if p.OrderQty.Cmp(decimal.Zero) < 0 || p.OrderAmount.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("grid.order_amount", "must be >= 0")
	}
	if p.StopLossPct.Cmp(decimal.Zero) <= 0 || p.StopLossPct.Cmp(decimal.NewFromInt(100)) >= 0 {
		return core.NewConfigError("grid.stop_loss_pct", "must be in (0, 100)")
	}
	if p.TakeProfitPct.Cmp(decimal.Zero) <= 0 {
		return core.NewConfigError("grid.take_profit_pct", "must be > 0")
	}
	if _, err := ParseInitialPosition(string(p.InitialPosition)); err != nil {
		return core.NewConfigError("grid.initial_position", "%v", err)
	}
	return nil
}

// Level is one price slot. Side can flip as fills move inventory up and
// down the ladder; OrderID is empty when the slot has no live order.
type Level struct {
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Side     core.Side
	OrderID  string
	OrderQty decimal.Decimal
}

func (l Level) Live() bool { return l.OrderID != "" }

// GridState is one grid cycle. A reset replaces it rather than mutating it.
type GridState struct {
	Cycle           int
	Center          decimal.Decimal
	Levels          []Level
	Bounds          grid.Bounds
	Status          GridStatus
	Policy          InitialPosition
	StartedAt       time.Time
	Fills           int
	bootstrapID     string
	realizedAtStart decimal.Decimal
}

// LiveOrders counts slots with a live order.
func (g *GridState) LiveOrders() int {
	n := 0
	for _, lv := range g.Levels {
		if lv.Live() {
			n++
		}
	}
	return n
}

type CycleSummary struct {
	Cycle       int
	Center      decimal.Decimal
	Lower       decimal.Decimal
	Upper       decimal.Decimal
	Direction   string
	StartedAt   time.Time
	EndedAt     time.Time
	ExitPrice   decimal.Decimal
	Fills       int
	RealizedPnL decimal.Decimal
}

type Grid struct {
	symbol string
	params GridParams
	logger *zap.Logger
	broker Broker

	state   *GridState
	slots   map[string]int
	cycles  []CycleSummary
	resets  int
	dormant bool
}

func NewGrid(symbol string, params GridParams, logger *zap.Logger) (*Grid, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, core.NewConfigError("symbol", "is required")
	}
	if params.Type == "" {
		params.Type = grid.Arithmetic
	}
	if params.InitialPosition == "" {
		params.InitialPosition = WaitForBuy
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grid{
		symbol: symbol,
		params: params,
		logger: logger.With(zap.String("strategy", GridName), zap.String("symbol", symbol)),
		slots:  make(map[string]int),
	}, nil
}

func NewGridFromParams(p Params) (Strategy, error) {
	return NewGrid(p.Symbol, p.Grid, p.Logger)
}

func (g *Grid) Name() string { return GridName }

func (g *Grid) Init(ctx context.Context, broker Broker) error {
	if broker == nil {
		return errors.New("broker is required")
	}
	g.broker = broker
	return nil
}

// State returns the current cycle, or nil before the first candle.
func (g *Grid) State() *GridState { return g.state }

func (g *Grid) Cycles() []CycleSummary {
	return append([]CycleSummary(nil), g.cycles...)
}

func (g *Grid) Resets() int { return g.resets }

func (g *Grid) OnBar(ctx context.Context, candle core.Candle) error {
	if g.dormant {
		return nil
	}
	if g.state == nil {
		return g.build(ctx, candle)
	}
	if g.state.Status != StatusActive || g.state.Bounds.Contains(candle.Close) {
		return nil
	}
	return g.breach(ctx, candle)
}

func (g *Grid) build(ctx context.Context, candle core.Candle) error {
	built, err := grid.Build(grid.Spec{
		Center:     candle.Close,
		Levels:     g.params.Levels,
		SpacingPct: g.params.SpacingPct,
		Type:       g.params.Type,
		PriceTick:  g.params.Rules.PriceTick,
	})
	if err != nil {
		g.dormant = true
		if g.state != nil {
			g.state.Status = StatusDormant
		}
		return fmt.Errorf("build grid at %s: %w", candle.Close, err)
	}
	cycle := 1
	if g.state != nil {
		cycle = g.state.Cycle + 1
	}
	st := &GridState{
		Cycle:           cycle,
		Center:          built.Center,
		Bounds:          grid.BoundsFor(built.Center, g.params.StopLossPct, g.params.TakeProfitPct),
		Status:          StatusBuilding,
		Policy:          g.params.InitialPosition,
		StartedAt:       candle.Time,
		realizedAtStart: g.broker.RealizedPnL(),
	}
	prices := built.Prices()
	st.Levels = make([]Level, len(prices))
	for i, price := range prices {
		side := core.Sell
		if i < len(built.Buys) {
			side = core.Buy
		}
		st.Levels[i] = Level{Price: price, Qty: g.levelQty(price), Side: side}
	}
	g.state = st
	g.slots = make(map[string]int)
	g.logger.Info("grid built",
		zap.Int("cycle", st.Cycle),
		zap.String("center", st.Center.String()),
		zap.String("lower", st.Bounds.Lower.String()),
		zap.String("upper", st.Bounds.Upper.String()),
		zap.String("policy", string(st.Policy)),
	)

	if st.Policy == BuyAtMarket {
		need := g.bootstrapNeed()
		if need.Cmp(decimal.Zero) > 0 {
			id, err := g.broker.Submit(ctx, core.OrderRequest{
				Symbol: g.symbol,
				Side:   core.Buy,
				Type:   core.Market,
				Qty:    need,
				Tag:    bootstrapTag,
			})
			if err != nil {
				g.degrade(ctx, err)
				return nil
			}
			st.bootstrapID = id
			return nil
		}
		g.placeAll(ctx)
		return nil
	}
	g.placeBuys(ctx)
	return nil
}

// bootstrapNeed is the sell-side quantity not already covered by free
// inventory, rounded up to the quantity step.
func (g *Grid) bootstrapNeed() decimal.Decimal {
	total := decimal.Zero
	for _, lv := range g.state.Levels {
		if lv.Side == core.Sell && g.placeable(lv) {
			total = total.Add(lv.Qty)
		}
	}
	need := total.Sub(g.freeInventory())
	if need.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return roundUp(need, g.params.Rules.QtyStep)
}

func (g *Grid) placeBuys(ctx context.Context) {
	for i, lv := range g.state.Levels {
		if lv.Side == core.Buy {
			g.place(ctx, i, core.Buy, lv.Qty)
		}
	}
	g.state.Status = StatusActive
}

func (g *Grid) placeAll(ctx context.Context) {
	for i, lv := range g.state.Levels {
		g.place(ctx, i, lv.Side, lv.Qty)
	}
	g.state.Status = StatusActive
}

func (g *Grid) degrade(ctx context.Context, reason error) {
	g.logger.Warn("bootstrap market buy rejected, waiting for buys",
		zap.Int("cycle", g.state.Cycle),
		zap.Error(reason),
	)
	g.state.bootstrapID = ""
	g.state.Policy = WaitForBuy
	g.placeBuys(ctx)
}

func (g *Grid) placeable(lv Level) bool {
	return lv.Qty.Cmp(decimal.Zero) > 0 && g.state.Bounds.Contains(lv.Price)
}

// place submits a limit order into slot idx. An occupied or out-of-range
// slot is left untouched.
func (g *Grid) place(ctx context.Context, idx int, side core.Side, qty decimal.Decimal) {
	st := g.state
	if idx < 0 || idx >= len(st.Levels) {
		return
	}
	lv := st.Levels[idx]
	if lv.Live() || !g.placeable(lv) {
		return
	}
	if side == core.Sell {
		free := g.freeInventory()
		if qty.Cmp(free) > 0 {
			qty = core.RoundDown(free, g.params.Rules.QtyStep)
		}
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return
	}
	id, err := g.broker.Submit(ctx, core.OrderRequest{
		Symbol: g.symbol,
		Side:   side,
		Type:   core.Limit,
		Qty:    qty,
		Price:  lv.Price,
		Tag:    fmt.Sprintf("grid-%d-%d", st.Cycle, idx),
	})
	if err != nil {
		g.logger.Debug("grid order not placed",
			zap.Int("slot", idx),
			zap.String("side", string(side)),
			zap.String("price", lv.Price.String()),
			zap.Error(err),
		)
		return
	}
	st.Levels[idx].Side = side
	st.Levels[idx].OrderID = id
	st.Levels[idx].OrderQty = qty
	g.slots[id] = idx
}

// freeInventory is the long position not yet committed to live sells.
func (g *Grid) freeInventory() decimal.Decimal {
	free := g.broker.Position(g.symbol).Qty
	if g.state != nil {
		for _, lv := range g.state.Levels {
			if lv.Live() && lv.Side == core.Sell {
				free = free.Sub(lv.OrderQty)
			}
		}
	}
	if free.Cmp(decimal.Zero) < 0 {
		return decimal.Zero
	}
	return free
}

func (g *Grid) levelQty(price decimal.Decimal) decimal.Decimal {
	if g.params.OrderQty.Cmp(decimal.Zero) > 0 {
		return g.params.OrderQty
	}
	step := g.params.Rules.QtyStep
	if step.Cmp(decimal.Zero) <= 0 {
		step = decimal.NewFromInt(1)
	}
	return core.RoundDown(g.params.OrderAmount.Div(price), step)
}

func (g *Grid) OnOrderFilled(ctx context.Context, order core.Order, fill core.Fill) error {
	st := g.state
	if st == nil {
		return nil
	}
	if order.ID == st.bootstrapID && st.bootstrapID != "" {
		if order.Status == core.OrderFilled {
			st.bootstrapID = ""
			st.Fills++
			g.placeAll(ctx)
		}
		return nil
	}
	idx, ok := g.slots[order.ID]
	if !ok {
		return nil
	}
	if order.Status != core.OrderFilled {
		return nil
	}
	delete(g.slots, order.ID)
	st.Levels[idx].OrderID = ""
	st.Levels[idx].OrderQty = decimal.Zero
	st.Fills++
	if st.Status != StatusActive {
		return nil
	}
	// A filled buy is offered one level up, a filled sell is bid one level down.
	side := order.Side.Opposite()
	if side == core.Sell {
		g.place(ctx, idx+1, side, order.FilledQty)
	} else if idx-1 >= 0 {
		g.place(ctx, idx-1, side, st.Levels[idx-1].Qty)
	}
	return nil
}

func (g *Grid) OnOrderRejected(ctx context.Context, order core.Order, reason error) error {
	st := g.state
	if st == nil {
		return nil
	}
	if order.ID == st.bootstrapID && st.bootstrapID != "" {
		g.degrade(ctx, reason)
		return nil
	}
	if idx, ok := g.slots[order.ID]; ok {
		delete(g.slots, order.ID)
		st.Levels[idx].OrderID = ""
		st.Levels[idx].OrderQty = decimal.Zero
		g.logger.Info("grid order rejected",
			zap.Int("slot", idx),
			zap.String("order_id", order.ID),
			zap.Error(reason),
		)
	}
	return nil
}

func (g *Grid) breach(ctx context.Context, candle core.Candle) error {
	st := g.state
	st.Status = StatusBreached
	direction := "UP"
	if candle.Close.Cmp(st.Bounds.Lower) < 0 {
		direction = "DOWN"
	}
	var errs []error
	for i := range st.Levels {
		if !st.Levels[i].Live() {
			continue
		}
		if err := g.cancel(ctx, st.Levels[i].OrderID); err != nil {
			errs = append(errs, err)
		}
		st.Levels[i].OrderID = ""
		st.Levels[i].OrderQty = decimal.Zero
	}
	if st.bootstrapID != "" {
		if err := g.cancel(ctx, st.bootstrapID); err != nil {
			errs = append(errs, err)
		}
		st.bootstrapID = ""
	}
	g.slots = make(map[string]int)

	summary := CycleSummary{
		Cycle:       st.Cycle,
		Center:      st.Center,
		Lower:       st.Bounds.Lower,
		Upper:       st.Bounds.Upper,
		Direction:   direction,
		StartedAt:   st.StartedAt,
		EndedAt:     candle.Time,
		ExitPrice:   candle.Close,
		Fills:       st.Fills,
		RealizedPnL: g.broker.RealizedPnL().Sub(st.realizedAtStart),
	}
	g.cycles = append(g.cycles, summary)
	g.logger.Info("grid breached",
		zap.Int("cycle", st.Cycle),
		zap.String("direction", direction),
		zap.String("close", candle.Close.String()),
		zap.String("cycle_pnl", summary.RealizedPnL.String()),
	)

	if !g.params.AutoReset {
		st.Status = StatusDormant
		g.dormant = true
		return errors.Join(errs...)
	}
	st.Status = StatusResetting
	g.resets++
	if err := g.build(ctx, candle); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Grid) cancel(ctx context.Context, id string) error {
	err := g.broker.Cancel(ctx, id)
	if err == nil || errors.Is(err, core.ErrOrderNotFound) {
		return nil
	}
	return fmt.Errorf("cancel %s: %w", id, err)
}

func (g *Grid) Summary() map[string]any {
	out := map[string]any{
		"cycles": len(g.cycles),
		"resets": g.resets,
	}
	if g.state != nil {
		out["status"] = string(g.state.Status)
		out["center"] = g.state.Center.String()
		out["live_orders"] = g.state.LiveOrders()
	}
	history := make([]map[string]any, 0, len(g.cycles))
	for _, c := range g.cycles {
		history = append(history, map[string]any{
			"cycle":        c.Cycle,
			"center":       c.Center.String(),
			"lower":        c.Lower.String(),
			"upper":        c.Upper.String(),
			"direction":    c.Direction,
			"started_at":   c.StartedAt.UTC().Format(time.RFC3339),
			"ended_at":     c.EndedAt.UTC().Format(time.RFC3339),
			"exit_price":   c.ExitPrice.String(),
			"fills":        c.Fills,
			"realized_pnl": c.RealizedPnL.String(),
		})
	}
	out["history"] = history
	return out
}

func roundUp(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}
