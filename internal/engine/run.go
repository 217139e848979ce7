package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
	"grid-backtest/internal/execution"
	"grid-backtest/internal/portfolio"
	"grid-backtest/internal/strategy"
	"grid-backtest/internal/telemetry"
)

// run holds the mutable state of one replay. It implements strategy.Broker.
type run struct {
	cfg       Config
	logger    *zap.Logger
	telemetry *telemetry.Collector
	progress  ProgressFunc

	candles []core.Candle
	bar     int
	exec    *execution.Executor
	ledger  *portfolio.Ledger
	strat   strategy.Strategy

	seq    int
	orders []*core.Order
	// open holds standing limit orders in submission order.
	open []*core.Order
	// queued holds market orders waiting for the drain step.
	queued []*core.Order
	fills  []core.Fill
	diags  []Diagnostic
	peak   decimal.Decimal
}

var _ strategy.Broker = (*run)(nil)

func (r *run) current() core.Candle { return r.candles[r.bar] }

func (r *run) next() *core.Candle {
	if r.bar+1 < len(r.candles) {
		return &r.candles[r.bar+1]
	}
	return nil
}

func (r *run) step(ctx context.Context, i int) {
	r.bar = i
	c := r.candles[i]
	if err := r.ledger.Mark(r.cfg.Symbol, c.Close); err != nil {
		r.logger.Warn("mark rejected", zap.Int("bar", i), zap.Error(err))
	}
	r.resolveStanding(ctx, c)
	r.guard(c, "on_bar", func() error { return r.strat.OnBar(ctx, c) })
	r.drain(ctx)
	pt := r.ledger.RecordBar(c.Time)
	r.telemetry.Bar(pt.Equity.InexactFloat64())
	r.report(pt)
}

// resolveStanding checks limit orders placed on earlier bars against c.
// Buys resolve from the highest price down, then sells from the lowest
// price up, which is the order a falling or rising path would touch them.
func (r *run) resolveStanding(ctx context.Context, c core.Candle) {
	standing := make([]*core.Order, 0, len(r.open))
	for _, ord := range r.open {
		if ord.Active() && ord.CreatedBar < r.bar {
			standing = append(standing, ord)
		}
	}
	sort.SliceStable(standing, func(i, j int) bool {
		a, b := standing[i], standing[j]
		if a.Side != b.Side {
			return a.Side == core.Buy
		}
		if a.Side == core.Buy {
			return a.Price.Cmp(b.Price) > 0
		}
		return a.Price.Cmp(b.Price) < 0
	})
	for _, ord := range standing {
		if !ord.Active() {
			continue
		}
		out := r.exec.Resolve(*ord, c, nil)
		switch {
		case out.Status == core.OrderRejected:
			r.reject(ctx, ord, out.Reason)
		case out.Filled():
			r.settle(ctx, ord, out, c.Time)
		}
	}
	r.compact()
}

// drain resolves queued market orders against the next candle's open.
// Callbacks may queue more; passes are bounded per bar.
func (r *run) drain(ctx context.Context) {
	for pass := 0; pass < r.cfg.IntentPasses && len(r.queued) > 0; pass++ {
		batch := r.queued
		r.queued = nil
		next := r.next()
		for _, ord := range batch {
			if !ord.Active() {
				continue
			}
			out := r.exec.Resolve(*ord, r.current(), next)
			switch {
			case out.Status == core.OrderRejected:
				r.reject(ctx, ord, out.Reason)
			case out.Filled():
				r.settle(ctx, ord, out, next.Time)
			}
		}
	}
	leftover := r.queued
	r.queued = nil
	for _, ord := range leftover {
		if ord.Active() {
			r.reject(ctx, ord, ErrIntentBudget)
		}
	}
	r.compact()
}

func (r *run) settle(ctx context.Context, ord *core.Order, out execution.Outcome, at time.Time) {
	fill := core.Fill{
		OrderID: ord.ID,
		Symbol:  ord.Symbol,
		Side:    ord.Side,
		Price:   out.Price,
		Qty:     out.Qty,
		Fee:     out.Fee,
		Time:    at,
		Bar:     r.bar,
	}
	if err := r.ledger.CanAfford(fill); err != nil {
		r.reject(ctx, ord, err)
		return
	}
	if _, err := r.ledger.ApplyFill(fill); err != nil {
		r.reject(ctx, ord, err)
		return
	}
	ord.ApplyFill(fill.Qty, fill.Price, fill.Fee, at)
	r.fills = append(r.fills, fill)
	r.telemetry.Fill(string(fill.Side))
	snapshot := *ord
	r.guard(r.current(), "on_order_filled", func() error { return r.strat.OnOrderFilled(ctx, snapshot, fill) })
}

func (r *run) reject(ctx context.Context, ord *core.Order, reason error) {
	ord.Status = core.OrderRejected
	ord.RejectReason = reason.Error()
	ord.UpdatedAt = r.current().Time
	r.recordRejection(ord, reason)
	snapshot := *ord
	r.guard(r.current(), "on_order_rejected", func() error { return r.strat.OnOrderRejected(ctx, snapshot, reason) })
}

func (r *run) recordRejection(ord *core.Order, reason error) {
	c := r.current()
	r.diags = append(r.diags, Diagnostic{
		Kind:    DiagOrderRejected,
		Bar:     r.bar,
		Time:    c.Time,
		OrderID: ord.ID,
		Message: fmt.Sprintf("%s %s %s: %v", ord.Side, ord.Type, ord.Qty, reason),
	})
	r.telemetry.Rejection(rejectionLabel(reason))
	r.logger.Debug("order rejected",
		zap.Int("bar", r.bar),
		zap.Time("time", c.Time),
		zap.String("order_id", ord.ID),
		zap.String("side", string(ord.Side)),
		zap.Error(reason),
	)
}

// guard runs a strategy callback, turning errors and panics into
// StrategyFault diagnostics so one bad bar does not end the run.
func (r *run) guard(c core.Candle, stage string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			r.fault(c, stage, fmt.Errorf("panic: %v", p), string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		r.fault(c, stage, err, "")
	}
}

func (r *run) fault(c core.Candle, stage string, err error, stack string) {
	r.diags = append(r.diags, Diagnostic{
		Kind:    DiagStrategyFault,
		Bar:     r.bar,
		Time:    c.Time,
		Stage:   stage,
		Message: err.Error(),
	})
	r.telemetry.Fault()
	fields := []zap.Field{
		zap.String("stage", stage),
		zap.Int("bar", r.bar),
		zap.Time("time", c.Time),
		zap.String("close", c.Close.String()),
		zap.Error(err),
	}
	if stack != "" {
		fields = append(fields, zap.String("stack", stack))
	}
	r.logger.Error("strategy fault", fields...)
}

// compact drops orders that are no longer active from the standing list.
func (r *run) compact() {
	kept := r.open[:0]
	for _, ord := range r.open {
		if ord.Active() {
			kept = append(kept, ord)
		}
	}
	for i := len(kept); i < len(r.open); i++ {
		r.open[i] = nil
	}
	r.open = kept
}

func (r *run) report(pt portfolio.EquityPoint) {
	if r.progress == nil {
		return
	}
	if pt.Equity.Cmp(r.peak) > 0 {
		r.peak = pt.Equity
	}
	p := Progress{
		Index:      r.bar,
		Total:      len(r.candles),
		Time:       pt.Time,
		Equity:     pt.Equity,
		Trades:     len(r.ledger.Trades()),
		OpenOrders: r.openCount(),
	}
	initial := r.ledger.InitialCash()
	if initial.Cmp(decimal.Zero) > 0 {
		p.ReturnPct = pt.Equity.Sub(initial).Div(initial).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	if r.peak.Cmp(decimal.Zero) > 0 {
		p.DrawdownPct = r.peak.Sub(pt.Equity).Div(r.peak).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.progress = nil
			r.diags = append(r.diags, Diagnostic{
				Kind:    DiagProgressFault,
				Bar:     r.bar,
				Time:    pt.Time,
				Message: fmt.Sprintf("progress listener panic: %v", rec),
			})
			r.logger.Warn("progress listener detached", zap.Any("panic", rec))
		}
	}()
	r.progress(p)
}

func (r *run) openCount() int {
	n := 0
	for _, ord := range r.open {
		if ord.Active() {
			n++
		}
	}
	for _, ord := range r.queued {
		if ord.Active() {
			n++
		}
	}
	return n
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrInsufficientCash):
		return "insufficient_cash"
	case errors.Is(err, core.ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, core.ErrNoNextCandle):
		return "no_next_candle"
	case errors.Is(err, ErrIntentBudget):
		return "intent_budget"
	case errors.Is(err, core.ErrBelowMinQty), errors.Is(err, core.ErrBelowMinNotional):
		return "below_minimum"
	}
	return "invalid"
}
