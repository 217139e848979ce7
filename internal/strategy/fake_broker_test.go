package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

type fakeBroker struct {
	nextID    int
	orders    map[string]*core.Order
	submitted []core.Order
	canceled  []string
	position  decimal.Decimal
	cash      decimal.Decimal
	realized  decimal.Decimal

	submitErr func(core.OrderRequest) error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		orders: make(map[string]*core.Order),
		cash:   decimal.NewFromInt(1_000_000),
	}
}

func (f *fakeBroker) Submit(_ context.Context, req core.OrderRequest) (string, error) {
	if f.submitErr != nil {
		if err := f.submitErr(req); err != nil {
			return "", err
		}
	}
	f.nextID++
	ord := &core.Order{
		ID:     fmt.Sprintf("o-%d", f.nextID),
		Symbol: req.Symbol,
		Side:   req.Side,
		Type:   req.Type,
		Qty:    req.Qty,
		Price:  req.Price,
		Status: core.OrderPending,
		Tag:    req.Tag,
	}
	f.orders[ord.ID] = ord
	f.submitted = append(f.submitted, *ord)
	return ord.ID, nil
}

func (f *fakeBroker) Cancel(_ context.Context, id string) error {
	ord, ok := f.orders[id]
	if !ok || !ord.Active() {
		return core.ErrOrderNotFound
	}
	ord.Status = core.OrderCancelled
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeBroker) Position(symbol string) core.Position {
	return core.Position{Symbol: symbol, Qty: f.position}
}

func (f *fakeBroker) Cash() decimal.Decimal { return f.cash }

func (f *fakeBroker) RealizedPnL() decimal.Decimal { return f.realized }

// fill completes an order at price and moves the fake position.
func (f *fakeBroker) fill(id string, price decimal.Decimal) (core.Order, core.Fill) {
	ord := f.orders[id]
	qty := ord.Remaining()
	ord.ApplyFill(qty, price, decimal.Zero, time.Time{})
	if ord.Side == core.Buy {
		f.position = f.position.Add(qty)
	} else {
		f.position = f.position.Sub(qty)
	}
	return *ord, core.Fill{OrderID: id, Symbol: ord.Symbol, Side: ord.Side, Price: price, Qty: qty}
}

func (f *fakeBroker) active() []core.Order {
	out := make([]core.Order, 0)
	for _, sub := range f.submitted {
		if f.orders[sub.ID].Active() {
			out = append(out, *f.orders[sub.ID])
		}
	}
	return out
}

func (f *fakeBroker) activeBySide(side core.Side) []core.Order {
	out := make([]core.Order, 0)
	for _, ord := range f.active() {
		if ord.Side == side {
			out = append(out, ord)
		}
	}
	return out
}
