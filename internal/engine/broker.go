package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

// Submit validates and accepts an order. Limit orders start standing from
// the next candle; market orders fill at the next candle's open.
func (r *run) Submit(ctx context.Context, req core.OrderRequest) (string, error) {
	if len(r.candles) == 0 {
		return "", core.Rejection(core.ErrNoNextCandle)
	}
	c := r.current()
	if req.Symbol == "" {
		req.Symbol = r.cfg.Symbol
	}
	ord := &core.Order{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		Price:      req.Price,
		Status:     core.OrderPending,
		CreatedAt:  c.Time,
		CreatedBar: r.bar,
		UpdatedAt:  c.Time,
		Tag:        req.Tag,
	}
	if err := r.admit(&req, c); err != nil {
		r.seq++
		ord.ID = fmt.Sprintf("ord-%d", r.seq)
		ord.Status = core.OrderRejected
		ord.RejectReason = err.Error()
		r.orders = append(r.orders, ord)
		r.recordRejection(ord, err)
		return "", core.Rejection(err)
	}
	r.seq++
	ord.ID = fmt.Sprintf("ord-%d", r.seq)
	ord.Qty = req.Qty
	ord.Price = req.Price
	r.orders = append(r.orders, ord)
	if ord.Type == core.Market {
		r.queued = append(r.queued, ord)
	} else {
		r.open = append(r.open, ord)
	}
	r.telemetry.Order(string(ord.Side), string(ord.Type))
	return ord.ID, nil
}

// admit normalizes req in place and runs the cash and inventory pre-checks.
func (r *run) admit(req *core.OrderRequest, c core.Candle) error {
	if req.Symbol != r.cfg.Symbol {
		return fmt.Errorf("%w: unknown symbol %q", core.ErrInvalidOrder, req.Symbol)
	}
	if req.Side != core.Buy && req.Side != core.Sell {
		return fmt.Errorf("%w: side %q", core.ErrInvalidOrder, req.Side)
	}
	norm, err := core.NormalizeOrder(*req, r.cfg.Rules, c.Close)
	if err != nil {
		return err
	}
	*req = norm

	switch req.Side {
	case core.Buy:
		price := req.Price
		if req.Type == core.Market {
			price = r.exec.MarketPrice(core.Buy, c.Close)
		}
		cost := price.Mul(req.Qty).Add(r.exec.Fee(price, req.Qty))
		free := r.ledger.Cash().Sub(r.reservedCash())
		if cost.Cmp(free) > 0 {
			return fmt.Errorf("%w: need %s, free %s", core.ErrInsufficientCash, cost, free)
		}
	case core.Sell:
		if r.cfg.AllowShort {
			return nil
		}
		free := r.ledger.Position(req.Symbol).Qty.Sub(r.reservedQty())
		if req.Qty.Cmp(free) > 0 {
			return fmt.Errorf("%w: sell %s, free %s", core.ErrInsufficientInventory, req.Qty, free)
		}
	}
	return nil
}

// reservedCash is what live buy orders would still spend.
func (r *run) reservedCash() decimal.Decimal {
	total := decimal.Zero
	c := r.current()
	for _, ord := range r.live() {
		if ord.Side != core.Buy {
			continue
		}
		price := ord.Price
		if ord.Type == core.Market {
			price = r.exec.MarketPrice(core.Buy, c.Close)
		}
		rem := ord.Remaining()
		total = total.Add(price.Mul(rem)).Add(r.exec.Fee(price, rem))
	}
	return total
}

// reservedQty is the inventory already promised to live sells.
func (r *run) reservedQty() decimal.Decimal {
	total := decimal.Zero
	for _, ord := range r.live() {
		if ord.Side == core.Sell {
			total = total.Add(ord.Remaining())
		}
	}
	return total
}

func (r *run) live() []*core.Order {
	out := make([]*core.Order, 0, len(r.open)+len(r.queued))
	for _, ord := range r.open {
		if ord.Active() {
			out = append(out, ord)
		}
	}
	for _, ord := range r.queued {
		if ord.Active() {
			out = append(out, ord)
		}
	}
	return out
}

func (r *run) Cancel(ctx context.Context, orderID string) error {
	for _, ord := range r.live() {
		if ord.ID != orderID {
			continue
		}
		ord.Status = core.OrderCancelled
		ord.UpdatedAt = r.current().Time
		return nil
	}
	return fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
}

func (r *run) Position(symbol string) core.Position { return r.ledger.Position(symbol) }

func (r *run) Cash() decimal.Decimal { return r.ledger.Cash() }

func (r *run) RealizedPnL() decimal.Decimal { return r.ledger.RealizedPnL() }
