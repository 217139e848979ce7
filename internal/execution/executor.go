package execution

import (
	"errors"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

var bps = decimal.NewFromInt(10_000)

// FillModel caps how much of a touched limit order fills on one candle.
type FillModel interface {
	FillableQty(order core.Order, candle core.Candle) decimal.Decimal
}

// FullFill fills the whole remaining quantity once the price is touched.
type FullFill struct{}

func (FullFill) FillableQty(order core.Order, _ core.Candle) decimal.Decimal {
	return order.Remaining()
}

// VolumeCap allows at most MaxVolumePct percent of the candle's volume per
// candle. Candles without volume data fill in full. QtyStep rounds the
// capped quantity down.
type VolumeCap struct {
	MaxVolumePct decimal.Decimal
	QtyStep      decimal.Decimal
}

func (m VolumeCap) FillableQty(order core.Order, candle core.Candle) decimal.Decimal {
	rem := order.Remaining()
	if m.MaxVolumePct.Cmp(decimal.Zero) <= 0 || candle.Volume.Cmp(decimal.Zero) <= 0 {
		return rem
	}
	capQty := candle.Volume.Mul(m.MaxVolumePct).Div(decimal.NewFromInt(100))
	capQty = core.RoundDown(capQty, m.QtyStep)
	if capQty.Cmp(rem) >= 0 {
		return rem
	}
	if capQty.Cmp(decimal.Zero) < 0 {
		return decimal.Zero
	}
	return capQty
}

type Config struct {
	SlippageBps decimal.Decimal
	FeeBps      decimal.Decimal
	Model       FillModel
}

func (c Config) Validate() error {
	if c.SlippageBps.Cmp(decimal.Zero) < 0 {
		return errors.New("slippage_bps must be >= 0")
	}
	if c.FeeBps.Cmp(decimal.Zero) < 0 {
		return errors.New("fee_bps must be >= 0")
	}
	return nil
}

// Outcome is the executor's verdict for one order on one candle.
// Status PENDING means untouched, REJECTED carries Reason.
type Outcome struct {
	Status core.OrderStatus
	Price  decimal.Decimal
	Qty    decimal.Decimal
	Fee    decimal.Decimal
	Reason error
}

func (o Outcome) Filled() bool {
	return o.Qty.Cmp(decimal.Zero) > 0
}

type Executor struct {
	slippage decimal.Decimal
	feeRate  decimal.Decimal
	model    FillModel
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == nil {
		model = FullFill{}
	}
	return &Executor{
		slippage: cfg.SlippageBps.Div(bps),
		feeRate:  cfg.FeeBps.Div(bps),
		model:    model,
	}, nil
}

// Fee is the fixed basis-point charge on notional.
func (e *Executor) Fee(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(e.feeRate)
}

// MarketPrice applies slippage against the order's direction.
func (e *Executor) MarketPrice(side core.Side, ref decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == core.Buy {
		return ref.Mul(one.Add(e.slippage))
	}
	return ref.Mul(one.Sub(e.slippage))
}

// Resolve decides whether order fills. Market orders need next and fill at
// its open; limit orders fill at the limit price when current's range
// crosses it.
func (e *Executor) Resolve(order core.Order, current core.Candle, next *core.Candle) Outcome {
	if !order.Active() || order.Remaining().Cmp(decimal.Zero) <= 0 {
		return Outcome{Status: order.Status}
	}
	switch order.Type {
	case core.Market:
		if next == nil {
			return Outcome{Status: core.OrderRejected, Reason: core.ErrNoNextCandle}
		}
		price := e.MarketPrice(order.Side, next.Open)
		qty := order.Remaining()
		return Outcome{
			Status: core.OrderFilled,
			Price:  price,
			Qty:    qty,
			Fee:    e.Fee(price, qty),
		}
	case core.Limit:
		if !touches(order, current) {
			return Outcome{Status: order.Status}
		}
		qty := e.model.FillableQty(order, current)
		rem := order.Remaining()
		if qty.Cmp(rem) > 0 {
			qty = rem
		}
		if qty.Cmp(decimal.Zero) <= 0 {
			return Outcome{Status: order.Status}
		}
		status := core.OrderFilled
		if order.FilledQty.Add(qty).Cmp(order.Qty) < 0 {
			status = core.OrderPartiallyFilled
		}
		return Outcome{
			Status: status,
			Price:  order.Price,
			Qty:    qty,
			Fee:    e.Fee(order.Price, qty),
		}
	}
	return Outcome{Status: core.OrderRejected, Reason: core.ErrInvalidOrder}
}

func touches(order core.Order, c core.Candle) bool {
	switch order.Side {
	case core.Buy:
		return c.Low.Cmp(order.Price) <= 0
	case core.Sell:
		return c.High.Cmp(order.Price) >= 0
	}
	return false
}
