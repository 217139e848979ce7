package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type PositionSide string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type Candle struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// OrderRequest is what a strategy asks the engine to place.
type OrderRequest struct {
	Symbol string
	Side   Side
	Type   OrderType
	Qty    decimal.Decimal
	Price  decimal.Decimal
	Tag    string
}

type Order struct {
	ID           string
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          decimal.Decimal
	Price        decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
	CreatedBar   int
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fees         decimal.Decimal
	UpdatedAt    time.Time
	RejectReason string
	Tag          string
}

// Remaining is the unfilled part of the order.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Qty.Sub(o.FilledQty)
	if rem.Cmp(decimal.Zero) < 0 {
		return decimal.Zero
	}
	return rem
}

// Active reports whether the order can still receive fills.
func (o Order) Active() bool {
	return o.Status == OrderPending || o.Status == OrderPartiallyFilled
}

// ApplyFill folds a fill into the order. The quantity is capped at the
// remaining amount so FilledQty never exceeds Qty.
func (o *Order) ApplyFill(qty, price, fee decimal.Decimal, at time.Time) decimal.Decimal {
	rem := o.Remaining()
	if qty.Cmp(rem) > 0 {
		qty = rem
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	filled := o.FilledQty.Add(qty)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty)).Div(filled)
	o.FilledQty = filled
	o.Fees = o.Fees.Add(fee)
	o.UpdatedAt = at
	if o.FilledQty.Cmp(o.Qty) >= 0 {
		o.FilledQty = o.Qty
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartiallyFilled
	}
	return qty
}

type Fill struct {
	OrderID string
	Symbol  string
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Fee     decimal.Decimal
	Time    time.Time
	Bar     int
}

// Notional is price times quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Qty)
}

// Position is signed: positive is long, negative is short.
type Position struct {
	Symbol    string
	Qty       decimal.Decimal
	AvgCost   decimal.Decimal
	EntryFees decimal.Decimal
	OpenedAt  time.Time
}

func (p Position) Flat() bool {
	return p.Qty.Cmp(decimal.Zero) == 0
}

type TaxClass string

const (
	Delivery TaxClass = "DELIVERY"
	Intraday TaxClass = "INTRADAY"
)

// Trade is one closing fill matched against the average-cost basis of
// the position it reduced.
type Trade struct {
	Symbol        string
	Side          PositionSide
	EntryTime     time.Time
	EntryPrice    decimal.Decimal
	ExitTime      time.Time
	ExitPrice     decimal.Decimal
	Qty           decimal.Decimal
	GrossPnL      decimal.Decimal
	Fees          decimal.Decimal
	Tax           decimal.Decimal
	TaxClass      TaxClass
	NetPnL        decimal.Decimal
	HoldingPeriod time.Duration
	OrderID       string
}

// ExitNotional is the value of the closing leg.
func (t Trade) ExitNotional() decimal.Decimal {
	return t.ExitPrice.Mul(t.Qty)
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}
