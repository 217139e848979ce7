package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
	"grid-backtest/internal/tax"
)

type EquityPoint struct {
	Time   time.Time
	Equity decimal.Decimal
	Cash   decimal.Decimal
}

type Options struct {
	AllowShort bool
	Tax        *tax.Classifier
}

// Snapshot is a copy of the ledger state at one point in time.
type Snapshot struct {
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	Realized    decimal.Decimal
	Unrealized  decimal.Decimal
	FeesPaid    decimal.Decimal
	TaxPaid     decimal.Decimal
	Positions   []core.Position
	Marks       map[string]decimal.Decimal
	TradeCount  int
	FilledCount int
}

// Ledger is the single owner of cash and positions. It is not safe for
// concurrent use; a run drives it from one goroutine.
type Ledger struct {
	opts        Options
	initialCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*core.Position
	marks       map[string]decimal.Decimal
	realized    decimal.Decimal
	feesPaid    decimal.Decimal
	taxPaid     decimal.Decimal
	trades      []core.Trade
	fills       int
	barCurve    []EquityPoint
	fillCurve   []EquityPoint
}

func New(initialCash decimal.Decimal, opts Options) (*Ledger, error) {
	if initialCash.Cmp(decimal.Zero) < 0 {
		return nil, core.NewConfigError("initial_cash", "must be >= 0")
	}
	return &Ledger{
		opts:        opts,
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]*core.Position),
		marks:       make(map[string]decimal.Decimal),
	}, nil
}

// settlement is the effect of one fill, computed without touching state.
type settlement struct {
	cashDelta decimal.Decimal
	position  core.Position
	trade     *core.Trade
}

func (l *Ledger) plan(fill core.Fill) (settlement, error) {
	if fill.Qty.Cmp(decimal.Zero) <= 0 || fill.Price.Cmp(decimal.Zero) <= 0 {
		return settlement{}, core.ErrInvalidOrder
	}
	pos := l.Position(fill.Symbol)
	signed := fill.Qty.Mul(fill.Side.Sign())
	if !l.opts.AllowShort && fill.Side == core.Sell && fill.Qty.Cmp(pos.Qty) > 0 {
		return settlement{}, fmt.Errorf("%w: sell %s with %s held", core.ErrInsufficientInventory, fill.Qty, pos.Qty)
	}

	notional := fill.Notional()
	var s settlement
	if fill.Side == core.Buy {
		s.cashDelta = notional.Neg().Sub(fill.Fee)
	} else {
		s.cashDelta = notional.Sub(fill.Fee)
	}

	// Increasing (or opening) in the same direction.
	if pos.Flat() || pos.Qty.Sign() == signed.Sign() {
		s.position = increase(pos, fill)
		return s, nil
	}

	held := pos.Qty.Abs()
	closeQty := decimal.Min(fill.Qty, held)
	closeFee := fill.Fee.Mul(closeQty).Div(fill.Qty)
	entryFee := pos.EntryFees.Mul(closeQty).Div(held)

	trade := &core.Trade{
		Symbol:     fill.Symbol,
		Side:       core.Long,
		EntryTime:  pos.OpenedAt,
		EntryPrice: pos.AvgCost,
		ExitTime:   fill.Time,
		ExitPrice:  fill.Price,
		Qty:        closeQty,
		GrossPnL:   fill.Price.Sub(pos.AvgCost).Mul(closeQty),
		Fees:       entryFee.Add(closeFee),
		OrderID:    fill.OrderID,
	}
	if pos.Qty.Sign() < 0 {
		trade.Side = core.Short
		trade.GrossPnL = pos.AvgCost.Sub(fill.Price).Mul(closeQty)
	}
	trade.HoldingPeriod = trade.ExitTime.Sub(trade.EntryTime)
	trade.NetPnL = trade.GrossPnL.Sub(trade.Fees)
	l.opts.Tax.Assess(trade)
	s.cashDelta = s.cashDelta.Sub(trade.Tax)
	s.trade = trade

	rest := pos
	rest.Qty = pos.Qty.Add(closeQty.Mul(fill.Side.Sign()))
	rest.EntryFees = pos.EntryFees.Sub(entryFee)
	if rest.Flat() {
		rest = core.Position{Symbol: fill.Symbol, Qty: decimal.Zero, AvgCost: decimal.Zero, EntryFees: decimal.Zero}
	}

	remain := fill.Qty.Sub(closeQty)
	if remain.Cmp(decimal.Zero) > 0 {
		opening := fill
		opening.Qty = remain
		opening.Fee = fill.Fee.Sub(closeFee)
		rest = increase(rest, opening)
	}
	s.position = rest
	return s, nil
}

func increase(pos core.Position, fill core.Fill) core.Position {
	signed := fill.Qty.Mul(fill.Side.Sign())
	if pos.Flat() {
		return core.Position{
			Symbol:    fill.Symbol,
			Qty:       signed,
			AvgCost:   fill.Price,
			EntryFees: fill.Fee,
			OpenedAt:  fill.Time,
		}
	}
	oldAbs := pos.Qty.Abs()
	pos.AvgCost = weightedPrice(pos.AvgCost, oldAbs, fill.Price, fill.Qty)
	pos.Qty = pos.Qty.Add(signed)
	pos.EntryFees = pos.EntryFees.Add(fill.Fee)
	return pos
}

// CanAfford reports whether the fill would settle without cash going
// negative or breaching the inventory rule.
func (l *Ledger) CanAfford(fill core.Fill) error {
	s, err := l.plan(fill)
	if err != nil {
		return err
	}
	if l.cash.Add(s.cashDelta).Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%w: need %s, have %s", core.ErrInsufficientCash, s.cashDelta.Neg(), l.cash)
	}
	return nil
}

// ApplyFill commits a fill. It returns the Trade when the fill reduced a
// position. One per-fill equity point is appended on success.
func (l *Ledger) ApplyFill(fill core.Fill) (*core.Trade, error) {
	s, err := l.plan(fill)
	if err != nil {
		return nil, err
	}
	next := l.cash.Add(s.cashDelta)
	if next.Cmp(decimal.Zero) < 0 {
		return nil, fmt.Errorf("%w: need %s, have %s", core.ErrInsufficientCash, s.cashDelta.Neg(), l.cash)
	}
	l.cash = next
	l.feesPaid = l.feesPaid.Add(fill.Fee)
	l.fills++
	pos := s.position
	l.positions[fill.Symbol] = &pos
	if _, ok := l.marks[fill.Symbol]; !ok {
		l.marks[fill.Symbol] = fill.Price
	}
	var out *core.Trade
	if s.trade != nil {
		l.taxPaid = l.taxPaid.Add(s.trade.Tax)
		l.realized = l.realized.Add(s.trade.NetPnL)
		l.trades = append(l.trades, *s.trade)
		t := *s.trade
		out = &t
	}
	l.fillCurve = append(l.fillCurve, EquityPoint{Time: fill.Time, Equity: l.Equity(), Cash: l.cash})
	return out, nil
}

// Mark sets the price used for equity and unrealized P&L.
func (l *Ledger) Mark(symbol string, price decimal.Decimal) error {
	if price.Cmp(decimal.Zero) <= 0 {
		return errors.New("mark price must be > 0")
	}
	l.marks[symbol] = price
	return nil
}

// RecordBar appends one point to the per-bar equity curve.
func (l *Ledger) RecordBar(at time.Time) EquityPoint {
	pt := EquityPoint{Time: at, Equity: l.Equity(), Cash: l.cash}
	l.barCurve = append(l.barCurve, pt)
	return pt
}

func (l *Ledger) Cash() decimal.Decimal { return l.cash }

func (l *Ledger) InitialCash() decimal.Decimal { return l.initialCash }

// Equity is cash plus every signed position valued at its mark.
func (l *Ledger) Equity() decimal.Decimal {
	eq := l.cash
	for sym, pos := range l.positions {
		eq = eq.Add(pos.Qty.Mul(l.markFor(sym, pos)))
	}
	return eq
}

// RealizedPnL is net of fees and tax.
func (l *Ledger) RealizedPnL() decimal.Decimal { return l.realized }

func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for sym, pos := range l.positions {
		if pos.Flat() {
			continue
		}
		total = total.Add(l.markFor(sym, pos).Sub(pos.AvgCost).Mul(pos.Qty))
	}
	return total
}

func (l *Ledger) markFor(symbol string, pos *core.Position) decimal.Decimal {
	if m, ok := l.marks[symbol]; ok {
		return m
	}
	return pos.AvgCost
}

func (l *Ledger) Position(symbol string) core.Position {
	if pos, ok := l.positions[symbol]; ok {
		return *pos
	}
	return core.Position{Symbol: symbol, Qty: decimal.Zero, AvgCost: decimal.Zero, EntryFees: decimal.Zero}
}

func (l *Ledger) Trades() []core.Trade {
	return append([]core.Trade(nil), l.trades...)
}

func (l *Ledger) EquityCurve() []EquityPoint {
	return append([]EquityPoint(nil), l.barCurve...)
}

func (l *Ledger) FillCurve() []EquityPoint {
	return append([]EquityPoint(nil), l.fillCurve...)
}

func (l *Ledger) FeesPaid() decimal.Decimal { return l.feesPaid }

func (l *Ledger) TaxPaid() decimal.Decimal { return l.taxPaid }

func (l *Ledger) Snapshot() Snapshot {
	syms := make([]string, 0, len(l.positions))
	for sym := range l.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	positions := make([]core.Position, 0, len(syms))
	for _, sym := range syms {
		positions = append(positions, *l.positions[sym])
	}
	marks := make(map[string]decimal.Decimal, len(l.marks))
	for k, v := range l.marks {
		marks[k] = v
	}
	return Snapshot{
		Cash:        l.cash,
		Equity:      l.Equity(),
		Realized:    l.realized,
		Unrealized:  l.UnrealizedPnL(),
		FeesPaid:    l.feesPaid,
		TaxPaid:     l.taxPaid,
		Positions:   positions,
		Marks:       marks,
		TradeCount:  len(l.trades),
		FilledCount: l.fills,
	}
}

func weightedPrice(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}
