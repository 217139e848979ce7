package grid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Type string

const (
	Arithmetic Type = "arithmetic"
	Geometric  Type = "geometric"
)

var (
	ErrInvalidLevels  = errors.New("levels must be >= 1")
	ErrInvalidSpacing = errors.New("spacing_pct must be > 0")
	ErrInvalidCenter  = errors.New("center price must be > 0")
	ErrCollapsed      = errors.New("grid collapsed after tick normalization")
)

var hundred = decimal.NewFromInt(100)

// ParseType accepts the configuration spelling of a grid type.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Arithmetic:
		return Arithmetic, nil
	case Geometric:
		return Geometric, nil
	}
	return "", fmt.Errorf("grid type must be arithmetic or geometric, got %q", raw)
}

type Spec struct {
	Center     decimal.Decimal
	Levels     int
	SpacingPct decimal.Decimal
	Type       Type
	PriceTick  decimal.Decimal
}

// Grid holds the level prices on each side of the center, nearest first.
type Grid struct {
	Center decimal.Decimal
	Buys   []decimal.Decimal
	Sells  []decimal.Decimal
}

// CheckShape validates the parameters that do not depend on the center price,
// so a bad configuration fails before the first candle.
func CheckShape(levels int, spacingPct decimal.Decimal, typ Type) error {
	if levels < 1 {
		return ErrInvalidLevels
	}
	if spacingPct.Cmp(decimal.Zero) <= 0 {
		return ErrInvalidSpacing
	}
	switch typ {
	case Arithmetic:
		if spacingPct.Mul(decimal.NewFromInt(int64(levels))).Cmp(hundred) >= 0 {
			return fmt.Errorf("arithmetic grid with %d levels at %s%% reaches zero", levels, spacingPct)
		}
	case Geometric:
		if spacingPct.Cmp(hundred) >= 0 {
			return fmt.Errorf("geometric spacing %s%% must be < 100", spacingPct)
		}
	default:
		return fmt.Errorf("unknown grid type %q", typ)
	}
	return nil
}

func Build(spec Spec) (Grid, error) {
	if spec.Type == "" {
		spec.Type = Arithmetic
	}
	if err := CheckShape(spec.Levels, spec.SpacingPct, spec.Type); err != nil {
		return Grid{}, err
	}
	if spec.Center.Cmp(decimal.Zero) <= 0 {
		return Grid{}, ErrInvalidCenter
	}
	g := Grid{
		Center: spec.Center,
		Buys:   make([]decimal.Decimal, spec.Levels),
		Sells:  make([]decimal.Decimal, spec.Levels),
	}
	frac := spec.SpacingPct.Div(hundred)
	one := decimal.NewFromInt(1)
	step := spec.Center.Mul(frac)
	for i := 1; i <= spec.Levels; i++ {
		var buy, sell decimal.Decimal
		switch spec.Type {
		case Arithmetic:
			offset := step.Mul(decimal.NewFromInt(int64(i)))
			buy = spec.Center.Sub(offset)
			sell = spec.Center.Add(offset)
		case Geometric:
			buy = spec.Center.Mul(powDecimal(one.Sub(frac), i))
			sell = spec.Center.Mul(powDecimal(one.Add(frac), i))
		}
		g.Buys[i-1] = roundDown(buy, spec.PriceTick)
		g.Sells[i-1] = roundDown(sell, spec.PriceTick)
	}
	if err := g.checkMonotonic(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// Prices returns every level in ascending order.
func (g Grid) Prices() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(g.Buys)+len(g.Sells))
	for i := len(g.Buys) - 1; i >= 0; i-- {
		out = append(out, g.Buys[i])
	}
	return append(out, g.Sells...)
}

func (g Grid) checkMonotonic() error {
	prices := g.Prices()
	for i, p := range prices {
		if p.Cmp(decimal.Zero) <= 0 {
			return ErrCollapsed
		}
		if i > 0 && p.Cmp(prices[i-1]) <= 0 {
			return ErrCollapsed
		}
	}
	if len(g.Buys) > 0 && g.Buys[0].Cmp(g.Center) >= 0 {
		return ErrCollapsed
	}
	if len(g.Sells) > 0 && g.Sells[0].Cmp(g.Center) <= 0 {
		return ErrCollapsed
	}
	return nil
}

type Bounds struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
}

// BoundsFor derives the stop-loss and take-profit band around center.
func BoundsFor(center, stopLossPct, takeProfitPct decimal.Decimal) Bounds {
	one := decimal.NewFromInt(1)
	return Bounds{
		Lower: center.Mul(one.Sub(stopLossPct.Div(hundred))),
		Upper: center.Mul(one.Add(takeProfitPct.Div(hundred))),
	}
}

// Contains reports whether price is inside [Lower, Upper].
func (b Bounds) Contains(price decimal.Decimal) bool {
	return price.Cmp(b.Lower) >= 0 && price.Cmp(b.Upper) <= 0
}

func powDecimal(base decimal.Decimal, exp int) decimal.Decimal {
	out := decimal.NewFromInt(1)
	for i := 0; i < exp; i++ {
		out = out.Mul(base)
	}
	return out
}

func roundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
