package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// NormalizeOrder rounds quantity and limit price down to the rules' steps and
// enforces the minimums. refPrice is used for the notional check of market
// orders; pass zero to skip it.
func NormalizeOrder(req OrderRequest, rules Rules, refPrice decimal.Decimal) (OrderRequest, error) {
	if req.Side != Buy && req.Side != Sell {
		return req, ErrInvalidOrder
	}
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		req.Qty = RoundDown(req.Qty, rules.QtyStep)
	}
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && req.Qty.Cmp(rules.MinQty) < 0 {
		return req, ErrBelowMinQty
	}
	switch req.Type {
	case Market:
		req.Price = decimal.Zero
		if refPrice.Cmp(decimal.Zero) > 0 && rules.MinNotional.Cmp(decimal.Zero) > 0 {
			if refPrice.Mul(req.Qty).Cmp(rules.MinNotional) < 0 {
				return req, ErrBelowMinNotional
			}
		}
		return req, nil
	case Limit:
	default:
		return req, ErrInvalidOrder
	}
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		req.Price = RoundDown(req.Price, rules.PriceTick)
	}
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		if req.Price.Mul(req.Qty).Cmp(rules.MinNotional) < 0 {
			return req, ErrBelowMinNotional
		}
	}
	return req, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// ValidateCandles checks that the sequence is strictly increasing in time and
// that every bar is internally consistent.
func ValidateCandles(candles []Candle) error {
	for i, c := range candles {
		if c.Time.IsZero() {
			return &DataError{Index: i, Reason: "missing timestamp"}
		}
		if c.Open.Cmp(decimal.Zero) <= 0 || c.High.Cmp(decimal.Zero) <= 0 || c.Low.Cmp(decimal.Zero) <= 0 || c.Close.Cmp(decimal.Zero) <= 0 {
			return &DataError{Index: i, Time: c.Time, Reason: "prices must be > 0"}
		}
		if c.High.Cmp(c.Low) < 0 {
			return &DataError{Index: i, Time: c.Time, Reason: "high below low"}
		}
		if c.Open.Cmp(c.Low) < 0 || c.Open.Cmp(c.High) > 0 || c.Close.Cmp(c.Low) < 0 || c.Close.Cmp(c.High) > 0 {
			return &DataError{Index: i, Time: c.Time, Reason: "open/close outside high-low range"}
		}
		if c.Volume.Cmp(decimal.Zero) < 0 {
			return &DataError{Index: i, Time: c.Time, Reason: "negative volume"}
		}
		if i == 0 {
			continue
		}
		prev := candles[i-1].Time
		switch {
		case c.Time.Equal(prev):
			return &DataError{Index: i, Time: c.Time, Reason: "duplicate timestamp"}
		case c.Time.Before(prev):
			return &DataError{Index: i, Time: c.Time, Reason: "timestamp decreases"}
		}
	}
	return nil
}
