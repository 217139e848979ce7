package tax

import (
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

var hundred = decimal.NewFromInt(100)

// Rates are percentages of the closing notional, e.g. 0.1 means 0.1%.
type Rates struct {
	IntradayPct decimal.Decimal
	DeliveryPct decimal.Decimal
}

type Classifier struct {
	rates Rates
	loc   *time.Location
}

// NewClassifier uses loc to decide the exchange-local calendar day. A nil
// location means UTC.
func NewClassifier(rates Rates, loc *time.Location) *Classifier {
	if loc == nil {
		loc = time.UTC
	}
	return &Classifier{rates: rates, loc: loc}
}

// Classify is INTRADAY when entry and exit fall on the same exchange-local day.
func (c *Classifier) Classify(entry, exit time.Time) core.TaxClass {
	ey, em, ed := entry.In(c.loc).Date()
	xy, xm, xd := exit.In(c.loc).Date()
	if ey == xy && em == xm && ed == xd {
		return core.Intraday
	}
	return core.Delivery
}

func (c *Classifier) Rate(class core.TaxClass) decimal.Decimal {
	if class == core.Intraday {
		return c.rates.IntradayPct
	}
	return c.rates.DeliveryPct
}

// Assess fills in TaxClass, Tax and NetPnL on the trade.
func (c *Classifier) Assess(trade *core.Trade) {
	if c == nil || trade == nil {
		return
	}
	trade.TaxClass = c.Classify(trade.EntryTime, trade.ExitTime)
	trade.Tax = trade.ExitNotional().Mul(c.Rate(trade.TaxClass)).Div(hundred)
	trade.NetPnL = trade.GrossPnL.Sub(trade.Fees).Sub(trade.Tax)
}

type Summary struct {
	DeliveryTax   decimal.Decimal
	IntradayTax   decimal.Decimal
	DeliveryCount int
	IntradayCount int
	Total         decimal.Decimal
}

func Summarize(trades []core.Trade) Summary {
	var s Summary
	for _, t := range trades {
		switch t.TaxClass {
		case core.Intraday:
			s.IntradayTax = s.IntradayTax.Add(t.Tax)
			s.IntradayCount++
		case core.Delivery:
			s.DeliveryTax = s.DeliveryTax.Add(t.Tax)
			s.DeliveryCount++
		}
	}
	s.Total = s.DeliveryTax.Add(s.IntradayTax)
	return s
}
