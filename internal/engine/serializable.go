package engine

import (
	"math"
	"time"

	"grid-backtest/internal/core"
	"grid-backtest/internal/portfolio"
)

// Serializable is the transport view of a Result: decimals as strings,
// times as RFC3339 in UTC, enums as their names, undefined ratios as null.
type Serializable struct {
	RunID          string                `json:"run_id"`
	Strategy       string                `json:"strategy"`
	Symbol         string                `json:"symbol"`
	Status         string                `json:"status"`
	Error          string                `json:"error,omitempty"`
	StartedAt      string                `json:"started_at"`
	FinishedAt     string                `json:"finished_at"`
	BarsProcessed  int                   `json:"bars_processed"`
	TotalBars      int                   `json:"total_bars"`
	EquityCurve    []SerializablePoint   `json:"equity_curve"`
	FillCurve      []SerializablePoint   `json:"fill_equity_curve"`
	Trades         []SerializableTrade   `json:"trades"`
	Orders         []SerializableOrder   `json:"orders"`
	Portfolio      SerializablePortfolio `json:"portfolio"`
	Metrics        SerializableMetrics   `json:"metrics"`
	Tax            SerializableTax       `json:"tax"`
	Diagnostics    []SerializableDiag    `json:"diagnostics"`
	StrategyReport map[string]any        `json:"strategy_report,omitempty"`
}

type SerializablePoint struct {
	Time   string `json:"time"`
	Equity string `json:"equity"`
	Cash   string `json:"cash"`
}

type SerializableTrade struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	EntryTime    string  `json:"entry_time"`
	EntryPrice   string  `json:"entry_price"`
	ExitTime     string  `json:"exit_time"`
	ExitPrice    string  `json:"exit_price"`
	Qty          string  `json:"quantity"`
	GrossPnL     string  `json:"gross_pnl"`
	Fees         string  `json:"fees"`
	Tax          string  `json:"tax"`
	TaxClass     string  `json:"tax_class"`
	NetPnL       string  `json:"net_pnl"`
	HoldingHours float64 `json:"holding_hours"`
	OrderID      string  `json:"order_id"`
}

type SerializableOrder struct {
	ID           string `json:"id"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Qty          string `json:"quantity"`
	Price        string `json:"limit_price,omitempty"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	FilledQty    string `json:"filled_quantity"`
	AvgFillPrice string `json:"average_fill_price"`
	Fees         string `json:"fees"`
	RejectReason string `json:"reject_reason,omitempty"`
	Tag          string `json:"tag,omitempty"`
}

type SerializablePosition struct {
	Symbol   string `json:"symbol"`
	Qty      string `json:"quantity"`
	AvgCost  string `json:"average_cost"`
	OpenedAt string `json:"opened_at,omitempty"`
}

type SerializablePortfolio struct {
	Cash       string                 `json:"cash"`
	Equity     string                 `json:"equity"`
	Realized   string                 `json:"realized_pnl"`
	Unrealized string                 `json:"unrealized_pnl"`
	FeesPaid   string                 `json:"fees_paid"`
	TaxPaid    string                 `json:"tax_paid"`
	Positions  []SerializablePosition `json:"positions"`
}

type SerializableMetrics struct {
	TotalReturnPct       float64  `json:"total_return_pct"`
	AnnualizedReturnPct  float64  `json:"annualized_return_pct"`
	CAGRPct              float64  `json:"cagr_pct"`
	VolatilityPct        float64  `json:"volatility_pct"`
	Sharpe               *float64 `json:"sharpe_ratio"`
	Sortino              *float64 `json:"sortino_ratio"`
	Calmar               *float64 `json:"calmar_ratio"`
	MaxDrawdown          float64  `json:"max_drawdown"`
	MaxDrawdownPct       float64  `json:"max_drawdown_pct"`
	MaxDrawdownBars      int      `json:"max_drawdown_bars"`
	RecoveryBars         *int     `json:"recovery_bars"`
	VaRPct               float64  `json:"var_pct"`
	VaRConfidence        float64  `json:"var_confidence"`
	VaRMethod            string   `json:"var_method"`
	PeakEquity           float64  `json:"peak_equity"`
	TotalTrades          int      `json:"total_trades"`
	WinRatePct           float64  `json:"win_rate_pct"`
	ProfitFactor         *float64 `json:"profit_factor"`
	AvgTradePnL          float64  `json:"avg_trade_pnl"`
	AvgWin               float64  `json:"avg_win"`
	AvgLoss              float64  `json:"avg_loss"`
	LargestWin           float64  `json:"largest_win"`
	LargestLoss          float64  `json:"largest_loss"`
	MaxConsecutiveWins   int      `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int      `json:"max_consecutive_losses"`
	AvgHoldingHours      float64  `json:"avg_holding_hours"`
	TotalFees            float64  `json:"total_fees"`
	TotalTax             float64  `json:"total_tax"`
}

type SerializableTax struct {
	DeliveryTax   string `json:"delivery_tax"`
	IntradayTax   string `json:"intraday_tax"`
	DeliveryCount int    `json:"delivery_trades"`
	IntradayCount int    `json:"intraday_trades"`
	Total         string `json:"total"`
}

type SerializableDiag struct {
	Kind    string `json:"kind"`
	Bar     int    `json:"bar"`
	Time    string `json:"time"`
	Stage   string `json:"stage,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message"`
}

func (r Result) ToSerializable() Serializable {
	out := Serializable{
		RunID:          r.RunID,
		Strategy:       r.Strategy,
		Symbol:         r.Symbol,
		Status:         string(r.Status),
		StartedAt:      ts(r.StartedAt),
		FinishedAt:     ts(r.FinishedAt),
		BarsProcessed:  r.BarsProcessed,
		TotalBars:      r.TotalBars,
		EquityCurve:    points(r.EquityCurve),
		FillCurve:      points(r.FillCurve),
		Trades:         make([]SerializableTrade, 0, len(r.Trades)),
		Orders:         make([]SerializableOrder, 0, len(r.Orders)),
		Diagnostics:    make([]SerializableDiag, 0, len(r.Diagnostics)),
		StrategyReport: r.StrategyReport,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	for _, t := range r.Trades {
		out.Trades = append(out.Trades, SerializableTrade{
			Symbol:       t.Symbol,
			Side:         string(t.Side),
			EntryTime:    ts(t.EntryTime),
			EntryPrice:   t.EntryPrice.String(),
			ExitTime:     ts(t.ExitTime),
			ExitPrice:    t.ExitPrice.String(),
			Qty:          t.Qty.String(),
			GrossPnL:     t.GrossPnL.String(),
			Fees:         t.Fees.String(),
			Tax:          t.Tax.String(),
			TaxClass:     string(t.TaxClass),
			NetPnL:       t.NetPnL.String(),
			HoldingHours: t.HoldingPeriod.Hours(),
			OrderID:      t.OrderID,
		})
	}
	for _, o := range r.Orders {
		so := SerializableOrder{
			ID:           o.ID,
			Symbol:       o.Symbol,
			Side:         string(o.Side),
			Type:         string(o.Type),
			Qty:          o.Qty.String(),
			Status:       string(o.Status),
			CreatedAt:    ts(o.CreatedAt),
			FilledQty:    o.FilledQty.String(),
			AvgFillPrice: o.AvgFillPrice.String(),
			Fees:         o.Fees.String(),
			RejectReason: o.RejectReason,
			Tag:          o.Tag,
		}
		if o.Type == core.Limit {
			so.Price = o.Price.String()
		}
		out.Orders = append(out.Orders, so)
	}
	out.Portfolio = SerializablePortfolio{
		Cash:       r.Final.Cash.String(),
		Equity:     r.Final.Equity.String(),
		Realized:   r.Final.Realized.String(),
		Unrealized: r.Final.Unrealized.String(),
		FeesPaid:   r.Final.FeesPaid.String(),
		TaxPaid:    r.Final.TaxPaid.String(),
		Positions:  make([]SerializablePosition, 0, len(r.Final.Positions)),
	}
	for _, p := range r.Final.Positions {
		sp := SerializablePosition{Symbol: p.Symbol, Qty: p.Qty.String(), AvgCost: p.AvgCost.String()}
		if !p.OpenedAt.IsZero() && !p.Flat() {
			sp.OpenedAt = ts(p.OpenedAt)
		}
		out.Portfolio.Positions = append(out.Portfolio.Positions, sp)
	}
	m := r.Metrics
	out.Metrics = SerializableMetrics{
		TotalReturnPct:       finite(m.TotalReturnPct),
		AnnualizedReturnPct:  finite(m.AnnualizedReturnPct),
		CAGRPct:              finite(m.CAGRPct),
		VolatilityPct:        finite(m.VolatilityPct),
		Sharpe:               finitePtr(m.Sharpe),
		Sortino:              finitePtr(m.Sortino),
		Calmar:               finitePtr(m.Calmar),
		MaxDrawdown:          finite(m.MaxDrawdown),
		MaxDrawdownPct:       finite(m.MaxDrawdownPct),
		MaxDrawdownBars:      m.MaxDrawdownBars,
		RecoveryBars:         m.RecoveryBars,
		VaRPct:               finite(m.VaRPct),
		VaRConfidence:        m.VaRConfidence,
		VaRMethod:            string(m.VaRMethod),
		PeakEquity:           finite(m.PeakEquity),
		TotalTrades:          m.TotalTrades,
		WinRatePct:           finite(m.WinRatePct),
		ProfitFactor:         finitePtr(m.ProfitFactor),
		AvgTradePnL:          finite(m.AvgTradePnL),
		AvgWin:               finite(m.AvgWin),
		AvgLoss:              finite(m.AvgLoss),
		LargestWin:           finite(m.LargestWin),
		LargestLoss:          finite(m.LargestLoss),
		MaxConsecutiveWins:   m.MaxConsecutiveWins,
		MaxConsecutiveLosses: m.MaxConsecutiveLosses,
		AvgHoldingHours:      m.AvgHoldingPeriod.Hours(),
		TotalFees:            finite(m.TotalFees),
		TotalTax:             finite(m.TotalTax),
	}
	out.Tax = SerializableTax{
		DeliveryTax:   r.Tax.DeliveryTax.String(),
		IntradayTax:   r.Tax.IntradayTax.String(),
		DeliveryCount: r.Tax.DeliveryCount,
		IntradayCount: r.Tax.IntradayCount,
		Total:         r.Tax.Total.String(),
	}
	for _, d := range r.Diagnostics {
		out.Diagnostics = append(out.Diagnostics, SerializableDiag{
			Kind:    string(d.Kind),
			Bar:     d.Bar,
			Time:    ts(d.Time),
			Stage:   d.Stage,
			OrderID: d.OrderID,
			Message: d.Message,
		})
	}
	return out
}

func points(curve []portfolio.EquityPoint) []SerializablePoint {
	out := make([]SerializablePoint, 0, len(curve))
	for _, pt := range curve {
		out = append(out, SerializablePoint{Time: ts(pt.Time), Equity: pt.Equity.String(), Cash: pt.Cash.String()})
	}
	return out
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func finitePtr(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	out := *v
	return &out
}
