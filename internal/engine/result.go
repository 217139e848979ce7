package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
	"grid-backtest/internal/metrics"
	"grid-backtest/internal/portfolio"
	"grid-backtest/internal/tax"
)

type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

type DiagnosticKind string

const (
	DiagStrategyFault DiagnosticKind = "STRATEGY_FAULT"
	DiagOrderRejected DiagnosticKind = "ORDER_REJECTED"
	DiagProgressFault DiagnosticKind = "PROGRESS_FAULT"
)

// Diagnostic is a recoverable event recorded during the replay.
type Diagnostic struct {
	Kind    DiagnosticKind
	Bar     int
	Time    time.Time
	Stage   string
	OrderID string
	Message string
}

type Result struct {
	RunID         string
	Strategy      string
	Symbol        string
	Status        Status
	Err           error
	StartedAt     time.Time
	FinishedAt    time.Time
	BarsProcessed int
	TotalBars     int

	EquityCurve []portfolio.EquityPoint
	FillCurve   []portfolio.EquityPoint
	Trades      []core.Trade
	Orders      []core.Order
	Fills       []core.Fill
	Final       portfolio.Snapshot
	Metrics     metrics.Report
	Tax         tax.Summary
	Diagnostics []Diagnostic

	StrategyReport map[string]any
}

// Position is the final position in the run's symbol.
func (r Result) Position() core.Position {
	for _, p := range r.Final.Positions {
		if p.Symbol == r.Symbol {
			return p
		}
	}
	return core.Position{Symbol: r.Symbol}
}

// Diagnostics of one kind, in the order they were recorded.
func (r Result) DiagnosticsOf(kind DiagnosticKind) []Diagnostic {
	out := make([]Diagnostic, 0)
	for _, d := range r.Diagnostics {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

type Progress struct {
	Index       int
	Total       int
	Time        time.Time
	Equity      decimal.Decimal
	ReturnPct   float64
	DrawdownPct float64
	Trades      int
	OpenOrders  int
}

type ProgressFunc func(Progress)
