// Package metrics derives return, risk and trade statistics from a
// finished equity curve and trade list. Statistics are float64; the
// ledger stays in decimal.
package metrics

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
	"grid-backtest/internal/portfolio"
)

const (
	TradingDaysPerYear = 252
	// SessionLength is one exchange session (09:15 to 15:30).
	SessionLength = 375 * time.Minute
)

type VaRMethod string

const (
	VaRHistorical VaRMethod = "historical"
	VaRParametric VaRMethod = "parametric"
)

func ParseVaRMethod(raw string) (VaRMethod, error) {
	switch VaRMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case "", VaRHistorical:
		return VaRHistorical, nil
	case VaRParametric:
		return VaRParametric, nil
	}
	return "", errors.New("var_method must be historical or parametric")
}

type Options struct {
	// RiskFreeRate is annual, as a fraction (0.06 is 6%).
	RiskFreeRate   float64
	PeriodsPerYear float64
	VaRConfidence  float64
	VaRMethod      VaRMethod
	// InitialEquity, when positive, is the base for returns and the first
	// drawdown peak so costs paid on the first bar are counted.
	InitialEquity float64
}

// PeriodsPerYear converts a bar interval into an annualization factor.
// Intraday bars count only session time.
func PeriodsPerYear(interval time.Duration) float64 {
	if interval <= 0 {
		return TradingDaysPerYear
	}
	day := 24 * time.Hour
	if interval >= day {
		return TradingDaysPerYear * float64(day) / float64(interval)
	}
	perSession := float64(SessionLength) / float64(interval)
	if perSession < 1 {
		perSession = 1
	}
	return TradingDaysPerYear * perSession
}

type Report struct {
	Bars        int
	StartEquity float64
	EndEquity   float64
	PeakEquity  float64

	TotalReturn         float64
	TotalReturnPct      float64
	AnnualizedReturnPct float64
	CAGRPct             float64
	VolatilityPct       float64
	Sharpe              *float64
	Sortino             *float64
	Calmar              *float64

	MaxDrawdown       float64
	MaxDrawdownPct    float64
	MaxDrawdownBars   int
	MaxDrawdownStart  time.Time
	MaxDrawdownTrough time.Time
	RecoveryBars      *int
	RecoveredAt       time.Time
	VaRPct            float64
	VaRConfidence     float64
	VaRMethod         VaRMethod

	TotalTrades          int
	WinningTrades        int
	LosingTrades         int
	WinRatePct           float64
	ProfitFactor         *float64
	GrossProfit          float64
	GrossLoss            float64
	NetPnL               float64
	AvgTradePnL          float64
	AvgWin               float64
	AvgLoss              float64
	LargestWin           float64
	LargestLoss          float64
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AvgHoldingPeriod     time.Duration
	TotalFees            float64
	TotalTax             float64
}

// Compute never divides by zero: undefined ratios stay nil and all other
// fields fall back to zero on empty input.
func Compute(curve []portfolio.EquityPoint, trades []core.Trade, opts Options) Report {
	if opts.PeriodsPerYear <= 0 {
		opts.PeriodsPerYear = TradingDaysPerYear
	}
	if opts.VaRConfidence <= 0 || opts.VaRConfidence >= 1 {
		opts.VaRConfidence = 0.95
	}
	if opts.VaRMethod == "" {
		opts.VaRMethod = VaRHistorical
	}
	r := Report{VaRConfidence: opts.VaRConfidence, VaRMethod: opts.VaRMethod}
	equity := make([]float64, len(curve))
	for i, pt := range curve {
		equity[i] = pt.Equity.InexactFloat64()
	}
	r.Bars = len(equity)
	if len(equity) > 0 && opts.InitialEquity > 0 {
		base := portfolio.EquityPoint{Time: curve[0].Time, Equity: decimal.NewFromFloat(opts.InitialEquity)}
		curve = append([]portfolio.EquityPoint{base}, curve...)
		equity = append([]float64{opts.InitialEquity}, equity...)
	}
	if len(equity) > 0 {
		r.returnStats(curve, equity, opts)
		r.drawdown(curve, equity)
		if r.MaxDrawdownPct > 0 {
			calmar := r.CAGRPct / r.MaxDrawdownPct
			r.Calmar = &calmar
		}
	}
	r.tradeStats(trades)
	return r
}

func (r *Report) returnStats(curve []portfolio.EquityPoint, equity []float64, opts Options) {
	r.StartEquity = equity[0]
	r.EndEquity = equity[len(equity)-1]
	r.TotalReturn = r.EndEquity - r.StartEquity
	if r.StartEquity > 0 {
		r.TotalReturnPct = r.TotalReturn / r.StartEquity * 100
	}

	years := curve[len(curve)-1].Time.Sub(curve[0].Time).Hours() / 24 / 365.25
	if years > 0 && r.StartEquity > 0 && r.EndEquity > 0 {
		r.CAGRPct = (math.Pow(r.EndEquity/r.StartEquity, 1/years) - 1) * 100
	}

	rets := barReturns(equity)
	if len(rets) == 0 {
		return
	}
	mean, std := meanStd(rets)
	ppy := opts.PeriodsPerYear
	r.AnnualizedReturnPct = mean * ppy * 100
	r.VolatilityPct = std * math.Sqrt(ppy) * 100

	rfBar := opts.RiskFreeRate / ppy
	if std > 0 {
		sharpe := (mean - rfBar) / std * math.Sqrt(ppy)
		r.Sharpe = &sharpe
	}
	var downside float64
	for _, x := range rets {
		if d := x - rfBar; d < 0 {
			downside += d * d
		}
	}
	if downside > 0 {
		dd := math.Sqrt(downside / float64(len(rets)))
		sortino := (mean - rfBar) / dd * math.Sqrt(ppy)
		r.Sortino = &sortino
	}
	r.VaRPct = valueAtRisk(rets, mean, std, opts) * 100
}

func (r *Report) drawdown(curve []portfolio.EquityPoint, equity []float64) {
	peak, peakIdx := equity[0], 0
	worstPeak, worstTrough := 0, 0
	r.PeakEquity = peak
	for i, eq := range equity {
		if eq > peak {
			peak, peakIdx = eq, i
		}
		if eq > r.PeakEquity {
			r.PeakEquity = eq
		}
		if peak <= 0 {
			continue
		}
		dd := peak - eq
		if pct := dd / peak * 100; pct > r.MaxDrawdownPct {
			r.MaxDrawdownPct = pct
			r.MaxDrawdown = dd
			worstPeak, worstTrough = peakIdx, i
		}
	}
	if r.MaxDrawdownPct == 0 {
		return
	}
	r.MaxDrawdownBars = worstTrough - worstPeak
	r.MaxDrawdownStart = curve[worstPeak].Time
	r.MaxDrawdownTrough = curve[worstTrough].Time
	for i := worstTrough + 1; i < len(equity); i++ {
		if equity[i] >= equity[worstPeak] {
			bars := i - worstTrough
			r.RecoveryBars = &bars
			r.RecoveredAt = curve[i].Time
			return
		}
	}
}

func (r *Report) tradeStats(trades []core.Trade) {
	r.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}
	var hold time.Duration
	wins, losses := 0, 0
	for _, t := range trades {
		pnl := t.NetPnL.InexactFloat64()
		r.NetPnL += pnl
		r.TotalFees += t.Fees.InexactFloat64()
		r.TotalTax += t.Tax.InexactFloat64()
		hold += t.HoldingPeriod
		if pnl > r.LargestWin {
			r.LargestWin = pnl
		}
		if pnl < r.LargestLoss {
			r.LargestLoss = pnl
		}
		switch {
		case pnl > 0:
			r.WinningTrades++
			r.GrossProfit += pnl
			wins++
			losses = 0
		case pnl < 0:
			r.LosingTrades++
			r.GrossLoss += -pnl
			losses++
			wins = 0
		default:
			wins, losses = 0, 0
		}
		if wins > r.MaxConsecutiveWins {
			r.MaxConsecutiveWins = wins
		}
		if losses > r.MaxConsecutiveLosses {
			r.MaxConsecutiveLosses = losses
		}
	}
	n := float64(len(trades))
	r.WinRatePct = float64(r.WinningTrades) / n * 100
	r.AvgTradePnL = r.NetPnL / n
	r.AvgHoldingPeriod = hold / time.Duration(len(trades))
	if r.WinningTrades > 0 {
		r.AvgWin = r.GrossProfit / float64(r.WinningTrades)
	}
	if r.LosingTrades > 0 {
		r.AvgLoss = -r.GrossLoss / float64(r.LosingTrades)
	}
	if r.GrossLoss > 0 {
		pf := r.GrossProfit / r.GrossLoss
		r.ProfitFactor = &pf
	}
}

func barReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i]/equity[i-1]-1)
	}
	return out
}

// meanStd uses the sample standard deviation; a single return has none.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

// valueAtRisk is the per-bar loss at the configured confidence, as a
// positive fraction.
func valueAtRisk(rets []float64, mean, std float64, opts Options) float64 {
	tail := 1 - opts.VaRConfidence
	var q float64
	if opts.VaRMethod == VaRParametric {
		z := math.Sqrt2 * math.Erfinv(2*tail-1)
		q = mean + z*std
	} else {
		sorted := append([]float64(nil), rets...)
		sort.Float64s(sorted)
		idx := int(math.Floor(tail * float64(len(sorted))))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		q = sorted[idx]
	}
	if q >= 0 {
		return 0
	}
	return -q
}
