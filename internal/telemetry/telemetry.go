// Package telemetry exposes Prometheus collectors for backtest runs:
//
//   - backtest_bars_total            candles replayed
//   - backtest_orders_total{side,type} orders accepted by the engine
//   - backtest_fills_total{side}     fills applied to the ledger
//   - backtest_rejections_total{reason} submission and fill-time rejections
//   - backtest_strategy_faults_total errors and panics from strategy callbacks
//   - backtest_runs_total{status}    finished runs by terminal status
//   - backtest_equity                equity after the last replayed bar
//
// Collectors are registered on a caller-supplied registry.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	bars       prometheus.Counter
	orders     *prometheus.CounterVec
	fills      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	faults     prometheus.Counter
	runs       *prometheus.CounterVec
	equity     prometheus.Gauge
}

func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		bars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_bars_total",
			Help: "Candles replayed",
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_orders_total",
			Help: "Orders accepted by the engine",
		}, []string{"side", "type"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_fills_total",
			Help: "Fills applied to the ledger",
		}, []string{"side"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_rejections_total",
			Help: "Rejected orders split by reason",
		}, []string{"reason"}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_strategy_faults_total",
			Help: "Errors and panics recovered from strategy callbacks",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_runs_total",
			Help: "Finished runs by terminal status",
		}, []string{"status"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_equity",
			Help: "Equity after the last replayed bar",
		}),
	}
	if reg == nil {
		return c, nil
	}
	var err error
	if c.bars, err = register(reg, c.bars); err != nil {
		return nil, err
	}
	if c.orders, err = register(reg, c.orders); err != nil {
		return nil, err
	}
	if c.fills, err = register(reg, c.fills); err != nil {
		return nil, err
	}
	if c.rejections, err = register(reg, c.rejections); err != nil {
		return nil, err
	}
	if c.faults, err = register(reg, c.faults); err != nil {
		return nil, err
	}
	if c.runs, err = register(reg, c.runs); err != nil {
		return nil, err
	}
	if c.equity, err = register(reg, c.equity); err != nil {
		return nil, err
	}
	return c, nil
}

// register reuses a collector already present on reg, so several engines
// can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, err
	}
	return col, nil
}

// The methods below are no-ops on a nil Collector so the engine can call
// them unconditionally.

func (c *Collector) Bar(equity float64) {
	if c == nil {
		return
	}
	c.bars.Inc()
	c.equity.Set(equity)
}

func (c *Collector) Order(side, typ string) {
	if c == nil {
		return
	}
	c.orders.WithLabelValues(side, typ).Inc()
}

func (c *Collector) Fill(side string) {
	if c == nil {
		return
	}
	c.fills.WithLabelValues(side).Inc()
}

func (c *Collector) Rejection(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

func (c *Collector) Fault() {
	if c == nil {
		return
	}
	c.faults.Inc()
}

func (c *Collector) Run(status string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(status).Inc()
}
