package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
	"grid-backtest/internal/execution"
	"grid-backtest/internal/metrics"
	"grid-backtest/internal/portfolio"
	"grid-backtest/internal/strategy"
	"grid-backtest/internal/tax"
	"grid-backtest/internal/telemetry"
)

const defaultIntentPasses = 8

// ErrIntentBudget rejects market orders still queued after the per-bar
// drain passes are used up.
var ErrIntentBudget = errors.New("order intents exceeded per-bar budget")

type Config struct {
	Symbol      string
	InitialCash decimal.Decimal
	FeeBps      decimal.Decimal
	SlippageBps decimal.Decimal
	FillModel   execution.FillModel
	AllowShort  bool
	Rules       core.Rules
	Tax         tax.Rates
	Location    *time.Location
	// Interval is the nominal bar spacing; it sets the annualization
	// factor when Metrics.PeriodsPerYear is zero.
	Interval     time.Duration
	Metrics      metrics.Options
	IntentPasses int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return core.NewConfigError("symbol", "is required")
	}
	if c.InitialCash.Cmp(decimal.Zero) <= 0 {
		return core.NewConfigError("initial_cash", "must be > 0")
	}
	if c.FeeBps.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("fee_bps", "must be >= 0")
	}
	if c.SlippageBps.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("slippage_bps", "must be >= 0")
	}
	if c.Tax.DeliveryPct.Cmp(decimal.Zero) < 0 || c.Tax.IntradayPct.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("tax", "rates must be >= 0")
	}
	if c.IntentPasses < 0 {
		return core.NewConfigError("intent_passes", "must be >= 0")
	}
	return nil
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithTelemetry(c *telemetry.Collector) Option {
	return func(e *Engine) { e.telemetry = c }
}

// WithRegistry sets the registry RunStrategy resolves names through.
func WithRegistry(reg *strategy.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.registry = reg
		}
	}
}

// WithProgress registers a per-bar listener. It runs on the engine
// goroutine; a panicking listener is recorded and detached.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// Engine replays candles against one strategy. Independent runs need
// independent engines; a single Engine is not meant for concurrent Run calls.
type Engine struct {
	cfg       Config
	logger    *zap.Logger
	telemetry *telemetry.Collector
	progress  ProgressFunc
	registry  *strategy.Registry
	cancelled atomic.Bool
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IntentPasses == 0 {
		cfg.IntentPasses = defaultIntentPasses
	}
	if cfg.Metrics.PeriodsPerYear <= 0 {
		cfg.Metrics.PeriodsPerYear = metrics.PeriodsPerYear(cfg.Interval)
	}
	e := &Engine{cfg: cfg, logger: zap.NewNop(), registry: strategy.DefaultRegistry()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Cancel asks the running replay to stop at the next candle boundary.
// It is safe to call from any goroutine.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// RunStrategy builds a fresh instance of the named strategy from the
// engine's registry and replays candles against it. An unknown name or bad
// parameters fail the run with a ConfigError before any bar is processed.
func (e *Engine) RunStrategy(ctx context.Context, candles []core.Candle, name string, p strategy.Params) (Result, error) {
	if p.Symbol == "" {
		p.Symbol = e.cfg.Symbol
	}
	strat, err := e.registry.New(name, p)
	if err != nil {
		r := newResult(e.cfg.Symbol, len(candles))
		r.Strategy = name
		var cfgErr *core.ConfigError
		if !errors.As(err, &cfgErr) {
			err = fmt.Errorf("%w: %w", core.NewConfigError("strategy.type", "cannot build %q", name), err)
		}
		return e.fail(r, err)
	}
	return e.Run(ctx, candles, strat)
}

func newResult(symbol string, bars int) Result {
	return Result{
		RunID:     uuid.NewString(),
		Symbol:    symbol,
		Status:    StatusCompleted,
		StartedAt: time.Now(),
		TotalBars: bars,
	}
}

func (e *Engine) Run(ctx context.Context, candles []core.Candle, strat strategy.Strategy) (Result, error) {
	r := newResult(e.cfg.Symbol, len(candles))
	started := r.StartedAt
	if strat == nil {
		return e.fail(r, errors.New("strategy is required"))
	}
	r.Strategy = strat.Name()
	logger := e.logger.With(zap.String("run_id", r.RunID), zap.String("strategy", r.Strategy), zap.String("symbol", e.cfg.Symbol))

	if err := core.ValidateCandles(candles); err != nil {
		return e.fail(r, err)
	}
	exec, err := execution.New(execution.Config{
		SlippageBps: e.cfg.SlippageBps,
		FeeBps:      e.cfg.FeeBps,
		Model:       e.cfg.FillModel,
	})
	if err != nil {
		return e.fail(r, core.NewConfigError("execution", "%v", err))
	}
	ledger, err := portfolio.New(e.cfg.InitialCash, portfolio.Options{
		AllowShort: e.cfg.AllowShort,
		Tax:        tax.NewClassifier(e.cfg.Tax, e.cfg.Location),
	})
	if err != nil {
		return e.fail(r, err)
	}

	rn := &run{
		cfg:       e.cfg,
		logger:    logger,
		telemetry: e.telemetry,
		progress:  e.progress,
		candles:   candles,
		exec:      exec,
		ledger:    ledger,
		strat:     strat,
		peak:      e.cfg.InitialCash,
	}
	if err := strat.Init(ctx, rn); err != nil {
		return e.fail(r, fmt.Errorf("init strategy: %w", err))
	}
	logger.Info("backtest started", zap.Int("bars", len(candles)))

	for i := range candles {
		if e.cancelled.Load() || ctx.Err() != nil {
			r.Status = StatusCancelled
			r.Err = core.ErrCancelled
			logger.Info("backtest cancelled", zap.Int("bar", i))
			break
		}
		rn.step(ctx, i)
		r.BarsProcessed++
	}

	e.collect(&r, rn)
	r.FinishedAt = time.Now()
	e.telemetry.Run(string(r.Status))
	logger.Info("backtest finished",
		zap.String("status", string(r.Status)),
		zap.Int("bars", r.BarsProcessed),
		zap.Int("trades", len(r.Trades)),
		zap.String("equity", r.Final.Equity.String()),
		zap.Duration("elapsed", r.FinishedAt.Sub(started)),
	)
	return r, nil
}

func (e *Engine) fail(r Result, err error) (Result, error) {
	r.Status = StatusFailed
	r.Err = err
	r.FinishedAt = time.Now()
	e.telemetry.Run(string(r.Status))
	e.logger.Error("backtest failed", zap.String("run_id", r.RunID), zap.Error(err))
	return r, err
}

func (e *Engine) collect(r *Result, rn *run) {
	r.EquityCurve = rn.ledger.EquityCurve()
	r.FillCurve = rn.ledger.FillCurve()
	r.Trades = rn.ledger.Trades()
	r.Fills = append([]core.Fill(nil), rn.fills...)
	r.Orders = make([]core.Order, len(rn.orders))
	for i, ord := range rn.orders {
		r.Orders[i] = *ord
	}
	r.Final = rn.ledger.Snapshot()
	r.Diagnostics = append([]Diagnostic(nil), rn.diags...)
	opts := e.cfg.Metrics
	opts.InitialEquity = e.cfg.InitialCash.InexactFloat64()
	r.Metrics = metrics.Compute(r.EquityCurve, r.Trades, opts)
	r.Tax = tax.Summarize(r.Trades)
	if s, ok := rn.strat.(strategy.Summarizer); ok {
		r.StrategyReport = s.Summary()
	}
}
