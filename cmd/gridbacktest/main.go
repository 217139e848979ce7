package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"grid-backtest/internal/backtest"
	"grid-backtest/internal/config"
	"grid-backtest/internal/engine"
	"grid-backtest/internal/store"
	"grid-backtest/internal/strategy"
	"grid-backtest/internal/telemetry"
)

type options struct {
	configPath  string
	outPath     string
	metricsPath string
	resultsDir  string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&opts.outPath, "out", "", "write the serialized result as JSON to this path")
	flag.StringVar(&opts.metricsPath, "metrics", "", "write prometheus run metrics in text format to this path")
	flag.StringVar(&opts.resultsDir, "results", "", "keep the run under this directory with a runs.jsonl index")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, os.Stdout); err != nil {
		fatal(err.Error())
	}
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	candles, err := backtest.LoadCandles(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("load candles: %w", err)
	}
	params, err := cfg.StrategyParams(logger.Named("strategy"))
	if err != nil {
		return err
	}
	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	collector, err := telemetry.New(reg)
	if err != nil {
		return err
	}
	eng, err := engine.New(ec,
		engine.WithLogger(logger.Named("engine")),
		engine.WithTelemetry(collector),
		engine.WithRegistry(strategy.DefaultRegistry()),
	)
	if err != nil {
		return err
	}

	result, err := eng.RunStrategy(ctx, candles, cfg.Strategy.Type, params)
	if opts.outPath != "" && result.RunID != "" {
		if werr := writeResult(opts.outPath, result); werr != nil {
			logger.Error("write result failed", zap.String("path", opts.outPath), zap.Error(werr))
		}
	}
	if opts.resultsDir != "" && result.RunID != "" {
		if werr := saveRun(opts.resultsDir, result, logger); werr != nil {
			logger.Error("save run failed", zap.String("dir", opts.resultsDir), zap.Error(werr))
		}
	}
	if opts.metricsPath != "" {
		if werr := prometheus.WriteToTextfile(opts.metricsPath, reg); werr != nil {
			logger.Error("write metrics failed", zap.String("path", opts.metricsPath), zap.Error(werr))
		}
	}
	if err != nil {
		return err
	}
	printSummary(stdout, result)
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Format == config.LogJSON {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func writeResult(path string, result engine.Result) error {
	data, err := json.MarshalIndent(result.ToSerializable(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func saveRun(dir string, result engine.Result, logger *zap.Logger) error {
	st, err := store.New(dir)
	if err != nil {
		return err
	}
	st.SetLogger(logger.Named("store"))
	return st.SaveResult(result.ToSerializable())
}

func printSummary(w io.Writer, r engine.Result) {
	m := r.Metrics
	fmt.Fprintf(w,
		"summary run=%s strategy=%s symbol=%s status=%s bars=%d/%d trades=%d fills=%d total_return_pct=%.4f cagr_pct=%.4f sharpe=%s max_drawdown_pct=%.4f win_rate_pct=%.2f profit_factor=%s fees=%s tax=%s cash=%s equity=%s diagnostics=%d\n",
		r.RunID,
		r.Strategy,
		r.Symbol,
		r.Status,
		r.BarsProcessed,
		r.TotalBars,
		len(r.Trades),
		len(r.Fills),
		m.TotalReturnPct,
		m.CAGRPct,
		optional(m.Sharpe),
		m.MaxDrawdownPct,
		m.WinRatePct,
		optional(m.ProfitFactor),
		r.Final.FeesPaid.String(),
		r.Final.TaxPaid.String(),
		r.Final.Cash.String(),
		r.Final.Equity.String(),
		len(r.Diagnostics),
	)
	if r.Status == engine.StatusCancelled {
		fmt.Fprintln(w, "backtest cancelled: result is partial")
	}
}

func optional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
