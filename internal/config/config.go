package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"grid-backtest/internal/core"
	"grid-backtest/internal/engine"
	"grid-backtest/internal/execution"
	"grid-backtest/internal/grid"
	"grid-backtest/internal/metrics"
	"grid-backtest/internal/strategy"
)

type LogFormat string

const (
	LogConsole LogFormat = "console"
	LogJSON    LogFormat = "json"
)

var (
	defaultDeliveryPct = decimal.RequireFromString("0.1")
	defaultIntradayPct = decimal.RequireFromString("0.025")
)

type Config struct {
	Symbol    string         `yaml:"symbol"`
	Timeframe string         `yaml:"timeframe"`
	Timezone  string         `yaml:"timezone"`
	DataPath  string         `yaml:"data_path"`
	Strategy  StrategyConfig `yaml:"strategy"`
	Backtest  BacktestConfig `yaml:"backtest"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Logging   LoggingConfig  `yaml:"logging"`
}

type StrategyConfig struct {
	Type       string           `yaml:"type"`
	Grid       GridConfig       `yaml:"grid"`
	Supertrend SupertrendConfig `yaml:"supertrend"`
}

type GridConfig struct {
	Levels          int     `yaml:"levels"`
	SpacingPct      Decimal `yaml:"spacing_pct"`
	OrderAmount     Decimal `yaml:"order_amount"`
	OrderQty        Decimal `yaml:"order_qty"`
	Type            string  `yaml:"type"`
	InitialPosition string  `yaml:"initial_position"`
	StopLossPct     Decimal `yaml:"stop_loss_pct"`
	TakeProfitPct   Decimal `yaml:"take_profit_pct"`
	AutoReset       *bool   `yaml:"auto_reset"`
}

type SupertrendConfig struct {
	ATRPeriod      int     `yaml:"atr_period"`
	ATRMultiplier  Decimal `yaml:"atr_multiplier"`
	MaxOrderAmount Decimal `yaml:"max_order_amount"`
	TakeProfitPct  Decimal `yaml:"take_profit_pct"`
	StopLossPct    Decimal `yaml:"stop_loss_pct"`
	BufferSize     int     `yaml:"buffer_size"`
}

type BacktestConfig struct {
	InitialCash  Decimal       `yaml:"initial_cash"`
	FeeBps       Decimal       `yaml:"fee_bps"`
	SlippageBps  Decimal       `yaml:"slippage_bps"`
	MaxVolumePct Decimal       `yaml:"max_volume_pct"`
	AllowShort   bool          `yaml:"allow_short"`
	IntentPasses int           `yaml:"intent_passes"`
	Tax          TaxConfig     `yaml:"tax"`
	Rules        BacktestRules `yaml:"rules"`
}

// TaxConfig rates are percentages of exit notional.
type TaxConfig struct {
	DeliveryPct *Decimal `yaml:"delivery_pct"`
	IntradayPct *Decimal `yaml:"intraday_pct"`
}

type BacktestRules struct {
	MinQty      Decimal `yaml:"min_qty"`
	MinNotional Decimal `yaml:"min_notional"`
	PriceTick   Decimal `yaml:"price_tick"`
	QtyStep     Decimal `yaml:"qty_step"`
}

type MetricsConfig struct {
	RiskFreeRate  float64 `yaml:"risk_free_rate"`
	VaRConfidence float64 `yaml:"var_confidence"`
	VaRMethod     string  `yaml:"var_method"`
}

type LoggingConfig struct {
	Level  string    `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a single strict YAML document, fills defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Timeframe = strings.ToLower(strings.TrimSpace(c.Timeframe))
	c.Timezone = strings.TrimSpace(c.Timezone)
	c.DataPath = strings.TrimSpace(c.DataPath)
	c.Strategy.Type = strings.ToLower(strings.TrimSpace(c.Strategy.Type))
	c.Strategy.Grid.Type = strings.ToLower(strings.TrimSpace(c.Strategy.Grid.Type))
	c.Strategy.Grid.InitialPosition = strings.ToUpper(strings.TrimSpace(c.Strategy.Grid.InitialPosition))
	c.Metrics.VaRMethod = strings.ToLower(strings.TrimSpace(c.Metrics.VaRMethod))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = LogFormat(strings.ToLower(strings.TrimSpace(string(c.Logging.Format))))
}

func (c *Config) applyDefaults() {
	if c.Timeframe == "" {
		c.Timeframe = "1d"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Strategy.Type == "" {
		c.Strategy.Type = strategy.GridName
	}
	if c.Strategy.Grid.Type == "" {
		c.Strategy.Grid.Type = string(grid.Arithmetic)
	}
	if c.Strategy.Grid.InitialPosition == "" {
		c.Strategy.Grid.InitialPosition = string(strategy.WaitForBuy)
	}
	if c.Strategy.Grid.AutoReset == nil {
		enabled := true
		c.Strategy.Grid.AutoReset = &enabled
	}
	if c.Strategy.Supertrend.ATRPeriod == 0 {
		c.Strategy.Supertrend.ATRPeriod = 10
	}
	if c.Strategy.Supertrend.ATRMultiplier.IsZero() {
		c.Strategy.Supertrend.ATRMultiplier = Decimal{Decimal: decimal.NewFromInt(3)}
	}
	if c.Backtest.Tax.DeliveryPct == nil {
		c.Backtest.Tax.DeliveryPct = &Decimal{Decimal: defaultDeliveryPct}
	}
	if c.Backtest.Tax.IntradayPct == nil {
		c.Backtest.Tax.IntradayPct = &Decimal{Decimal: defaultIntradayPct}
	}
	if c.Metrics.VaRConfidence == 0 {
		c.Metrics.VaRConfidence = 0.95
	}
	if c.Metrics.VaRMethod == "" {
		c.Metrics.VaRMethod = string(metrics.VaRHistorical)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = LogConsole
	}
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return core.NewConfigError("symbol", "is required")
	}
	if c.DataPath == "" {
		return core.NewConfigError("data_path", "is required")
	}
	if _, err := ParseTimeframe(c.Timeframe); err != nil {
		return core.NewConfigError("timeframe", "%v", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return core.NewConfigError("timezone", "%v", err)
	}
	if _, err := metrics.ParseVaRMethod(c.Metrics.VaRMethod); err != nil {
		return core.NewConfigError("metrics.var_method", "%v", err)
	}
	if c.Metrics.VaRConfidence <= 0 || c.Metrics.VaRConfidence >= 1 {
		return core.NewConfigError("metrics.var_confidence", "must be between 0 and 1")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return core.NewConfigError("logging.level", "%v", err)
	}
	if c.Logging.Format != LogConsole && c.Logging.Format != LogJSON {
		return core.NewConfigError("logging.format", "must be console or json")
	}
	if c.Backtest.MaxVolumePct.Cmp(decimal.Zero) < 0 || c.Backtest.MaxVolumePct.Cmp(decimal.NewFromInt(100)) > 0 {
		return core.NewConfigError("backtest.max_volume_pct", "must be between 0 and 100")
	}
	if err := checkRules(c.Backtest.Rules); err != nil {
		return err
	}
	params, err := c.StrategyParams(nil)
	if err != nil {
		return err
	}
	switch c.Strategy.Type {
	case strategy.GridName:
		if err := params.Grid.Validate(); err != nil {
			return err
		}
	case strategy.SupertrendName:
		if err := params.Supertrend.Validate(); err != nil {
			return err
		}
	default:
		return core.NewConfigError("strategy.type", "must be %s or %s", strategy.GridName, strategy.SupertrendName)
	}
	ec, err := c.EngineConfig()
	if err != nil {
		return err
	}
	return ec.Validate()
}

func checkRules(r BacktestRules) error {
	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"min_qty", r.MinQty.Decimal},
		{"min_notional", r.MinNotional.Decimal},
		{"price_tick", r.PriceTick.Decimal},
		{"qty_step", r.QtyStep.Decimal},
	}
	for _, f := range fields {
		if f.value.Cmp(decimal.Zero) < 0 {
			return core.NewConfigError("backtest.rules."+f.name, "must be >= 0")
		}
	}
	return nil
}

func (c Config) rules() core.Rules {
	return core.Rules{
		MinQty:      c.Backtest.Rules.MinQty.Decimal,
		MinNotional: c.Backtest.Rules.MinNotional.Decimal,
		PriceTick:   c.Backtest.Rules.PriceTick.Decimal,
		QtyStep:     c.Backtest.Rules.QtyStep.Decimal,
	}
}

// EngineConfig maps the backtest section onto the engine's typed bundle.
func (c Config) EngineConfig() (engine.Config, error) {
	interval, err := ParseTimeframe(c.Timeframe)
	if err != nil {
		return engine.Config{}, core.NewConfigError("timeframe", "%v", err)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return engine.Config{}, core.NewConfigError("timezone", "%v", err)
	}
	method, err := metrics.ParseVaRMethod(c.Metrics.VaRMethod)
	if err != nil {
		return engine.Config{}, core.NewConfigError("metrics.var_method", "%v", err)
	}
	rules := c.rules()
	ec := engine.Config{
		Symbol:       c.Symbol,
		InitialCash:  c.Backtest.InitialCash.Decimal,
		FeeBps:       c.Backtest.FeeBps.Decimal,
		SlippageBps:  c.Backtest.SlippageBps.Decimal,
		AllowShort:   c.Backtest.AllowShort,
		Rules:        rules,
		Location:     loc,
		Interval:     interval,
		IntentPasses: c.Backtest.IntentPasses,
		Metrics: metrics.Options{
			RiskFreeRate:  c.Metrics.RiskFreeRate,
			VaRConfidence: c.Metrics.VaRConfidence,
			VaRMethod:     method,
		},
	}
	if c.Backtest.Tax.DeliveryPct != nil {
		ec.Tax.DeliveryPct = c.Backtest.Tax.DeliveryPct.Decimal
	}
	if c.Backtest.Tax.IntradayPct != nil {
		ec.Tax.IntradayPct = c.Backtest.Tax.IntradayPct.Decimal
	}
	if c.Backtest.MaxVolumePct.Cmp(decimal.Zero) > 0 {
		ec.FillModel = execution.VolumeCap{MaxVolumePct: c.Backtest.MaxVolumePct.Decimal, QtyStep: rules.QtyStep}
	}
	return ec, nil
}

// StrategyParams builds the registry parameters for every known strategy;
// the registry picks the block matching Strategy.Type.
func (c Config) StrategyParams(logger *zap.Logger) (strategy.Params, error) {
	g := c.Strategy.Grid
	gridType, err := grid.ParseType(g.Type)
	if err != nil {
		return strategy.Params{}, core.NewConfigError("strategy.grid.type", "%v", err)
	}
	initial, err := strategy.ParseInitialPosition(g.InitialPosition)
	if err != nil {
		return strategy.Params{}, core.NewConfigError("strategy.grid.initial_position", "%v", err)
	}
	autoReset := g.AutoReset == nil || *g.AutoReset
	rules := c.rules()
	st := c.Strategy.Supertrend
	return strategy.Params{
		Symbol: c.Symbol,
		Grid: strategy.GridParams{
			Levels:          g.Levels,
			SpacingPct:      g.SpacingPct.Decimal,
			Type:            gridType,
			OrderAmount:     g.OrderAmount.Decimal,
			OrderQty:        g.OrderQty.Decimal,
			InitialPosition: initial,
			StopLossPct:     g.StopLossPct.Decimal,
			TakeProfitPct:   g.TakeProfitPct.Decimal,
			AutoReset:       autoReset,
			Rules:           rules,
		},
		Supertrend: strategy.SupertrendParams{
			ATRPeriod:      st.ATRPeriod,
			ATRMultiplier:  st.ATRMultiplier.Decimal,
			MaxOrderAmount: st.MaxOrderAmount.Decimal,
			TakeProfitPct:  st.TakeProfitPct.Decimal,
			StopLossPct:    st.StopLossPct.Decimal,
			BufferSize:     st.BufferSize,
			Rules:          rules,
			FeeBps:         c.Backtest.FeeBps.Decimal,
			SlippageBps:    c.Backtest.SlippageBps.Decimal,
		},
		Logger: logger,
	}, nil
}

// ParseTimeframe reads the nominal bar spacing: "15m", "1h", "1d", "1w",
// or anything time.ParseDuration accepts.
func ParseTimeframe(raw string) (time.Duration, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, errors.New("timeframe is empty")
	}
	units := map[byte]time.Duration{
		'm': time.Minute,
		'h': time.Hour,
		'd': 24 * time.Hour,
		'w': 7 * 24 * time.Hour,
	}
	if unit, ok := units[raw[len(raw)-1]]; ok {
		if n, err := strconv.Atoi(raw[:len(raw)-1]); err == nil {
			if n <= 0 {
				return 0, fmt.Errorf("timeframe %q must be positive", raw)
			}
			return time.Duration(n) * unit, nil
		}
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("unknown timeframe %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeframe %q must be positive", raw)
	}
	return d, nil
}
