package strategy

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
)

const SupertrendName = "supertrend"

type SupertrendParams struct {
	ATRPeriod      int
	ATRMultiplier  decimal.Decimal
	MaxOrderAmount decimal.Decimal
	TakeProfitPct  decimal.Decimal
	StopLossPct    decimal.Decimal
	BufferSize     int
	Rules          core.Rules
	// FeeBps and SlippageBps are held back from the entry budget so a
	// cash-bound entry still clears at the fill price.
	FeeBps      decimal.Decimal
	SlippageBps decimal.Decimal
}

func (p SupertrendParams) Validate() error {
	if p.ATRPeriod < 1 {
		return core.NewConfigError("supertrend.atr_period", "must be >= 1")
	}
	if p.ATRMultiplier.Cmp(decimal.Zero) <= 0 {
		return core.NewConfigError("supertrend.atr_multiplier", "must be > 0")
	}
	if p.MaxOrderAmount.Cmp(decimal.Zero) <= 0 {
		return core.NewConfigError("supertrend.max_order_amount", "must be > 0")
	}
	if p.TakeProfitPct.Cmp(decimal.Zero) < 0 || p.StopLossPct.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("supertrend", "take_profit_pct and stop_loss_pct must be >= 0")
	}
	if p.FeeBps.Cmp(decimal.Zero) < 0 || p.SlippageBps.Cmp(decimal.Zero) < 0 {
		return core.NewConfigError("supertrend", "fee_bps and slippage_bps must be >= 0")
	}
	if p.BufferSize != 0 && p.BufferSize < p.ATRPeriod+1 {
		return core.NewConfigError("supertrend.buffer_size", "must be at least atr_period+1")
	}
	return nil
}

// Supertrend is long-only: it buys when the ATR band flips up and exits on
// a flip down or on the optional take-profit / stop-loss.
type Supertrend struct {
	symbol string
	params SupertrendParams
	logger *zap.Logger
	broker Broker

	history *Ring[core.Candle]
	bars    int

	atr        decimal.Decimal
	finalUpper decimal.Decimal
	finalLower decimal.Decimal
	line       decimal.Decimal
	direction  int
	prevSignal int

	pendingID  string
	entryPrice decimal.Decimal
	signals    int
}

func NewSupertrend(symbol string, params SupertrendParams, logger *zap.Logger) (*Supertrend, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, core.NewConfigError("symbol", "is required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.BufferSize == 0 {
		params.BufferSize = 4 * (params.ATRPeriod + 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supertrend{
		symbol:  symbol,
		params:  params,
		logger:  logger.With(zap.String("strategy", SupertrendName), zap.String("symbol", symbol)),
		history: NewRing[core.Candle](params.BufferSize),
	}, nil
}

func NewSupertrendFromParams(p Params) (Strategy, error) {
	return NewSupertrend(p.Symbol, p.Supertrend, p.Logger)
}

func (s *Supertrend) Name() string { return SupertrendName }

func (s *Supertrend) Init(ctx context.Context, broker Broker) error {
	if broker == nil {
		return errors.New("broker is required")
	}
	s.broker = broker
	return nil
}

// Direction is 1 in an up-trend, -1 in a down-trend and 0 before warmup.
func (s *Supertrend) Direction() int { return s.direction }

func (s *Supertrend) Line() decimal.Decimal { return s.line }

func (s *Supertrend) History() []core.Candle { return s.history.Slice() }

func (s *Supertrend) update(c core.Candle) {
	prev, hasPrev := s.history.Last()
	s.history.Push(c)
	s.bars++

	tr := c.High.Sub(c.Low)
	if hasPrev {
		tr = decimal.Max(tr, c.High.Sub(prev.Close).Abs(), c.Low.Sub(prev.Close).Abs())
	}
	if s.bars == 1 {
		s.atr = tr
	} else {
		alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(s.params.ATRPeriod + 1)))
		s.atr = tr.Mul(alpha).Add(s.atr.Mul(decimal.NewFromInt(1).Sub(alpha)))
	}

	band := s.atr.Mul(s.params.ATRMultiplier)
	basicUpper := c.High.Add(band)
	basicLower := c.Low.Sub(band)
	if s.bars == 1 {
		s.finalUpper = basicUpper
		s.finalLower = basicLower
		s.line = basicUpper
		s.direction = -1
		return
	}
	if prev.Close.Cmp(s.finalUpper) <= 0 {
		s.finalUpper = decimal.Min(basicUpper, s.finalUpper)
	} else {
		s.finalUpper = basicUpper
	}
	if prev.Close.Cmp(s.finalLower) >= 0 {
		s.finalLower = decimal.Max(basicLower, s.finalLower)
	} else {
		s.finalLower = basicLower
	}
	switch {
	case s.direction == -1 && c.Close.Cmp(s.line) > 0:
		s.direction = 1
		s.line = s.finalLower
	case s.direction == 1 && c.Close.Cmp(s.line) < 0:
		s.direction = -1
		s.line = s.finalUpper
	case s.direction == -1:
		s.line = s.finalUpper
	default:
		s.line = s.finalLower
	}
}

func (s *Supertrend) OnBar(ctx context.Context, candle core.Candle) error {
	s.update(candle)
	if s.bars < s.params.ATRPeriod+1 {
		return nil
	}
	signal := s.direction
	changed := signal != s.prevSignal
	s.prevSignal = signal
	if s.pendingID != "" {
		return nil
	}

	held := s.broker.Position(s.symbol).Qty
	if held.Cmp(decimal.Zero) <= 0 {
		if signal != 1 || !changed {
			return nil
		}
		qty := s.quantity(candle.Close)
		if qty.Cmp(decimal.Zero) <= 0 {
			return nil
		}
		return s.submit(ctx, core.Buy, qty, "supertrend-entry")
	}

	reason := ""
	switch {
	case signal == -1 && changed:
		reason = "trend flipped down"
	case s.params.TakeProfitPct.Cmp(decimal.Zero) > 0 &&
		candle.Close.Cmp(s.entryPrice.Mul(pctFactor(s.params.TakeProfitPct))) >= 0:
		reason = "take profit"
	case s.params.StopLossPct.Cmp(decimal.Zero) > 0 &&
		candle.Close.Cmp(s.entryPrice.Mul(pctFactor(s.params.StopLossPct.Neg()))) <= 0:
		reason = "stop loss"
	}
	if reason == "" {
		return nil
	}
	s.logger.Info("supertrend exit", zap.String("reason", reason), zap.String("close", candle.Close.String()))
	return s.submit(ctx, core.Sell, held, "supertrend-exit")
}

// quantity sizes an entry by the smaller of the order cap and free cash,
// less the fee and slippage allowance.
func (s *Supertrend) quantity(price decimal.Decimal) decimal.Decimal {
	budget := decimal.Min(s.params.MaxOrderAmount, s.broker.Cash())
	costBps := s.params.FeeBps.Add(s.params.SlippageBps)
	if costBps.Cmp(decimal.Zero) > 0 {
		budget = budget.Div(decimal.NewFromInt(1).Add(costBps.Div(decimal.NewFromInt(10_000))))
	}
	step := s.params.Rules.QtyStep
	if step.Cmp(decimal.Zero) <= 0 {
		step = decimal.NewFromInt(1)
	}
	return core.RoundDown(budget.Div(price), step)
}

func (s *Supertrend) submit(ctx context.Context, side core.Side, qty decimal.Decimal, tag string) error {
	id, err := s.broker.Submit(ctx, core.OrderRequest{
		Symbol: s.symbol,
		Side:   side,
		Type:   core.Market,
		Qty:    qty,
		Tag:    tag,
	})
	if err != nil {
		if errors.Is(err, core.ErrOrderRejected) {
			s.logger.Info("supertrend order not placed", zap.String("side", string(side)), zap.Error(err))
			return nil
		}
		return err
	}
	s.pendingID = id
	s.signals++
	return nil
}

func (s *Supertrend) OnOrderFilled(ctx context.Context, order core.Order, fill core.Fill) error {
	if order.ID != s.pendingID || order.Status != core.OrderFilled {
		return nil
	}
	s.pendingID = ""
	if order.Side == core.Buy {
		s.entryPrice = order.AvgFillPrice
	}
	return nil
}

func (s *Supertrend) OnOrderRejected(ctx context.Context, order core.Order, reason error) error {
	if order.ID == s.pendingID {
		s.pendingID = ""
	}
	return nil
}

func (s *Supertrend) Summary() map[string]any {
	return map[string]any{
		"direction": s.direction,
		"line":      s.line.String(),
		"atr":       s.atr.String(),
		"signals":   s.signals,
		"buffered":  s.history.Len(),
	}
}

func pctFactor(pct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(pct.Div(decimal.NewFromInt(100)))
}
