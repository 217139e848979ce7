package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

// Broker is the engine surface a strategy trades through. Submitted orders
// are owned by the engine; the strategy keeps only the returned ID.
type Broker interface {
	Submit(ctx context.Context, req core.OrderRequest) (string, error)
	Cancel(ctx context.Context, orderID string) error
	Position(symbol string) core.Position
	Cash() decimal.Decimal
	RealizedPnL() decimal.Decimal
}

type Strategy interface {
	Name() string
	Init(ctx context.Context, broker Broker) error
	OnBar(ctx context.Context, candle core.Candle) error
	OnOrderFilled(ctx context.Context, order core.Order, fill core.Fill) error
	OnOrderRejected(ctx context.Context, order core.Order, reason error) error
}

// Summarizer is implemented by strategies that report run-level state
// (cycles, resets) in the result.
type Summarizer interface {
	Summary() map[string]any
}
