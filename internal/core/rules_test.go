package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalizeOrderLimitRoundsPriceAndQty(t *testing.T) {
	req := OrderRequest{
		Symbol: "RELIANCE",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("100.037"),
		Qty:    decimal.RequireFromString("0.123456"),
	}
	rules := Rules{
		MinQty:      decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		PriceTick:   decimal.RequireFromString("0.01"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}

	got, err := NormalizeOrder(req, rules, decimal.Zero)
	if err != nil {
		t.Fatalf("NormalizeOrder() error = %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("100.03")) {
		t.Fatalf("unexpected rounded price: %s", got.Price)
	}
	if !got.Qty.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("unexpected rounded qty: %s", got.Qty)
	}
}

func TestNormalizeOrderBelowMinQty(t *testing.T) {
	req := OrderRequest{
		Side:  Buy,
		Type:  Limit,
		Price: decimal.RequireFromString("100"),
		Qty:   decimal.RequireFromString("0.009"),
	}
	rules := Rules{MinQty: decimal.RequireFromString("0.01")}

	_, err := NormalizeOrder(req, rules, decimal.Zero)
	if !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinQty)
	}
}

func TestNormalizeOrderMarketUsesReferencePriceForNotional(t *testing.T) {
	rules := Rules{MinNotional: decimal.RequireFromString("60")}
	req := OrderRequest{Side: Buy, Type: Market, Qty: decimal.NewFromInt(1)}

	if _, err := NormalizeOrder(req, rules, decimal.Zero); err != nil {
		t.Fatalf("NormalizeOrder() without reference error = %v", err)
	}
	if _, err := NormalizeOrder(req, rules, decimal.NewFromInt(50)); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("NormalizeOrder() with reference error = %v, want %v", err, ErrBelowMinNotional)
	}
}

func TestNormalizeOrderRejectsLimitWithoutPrice(t *testing.T) {
	req := OrderRequest{Side: Sell, Type: Limit, Qty: decimal.NewFromInt(1)}
	if _, err := NormalizeOrder(req, Rules{}, decimal.Zero); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrInvalidOrder)
	}
}

func bar(ts time.Time, o, h, l, c string) Candle {
	return Candle{
		Time:   ts,
		Open:   decimal.RequireFromString(o),
		High:   decimal.RequireFromString(h),
		Low:    decimal.RequireFromString(l),
		Close:  decimal.RequireFromString(c),
		Volume: decimal.NewFromInt(1000),
	}
}

func TestValidateCandlesRejectsDuplicateAndDecrease(t *testing.T) {
	t0 := time.Date(2024, 1, 5, 9, 15, 0, 0, time.UTC)
	dup := []Candle{bar(t0, "100", "101", "99", "100"), bar(t0, "100", "101", "99", "100")}
	var dataErr *DataError
	if err := ValidateCandles(dup); !errors.As(err, &dataErr) || dataErr.Index != 1 {
		t.Fatalf("ValidateCandles(dup) error = %v, want DataError at index 1", err)
	}
	dec := []Candle{bar(t0, "100", "101", "99", "100"), bar(t0.Add(-time.Minute), "100", "101", "99", "100")}
	if err := ValidateCandles(dec); !errors.As(err, &dataErr) {
		t.Fatalf("ValidateCandles(dec) error = %v, want DataError", err)
	}
}

func TestValidateCandlesRejectsInconsistentBar(t *testing.T) {
	t0 := time.Date(2024, 1, 5, 9, 15, 0, 0, time.UTC)
	bad := []Candle{bar(t0, "100", "99", "101", "100")}
	if err := ValidateCandles(bad); err == nil {
		t.Fatalf("ValidateCandles() error = nil, want error for high below low")
	}
	if err := ValidateCandles(nil); err != nil {
		t.Fatalf("ValidateCandles(nil) error = %v", err)
	}
}

func TestOrderApplyFillTracksAverageAndStatus(t *testing.T) {
	ord := Order{Qty: decimal.NewFromInt(10), Status: OrderPending}
	ord.ApplyFill(decimal.NewFromInt(4), decimal.NewFromInt(100), decimal.Zero, time.Time{})
	if ord.Status != OrderPartiallyFilled {
		t.Fatalf("status = %s, want %s", ord.Status, OrderPartiallyFilled)
	}
	got := ord.ApplyFill(decimal.NewFromInt(10), decimal.NewFromInt(110), decimal.Zero, time.Time{})
	if !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("applied qty = %s, want 6 (capped at remaining)", got)
	}
	if ord.Status != OrderFilled || !ord.FilledQty.Equal(ord.Qty) {
		t.Fatalf("status = %s filled = %s, want FILLED 10", ord.Status, ord.FilledQty)
	}
	if !ord.AvgFillPrice.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("avg fill = %s, want 106", ord.AvgFillPrice)
	}
}
