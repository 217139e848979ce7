package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOrderRejected marks every rejection; the cause is wrapped alongside it.
	ErrOrderRejected = errors.New("order rejected")
	// ErrInsufficientCash indicates the fill would drive cash below zero.
	ErrInsufficientCash = errors.New("insufficient cash")
	// ErrInsufficientInventory indicates a sell larger than the uncommitted position.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrNoNextCandle indicates a market order submitted on the last candle.
	ErrNoNextCandle = errors.New("no candle left to fill against")
	// ErrOrderNotFound indicates the order does not exist or is no longer active.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCancelled is attached to the result of a run stopped by a cancellation request.
	ErrCancelled = errors.New("cancellation requested")
)

// Rejection wraps a cause so both errors.Is(err, ErrOrderRejected) and
// errors.Is(err, cause) hold.
func Rejection(cause error) error {
	return fmt.Errorf("%w: %w", ErrOrderRejected, cause)
}

// ConfigError reports an invalid parameter. It is fatal and raised before a run starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DataError reports a malformed or out-of-order candle sequence.
type DataError struct {
	Index  int
	Time   time.Time
	Reason string
}

func (e *DataError) Error() string {
	if e.Time.IsZero() {
		return fmt.Sprintf("data: candle %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("data: candle %d (%s): %s", e.Index, e.Time.UTC().Format(time.RFC3339), e.Reason)
}
