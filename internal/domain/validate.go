package domain

import (
	"errors"
	"fmt"
)

// ErrValidation tags malformed-input errors so callers can distinguish them
// from policy rejections and broker failures. Validation errors are rejected
// synchronously and never retried.
var ErrValidation = errors.New("validation")

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Validate checks the intent's fields before any risk evaluation. Limit and
// stop prices are required exactly when the order type needs them.
func (in *Intent) Validate() error {
	if in.ClientIntentID == "" {
		return validationErrorf("client_intent_id is required")
	}
	if in.Symbol == "" {
		return validationErrorf("symbol is required")
	}
	if in.Side != SideBuy && in.Side != SideSell {
		return validationErrorf("side must be %q or %q, got %q", SideBuy, SideSell, in.Side)
	}
	if in.Qty <= 0 {
		return validationErrorf("qty must be a positive integer, got %d", in.Qty)
	}

	switch in.Type {
	case OrderTypeMarket:
		// No price fields.
	case OrderTypeLimit:
		if in.LimitPrice <= 0 {
			return validationErrorf("limit orders require a positive limit_price")
		}
	case OrderTypeStop:
		if in.StopPrice <= 0 {
			return validationErrorf("stop orders require a positive stop_price")
		}
	case OrderTypeStopLimit:
		if in.LimitPrice <= 0 || in.StopPrice <= 0 {
			return validationErrorf("stop_limit orders require positive limit_price and stop_price")
		}
	default:
		return validationErrorf("unknown order type %q", in.Type)
	}

	return nil
}

// RefPrice returns the price used for notional estimates: the limit price
// when the order carries one, otherwise the quote midpoint.
func (in *Intent) RefPrice(q *Quote) float64 {
	if in.LimitPrice > 0 {
		return in.LimitPrice
	}
	if in.StopPrice > 0 {
		return in.StopPrice
	}
	if q != nil {
		return q.Mid()
	}
	return 0
}
