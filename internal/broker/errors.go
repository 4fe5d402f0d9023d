package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// APIError is a broker-reported failure normalized across implementations.
// StatusCode carries the HTTP status when the broker exposes one.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("broker: %s (status %d)", e.Message, e.StatusCode)
	}
	return "broker: " + e.Message
}

// Message substrings used as a fallback when no status code is available.
// Broker-provided codes are always preferred; string matching only covers
// errors that arrive as bare text.
var (
	retryableHints = []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"service unavailable",
		"too many requests",
		"rate limit",
	}
	terminalHints = []string{
		"insufficient",
		"rejected",
		"forbidden",
		"not tradable",
		"halted",
	}
)

// IsRetryable reports whether err is a transient broker failure worth
// retrying: connectivity problems, timeouts, rate limits, and 5xx responses.
// Business rejections (4xx) are terminal. Unclassifiable errors are treated
// as terminal so a bad order is never re-submitted blindly.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range terminalHints {
		if strings.Contains(msg, hint) {
			return false
		}
	}
	for _, hint := range retryableHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether err is a broker rate-limit response. The
// risk engine's anomaly tracker counts these.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}
