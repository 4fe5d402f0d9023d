package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ordergate/internal/domain"
)

func TestSimulatorSubmitAndCancel(t *testing.T) {
	s := NewSimulator()
	ctx := context.Background()

	order := &domain.Order{ID: "o-1", Symbol: "AAPL", Side: domain.SideBuy, Qty: 10, Type: domain.OrderTypeMarket}
	placed, err := s.SubmitOrder(ctx, order)
	if err != nil {
		t.Fatalf("SubmitOrder returned %v", err)
	}
	if placed.BrokerOrderID == "" {
		t.Fatal("SubmitOrder did not assign a broker order ID")
	}
	if placed.Status != domain.OrderStatusSubmitted {
		t.Errorf("status = %s, want submitted", placed.Status)
	}

	if err := s.CancelOrder(ctx, placed.BrokerOrderID); err != nil {
		t.Fatalf("CancelOrder returned %v", err)
	}
	if err := s.CancelOrder(ctx, placed.BrokerOrderID); err == nil {
		t.Error("cancelling a cancelled order should fail")
	}
	if err := s.CancelOrder(ctx, "sim-nope"); err == nil {
		t.Error("cancelling an unknown order should fail")
	}
}

func TestSimulatorScriptedFailures(t *testing.T) {
	s := NewSimulator()
	ctx := context.Background()
	transient := &APIError{StatusCode: 503, Message: "service unavailable"}

	s.FailSubmitWith(transient, nil)

	order := &domain.Order{ID: "o-1", Symbol: "AAPL", Side: domain.SideBuy, Qty: 1, Type: domain.OrderTypeMarket}
	if _, err := s.SubmitOrder(ctx, order); !errors.Is(err, transient) {
		t.Fatalf("first submit error = %v, want scripted %v", err, transient)
	}
	if _, err := s.SubmitOrder(ctx, order); err != nil {
		t.Fatalf("second submit should succeed, got %v", err)
	}
	if got := s.SubmitCalls(); got != 2 {
		t.Errorf("SubmitCalls = %d, want 2", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &APIError{StatusCode: 429, Message: "too many requests"}, true},
		{"server error", &APIError{StatusCode: 503, Message: "upstream down"}, true},
		{"bad gateway", &APIError{StatusCode: 502, Message: "bad gateway"}, true},
		{"insufficient buying power", &APIError{StatusCode: 403, Message: "insufficient buying power"}, false},
		{"rejected", &APIError{StatusCode: 422, Message: "order rejected"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"bare timeout text", errors.New("request timed out"), true},
		{"bare connection text", fmt.Errorf("dial: %w", errors.New("connection refused")), true},
		{"bare business text", errors.New("account halted"), false},
		{"unknown text", errors.New("something odd"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(&APIError{StatusCode: 429, Message: "too many requests"}) {
		t.Error("429 should classify as rate limited")
	}
	if IsRateLimited(&APIError{StatusCode: 500, Message: "boom"}) {
		t.Error("500 should not classify as rate limited")
	}
	if !IsRateLimited(errors.New("rate limit exceeded")) {
		t.Error("message fallback should catch rate limit text")
	}
}

func TestOrderStatusMapping(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"new":              domain.OrderStatusSubmitted,
		"accepted":         domain.OrderStatusSubmitted,
		"partially_filled": domain.OrderStatusSubmitted,
		"filled":           domain.OrderStatusFilled,
		"canceled":         domain.OrderStatusCancelled,
		"expired":          domain.OrderStatusCancelled,
		"rejected":         domain.OrderStatusFailed,
	}
	for in, want := range cases {
		if got := mapOrderStatus(in); got != want {
			t.Errorf("mapOrderStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
