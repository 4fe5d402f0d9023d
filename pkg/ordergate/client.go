// Package ordergate provides a Go client for the ordergate HTTP API.
package ordergate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ordergate/internal/domain"
	"ordergate/internal/oms"
	"ordergate/internal/queue"
	"ordergate/internal/risk"
)

// Client talks to an ordergate-server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ordergate: %d %s", e.StatusCode, e.Message)
}

// IntentRequest is the submission payload for SubmitIntent.
type IntentRequest struct {
	ClientIntentID string           `json:"client_intent_id"`
	Symbol         string           `json:"symbol"`
	Side           domain.Side      `json:"side"`
	Qty            int64            `json:"qty"`
	Type           domain.OrderType `json:"type"`
	LimitPrice     float64          `json:"limit_price,omitempty"`
	StopPrice      float64          `json:"stop_price,omitempty"`
	Strategy       string           `json:"strategy,omitempty"`
}

// SubmitIntent submits a trade intent and returns the full pipeline outcome.
func (c *Client) SubmitIntent(ctx context.Context, req IntentRequest) (*oms.SubmitResult, error) {
	var out oms.SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/intents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IntentDetail is an intent with its recorded risk checklist.
type IntentDetail struct {
	Intent domain.Intent      `json:"intent"`
	Checks []domain.RiskCheck `json:"checks"`
}

// GetIntent fetches an intent and its risk checks by ID.
func (c *Client) GetIntent(ctx context.Context, intentID string) (*IntentDetail, error) {
	var out IntentDetail
	if err := c.do(ctx, http.MethodGet, "/api/intents/"+url.PathEscape(intentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Orders lists queued orders; an empty status returns all of them.
func (c *Client) Orders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	path := "/api/orders"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out struct {
		Orders []domain.Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// CancelOrder cancels a queued order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var out domain.Order
	if err := c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RiskState fetches the risk engine snapshot, kill switch included.
func (c *Client) RiskState(ctx context.Context) (*risk.State, error) {
	var out risk.State
	if err := c.do(ctx, http.MethodGet, "/api/risk", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetKillSwitch toggles the trading halt.
func (c *Client) SetKillSwitch(ctx context.Context, enabled bool, mode risk.Mode, reason string) (*risk.KillSwitch, error) {
	req := map[string]any{"enabled": enabled, "mode": mode, "reason": reason}
	var out risk.KillSwitch
	if err := c.do(ctx, http.MethodPost, "/api/risk/kill-switch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueStats fetches queue and circuit-breaker statistics.
func (c *Client) QueueStats(ctx context.Context) (*queue.Stats, error) {
	var out queue.Stats
	if err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
