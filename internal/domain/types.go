// Package domain defines the core types shared across the ordergate system:
// trade intents, risk-check outcomes, broker-bound orders, and the market
// snapshots (account, position, quote) risk policies are evaluated against.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side, used when building exit legs.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType identifies how an order is priced.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// IntentStatus is the lifecycle state of a trade intent.
type IntentStatus string

const (
	IntentStatusPending  IntentStatus = "PENDING"
	IntentStatusApproved IntentStatus = "APPROVED"
	IntentStatusRejected IntentStatus = "REJECTED"
	IntentStatusExecuted IntentStatus = "EXECUTED"
)

// Terminal reports whether no further intent transitions are possible.
// APPROVED is not terminal: a failed queue hand-off leaves the intent
// eligible for resubmission.
func (s IntentStatus) Terminal() bool {
	return s == IntentStatusRejected || s == IntentStatusExecuted
}

// OrderStatus is the lifecycle state of a broker-bound order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether the order has reached a final state.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

// Priority orders queue entries within a processing pass. Higher weights are
// submitted first; entries of equal priority submit oldest-first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 10
	PriorityHigh     Priority = 100
	PriorityCritical Priority = 1000
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ---------------------------------------------------------------------------
// Intents and risk checks
// ---------------------------------------------------------------------------

// Intent is a caller's proposed trade prior to risk approval. ClientIntentID
// is the caller-supplied idempotency key; two submissions sharing it are the
// same intent.
type Intent struct {
	ID             string       `json:"id"`
	ClientIntentID string       `json:"client_intent_id"`
	Symbol         string       `json:"symbol"`
	Side           Side         `json:"side"`
	Qty            int64        `json:"qty"`
	Type           OrderType    `json:"type"`
	LimitPrice     float64      `json:"limit_price,omitempty"`
	StopPrice      float64      `json:"stop_price,omitempty"`
	Strategy       string       `json:"strategy,omitempty"`
	Status         IntentStatus `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// RiskCheck is one evaluated policy outcome for an intent. A full evaluation
// yields one RiskCheck per configured policy even when an earlier one fails.
type RiskCheck struct {
	IntentID  string    `json:"intent_id,omitempty"`
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Order is a risk-approved, broker-bound work unit owned by the queue.
// Status transitions are the only mutation path; BrokerOrderID is set once
// the broker accepts the order.
type Order struct {
	ID            string            `json:"id"`
	IntentID      string            `json:"intent_id,omitempty"`
	Symbol        string            `json:"symbol"`
	Side          Side              `json:"side"`
	Type          OrderType         `json:"type"`
	Qty           int64             `json:"qty"`
	LimitPrice    float64           `json:"limit_price,omitempty"`
	StopPrice     float64           `json:"stop_price,omitempty"`
	Priority      Priority          `json:"priority"`
	Status        OrderStatus       `json:"status"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	Attempts      int               `json:"attempts"`
	MaxRetries    int               `json:"max_retries"`
	RetryDelay    time.Duration     `json:"retry_delay"`
	FilledQty     float64           `json:"filled_qty"`
	AvgFillPrice  float64           `json:"avg_fill_price"`
	LastError     string            `json:"last_error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// BrokerOrder is the broker-side projection of an order, copied back during
// status sync.
type BrokerOrder struct {
	ID           string
	Symbol       string
	Status       OrderStatus
	FilledQty    float64
	AvgFillPrice float64
}

// ---------------------------------------------------------------------------
// Market snapshots
// ---------------------------------------------------------------------------

// Account is a snapshot of the brokerage account's financial metrics.
// LastEquity is the prior session's closing equity, so Equity-LastEquity is
// the running daily P&L.
type Account struct {
	Equity      float64 `json:"equity"`
	LastEquity  float64 `json:"last_equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}

// PositionSide is the direction of an open holding.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// ClosingSide returns the order side that flattens a position held on this
// side.
func (s PositionSide) ClosingSide() Side {
	if s == PositionSideShort {
		return SideBuy
	}
	return SideSell
}

// Position is an open holding at the brokerage.
type Position struct {
	Symbol        string       `json:"symbol"`
	Qty           float64      `json:"qty"`
	Side          PositionSide `json:"side"`
	MarketValue   float64      `json:"market_value"`
	AvgEntryPrice float64      `json:"avg_entry_price"`
	UnrealizedPL  float64      `json:"unrealized_pl"`
}

// Quote is the latest top-of-book snapshot for a symbol.
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// Mid returns the bid/ask midpoint, falling back to the last trade when one
// side of the book is empty.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadBps returns the bid/ask spread in basis points of the midpoint, or 0
// when the book is one-sided.
func (q *Quote) SpreadBps() float64 {
	mid := q.Mid()
	if mid <= 0 || q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 10000
}
