// Package broker defines the Broker interface and provides implementations
// for executing orders and managing accounts across different brokerages.
package broker

import (
	"context"

	"ordergate/internal/domain"
)

// OrdersFilter narrows GetOrders results.
type OrdersFilter struct {
	// Status is "open", "closed", or "all". Empty means "open".
	Status string
	// Symbols limits results to the given symbols when non-empty.
	Symbols []string
	// Limit caps the number of orders returned; 0 means the broker default.
	Limit int
}

// Broker abstracts brokerage operations for order execution, account
// management, and quote lookup.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage for execution and
	// returns it with BrokerOrderID and status populated.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its
	// broker-side ID.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrders returns broker-side order state matching the filter.
	GetOrders(ctx context.Context, filter OrdersFilter) ([]domain.BrokerOrder, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.Account, error)

	// GetLatestQuote returns the latest top-of-book quote for a symbol.
	GetLatestQuote(ctx context.Context, symbol string) (*domain.Quote, error)
}
