// Package store defines storage interfaces for persisting and retrieving
// intents, risk checks, orders, and audit events.
package store

import (
	"context"
	"errors"
	"time"

	"ordergate/internal/domain"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateIntent is returned by InsertIntent when another intent already
// holds the same client_intent_id. Callers treat it as "already exists —
// return existing".
var ErrDuplicateIntent = errors.New("store: duplicate client_intent_id")

// IntentStore persists and retrieves trade intents.
type IntentStore interface {
	// InsertIntent atomically inserts a new intent, failing with
	// ErrDuplicateIntent when the idempotency key is already taken.
	InsertIntent(ctx context.Context, intent *domain.Intent) error

	// GetIntent retrieves a single intent by its ID.
	GetIntent(ctx context.Context, id string) (*domain.Intent, error)

	// GetIntentByClientID retrieves an intent by its idempotency key.
	GetIntentByClientID(ctx context.Context, clientIntentID string) (*domain.Intent, error)

	// UpdateIntentStatus persists an intent status transition.
	UpdateIntentStatus(ctx context.Context, id string, status domain.IntentStatus, reason string) error
}

// RiskCheckStore persists evaluated policy outcomes per intent.
type RiskCheckStore interface {
	// SaveRiskChecks appends the full checklist of one evaluation.
	SaveRiskChecks(ctx context.Context, intentID string, checks []domain.RiskCheck) error

	// ListRiskChecks returns all checks recorded for an intent.
	ListRiskChecks(ctx context.Context, intentID string) ([]domain.RiskCheck, error)
}

// OrderStore persists broker-bound order records.
type OrderStore interface {
	// SaveOrder inserts or replaces an order record.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOrderByIntentID retrieves the order created from an intent.
	GetOrderByIntentID(ctx context.Context, intentID string) (*domain.Order, error)

	// ListOrders returns all orders with the given status; an empty
	// status returns everything.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// ListOpenOrders returns all non-terminal orders, used to rebuild the
	// in-memory queue after a restart.
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)
}

// AuditStore persists the append-only audit journal.
type AuditStore interface {
	// SaveAuditEvent appends one event to the journal.
	SaveAuditEvent(ctx context.Context, event *domain.AuditEvent) error

	// ListAuditEvents returns events in [start, end), oldest first, up to
	// limit (0 = no limit).
	ListAuditEvents(ctx context.Context, start, end time.Time, limit int) ([]domain.AuditEvent, error)
}
