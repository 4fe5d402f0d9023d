// Package oms orchestrates the intent lifecycle: validate, persist under the
// idempotency key, evaluate risk, and hand approved work to the order queue.
// It is the single write path into the system; HTTP handlers and CLI tooling
// call through here rather than touching the stores directly.
package oms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ordergate/internal/audit"
	"ordergate/internal/broker"
	"ordergate/internal/domain"
	"ordergate/internal/id"
	"ordergate/internal/queue"
	"ordergate/internal/risk"
	"ordergate/internal/store"
	"ordergate/internal/util"
)

// Store is the persistence surface the OMS needs. *store.SQLiteStore
// satisfies it.
type Store interface {
	store.IntentStore
	store.RiskCheckStore
	store.OrderStore
}

// OMS drives intents from submission to queue hand-off.
type OMS struct {
	store  Store
	risk   *risk.Engine
	queue  *queue.Queue
	broker broker.Broker
	audit  audit.Recorder
	log    *slog.Logger

	// processSync runs a queue pass inside SubmitIntent so callers see
	// submission results immediately. Servers leave it off and rely on
	// the background ticker.
	processSync bool
}

// Option configures an OMS.
type Option func(*OMS)

// WithSyncProcessing makes SubmitIntent drain the queue before returning.
func WithSyncProcessing() Option {
	return func(o *OMS) { o.processSync = true }
}

// New wires an OMS over its collaborators.
func New(st Store, rk *risk.Engine, q *queue.Queue, b broker.Broker, rec audit.Recorder, log *slog.Logger, opts ...Option) *OMS {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	o := &OMS{
		store:  st,
		risk:   rk,
		queue:  q,
		broker: b,
		audit:  rec,
		log:    log.With("component", "oms"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitResult is the full outcome of one intent submission.
type SubmitResult struct {
	Intent    *domain.Intent     `json:"intent"`
	Checks    []domain.RiskCheck `json:"checks,omitempty"`
	Order     *domain.Order      `json:"order,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
}

// SubmitIntent runs the full pipeline for one intent. Submissions sharing a
// ClientIntentID are idempotent: the first evaluation's outcome is returned
// on every replay, without re-running risk or touching the broker again. The
// one exception is an approved intent whose queue hand-off failed; a replay
// retries only the hand-off.
func (o *OMS) SubmitIntent(ctx context.Context, intent *domain.Intent) (*SubmitResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	intent.ID = id.New()
	intent.Status = domain.IntentStatusPending
	intent.CreatedAt = now
	intent.UpdatedAt = now

	err := o.store.InsertIntent(ctx, intent)
	if errors.Is(err, store.ErrDuplicateIntent) {
		return o.replay(ctx, intent.ClientIntentID)
	}
	if err != nil {
		return nil, fmt.Errorf("persist intent: %w", err)
	}
	o.auditIntent(ctx, intent, "", "submitted")

	rc, err := o.gatherContext(ctx, intent.Symbol)
	if err != nil {
		// The intent stays PENDING; nothing was evaluated yet.
		return nil, fmt.Errorf("risk context: %w", err)
	}

	res := o.risk.CheckIntent(ctx, intent, rc)
	if err := o.store.SaveRiskChecks(ctx, intent.ID, res.Checks); err != nil {
		o.log.Error("risk checks persist failed", "intent_id", intent.ID, "error", err)
	}
	for _, c := range res.Checks {
		o.audit.Record(ctx, domain.AuditEvent{
			Kind:    domain.AuditRiskCheck,
			Subject: intent.ID,
			Detail:  c.Details,
			Data:    map[string]string{"check": c.Name, "passed": fmt.Sprintf("%t", c.Passed)},
		})
	}

	if !res.Approved {
		o.transitionIntent(ctx, intent, domain.IntentStatusRejected, res.Reason)
		o.log.Info("intent rejected",
			"intent_id", intent.ID, "symbol", intent.Symbol, "reason", res.Reason)
		return &SubmitResult{Intent: intent, Checks: res.Checks}, nil
	}

	o.transitionIntent(ctx, intent, domain.IntentStatusApproved, "")
	order, err := o.enqueue(ctx, intent)
	if err != nil {
		// APPROVED is not terminal: a replay with the same
		// ClientIntentID retries the hand-off.
		return &SubmitResult{Intent: intent, Checks: res.Checks},
			fmt.Errorf("queue hand-off: %w", err)
	}
	o.transitionIntent(ctx, intent, domain.IntentStatusExecuted, "order queued")
	o.log.Info("intent executed",
		"intent_id", intent.ID, "order_id", order.ID, "symbol", intent.Symbol)

	if o.processSync {
		o.queue.ProcessQueue(ctx)
		if refreshed, err := o.queue.Order(order.ID); err == nil {
			order = refreshed
		}
	}
	return &SubmitResult{Intent: intent, Checks: res.Checks, Order: order}, nil
}

// replay returns the stored outcome of a previously seen ClientIntentID. An
// approved intent that never produced an order gets its hand-off retried.
func (o *OMS) replay(ctx context.Context, clientIntentID string) (*SubmitResult, error) {
	existing, err := o.store.GetIntentByClientID(ctx, clientIntentID)
	if err != nil {
		return nil, fmt.Errorf("load duplicate intent: %w", err)
	}
	checks, err := o.store.ListRiskChecks(ctx, existing.ID)
	if err != nil {
		o.log.Error("risk checks load failed", "intent_id", existing.ID, "error", err)
	}

	res := &SubmitResult{Intent: existing, Checks: checks, Duplicate: true}
	order, err := o.store.GetOrderByIntentID(ctx, existing.ID)
	switch {
	case err == nil:
		res.Order = order
	case errors.Is(err, store.ErrNotFound) && existing.Status == domain.IntentStatusApproved:
		order, err := o.enqueue(ctx, existing)
		if err != nil {
			return res, fmt.Errorf("queue hand-off: %w", err)
		}
		o.transitionIntent(ctx, existing, domain.IntentStatusExecuted, "order queued on replay")
		res.Order = order
	case errors.Is(err, store.ErrNotFound):
		// Rejected or still pending; nothing more to attach.
	default:
		o.log.Error("order load failed", "intent_id", existing.ID, "error", err)
	}

	o.log.Info("duplicate intent replayed",
		"client_intent_id", clientIntentID, "intent_id", existing.ID,
		"status", existing.Status)
	return res, nil
}

// gatherContext assembles the account/position/quote snapshot risk policies
// evaluate against. Account and positions are required; the quote is best
// effort since limit and stop intents carry their own reference price.
func (o *OMS) gatherContext(ctx context.Context, symbol string) (*risk.Context, error) {
	account, err := o.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("account snapshot: %w", err)
	}
	positions, err := o.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions snapshot: %w", err)
	}

	var quote *domain.Quote
	err = util.Retry(ctx, 2, 200*time.Millisecond, func() error {
		var err error
		quote, err = o.broker.GetLatestQuote(ctx, symbol)
		return err
	})
	if err != nil {
		o.log.Warn("quote unavailable", "symbol", symbol, "error", err)
		quote = nil
	}
	return &risk.Context{Account: account, Positions: positions, Quote: quote}, nil
}

// enqueue converts an approved intent into a queue order.
func (o *OMS) enqueue(ctx context.Context, intent *domain.Intent) (*domain.Order, error) {
	return o.queue.Enqueue(ctx, &domain.Order{
		IntentID:   intent.ID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Type:       intent.Type,
		Qty:        intent.Qty,
		LimitPrice: intent.LimitPrice,
		StopPrice:  intent.StopPrice,
		Priority:   intentPriority(intent),
		Metadata:   map[string]string{"strategy": intent.Strategy},
	})
}

// intentPriority maps intent shape to queue priority: protective stops jump
// the line, everything else submits at normal weight.
func intentPriority(intent *domain.Intent) domain.Priority {
	switch intent.Type {
	case domain.OrderTypeStop, domain.OrderTypeStopLimit:
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}

func (o *OMS) transitionIntent(ctx context.Context, intent *domain.Intent, to domain.IntentStatus, reason string) {
	from := intent.Status
	intent.Status = to
	intent.Reason = reason
	intent.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateIntentStatus(ctx, intent.ID, to, reason); err != nil {
		o.log.Error("intent transition persist failed",
			"intent_id", intent.ID, "to", to, "error", err)
	}
	o.auditIntent(ctx, intent, from, reason)
}

func (o *OMS) auditIntent(ctx context.Context, intent *domain.Intent, from domain.IntentStatus, detail string) {
	o.audit.Record(ctx, domain.AuditEvent{
		Kind:    domain.AuditIntentTransition,
		Subject: intent.ID,
		Detail:  detail,
		Data: map[string]string{
			"from":   string(from),
			"to":     string(intent.Status),
			"symbol": intent.Symbol,
		},
	})
}

// ---------------------------------------------------------------------------
// Pass-throughs for the HTTP layer
// ---------------------------------------------------------------------------

// GetIntent returns an intent with its recorded risk checklist.
func (o *OMS) GetIntent(ctx context.Context, intentID string) (*domain.Intent, []domain.RiskCheck, error) {
	intent, err := o.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, nil, err
	}
	checks, err := o.store.ListRiskChecks(ctx, intentID)
	if err != nil {
		return nil, nil, err
	}
	return intent, checks, nil
}

// CancelOrder cancels a queued order.
func (o *OMS) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return o.queue.CancelOrder(ctx, orderID)
}

// OpenOrders lists non-terminal queue entries.
func (o *OMS) OpenOrders() []domain.Order {
	return o.queue.OpenOrders()
}

// OrdersByStatus lists queue entries by status; empty returns all.
func (o *OMS) OrdersByStatus(status domain.OrderStatus) []domain.Order {
	return o.queue.OrdersByStatus(status)
}

// QueueStats summarizes the queue and the brokerage circuit.
func (o *OMS) QueueStats() queue.Stats {
	return o.queue.Stats()
}

// RiskState snapshots the risk engine, kill switch included.
func (o *OMS) RiskState() risk.State {
	return o.risk.State()
}

// SetKillSwitch toggles the trading halt.
func (o *OMS) SetKillSwitch(ctx context.Context, enabled bool, mode risk.Mode, reason string) (risk.KillSwitch, error) {
	return o.risk.SetKillSwitch(ctx, enabled, mode, reason)
}

// ProcessQueue runs one queue pass; the server ticker calls this.
func (o *OMS) ProcessQueue(ctx context.Context) *queue.Result {
	return o.queue.ProcessQueue(ctx)
}

// SyncOrderStatuses refreshes submitted orders from broker state.
func (o *OMS) SyncOrderStatuses(ctx context.Context) (int, error) {
	return o.queue.SyncOrderStatuses(ctx)
}
