// Package queue owns broker-bound orders from enqueue to terminal state. A
// processing pass drains pending entries in priority order through the
// brokerage circuit breaker, retrying transient failures and failing terminal
// ones immediately. Order state transitions are mirrored to the order store
// and the audit journal on a best-effort basis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ordergate/internal/audit"
	"ordergate/internal/breaker"
	"ordergate/internal/broker"
	"ordergate/internal/domain"
	"ordergate/internal/id"
	"ordergate/internal/store"
	"ordergate/internal/util"
)

// ErrOrderNotFound is returned when an order ID is not in the queue. The
// message is part of the API contract and surfaces verbatim in cancel
// responses.
var ErrOrderNotFound = errors.New("Order not found in queue")

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
)

// Option configures a Queue at construction.
type Option func(*Queue)

// WithDefaults overrides the retry policy applied to orders that carry none.
func WithDefaults(maxRetries int, retryDelay time.Duration) Option {
	return func(q *Queue) {
		q.maxRetries = maxRetries
		q.retryDelay = retryDelay
	}
}

// WithRateLimiter paces broker submissions through the given limiter.
func WithRateLimiter(rl *util.RateLimiter) Option {
	return func(q *Queue) { q.limiter = rl }
}

// WithOnRateLimited registers a hook fired whenever a submission bounces off
// the broker's rate limit. The risk engine feeds this into its anomaly
// tracker.
func WithOnRateLimited(fn func(ctx context.Context)) Option {
	return func(q *Queue) { q.onRateLimited = fn }
}

// Queue is the priority order queue. All entry state lives behind one mutex;
// broker calls never hold it.
type Queue struct {
	broker broker.Broker
	brk    *breaker.Breaker
	orders store.OrderStore // nil runs memory-only
	audit  audit.Recorder
	log    *slog.Logger

	limiter       *util.RateLimiter
	onRateLimited func(ctx context.Context)
	maxRetries    int
	retryDelay    time.Duration

	mu          sync.Mutex
	entries     map[string]*domain.Order
	processing  bool
	lastEnqueue time.Time
}

// New creates a queue over the given broker and circuit breaker. The order
// store and audit recorder may be nil for memory-only operation.
func New(b broker.Broker, brk *breaker.Breaker, orders store.OrderStore, rec audit.Recorder, log *slog.Logger, opts ...Option) *Queue {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		broker:     b,
		brk:        brk,
		orders:     orders,
		audit:      rec,
		log:        log.With("component", "queue"),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		entries:    make(map[string]*domain.Order),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RestoreFromStore reloads non-terminal orders after a restart so pending
// work survives the process.
func (q *Queue) RestoreFromStore(ctx context.Context) (int, error) {
	if q.orders == nil {
		return 0, nil
	}
	open, err := q.orders.ListOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range open {
		o := open[i]
		if _, ok := q.entries[o.ID]; !ok {
			q.entries[o.ID] = &o
		}
	}
	q.log.Info("queue restored", "orders", len(open))
	return len(open), nil
}

// Enqueue admits an order into the queue in pending state. Missing fields are
// filled from the queue defaults; the returned copy is detached from queue
// state.
func (q *Queue) Enqueue(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.Symbol == "" {
		return nil, errors.New("enqueue: symbol required")
	}
	if order.Qty <= 0 {
		return nil, errors.New("enqueue: qty must be positive")
	}

	o := *order
	if o.ID == "" {
		o.ID = id.New()
	}
	if o.Priority == 0 {
		o.Priority = domain.PriorityNormal
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = q.maxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = q.retryDelay
	}
	o.Status = domain.OrderStatusPending
	o.Attempts = 0

	q.mu.Lock()
	if _, exists := q.entries[o.ID]; exists {
		q.mu.Unlock()
		return nil, fmt.Errorf("enqueue: order %s already queued", o.ID)
	}
	// Strictly increasing timestamps keep same-priority ordering FIFO even
	// when the clock ticks coarser than the enqueue rate.
	now := time.Now().UTC()
	if !now.After(q.lastEnqueue) {
		now = q.lastEnqueue.Add(time.Microsecond)
	}
	q.lastEnqueue = now
	o.CreatedAt = now
	o.UpdatedAt = now
	q.entries[o.ID] = &o
	q.mu.Unlock()

	q.persist(ctx, &o)
	q.auditTransition(ctx, &o, "", "enqueued")
	q.log.Info("order enqueued",
		"order_id", o.ID, "symbol", o.Symbol, "side", o.Side,
		"qty", o.Qty, "priority", o.Priority.String())
	cp := o
	return &cp, nil
}

// EnqueueBatch admits a set of orders, stopping at the first failure.
func (q *Queue) EnqueueBatch(ctx context.Context, orders []*domain.Order) ([]*domain.Order, error) {
	out := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		queued, err := q.Enqueue(ctx, o)
		if err != nil {
			return out, err
		}
		out = append(out, queued)
	}
	return out, nil
}

// OrderError pairs a failed order with its final error.
type OrderError struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Err     string `json:"error"`
}

// Result summarizes one processing pass.
type Result struct {
	Processed int          `json:"processed"`
	Submitted int          `json:"submitted"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Errors    []OrderError `json:"errors,omitempty"`
}

// ProcessQueue drains pending entries highest priority first, ties broken by
// enqueue time. Passes are serialized: a call that finds one in flight
// returns an empty result immediately instead of racing it.
func (q *Queue) ProcessQueue(ctx context.Context) *Result {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return &Result{}
	}
	q.processing = true
	batch := make([]*domain.Order, 0, len(q.entries))
	for _, o := range q.entries {
		if o.Status == domain.OrderStatusPending {
			batch = append(batch, o)
		}
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].CreatedAt.Before(batch[j].CreatedAt)
	})

	res := &Result{}
	for _, o := range batch {
		if ctx.Err() != nil {
			break
		}
		q.submitWithRetry(ctx, o, res)
	}

	if res.Processed > 0 || res.Failed > 0 {
		q.log.Info("queue pass complete",
			"processed", res.Processed, "submitted", res.Submitted,
			"failed", res.Failed, "skipped", res.Skipped)
	}
	return res
}

// submitWithRetry drives one order to submitted or failed within the pass.
// Circuit refusals count as transient attempts alongside retryable broker
// errors, so the entry fails once maxRetries is reached either way.
func (q *Queue) submitWithRetry(ctx context.Context, o *domain.Order, res *Result) {
	res.Processed++

	for {
		// Cancellation can race the pass; re-check before each call.
		q.mu.Lock()
		if o.Status != domain.OrderStatusPending {
			q.mu.Unlock()
			res.Processed--
			res.Skipped++
			return
		}
		attempts := o.Attempts
		q.mu.Unlock()

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				res.Skipped++
				res.Processed--
				return
			}
		}

		var submitted *domain.Order
		err := q.brk.Execute(ctx, func(ctx context.Context) error {
			out, err := q.broker.SubmitOrder(ctx, o)
			if err == nil {
				submitted = out
			}
			return err
		})

		// A circuit refusal never reached the broker but still burns an
		// attempt: a prolonged outage exhausts retries instead of
		// parking orders forever.
		var open *breaker.OpenError
		circuitOpen := errors.As(err, &open)

		attempts++
		q.mu.Lock()
		o.Attempts = attempts
		q.mu.Unlock()

		if err == nil {
			q.mu.Lock()
			o.Status = domain.OrderStatusSubmitted
			o.BrokerOrderID = submitted.BrokerOrderID
			o.LastError = ""
			o.UpdatedAt = time.Now().UTC()
			cp := *o
			q.mu.Unlock()

			q.persist(ctx, &cp)
			q.auditTransition(ctx, &cp, domain.OrderStatusPending, "accepted by broker")
			q.log.Info("order submitted",
				"order_id", cp.ID, "broker_order_id", cp.BrokerOrderID,
				"symbol", cp.Symbol, "attempts", cp.Attempts)
			res.Submitted++
			return
		}

		if broker.IsRateLimited(err) && q.onRateLimited != nil {
			q.onRateLimited(ctx)
		}

		retryable := circuitOpen || broker.IsRetryable(err)
		if !retryable || attempts >= o.MaxRetries {
			reason := err.Error()
			if retryable {
				reason = fmt.Sprintf("max retries (%d) exhausted: %v", o.MaxRetries, err)
			}
			q.fail(ctx, o, reason)
			res.Failed++
			res.Errors = append(res.Errors, OrderError{OrderID: o.ID, Symbol: o.Symbol, Err: reason})
			return
		}

		q.mu.Lock()
		o.LastError = err.Error()
		o.UpdatedAt = time.Now().UTC()
		delay := o.RetryDelay
		q.mu.Unlock()

		q.log.Warn("submission failed, retrying",
			"order_id", o.ID, "attempt", attempts, "max", o.MaxRetries, "error", err)
		if !sleepCtx(ctx, delay) {
			res.Processed--
			res.Skipped++
			return
		}
	}
}

// fail marks the order failed and mirrors the transition out.
func (q *Queue) fail(ctx context.Context, o *domain.Order, reason string) {
	q.mu.Lock()
	from := o.Status
	o.Status = domain.OrderStatusFailed
	o.LastError = reason
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	q.mu.Unlock()

	q.persist(ctx, &cp)
	q.auditTransition(ctx, &cp, from, reason)
	q.log.Error("order failed", "order_id", cp.ID, "symbol", cp.Symbol, "reason", reason)
}

// CancelOrder cancels a queued order. Pending orders cancel locally;
// submitted orders require broker confirmation first, so a broker refusal
// leaves the entry submitted.
func (q *Queue) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	q.mu.Lock()
	o, ok := q.entries[orderID]
	if !ok {
		q.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	if o.Status.Terminal() {
		status := o.Status
		q.mu.Unlock()
		return nil, fmt.Errorf("order %s already %s", orderID, status)
	}
	from := o.Status
	brokerID := o.BrokerOrderID
	q.mu.Unlock()

	if from == domain.OrderStatusSubmitted {
		err := q.brk.Execute(ctx, func(ctx context.Context) error {
			return q.broker.CancelOrder(ctx, brokerID)
		})
		if err != nil {
			return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
		}
	}

	q.mu.Lock()
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	q.mu.Unlock()

	q.persist(ctx, &cp)
	q.auditTransition(ctx, &cp, from, "cancelled")
	q.log.Info("order cancelled", "order_id", cp.ID, "was", from)
	return &cp, nil
}

// SyncOrderStatuses refreshes submitted entries from broker-side state,
// copying status, filled quantity, and average fill price back. Returns the
// number of entries that changed.
func (q *Queue) SyncOrderStatuses(ctx context.Context) (int, error) {
	q.mu.Lock()
	submitted := make(map[string]*domain.Order)
	for _, o := range q.entries {
		if o.Status == domain.OrderStatusSubmitted && o.BrokerOrderID != "" {
			submitted[o.BrokerOrderID] = o
		}
	}
	q.mu.Unlock()
	if len(submitted) == 0 {
		return 0, nil
	}

	var remote []domain.BrokerOrder
	err := q.brk.Execute(ctx, func(ctx context.Context) error {
		var err error
		remote, err = q.broker.GetOrders(ctx, broker.OrdersFilter{Status: "all"})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sync order statuses: %w", err)
	}

	updated := 0
	for _, bo := range remote {
		o, ok := submitted[bo.ID]
		if !ok {
			continue
		}
		q.mu.Lock()
		changed := o.Status != bo.Status || o.FilledQty != bo.FilledQty || o.AvgFillPrice != bo.AvgFillPrice
		from := o.Status
		if changed {
			o.Status = bo.Status
			o.FilledQty = bo.FilledQty
			o.AvgFillPrice = bo.AvgFillPrice
			o.UpdatedAt = time.Now().UTC()
		}
		cp := *o
		q.mu.Unlock()

		if changed {
			updated++
			q.persist(ctx, &cp)
			if from != cp.Status {
				q.auditTransition(ctx, &cp, from, "broker status sync")
			}
			q.log.Info("order status synced",
				"order_id", cp.ID, "from", from, "to", cp.Status,
				"filled_qty", cp.FilledQty)
		}
	}
	return updated, nil
}

// ClearCompleted drops terminal entries from memory. The persisted records
// remain in the order store.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, o := range q.entries {
		if o.Status.Terminal() {
			delete(q.entries, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes queue contents and the brokerage circuit.
type Stats struct {
	Total      int                        `json:"total"`
	ByStatus   map[domain.OrderStatus]int `json:"by_status"`
	ByPriority map[string]int             `json:"by_priority"`
	Breaker    breaker.Stats              `json:"breaker"`
}

// Stats returns a point-in-time snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Total:      len(q.entries),
		ByStatus:   make(map[domain.OrderStatus]int),
		ByPriority: make(map[string]int),
		Breaker:    q.brk.Stats(),
	}
	for _, o := range q.entries {
		s.ByStatus[o.Status]++
		s.ByPriority[o.Priority.String()]++
	}
	return s
}

// Order returns a copy of a queued order.
func (q *Queue) Order(orderID string) (*domain.Order, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.entries[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// OrdersByStatus returns copies of entries in the given status; an empty
// status returns everything. Results are ordered priority-first like a
// processing pass.
func (q *Queue) OrdersByStatus(status domain.OrderStatus) []domain.Order {
	q.mu.Lock()
	out := make([]domain.Order, 0, len(q.entries))
	for _, o := range q.entries {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OpenOrders returns copies of all non-terminal entries.
func (q *Queue) OpenOrders() []domain.Order {
	q.mu.Lock()
	out := make([]domain.Order, 0, len(q.entries))
	for _, o := range q.entries {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// persist mirrors order state to the store. Failures are logged, never
// surfaced; queue state is authoritative while the process lives.
func (q *Queue) persist(ctx context.Context, o *domain.Order) {
	if q.orders == nil {
		return
	}
	if err := q.orders.SaveOrder(ctx, o); err != nil {
		q.log.Error("order persist failed", "order_id", o.ID, "error", err)
	}
}

func (q *Queue) auditTransition(ctx context.Context, o *domain.Order, from domain.OrderStatus, detail string) {
	q.audit.Record(ctx, domain.AuditEvent{
		Kind:    domain.AuditOrderTransition,
		Subject: o.ID,
		Detail:  detail,
		Data: map[string]string{
			"from":     string(from),
			"to":       string(o.Status),
			"symbol":   o.Symbol,
			"priority": o.Priority.String(),
			"attempts": fmt.Sprintf("%d", o.Attempts),
		},
	})
}

// sleepCtx waits for d, returning false when the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
