package broker

import (
	"context"
	"fmt"
	"sync"

	"ordergate/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// Simulator implements the Broker interface in memory for paper trading and
// tests. Failures can be scripted per call so retry and circuit-breaker
// behavior is exercised deterministically.
type Simulator struct {
	mu     sync.Mutex
	nextID int

	orders    map[string]*domain.BrokerOrder
	positions []domain.Position
	account   domain.Account
	quotes    map[string]domain.Quote

	// Scripted failures, consumed one per call.
	submitErrs []error
	cancelErrs []error

	submitCalls int
	cancelCalls int
}

// NewSimulator creates a Simulator with a flat account and empty book.
func NewSimulator() *Simulator {
	return &Simulator{
		orders: make(map[string]*domain.BrokerOrder),
		quotes: make(map[string]domain.Quote),
		account: domain.Account{
			Equity:      100000,
			LastEquity:  100000,
			Cash:        100000,
			BuyingPower: 200000,
		},
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// SubmitOrder accepts the order unless a scripted failure is pending.
func (s *Simulator) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submitCalls++
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	s.nextID++
	brokerID := fmt.Sprintf("sim-%d", s.nextID)
	s.orders[brokerID] = &domain.BrokerOrder{
		ID:     brokerID,
		Symbol: order.Symbol,
		Status: domain.OrderStatusSubmitted,
	}

	out := *order
	out.BrokerOrderID = brokerID
	out.Status = domain.OrderStatusSubmitted
	return &out, nil
}

// CancelOrder cancels an open simulated order.
func (s *Simulator) CancelOrder(_ context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelCalls++
	if len(s.cancelErrs) > 0 {
		err := s.cancelErrs[0]
		s.cancelErrs = s.cancelErrs[1:]
		if err != nil {
			return err
		}
	}

	o, ok := s.orders[brokerOrderID]
	if !ok {
		return &APIError{StatusCode: 404, Message: "order not found"}
	}
	if o.Status.Terminal() {
		return &APIError{StatusCode: 422, Message: "order is not cancelable"}
	}
	o.Status = domain.OrderStatusCancelled
	return nil
}

// GetOrders returns simulated broker orders matching the filter.
func (s *Simulator) GetOrders(_ context.Context, filter OrdersFilter) ([]domain.BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.BrokerOrder
	for _, o := range s.orders {
		switch filter.Status {
		case "", "open":
			if o.Status.Terminal() {
				continue
			}
		case "closed":
			if !o.Status.Terminal() {
				continue
			}
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetPositions returns the simulated positions.
func (s *Simulator) GetPositions(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, len(s.positions))
	copy(out, s.positions)
	return out, nil
}

// GetAccount returns the simulated account snapshot.
func (s *Simulator) GetAccount(_ context.Context) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.account
	return &acct, nil
}

// GetLatestQuote returns the quote configured for the symbol, or a default
// two-sided book around 100 when none was set.
func (s *Simulator) GetLatestQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.quotes[symbol]; ok {
		out := q
		return &out, nil
	}
	return &domain.Quote{Symbol: symbol, Bid: 99.95, Ask: 100.05, Last: 100}, nil
}

// ---------------------------------------------------------------------------
// Scripting helpers (tests and paper mode setup)
// ---------------------------------------------------------------------------

// FailSubmitWith queues errors returned by subsequent SubmitOrder calls, one
// per call. A nil entry means that call succeeds.
func (s *Simulator) FailSubmitWith(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = append(s.submitErrs, errs...)
}

// FailCancelWith queues errors returned by subsequent CancelOrder calls.
func (s *Simulator) FailCancelWith(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelErrs = append(s.cancelErrs, errs...)
}

// SetQuote configures the quote returned for a symbol.
func (s *Simulator) SetQuote(q domain.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Symbol] = q
}

// SetAccount replaces the simulated account snapshot.
func (s *Simulator) SetAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = a
}

// SetPositions replaces the simulated positions.
func (s *Simulator) SetPositions(positions []domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append([]domain.Position(nil), positions...)
}

// MarkFilled transitions a simulated order to filled, for status-sync tests.
func (s *Simulator) MarkFilled(brokerOrderID string, qty, avgPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[brokerOrderID]; ok {
		o.Status = domain.OrderStatusFilled
		o.FilledQty = qty
		o.AvgFillPrice = avgPrice
	}
}

// SubmitCalls returns how many SubmitOrder calls the simulator has seen.
func (s *Simulator) SubmitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls
}

// CancelCalls returns how many CancelOrder calls the simulator has seen.
func (s *Simulator) CancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalls
}
