package queue

import (
	"context"
	"errors"
	"fmt"
	"math"

	"ordergate/internal/domain"
)

// SubmitMarketOrder builds and enqueues a market order.
func (q *Queue) SubmitMarketOrder(ctx context.Context, symbol string, side domain.Side, qty int64, priority domain.Priority) (*domain.Order, error) {
	return q.Enqueue(ctx, &domain.Order{
		Symbol:   symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Qty:      qty,
		Priority: priority,
	})
}

// SubmitLimitOrder builds and enqueues a limit order.
func (q *Queue) SubmitLimitOrder(ctx context.Context, symbol string, side domain.Side, qty int64, limitPrice float64, priority domain.Priority) (*domain.Order, error) {
	if limitPrice <= 0 {
		return nil, errors.New("limit order requires a positive limit price")
	}
	return q.Enqueue(ctx, &domain.Order{
		Symbol:     symbol,
		Side:       side,
		Type:       domain.OrderTypeLimit,
		Qty:        qty,
		LimitPrice: limitPrice,
		Priority:   priority,
	})
}

// SubmitStopLossOrder enqueues a protective stop at high priority. Side is
// the closing side of the position being protected.
func (q *Queue) SubmitStopLossOrder(ctx context.Context, symbol string, side domain.Side, qty int64, stopPrice float64) (*domain.Order, error) {
	if stopPrice <= 0 {
		return nil, errors.New("stop order requires a positive stop price")
	}
	return q.Enqueue(ctx, &domain.Order{
		Symbol:    symbol,
		Side:      side,
		Type:      domain.OrderTypeStop,
		Qty:       qty,
		StopPrice: stopPrice,
		Priority:  domain.PriorityHigh,
		Metadata:  map[string]string{"orderType": "stop_loss"},
	})
}

// SubmitBracketOrder enqueues an entry plus linked opposite-side stop-loss
// and take-profit legs. The entry is a limit order when limitPrice is set,
// market otherwise. Legs carry the entry's queue ID in their metadata so
// downstream tooling can associate the set.
func (q *Queue) SubmitBracketOrder(ctx context.Context, symbol string, side domain.Side, qty int64, limitPrice, stopLoss, takeProfit float64) ([]*domain.Order, error) {
	if stopLoss <= 0 || takeProfit <= 0 {
		return nil, errors.New("bracket order requires positive stop-loss and take-profit prices")
	}

	entry := &domain.Order{
		Symbol:   symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Qty:      qty,
		Priority: domain.PriorityHigh,
		Metadata: map[string]string{"orderType": "bracket_entry"},
	}
	if limitPrice > 0 {
		entry.Type = domain.OrderTypeLimit
		entry.LimitPrice = limitPrice
	}
	queuedEntry, err := q.Enqueue(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("bracket entry: %w", err)
	}

	exit := side.Opposite()
	legs := []*domain.Order{
		{
			Symbol:    symbol,
			Side:      exit,
			Type:      domain.OrderTypeStop,
			Qty:       qty,
			StopPrice: stopLoss,
			Priority:  domain.PriorityHigh,
			Metadata:  map[string]string{"orderType": "bracket_stop", "linked": queuedEntry.ID},
		},
		{
			Symbol:     symbol,
			Side:       exit,
			Type:       domain.OrderTypeLimit,
			Qty:        qty,
			LimitPrice: takeProfit,
			Priority:   domain.PriorityNormal,
			Metadata:   map[string]string{"orderType": "bracket_tp", "linked": queuedEntry.ID},
		},
	}
	queuedLegs, err := q.EnqueueBatch(ctx, legs)
	if err != nil {
		return append([]*domain.Order{queuedEntry}, queuedLegs...), fmt.Errorf("bracket legs: %w", err)
	}
	return append([]*domain.Order{queuedEntry}, queuedLegs...), nil
}

// CancelOpenOrders cancels every non-terminal entry, returning how many were
// cancelled. Individual failures are collected, not fatal; the sweep keeps
// going.
func (q *Queue) CancelOpenOrders(ctx context.Context) (int, error) {
	open := q.OpenOrders()
	cancelled := 0
	var errs []error
	for i := range open {
		if _, err := q.CancelOrder(ctx, open[i].ID); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", open[i].ID, err))
			continue
		}
		cancelled++
	}
	return cancelled, errors.Join(errs...)
}

// FlattenPositions enqueues critical-priority market orders that close every
// open position, then runs a processing pass so they reach the broker
// immediately. Returns the number of closing orders enqueued.
func (q *Queue) FlattenPositions(ctx context.Context) (int, error) {
	var positions []domain.Position
	err := q.brk.Execute(ctx, func(ctx context.Context) error {
		var err error
		positions, err = q.broker.GetPositions(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("flatten positions: %w", err)
	}

	enqueued := 0
	var errs []error
	for i := range positions {
		p := &positions[i]
		// Round fractional holdings up so the closing order covers the
		// whole position rather than leaving a residual sliver.
		qty := int64(math.Ceil(math.Abs(p.Qty)))
		if qty == 0 {
			continue
		}
		_, err := q.Enqueue(ctx, &domain.Order{
			Symbol:   p.Symbol,
			Side:     p.Side.ClosingSide(),
			Type:     domain.OrderTypeMarket,
			Qty:      qty,
			Priority: domain.PriorityCritical,
			Metadata: map[string]string{"reason": "flatten"},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("flatten %s: %w", p.Symbol, err))
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		q.ProcessQueue(ctx)
	}
	return enqueued, errors.Join(errs...)
}
