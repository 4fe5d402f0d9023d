package broker

import (
	"context"
	"errors"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"ordergate/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca trading and
// market-data APIs.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoints. Empty URLs fall back to the SDK defaults.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL string) *AlpacaBroker {
	tradingOpts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		tradingOpts.BaseURL = baseURL
	}

	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}

	return &AlpacaBroker{
		trading: alpaca.NewClient(tradingOpts),
		data:    marketdata.NewClient(dataOpts),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder sends the order to Alpaca. The order's own ID is passed as the
// client order ID so broker-side records stay correlated.
func (b *AlpacaBroker) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	qty := decimal.NewFromInt(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(order.Side),
		Type:          alpacaOrderType(order.Type),
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ID,
	}
	if order.LimitPrice > 0 {
		lp := decimal.NewFromFloat(order.LimitPrice)
		req.LimitPrice = &lp
	}
	if order.StopPrice > 0 {
		sp := decimal.NewFromFloat(order.StopPrice)
		req.StopPrice = &sp
	}

	placed, err := b.trading.PlaceOrder(req)
	if err != nil {
		return nil, normalizeError(err)
	}

	out := *order
	out.BrokerOrderID = placed.ID
	out.Status = mapOrderStatus(string(placed.Status))
	out.FilledQty, _ = placed.FilledQty.Float64()
	if placed.FilledAvgPrice != nil {
		out.AvgFillPrice, _ = placed.FilledAvgPrice.Float64()
	}
	return &out, nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	if err := b.trading.CancelOrder(brokerOrderID); err != nil {
		return normalizeError(err)
	}
	return nil
}

// GetOrders returns broker-side order state matching the filter.
func (b *AlpacaBroker) GetOrders(_ context.Context, filter OrdersFilter) ([]domain.BrokerOrder, error) {
	status := filter.Status
	if status == "" {
		status = "open"
	}
	orders, err := b.trading.GetOrders(alpaca.GetOrdersRequest{
		Status:  status,
		Symbols: filter.Symbols,
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, normalizeError(err)
	}

	out := make([]domain.BrokerOrder, 0, len(orders))
	for i := range orders {
		o := &orders[i]
		bo := domain.BrokerOrder{
			ID:     o.ID,
			Symbol: o.Symbol,
			Status: mapOrderStatus(string(o.Status)),
		}
		bo.FilledQty, _ = o.FilledQty.Float64()
		if o.FilledAvgPrice != nil {
			bo.AvgFillPrice, _ = o.FilledAvgPrice.Float64()
		}
		out = append(out, bo)
	}
	return out, nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	positions, err := b.trading.GetPositions()
	if err != nil {
		return nil, normalizeError(err)
	}

	out := make([]domain.Position, 0, len(positions))
	for i := range positions {
		p := &positions[i]
		pos := domain.Position{
			Symbol: p.Symbol,
			Side:   domain.PositionSide(p.Side),
		}
		pos.Qty, _ = p.Qty.Float64()
		pos.AvgEntryPrice, _ = p.AvgEntryPrice.Float64()
		if p.MarketValue != nil {
			pos.MarketValue, _ = p.MarketValue.Float64()
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPL, _ = p.UnrealizedPL.Float64()
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetAccount returns the current account snapshot from the Alpaca API.
func (b *AlpacaBroker) GetAccount(_ context.Context) (*domain.Account, error) {
	acct, err := b.trading.GetAccount()
	if err != nil {
		return nil, normalizeError(err)
	}

	out := &domain.Account{}
	out.Equity, _ = acct.Equity.Float64()
	out.LastEquity, _ = acct.LastEquity.Float64()
	out.Cash, _ = acct.Cash.Float64()
	out.BuyingPower, _ = acct.BuyingPower.Float64()
	return out, nil
}

// GetLatestQuote returns the latest NBBO quote for the symbol, with the last
// trade price attached when available.
func (b *AlpacaBroker) GetLatestQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	q, err := b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, normalizeError(err)
	}

	out := &domain.Quote{
		Symbol: symbol,
		Bid:    q.BidPrice,
		Ask:    q.AskPrice,
	}
	// Last trade is best-effort; a stale or missing print still leaves a
	// usable bid/ask.
	if trade, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{}); err == nil {
		out.Last = trade.Price
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaOrderType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.OrderTypeLimit:
		return alpaca.Limit
	case domain.OrderTypeStop:
		return alpaca.Stop
	case domain.OrderTypeStopLimit:
		return alpaca.StopLimit
	default:
		return alpaca.Market
	}
}

// mapOrderStatus folds Alpaca's order states onto the queue's lifecycle.
func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "expired", "done_for_day":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusFailed
	default:
		// new, accepted, pending_new, partially_filled, etc.
		return domain.OrderStatusSubmitted
	}
}

// normalizeError converts SDK errors into *APIError so retry classification
// can use the status code instead of message matching.
func normalizeError(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			StatusCode: apiErr.StatusCode,
			Code:       apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
