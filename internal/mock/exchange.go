// Package mock provides a scriptable in-memory exchange for tests.
package mock

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
)

// Exchange is a scriptable core.Exchange. Zero value behavior: every
// order fills immediately at the request price and the book quotes
// Bid/Ask.
type Exchange struct {
	mu sync.Mutex

	Name string
	Bid  decimal.Decimal
	Ask  decimal.Decimal

	// PlaceFunc, when set, overrides the default fill-everything behavior.
	PlaceFunc func(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error)
	// GetFunc, when set, overrides GetOrder.
	GetFunc func(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error)
	// PriceErr, when set, is returned by GetBestPrice.
	PriceErr error

	PlacedOrders []*core.OrderRequest
	Cancelled    []string
}

// NewExchange returns a mock quoting the given top of book
func NewExchange(name string, bid, ask decimal.Decimal) *Exchange {
	return &Exchange{Name: name, Bid: bid, Ask: ask}
}

func (m *Exchange) ID() string { return m.Name }

func (m *Exchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	m.mu.Lock()
	m.PlacedOrders = append(m.PlacedOrders, req)
	m.mu.Unlock()

	if m.PlaceFunc != nil {
		return m.PlaceFunc(ctx, creds, req)
	}

	price := decimal.Zero
	if req.Price != nil {
		price = *req.Price
	}
	avg := price
	return &core.OrderResponse{
		ExchangeOrderID: "mock-" + req.ClientOrderID,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Price:           req.Price,
		Quantity:        req.Quantity,
		FilledQuantity:  req.Quantity,
		AvgFillPrice:    &avg,
		Status:          core.StatusFilled,
	}, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	m.mu.Lock()
	m.Cancelled = append(m.Cancelled, orderID)
	m.mu.Unlock()

	return &core.OrderResponse{
		ExchangeOrderID: orderID,
		Symbol:          symbol,
		Status:          core.StatusCancelled,
	}, nil
}

func (m *Exchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, creds, symbol, orderID)
	}
	return &core.OrderResponse{
		ExchangeOrderID: orderID,
		Symbol:          symbol,
		Status:          core.StatusFilled,
	}, nil
}

func (m *Exchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	if m.PriceErr != nil {
		return decimal.Zero, decimal.Zero, m.PriceErr
	}
	return m.Bid, m.Ask, nil
}

func (m *Exchange) IsConnected() bool { return true }

// Placed returns a snapshot of the requests seen so far
func (m *Exchange) Placed() []*core.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.OrderRequest, len(m.PlacedOrders))
	copy(out, m.PlacedOrders)
	return out
}
