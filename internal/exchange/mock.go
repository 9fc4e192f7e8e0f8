package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is a deterministic in-memory Client used by tests across the
// exchange, ordermanager, and orchestrator packages. It never
// touches the network; callers script its behavior through the exported
// fields before exercising it.
type MockClient struct {
	mu sync.Mutex

	// ServerTime is returned verbatim by GetServerTime.
	ServerTime time.Time

	// Balance is returned verbatim by GetWalletBalance.
	Balance WalletBalance

	// Positions is returned verbatim by GetPositions, filtered by symbol.
	Positions []RawPosition

	// OpenOrders is returned verbatim by GetOpenOrders, filtered by symbol.
	OpenOrders []OpenOrder

	// Candles is returned verbatim by GetOHLCV.
	Candles []Candle

	// NextOrderID is incremented on every successful CreateOrder.
	NextOrderID int64

	// FailNext, when non-nil, is returned as the error (and RetCode/RetMsg
	// populated from it) for the next CreateOrder call, then cleared.
	FailNext *OrderResponse

	// Created records every order submitted, in submission order, for
	// assertions in tests.
	Created []OrderRequest

	// CancelCalls counts CancelAllOrders invocations per symbol.
	CancelCalls map[string]int

	// StopCalls records SetTradingStop invocations per symbol.
	StopCalls map[string]int
}

// NewMockClient returns a ready-to-use mock with empty collections.
func NewMockClient() *MockClient {
	return &MockClient{
		ServerTime:  time.Now(),
		NextOrderID: 1,
		CancelCalls: make(map[string]int),
		StopCalls:   make(map[string]int),
	}
}

func (m *MockClient) GetServerTime(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ServerTime, nil
}

func (m *MockClient) GetWalletBalance(ctx context.Context) (WalletBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balance, nil
}

func (m *MockClient) GetPositions(ctx context.Context, symbol string) ([]RawPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RawPosition, 0, len(m.Positions))
	for _, p := range m.Positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockClient) CreateOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return OrderResponse{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Created = append(m.Created, req)

	if m.FailNext != nil {
		resp := *m.FailNext
		m.FailNext = nil
		return resp, fmt.Errorf("exchange: mock failure ret_code=%d msg=%s", resp.RetCode, resp.RetMsg)
	}

	orderID := m.NextOrderID
	m.NextOrderID++

	return OrderResponse{
		RetCode: 0,
		RetMsg:  "OK",
		Result: OrderResult{
			OrderID: fmt.Sprintf("%d", orderID),
			Symbol:  req.Symbol,
			Side:    req.Side,
			Qty:     fmt.Sprintf("%.8f", req.Quantity),
			Status:  "New",
		},
	}, nil
}

func (m *MockClient) SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls[symbol]++
	return nil
}

func (m *MockClient) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls[symbol]++
	return nil
}

func (m *MockClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OpenOrder, 0, len(m.OpenOrders))
	for _, o := range m.OpenOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockClient) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit > 0 && limit < len(m.Candles) {
		return m.Candles[len(m.Candles)-limit:], nil
	}
	return m.Candles, nil
}

var _ Client = (*MockClient)(nil)
