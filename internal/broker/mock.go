package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/Pranav0209/trade-replicator/pkg/types"
)

// Mock is an in-memory Client implementation for tests. It is exported
// (rather than living in an internal _test.go helper) so that
// internal/replicator, internal/orchestrator, and internal/poller tests
// can all share one fake.
type Mock struct {
	mu sync.Mutex

	MarginsByAccount   map[string]types.Margins
	OrdersByAccount    map[string][]types.MasterOrder
	PositionsByAccount map[string][]types.Position
	PlacedOrders       []PlacedOrder

	// FailPlaceOrderFor, when set, causes PlaceOrder to fail for the
	// matching trading symbol — used to test per-child placement-failure
	// isolation.
	FailPlaceOrderFor map[string]bool
}

// PlacedOrder records a call to PlaceOrder for assertions in tests.
type PlacedOrder struct {
	AccessToken string
	Request     types.PlaceOrderRequest
}

// NewMock returns an empty Mock broker.
func NewMock() *Mock {
	return &Mock{
		MarginsByAccount:   make(map[string]types.Margins),
		OrdersByAccount:    make(map[string][]types.MasterOrder),
		PositionsByAccount: make(map[string][]types.Position),
		FailPlaceOrderFor:  make(map[string]bool),
	}
}

func (m *Mock) LoginURL(accountID string) string {
	return "https://mock.broker.test/login?state=" + accountID
}

func (m *Mock) ExchangeToken(ctx context.Context, requestToken string) (string, error) {
	return "mock-access-" + requestToken, nil
}

func (m *Mock) Margins(ctx context.Context, accessToken string) (types.Margins, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if margins, ok := m.MarginsByAccount[accessToken]; ok {
		return margins, nil
	}
	return types.Margins{}, nil
}

func (m *Mock) Orders(ctx context.Context, accessToken string) ([]types.MasterOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.MasterOrder(nil), m.OrdersByAccount[accessToken]...), nil
}

func (m *Mock) Positions(ctx context.Context, accessToken string) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Position(nil), m.PositionsByAccount[accessToken]...), nil
}

func (m *Mock) PlaceOrder(ctx context.Context, accessToken string, req types.PlaceOrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPlaceOrderFor[req.TradingSymbol] {
		return "", fmt.Errorf("mock broker: placement rejected for %s", req.TradingSymbol)
	}

	m.PlacedOrders = append(m.PlacedOrders, PlacedOrder{AccessToken: accessToken, Request: req})
	return fmt.Sprintf("mock-order-%d", len(m.PlacedOrders)), nil
}
