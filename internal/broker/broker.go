// Package broker defines the narrow interface the replication engine
// consumes from the Indian equity/derivatives broker's HTTP API, plus an
// HTTP-backed implementation and a rate limiter shared by all callers.
package broker

import (
	"context"

	"github.com/Pranav0209/trade-replicator/pkg/types"
)

// Client is the broker surface the engine depends on. It is consumed, not
// owned — a real implementation wraps the broker's HTTP API; tests use a
// mock. Every method must return within the caller's context deadline;
// the timeout itself is enforced by the caller, not here.
type Client interface {
	// LoginURL returns the broker's OAuth-style login URL for an account.
	LoginURL(accountID string) string

	// ExchangeToken exchanges a request token (captured from the login
	// callback) for a durable access token.
	ExchangeToken(ctx context.Context, requestToken string) (accessToken string, err error)

	// Margins fetches the account's current funds/margins.
	Margins(ctx context.Context, accessToken string) (types.Margins, error)

	// Orders fetches the account's order book.
	Orders(ctx context.Context, accessToken string) ([]types.MasterOrder, error)

	// Positions fetches the account's net positions.
	Positions(ctx context.Context, accessToken string) ([]types.Position, error)

	// PlaceOrder places a market order and returns the broker's order id.
	PlaceOrder(ctx context.Context, accessToken string, req types.PlaceOrderRequest) (brokerOrderID string, err error)
}
