package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Pranav0209/trade-replicator/pkg/types"
	"github.com/Pranav0209/trade-replicator/pkg/utils"
)

// readRetry bounds the retry-with-backoff applied to idempotent GET calls
// (margins/orders/positions). PlaceOrder and ExchangeToken are deliberately
// excluded — retrying a write whose response was lost risks a duplicate
// order, which the at-most-once invariant forbids.
var readRetry = func() utils.RetryConfig {
	cfg := utils.DefaultRetryConfig()
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.MaxDelay = 2 * time.Second
	return cfg
}()

// HTTPClient implements Client against the broker's REST API. Every call
// is rate-limited (the broker documents a per-second order/quote cap) so a
// burst of admin-triggered reads never starves the poll loop.
type HTTPClient struct {
	logger     *zap.Logger
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Config configures the HTTP broker client.
type Config struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	Timeout         time.Duration
	RateLimitPerSec float64
}

// NewHTTPClient constructs a rate-limited HTTP broker client.
func NewHTTPClient(logger *zap.Logger, cfg Config) *HTTPClient {
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 3
	}
	return &HTTPClient{
		logger:    logger.Named("broker"),
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec)+1),
	}
}

// LoginURL returns the broker's OAuth-style login URL.
func (c *HTTPClient) LoginURL(accountID string) string {
	v := url.Values{}
	v.Set("api_key", c.apiKey)
	v.Set("v", "3")
	v.Set("state", accountID)
	return fmt.Sprintf("%s/connect/login?%s", c.baseURL, v.Encode())
}

// ExchangeToken exchanges a request token for an access token, using the
// broker's checksum-signed token endpoint (sha256 of api_key + request_token
// + api_secret, the common Kite-style handshake).
func (c *HTTPClient) ExchangeToken(ctx context.Context, requestToken string) (string, error) {
	checksum := sha256.Sum256([]byte(c.apiKey + requestToken + c.apiSecret))

	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(checksum[:]))

	var resp struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/session/token", "", form, &resp); err != nil {
		return "", &types.AuthenticationError{Err: err}
	}
	return resp.Data.AccessToken, nil
}

// Margins fetches the account's current funds/margins.
func (c *HTTPClient) Margins(ctx context.Context, accessToken string) (types.Margins, error) {
	margins, err := utils.Retry(readRetry, func() (types.Margins, error) {
		var resp struct {
			Data struct {
				Equity struct {
					Available struct {
						OpeningBalance float64 `json:"opening_balance"`
						Collateral     float64 `json:"collateral"`
					} `json:"available"`
					Utilised struct {
						Debits float64 `json:"debits"`
					} `json:"utilised"`
				} `json:"equity"`
			} `json:"data"`
		}
		if err := c.get(ctx, "/user/margins", accessToken, &resp); err != nil {
			return types.Margins{}, err
		}
		return types.Margins{
			OpeningBalance: decimal.NewFromFloat(resp.Data.Equity.Available.OpeningBalance),
			Collateral:     decimal.NewFromFloat(resp.Data.Equity.Available.Collateral),
			UsedDebits:     decimal.NewFromFloat(resp.Data.Equity.Utilised.Debits),
		}, nil
	})
	if err != nil {
		return types.Margins{}, &types.TransientBrokerError{Op: "margins", Err: err}
	}
	return margins, nil
}

// Orders fetches the master account's order book.
func (c *HTTPClient) Orders(ctx context.Context, accessToken string) ([]types.MasterOrder, error) {
	orders, err := utils.Retry(readRetry, func() ([]types.MasterOrder, error) {
		var resp struct {
			Data []types.MasterOrder `json:"data"`
		}
		if err := c.get(ctx, "/orders", accessToken, &resp); err != nil {
			return nil, err
		}
		return resp.Data, nil
	})
	if err != nil {
		return nil, &types.TransientBrokerError{Op: "orders", Err: err}
	}
	return orders, nil
}

// Positions fetches the account's net positions.
func (c *HTTPClient) Positions(ctx context.Context, accessToken string) ([]types.Position, error) {
	positions, err := utils.Retry(readRetry, func() ([]types.Position, error) {
		var resp struct {
			Data struct {
				Net []types.Position `json:"net"`
			} `json:"data"`
		}
		if err := c.get(ctx, "/portfolio/positions", accessToken, &resp); err != nil {
			return nil, err
		}
		return resp.Data.Net, nil
	})
	if err != nil {
		return nil, &types.TransientBrokerError{Op: "positions", Err: err}
	}
	return positions, nil
}

// PlaceOrder places a market order and returns the broker's order id.
func (c *HTTPClient) PlaceOrder(ctx context.Context, accessToken string, req types.PlaceOrderRequest) (string, error) {
	form := url.Values{}
	form.Set("tradingsymbol", req.TradingSymbol)
	form.Set("exchange", req.Exchange)
	form.Set("transaction_type", string(req.TransactionType))
	form.Set("quantity", strconv.FormatInt(req.Quantity, 10))
	form.Set("order_type", req.OrderType)
	form.Set("product", req.Product)
	form.Set("variety", req.Variety)

	var resp struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/orders/"+req.Variety, accessToken, form, &resp); err != nil {
		return "", &types.TransientBrokerError{Op: "place_order", Err: err}
	}
	return resp.Data.OrderID, nil
}

func (c *HTTPClient) get(ctx context.Context, path, accessToken string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req, accessToken)
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path, accessToken string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req, accessToken)
	return c.do(req, out)
}

func (c *HTTPClient) authorize(req *http.Request, accessToken string) {
	if accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, accessToken))
	}
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("broker auth rejected (%d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("broker transient error (%d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("broker rejected request (%d): %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
