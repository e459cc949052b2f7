// Package api_test provides tests for the admin API server.
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/accountdir"
	"github.com/Pranav0209/trade-replicator/internal/api"
	"github.com/Pranav0209/trade-replicator/internal/broker"
	"github.com/Pranav0209/trade-replicator/internal/orchestrator"
	"github.com/Pranav0209/trade-replicator/internal/orderlog"
	"github.com/Pranav0209/trade-replicator/internal/replicator"
	"github.com/Pranav0209/trade-replicator/internal/strategystate"
	"github.com/Pranav0209/trade-replicator/internal/workers"
	"github.com/Pranav0209/trade-replicator/pkg/types"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	logger := zap.NewNop()
	dir := t.TempDir()

	ad, err := accountdir.New(logger, filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatalf("accountdir.New: %v", err)
	}
	if err := ad.SeedIfEmpty([]types.AccountSeed{
		{AccountID: "master-1", Role: types.RoleMaster},
	}); err != nil {
		t.Fatalf("SeedIfEmpty: %v", err)
	}

	ss, err := strategystate.New(logger, filepath.Join(dir, "strategy_state.json"))
	if err != nil {
		t.Fatalf("strategystate.New: %v", err)
	}
	ol, err := orderlog.New(logger, filepath.Join(dir, "orders.json"))
	if err != nil {
		t.Fatalf("orderlog.New: %v", err)
	}

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("test"))
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })

	mockBroker := broker.NewMock()
	repl := replicator.New(logger, ad, ss, ol, mockBroker, pool, nil, replicator.Config{DryRun: true})
	orch := orchestrator.New(logger, ad, ss, repl, mockBroker, nil)

	config := &types.ServerConfig{
		WebSocketPath: "/ws",
		EnableMetrics: true,
		MetricsPath:   "/metrics",
	}

	server := api.NewServer(logger, config, ad, ss, ol, orch, mockBroker)
	go server.Hub().Run()

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return server, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", result["status"])
	}
}

func TestRegisterAndListAccounts(t *testing.T) {
	_, ts := setupTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"account_id":        "child-1",
		"role":              "child",
		"broker_key":        "key-1",
		"broker_secret":     "secret-1",
		"capital":           "370000",
		"max_capital_usage": "200000",
	})

	resp, err := http.Post(ts.URL+"/api/v1/accounts/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var registered map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&registered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if registered["brokerKey"] != "" {
		t.Errorf("brokerKey = %v, want redacted empty string in the response", registered["brokerKey"])
	}

	listResp, err := http.Get(ts.URL + "/api/v1/accounts")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	defer listResp.Body.Close()

	var listed struct {
		Accounts []types.Account `json:"accounts"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Accounts) != 2 {
		t.Fatalf("accounts = %+v, want master + the newly registered child", listed.Accounts)
	}
}

func TestLoginAndCallbackConnectsAccount(t *testing.T) {
	_, ts := setupTestServer(t)

	loginResp, err := http.Get(ts.URL + "/api/v1/accounts/login?account_id=master-1")
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer loginResp.Body.Close()
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", loginResp.StatusCode)
	}

	callbackResp, err := http.Get(ts.URL + "/api/v1/accounts/callback?account_id=master-1&request_token=req-tok-1")
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	defer callbackResp.Body.Close()
	if callbackResp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", callbackResp.StatusCode)
	}

	var account types.Account
	if err := json.NewDecoder(callbackResp.Body).Decode(&account); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if account.Status != types.StatusConnected {
		t.Errorf("status = %q, want connected", account.Status)
	}
	if account.AccessToken != "" {
		t.Error("access token must not be returned in the API response")
	}
}

func TestUpdateCapLimit(t *testing.T) {
	_, ts := setupTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"account_id": "child-1",
		"role":       "child",
	})
	if resp, err := http.Post(ts.URL+"/api/v1/accounts/register", "application/json", bytes.NewReader(body)); err != nil {
		t.Fatalf("register: %v", err)
	} else {
		resp.Body.Close()
	}

	patchBody, _ := json.Marshal(map[string]string{"max_capital_usage": "150000"})
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/api/v1/accounts/child-1/cap", bytes.NewReader(patchBody))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cap request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var account types.Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !account.MaxCapitalUsage.Equal(decimal.NewFromInt(150000)) {
		t.Errorf("max_capital_usage = %s, want 150000", account.MaxCapitalUsage)
	}
}

func TestStrategyResetEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/strategy/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("reset request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	snapResp, err := http.Get(ts.URL + "/api/v1/strategy")
	if err != nil {
		t.Fatalf("snapshot request failed: %v", err)
	}
	defer snapResp.Body.Close()

	var snapshot types.StrategyStateSnapshot
	if err := json.NewDecoder(snapResp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.Active {
		t.Error("strategy must be inactive immediately after reset")
	}
}

func TestOrdersEndpointEmpty(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/orders")
	if err != nil {
		t.Fatalf("orders request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("count = %d, want 0 for a fresh order log", body.Count)
	}
}

func TestMetricsEndpointServed(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
