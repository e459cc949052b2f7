// Package integration_test exercises the replication engine end to end:
// admin API account onboarding, a master entry detected by the
// orchestrator, child order placement, and the resulting broadcast over
// WebSocket.
package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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

type engine struct {
	server *api.Server
	ts     *httptest.Server
	dir    *accountdir.Directory
	state  *strategystate.Store
	orders *orderlog.Log
	orch   *orchestrator.Orchestrator
	broker *broker.Mock
}

func newEngine(t *testing.T) engine {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := zap.NewNop()
	dir := t.TempDir()

	ad, err := accountdir.New(logger, filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatalf("accountdir.New: %v", err)
	}
	if err := ad.SeedIfEmpty([]types.AccountSeed{
		{AccountID: "master-1", Role: types.RoleMaster},
		{AccountID: "child-1", Role: types.RoleChild, Capital: decimal.NewFromInt(370000), MaxCapitalUsage: decimal.NewFromInt(370000)},
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

	config := &types.ServerConfig{WebSocketPath: "/ws"}
	server := api.NewServer(logger, config, ad, ss, ol, orch, mockBroker)
	go server.Hub().Run()

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return engine{server: server, ts: ts, dir: ad, state: ss, orders: ol, orch: orch, broker: mockBroker}
}

// connectAccount drives an account through login/callback so its access
// token lands in the directory, returning the token the mock broker now
// expects for that account's margin/order/position calls.
func (e engine) connectAccount(t *testing.T, accountID string) string {
	t.Helper()

	resp, err := http.Get(e.ts.URL + "/api/v1/accounts/callback?account_id=" + accountID + "&request_token=req-" + accountID)
	if err != nil {
		t.Fatalf("callback for %s: %v", accountID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback for %s: status = %d", accountID, resp.StatusCode)
	}

	var account types.Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		t.Fatalf("decode callback response: %v", err)
	}
	if account.Status != types.StatusConnected {
		t.Fatalf("account %s status = %q, want connected", accountID, account.Status)
	}
	return "mock-access-req-" + accountID
}

// TestReplicationCycleEndToEnd walks a full entry cycle: both accounts
// connect through the admin API, the master opens a position, the
// orchestrator detects the margin drop and mirrors a scaled entry into the
// child, and the fill shows up both in the order log and over WebSocket.
func TestReplicationCycleEndToEnd(t *testing.T) {
	e := newEngine(t)

	masterToken := e.connectAccount(t, "master-1")
	// The callback refreshes the child's capital from its live margins, so
	// give the child's token 370000 of equity (ratio 0.1) before connecting.
	e.broker.MarginsByAccount["mock-access-req-child-1"] = types.Margins{OpeningBalance: decimal.NewFromInt(370000)}
	e.connectAccount(t, "child-1")

	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(e.ts.URL, "http", "ws", 1)+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	e.broker.MarginsByAccount[masterToken] = types.Margins{OpeningBalance: decimal.NewFromInt(3700000)}
	e.broker.PositionsByAccount[masterToken] = nil
	e.orch.ProcessTick("master-1", nil) // hydrate baseline margin, no entry yet

	e.broker.MarginsByAccount[masterToken] = types.Margins{OpeningBalance: decimal.NewFromInt(3600000)}
	entryOrder := types.MasterOrder{
		Status:          types.OrderStatusComplete,
		TradingSymbol:   "NIFTY25JAN",
		InstrumentToken: 1,
		Exchange:        "NFO",
		Product:         "MIS",
		TransactionType: types.TransactionBuy,
		Quantity:        650,
	}
	e.orch.ProcessTick("master-1", []types.MasterOrder{entryOrder})

	active, err := e.state.IsActive()
	if err != nil || !active {
		t.Fatalf("strategy active = %v, err = %v; want true", active, err)
	}

	entries, err := e.orders.ForChild("child-1", 0)
	if err != nil {
		t.Fatalf("ForChild: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != types.LogEntryEntry {
		t.Fatalf("order log entries = %+v, want a single entry fill", entries)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg api.WSMessage
	foundEntry := false
	for i := 0; i < 5; i++ {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("websocket read: %v", err)
		}
		if msg.Type == api.MsgTypeEntryPlaced {
			foundEntry = true
			break
		}
	}
	if !foundEntry {
		t.Fatal("did not receive an entry_placed broadcast over the WebSocket")
	}

	ordersResp, err := http.Get(e.ts.URL + "/api/v1/orders?child_id=child-1")
	if err != nil {
		t.Fatalf("orders endpoint: %v", err)
	}
	defer ordersResp.Body.Close()

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(ordersResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode orders response: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("orders endpoint count = %d, want 1", body.Count)
	}
}

// TestAccountRegistrationAndCapUpdate exercises the admin API's account
// lifecycle in isolation from the replication cycle.
func TestAccountRegistrationAndCapUpdate(t *testing.T) {
	e := newEngine(t)

	registerBody, _ := json.Marshal(map[string]string{
		"account_id":        "child-2",
		"role":              "child",
		"broker_key":        "key-2",
		"broker_secret":     "secret-2",
		"capital":           "500000",
		"max_capital_usage": "300000",
	})
	resp, err := http.Post(e.ts.URL+"/api/v1/accounts/register", "application/json", bytes.NewReader(registerBody))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}

	patchBody, _ := json.Marshal(map[string]string{"max_capital_usage": "250000"})
	req, _ := http.NewRequest(http.MethodPatch, e.ts.URL+"/api/v1/accounts/child-2/cap", bytes.NewReader(patchBody))
	patchResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("patch cap: %v", err)
	}
	defer patchResp.Body.Close()

	var account types.Account
	if err := json.NewDecoder(patchResp.Body).Decode(&account); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !account.MaxCapitalUsage.Equal(decimal.NewFromInt(250000)) {
		t.Errorf("max_capital_usage = %s, want 250000", account.MaxCapitalUsage)
	}
}
