package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Pranav0209/trade-replicator/pkg/types"
)

func TestLoad_DefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("POLL_INTERVAL_SECONDS", "7")
	t.Setenv("DRY_RUN", "false")
	t.Setenv("MASTER_API_KEY", "real-master-key")

	repl, server, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if repl.PollInterval != 7*time.Second {
		t.Errorf("PollInterval = %v, want 7s", repl.PollInterval)
	}
	if repl.DryRun {
		t.Error("DryRun = true, want false (overridden by env)")
	}
	if repl.GraceWindow != 10*time.Second {
		t.Errorf("GraceWindow = %v, want 10s default", repl.GraceWindow)
	}
	if repl.SeenOrderIDCap != 2000 || repl.SeenOrderIDRetain != 1000 {
		t.Errorf("seen-order-id bounds = %d/%d, want 2000/1000", repl.SeenOrderIDCap, repl.SeenOrderIDRetain)
	}

	if server.Port != 8080 {
		t.Errorf("server.Port = %d, want 8080 default", server.Port)
	}
	if server.WebSocketPath != "/ws" {
		t.Errorf("server.WebSocketPath = %q, want /ws", server.WebSocketPath)
	}

	if len(repl.Accounts) != 1 {
		t.Fatalf("Accounts = %+v, want a single fallback master entry", repl.Accounts)
	}
	if repl.Accounts[0].Role != types.RoleMaster || repl.Accounts[0].BrokerKey != "real-master-key" {
		t.Errorf("master account = %+v, want role=master brokerKey=real-master-key", repl.Accounts[0])
	}
}

func TestLoad_NumberedChildEnvFallback(t *testing.T) {
	t.Setenv("MASTER_USER_ID", "MASTER1")
	t.Setenv("CHILD_1_USER_ID", "CHILD_A")
	t.Setenv("CHILD_1_CAPITAL", "370000")
	t.Setenv("CHILD_1_MAX_CAPITAL_USAGE", "200000")
	t.Setenv("CHILD_2_USER_ID", "CHILD_B")
	t.Setenv("CHILD_2_CAPITAL", "500000")

	repl, _, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(repl.Accounts) != 3 {
		t.Fatalf("Accounts = %+v, want master + 2 children", repl.Accounts)
	}
	if repl.Accounts[1].AccountID != "CHILD_A" || !repl.Accounts[1].MaxCapitalUsage.Equal(decimalFromString(t, "200000")) {
		t.Errorf("child 1 = %+v", repl.Accounts[1])
	}
	if repl.Accounts[2].AccountID != "CHILD_B" {
		t.Errorf("child 2 = %+v", repl.Accounts[2])
	}
}

func TestLoad_AccountsFromFileTakePrecedenceOverEnvFallback(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
master_account_id: MASTER1
accounts:
  - account_id: MASTER1
    role: master
    broker_key: file-master-key
    broker_secret: file-master-secret
  - account_id: CHILD_X
    role: child
    capital: "1000000"
    max_capital_usage: "250000"
`)
	path := filepath.Join(dir, "replicator.yaml")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	repl, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(repl.Accounts) != 2 {
		t.Fatalf("Accounts = %+v, want the two accounts from the file", repl.Accounts)
	}
	if repl.Accounts[0].BrokerKey != "file-master-key" {
		t.Errorf("master broker key = %q, want file-master-key", repl.Accounts[0].BrokerKey)
	}
	if repl.Accounts[1].Role != types.RoleChild || !repl.Accounts[1].Capital.Equal(decimalFromString(t, "1000000")) {
		t.Errorf("child account = %+v", repl.Accounts[1])
	}
}

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal.NewFromString(%q): %v", s, err)
	}
	return d
}
