// Package orchestrator_test provides tests for the Master Orchestrator.
package orchestrator_test

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/accountdir"
	"github.com/Pranav0209/trade-replicator/internal/broker"
	"github.com/Pranav0209/trade-replicator/internal/orchestrator"
	"github.com/Pranav0209/trade-replicator/internal/orderlog"
	"github.com/Pranav0209/trade-replicator/internal/replicator"
	"github.com/Pranav0209/trade-replicator/internal/strategystate"
	"github.com/Pranav0209/trade-replicator/internal/workers"
	"github.com/Pranav0209/trade-replicator/pkg/types"
)

type harness struct {
	orch   *orchestrator.Orchestrator
	dir    *accountdir.Directory
	state  *strategystate.Store
	log    *orderlog.Log
	broker *broker.Mock
}

func newHarness(t *testing.T) harness {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	ad, err := accountdir.New(logger, filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatalf("accountdir.New: %v", err)
	}
	if err := ad.SeedIfEmpty([]types.AccountSeed{
		{AccountID: "master-1", Role: types.RoleMaster},
		{AccountID: "child-1", Role: types.RoleChild, Capital: decimal.NewFromInt(370000)},
	}); err != nil {
		t.Fatalf("SeedIfEmpty: %v", err)
	}
	if err := ad.UpdateCredentials("master-1", "master-tok", types.Account{Capital: decimal.NewFromInt(3700000)}); err != nil {
		t.Fatalf("UpdateCredentials(master): %v", err)
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

	return harness{orch: orch, dir: ad, state: ss, log: ol, broker: mockBroker}
}

func setMasterMargins(h harness, equity int64) {
	h.broker.MarginsByAccount["master-tok"] = types.Margins{OpeningBalance: decimal.NewFromInt(equity)}
}

func setMasterPositions(h harness, positions ...types.Position) {
	h.broker.PositionsByAccount["master-tok"] = positions
}

func TestProcessTick_HydratesOnFirstTick(t *testing.T) {
	h := newHarness(t)
	setMasterMargins(h, 3700000)
	setMasterPositions(h)

	h.orch.ProcessTick("master-1", nil)

	snap := h.orch.Snapshot()
	if !snap.Initialized {
		t.Fatal("expected orchestrator to be initialized after first tick")
	}
	if !snap.LastMargin.Equal(decimal.NewFromInt(3700000)) {
		t.Errorf("last_margin = %v, want 3700000", snap.LastMargin)
	}
}

func TestProcessTick_EntryOnMarginDrop(t *testing.T) {
	h := newHarness(t)
	setMasterMargins(h, 3700000)
	setMasterPositions(h)
	h.orch.ProcessTick("master-1", nil) // hydrate

	// Margin drops by 100000 (> threshold) and a new completed order
	// arrives.
	setMasterMargins(h, 3600000)
	order := types.MasterOrder{
		Status:          types.OrderStatusComplete,
		TradingSymbol:   "NIFTY25JAN",
		InstrumentToken: 1,
		Exchange:        "NFO",
		Product:         "MIS",
		TransactionType: types.TransactionBuy,
		Quantity:        650,
	}
	h.orch.ProcessTick("master-1", []types.MasterOrder{order})

	active, err := h.state.IsActive()
	if err != nil || !active {
		t.Fatalf("strategy active = %v, err = %v; want true", active, err)
	}

	entries, _ := h.log.ForChild("child-1", 0)
	if len(entries) != 1 || entries[0].Kind != types.LogEntryEntry {
		t.Fatalf("entries = %+v, want a single entry", entries)
	}
}

func TestProcessTick_SmallMarginDeltaIsNoise(t *testing.T) {
	h := newHarness(t)
	setMasterMargins(h, 3700000)
	setMasterPositions(h)
	h.orch.ProcessTick("master-1", nil) // hydrate

	// Margin moves by less than the noise threshold.
	setMasterMargins(h, 3699900)
	order := types.MasterOrder{
		Status:          types.OrderStatusComplete,
		TradingSymbol:   "NIFTY25JAN",
		InstrumentToken: 1,
		TransactionType: types.TransactionBuy,
		Quantity:        65,
	}
	h.orch.ProcessTick("master-1", []types.MasterOrder{order})

	active, _ := h.state.IsActive()
	if active {
		t.Fatal("expected strategy to remain inactive on sub-threshold margin delta")
	}
}

func TestProcessTick_ExitDetectedByPositionDelta(t *testing.T) {
	h := newHarness(t)
	setMasterMargins(h, 3700000)
	setMasterPositions(h)
	h.orch.ProcessTick("master-1", nil) // hydrate

	setMasterMargins(h, 3600000)
	entryOrder := types.MasterOrder{
		Status:          types.OrderStatusComplete,
		TradingSymbol:   "NIFTY25JAN",
		InstrumentToken: 1,
		Exchange:        "NFO",
		Product:         "MIS",
		TransactionType: types.TransactionBuy,
		Quantity:        1950,
	}
	setMasterPositions(h, types.Position{InstrumentToken: 1, TradingSymbol: "NIFTY25JAN", Exchange: "NFO", Product: "MIS", Quantity: 1950})
	h.orch.ProcessTick("master-1", []types.MasterOrder{entryOrder})

	// Master position halves: 1950 -> 975 (ratio 0.5); the child's 195
	// exits floor(195*0.5/65)*65 = 65.
	setMasterPositions(h, types.Position{InstrumentToken: 1, TradingSymbol: "NIFTY25JAN", Exchange: "NFO", Product: "MIS", Quantity: 975})
	setMasterMargins(h, 3650000)
	h.orch.ProcessTick("master-1", nil)

	entries, _ := h.log.ForChild("child-1", 0)
	var exits int
	for _, e := range entries {
		if e.Kind == types.LogEntryExit {
			exits++
		}
	}
	if exits != 1 {
		t.Fatalf("exits = %d, want 1", exits)
	}

	snap := h.orch.Snapshot()
	if snap.MasterPositions[1] != 975 {
		t.Errorf("committed master position = %d, want 975", snap.MasterPositions[1])
	}
}

// Scenario 6: restart emergency sync. With last_entry_ts at its zero value
// (simulating a fresh process with no entry dispatched since restart), a
// flat-master tick on an already-active strategy must close all child
// positions immediately — the grace window does not apply.
func TestProcessTick_RestartEmergencySync(t *testing.T) {
	h := newHarness(t)
	setMasterMargins(h, 3700000)
	setMasterPositions(h)
	h.orch.ProcessTick("master-1", nil) // hydrate, initialized = true

	if err := h.state.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := h.log.Append(types.OrderLogEntry{
		ChildID:         "child-1",
		InstrumentToken: 1,
		TradingSymbol:   "NIFTY25JAN",
		Exchange:        "NFO",
		Product:         "MIS",
		TransactionType: types.TransactionBuy,
		Quantity:        65,
		Kind:            types.LogEntryEntry,
		Status:          types.LogStatusSimulated,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	setMasterPositions(h) // broker reports zero positions
	h.orch.ProcessTick("master-1", nil)

	active, err := h.state.IsActive()
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if active {
		t.Fatal("expected strategy state to be cleared after emergency sync")
	}

	entries, _ := h.log.ForChild("child-1", 0)
	var exits int
	for _, e := range entries {
		if e.Kind == types.LogEntryExit {
			exits++
		}
	}
	if exits != 1 {
		t.Fatalf("exits = %d, want exactly 1 close-all exit", exits)
	}
}

// A grace-deferred tick (flat master shortly after an entry dispatch) must
// neither place a close-all order nor clear the strategy state.
func TestProcessTick_GraceWindowDefersCloseAll(t *testing.T) {
	h := newHarness(t)
	setMasterMargins(h, 3700000)
	setMasterPositions(h)
	h.orch.ProcessTick("master-1", nil) // hydrate

	setMasterMargins(h, 3600000)
	entryOrder := types.MasterOrder{
		Status:          types.OrderStatusComplete,
		TradingSymbol:   "NIFTY25JAN",
		InstrumentToken: 1,
		Exchange:        "NFO",
		Product:         "MIS",
		TransactionType: types.TransactionBuy,
		Quantity:        650,
	}
	// Positions endpoint lags: still empty even though the entry order
	// just completed.
	setMasterPositions(h)
	h.orch.ProcessTick("master-1", []types.MasterOrder{entryOrder})

	active, err := h.state.IsActive()
	if err != nil || !active {
		t.Fatalf("strategy active = %v, err = %v; want true immediately after entry", active, err)
	}

	// Next tick, moments later: still flat (lag persists), still within
	// the grace window.
	h.orch.ProcessTick("master-1", nil)

	active, err = h.state.IsActive()
	if err != nil || !active {
		t.Fatalf("strategy active = %v, err = %v; want still true within grace window", active, err)
	}

	entries, _ := h.log.ForChild("child-1", 0)
	for _, e := range entries {
		if e.Kind == types.LogEntryExit {
			t.Fatalf("unexpected exit placed during grace window: %+v", e)
		}
	}
}

func TestOrchestratorStartStop(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.orch.IsRunning() {
		t.Fatal("expected IsRunning to be true after Start")
	}
	if err := h.orch.Start(); err == nil {
		t.Fatal("expected second Start to fail")
	}
	if err := h.orch.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.orch.IsRunning() {
		t.Fatal("expected IsRunning to be false after Stop")
	}
}

func TestOrchestrator_RequestResetAppliedAtTickBoundary(t *testing.T) {
	h := newHarness(t)
	setMasterMargins(h, 3700000)
	setMasterPositions(h)
	h.orch.ProcessTick("master-1", nil) // hydrate

	if err := h.state.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.orch.RequestReset()
	h.orch.ProcessTick("master-1", nil)

	active, err := h.state.IsActive()
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if active {
		t.Fatal("expected strategy to be cleared after a requested reset is applied at the next tick")
	}
}
