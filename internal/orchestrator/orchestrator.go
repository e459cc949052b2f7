// Package orchestrator implements the Master Orchestrator: the tick-driven
// state machine that turns the master account's order and position feed
// into entry/exit calls against the Child Replicator.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/accountdir"
	"github.com/Pranav0209/trade-replicator/internal/broker"
	"github.com/Pranav0209/trade-replicator/internal/metrics"
	"github.com/Pranav0209/trade-replicator/internal/replicator"
	"github.com/Pranav0209/trade-replicator/internal/strategystate"
	"github.com/Pranav0209/trade-replicator/pkg/types"
)

// gracePeriod is the window after an entry dispatch during which the
// master briefly reporting zero positions is treated as broker-endpoint
// lag rather than a missed exit.
const gracePeriod = 10 * time.Second

// entryMarginThreshold filters mark-to-market noise out of margin-delta
// based entry detection.
const entryMarginThreshold = 500

// Orchestrator drives the replication state machine, one tick at a time.
type Orchestrator struct {
	logger  *zap.Logger
	dir     *accountdir.Directory
	state   *strategystate.Store
	repl    *replicator.Replicator
	broker  broker.Client
	metrics *metrics.Metrics

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	initialized bool

	lastMargin      decimal.Decimal
	masterPositions map[int64]int64
	lastEntryTS     time.Time

	// resetRequested is set by the admin API's force-reset endpoint and
	// consumed at the next tick boundary — state mutation mid-tick is
	// forbidden, so the request is only a flag, never applied inline.
	resetRequested bool
}

// New constructs an Orchestrator. m may be nil, in which case tick metrics
// are not recorded.
func New(logger *zap.Logger, dir *accountdir.Directory, state *strategystate.Store, repl *replicator.Replicator, client broker.Client, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		logger:          logger.Named("orchestrator"),
		dir:             dir,
		state:           state,
		repl:            repl,
		broker:          client,
		metrics:         m,
		stopCh:          make(chan struct{}),
		masterPositions: make(map[int64]int64),
	}
}

// RequestReset asks the orchestrator to clear the strategy state and its
// local position/margin baseline at the next tick boundary.
func (o *Orchestrator) RequestReset() {
	o.mu.Lock()
	o.resetRequested = true
	o.mu.Unlock()
}

// Start marks the orchestrator running. The Poller drives ticks via
// ProcessTick; Start/Stop only bound the orchestrator's lifecycle for
// callers that need to know whether it is live (see IsRunning).
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.logger.Info("orchestrator started")
	return nil
}

// Stop marks the orchestrator stopped.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	o.running = false
	close(o.stopCh)
	o.logger.Info("orchestrator stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// TickState is a read-only snapshot of the orchestrator's in-memory tick
// state, returned by Snapshot.
type TickState struct {
	Initialized     bool
	LastMargin      decimal.Decimal
	MasterPositions map[int64]int64
	LastEntryTS     time.Time
}

// Snapshot returns the orchestrator's current tick state.
func (o *Orchestrator) Snapshot() TickState {
	o.mu.Lock()
	defer o.mu.Unlock()
	positions := make(map[int64]int64, len(o.masterPositions))
	for k, v := range o.masterPositions {
		positions[k] = v
	}
	return TickState{
		Initialized:     o.initialized,
		LastMargin:      o.lastMargin,
		MasterPositions: positions,
		LastEntryTS:     o.lastEntryTS,
	}
}

// ProcessTick runs one orchestrator tick against a set of newly-completed
// master orders (possibly empty). It is invoked by the Poller; a tick
// never overlaps its successor because the Poller is strictly sequential.
func (o *Orchestrator) ProcessTick(masterID string, newOrders []types.MasterOrder) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.TickDuration.Observe(time.Since(start).Seconds())
			o.metrics.Ticks.Inc()
		}
	}()

	if err := o.processTick(masterID, newOrders); err != nil {
		o.logger.Error("tick skipped", zap.Error(err))
	}
}

func (o *Orchestrator) processTick(masterID string, newOrders []types.MasterOrder) error {
	o.mu.Lock()
	if o.resetRequested {
		o.resetRequested = false
		o.mu.Unlock()
		if err := o.state.Clear(); err != nil {
			return fmt.Errorf("applying pending reset: %w", err)
		}
		o.mu.Lock()
		o.masterPositions = make(map[int64]int64)
		o.lastEntryTS = time.Time{}
		o.initialized = false
	}
	o.mu.Unlock()

	master, ok, err := o.dir.Master()
	if err != nil {
		return fmt.Errorf("looking up master account: %w", err)
	}
	if !ok || master.Status != types.StatusConnected {
		return &types.ConfigurationError{Reason: "no connected master account registered"}
	}

	// Each broker call is bounded at 10s, matching the poller's own bound.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	margins, err := o.broker.Margins(ctx, master.AccessToken)
	if err != nil {
		return &types.TransientBrokerError{Op: "master_margins", Err: err}
	}
	currentEquity := margins.Equity()

	positions, err := o.broker.Positions(ctx, master.AccessToken)
	if err != nil {
		return &types.TransientBrokerError{Op: "master_positions", Err: err}
	}
	currentPositions := signedPositionMap(positions)

	o.mu.Lock()
	initialized := o.initialized
	o.mu.Unlock()

	// Step 1: hydrate if cold.
	if !initialized {
		o.mu.Lock()
		o.lastMargin = currentEquity
		o.masterPositions = currentPositions
		o.initialized = true
		o.mu.Unlock()
		return nil
	}

	// Step 3: emergency sync (restart-recovery invariant).
	active, err := o.state.IsActive()
	if err != nil {
		return fmt.Errorf("reading strategy state: %w", err)
	}
	graceDeferred := false
	if active && len(currentPositions) == 0 {
		o.mu.Lock()
		withinGrace := !o.lastEntryTS.IsZero() && time.Since(o.lastEntryTS) < gracePeriod
		o.mu.Unlock()

		if withinGrace {
			graceDeferred = true
			o.logger.Debug("master flat within grace window, deferring emergency sync")
		} else {
			o.logger.Warn("emergency sync: active strategy with flat master, closing all child positions")
			if err := o.repl.ExecuteExit(masterID, 1.0, nil); err != nil {
				return fmt.Errorf("emergency-sync close-all: %w", err)
			}
			if o.metrics != nil {
				o.metrics.Exits.WithLabelValues(metrics.ExitReasonEmergencySync).Inc()
			}
			o.mu.Lock()
			o.masterPositions = make(map[int64]int64)
			o.mu.Unlock()
			if err := o.state.Clear(); err != nil {
				return fmt.Errorf("clearing strategy state after emergency sync: %w", err)
			}
			o.mu.Lock()
			o.lastMargin = currentEquity
			o.mu.Unlock()
			return nil
		}
	}

	// Step 4: exit detection by quantity delta.
	o.mu.Lock()
	previousPositions := o.masterPositions
	o.mu.Unlock()

	for token, prevQty := range previousPositions {
		currQty := currentPositions[token]
		if absInt64(currQty) >= absInt64(prevQty) {
			continue
		}

		closedQty := absInt64(prevQty) - absInt64(currQty)
		ratio := float64(closedQty) / float64(absInt64(prevQty))
		if ratio > 1 {
			ratio = 1
		}
		if ratio < 0 {
			ratio = 0
		}

		transactionType := types.TransactionSell
		if prevQty < 0 {
			transactionType = types.TransactionBuy
		}

		synthetic := types.MasterOrder{
			InstrumentToken: token,
			TransactionType: transactionType,
			Quantity:        closedQty,
		}
		if err := o.repl.ExecuteExit(masterID, ratio, []types.MasterOrder{synthetic}); err != nil {
			o.logger.Error("exit dispatch failed", zap.Int64("instrument_token", token), zap.Error(err))
			continue
		}
		if o.metrics != nil {
			o.metrics.Exits.WithLabelValues(metrics.ExitReasonDelta).Inc()
		}
	}

	// Step 5: commit position snapshot.
	o.mu.Lock()
	o.masterPositions = currentPositions
	o.mu.Unlock()

	// A grace-deferred tick must not clear the strategy here either — the
	// whole point of the grace window is that this tick's flatness is not
	// trusted, not just that the close-all order is suppressed.
	if len(currentPositions) == 0 && !graceDeferred {
		stillActive, err := o.state.IsActive()
		if err != nil {
			return fmt.Errorf("reading strategy state: %w", err)
		}
		if stillActive {
			if err := o.state.Clear(); err != nil {
				return fmt.Errorf("clearing strategy state on flat master: %w", err)
			}
		}
	}

	// Step 6: entry detection.
	if len(newOrders) > 0 {
		marginDelta := o.lastMarginSnapshot().Sub(currentEquity)
		if marginDelta.GreaterThan(decimal.NewFromInt(entryMarginThreshold)) {
			masterPreTradeEquity := o.lastMarginSnapshot()
			if err := o.repl.ExecuteEntry(masterID, newOrders, masterPreTradeEquity); err != nil {
				o.logger.Error("entry dispatch failed", zap.Error(err))
			} else {
				if o.metrics != nil {
					o.metrics.Entries.Inc()
				}
				o.mu.Lock()
				o.lastEntryTS = time.Now()
				o.mu.Unlock()
			}
		}
	}

	// Step 7: commit margin snapshot. Absorbs MTM drift between ticks so
	// unrealised P&L swings alone never trigger an entry.
	o.mu.Lock()
	o.lastMargin = currentEquity
	o.mu.Unlock()

	if o.metrics != nil {
		activeNow, err := o.state.IsActive()
		if err == nil {
			if activeNow {
				o.metrics.StrategyActive.Set(1)
			} else {
				o.metrics.StrategyActive.Set(0)
			}
		}
	}

	return nil
}

func (o *Orchestrator) lastMarginSnapshot() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastMargin
}

func signedPositionMap(positions []types.Position) map[int64]int64 {
	out := make(map[int64]int64, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		out[p.InstrumentToken] = p.Quantity
	}
	return out
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
