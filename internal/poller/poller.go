// Package poller implements the Poller: a fixed-interval loop that fetches
// the master account's order book, detects newly completed orders, and
// drives the Master Orchestrator one tick at a time.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/accountdir"
	"github.com/Pranav0209/trade-replicator/internal/broker"
	"github.com/Pranav0209/trade-replicator/internal/orchestrator"
	"github.com/Pranav0209/trade-replicator/pkg/types"
)

// seenOrderIDsCap and seenOrderIDsTrimTo bound the in-memory dedup set so a
// long-lived process never accumulates an unbounded history of order ids.
const (
	seenOrderIDsCap    = 2000
	seenOrderIDsTrimTo = 1000
)

// brokerCallTimeout bounds every broker call the poller makes directly.
// The orchestrator applies the same bound to its own broker calls.
const brokerCallTimeout = 10 * time.Second

// Poller drives ticks of the orchestrator at a fixed interval.
type Poller struct {
	logger *zap.Logger
	dir    *accountdir.Directory
	orch   *orchestrator.Orchestrator
	broker broker.Client
	period time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// seenOrderIDs is owned exclusively by the poll loop; no external
	// reader observes or mutates it.
	seenOrderIDs map[string]struct{}
	seenOrder    []string // insertion order, for bounded eviction
}

// New constructs a Poller. period is the fixed tick interval; a period of
// zero or less falls back to the 5s default.
func New(logger *zap.Logger, dir *accountdir.Directory, orch *orchestrator.Orchestrator, client broker.Client, period time.Duration) *Poller {
	if period <= 0 {
		period = 5 * time.Second
	}
	return &Poller{
		logger:       logger.Named("poller"),
		dir:          dir,
		orch:         orch,
		broker:       client,
		period:       period,
		seenOrderIDs: make(map[string]struct{}),
	}
}

// Start begins the poll loop in a background goroutine.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(p.stopCh, p.doneCh)
	p.logger.Info("poller started", zap.Duration("period", p.period))
	return nil
}

// Stop signals the poll loop to exit at the next tick boundary and waits
// for it to finish the in-flight tick (if any) before returning. A
// partially-executed tick always runs to completion.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
	p.logger.Info("poller stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick runs one poll iteration: fetch the master's orders, filter to newly
// completed ones, and drive the orchestrator. Any failure here is logged
// and the tick is skipped; local state (seenOrderIDs) is left untouched on
// failure so nothing is lost. A panic inside the tick is recovered, logged
// and treated as a skipped tick.
func (p *Poller) tick() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll tick: recovered from panic, tick skipped", zap.Any("panic", r))
		}
	}()

	master, ok, err := p.dir.Master()
	if err != nil {
		p.logger.Error("poll tick: looking up master account", zap.Error(err))
		return
	}
	if !ok || master.Status != types.StatusConnected {
		p.logger.Debug("poll tick: master account not connected, waiting")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), brokerCallTimeout)
	defer cancel()

	orders, err := p.broker.Orders(ctx, master.AccessToken)
	if err != nil {
		// TransientBrokerError-equivalent: skip this tick, retry next
		// interval. The access token is re-read fresh from the directory
		// every tick, so there is no stale client handle to discard.
		p.logger.Error("poll tick: fetching master orders", zap.Error(&types.TransientBrokerError{Op: "master_orders", Err: err}))
		return
	}

	newOrders := p.filterNew(orders)

	// Invoked even when newOrders is empty, so the orchestrator can still
	// run its margin-drift and exit-by-delta checks.
	p.orch.ProcessTick(master.AccountID, newOrders)
}

func (p *Poller) filterNew(orders []types.MasterOrder) []types.MasterOrder {
	var fresh []types.MasterOrder
	for _, o := range orders {
		if o.Status != types.OrderStatusComplete {
			continue
		}
		if _, seen := p.seenOrderIDs[o.OrderID]; seen {
			continue
		}
		p.markSeen(o.OrderID)
		fresh = append(fresh, o)
	}
	return fresh
}

func (p *Poller) markSeen(orderID string) {
	p.seenOrderIDs[orderID] = struct{}{}
	p.seenOrder = append(p.seenOrder, orderID)

	if len(p.seenOrder) <= seenOrderIDsCap {
		return
	}

	// Evict the oldest entries, retaining only the most recent
	// seenOrderIDsTrimTo ids.
	evict := len(p.seenOrder) - seenOrderIDsTrimTo
	for _, id := range p.seenOrder[:evict] {
		delete(p.seenOrderIDs, id)
	}
	p.seenOrder = append([]string(nil), p.seenOrder[evict:]...)
}
