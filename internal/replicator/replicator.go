// Package replicator implements the Child Replicator: the component that
// mirrors a detected master entry or exit into each configured child
// account, scaled by that child's frozen ratio.
package replicator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/accountdir"
	"github.com/Pranav0209/trade-replicator/internal/broker"
	"github.com/Pranav0209/trade-replicator/internal/metrics"
	"github.com/Pranav0209/trade-replicator/internal/orderlog"
	"github.com/Pranav0209/trade-replicator/internal/strategystate"
	"github.com/Pranav0209/trade-replicator/internal/workers"
	"github.com/Pranav0209/trade-replicator/pkg/types"
	"github.com/Pranav0209/trade-replicator/pkg/utils"
)

// Replicator mirrors master order events into child accounts.
type Replicator struct {
	logger  *zap.Logger
	dir     *accountdir.Directory
	state   *strategystate.Store
	log     *orderlog.Log
	broker  broker.Client
	dryRun  bool
	pool    *workers.Pool
	metrics *metrics.Metrics
	ctx     context.Context
}

// Config configures a Replicator.
type Config struct {
	DryRun bool
}

// New constructs a Replicator. The caller owns the worker pool's lifecycle
// (Start/Stop); the replicator only submits and joins tasks on it. m may be
// nil, in which case placement metrics are not recorded.
func New(logger *zap.Logger, dir *accountdir.Directory, state *strategystate.Store, log *orderlog.Log, client broker.Client, pool *workers.Pool, m *metrics.Metrics, cfg Config) *Replicator {
	return &Replicator{
		logger:  logger.Named("replicator"),
		dir:     dir,
		state:   state,
		log:     log,
		broker:  client,
		dryRun:  cfg.DryRun,
		pool:    pool,
		metrics: m,
		ctx:     context.Background(),
	}
}

// aggregatedOrder is one post-aggregation logical entry.
type aggregatedOrder struct {
	key types.AggregationKey
	qty int64
}

// ExecuteEntry mirrors a batch of newly completed master orders into every
// child account, scaled by each child's frozen ratio.
func (r *Replicator) ExecuteEntry(masterID string, orders []types.MasterOrder, masterPreTradeEquity decimal.Decimal) error {
	if len(orders) == 0 {
		return nil
	}

	aggregated := aggregateEntries(orders)

	wasActive, err := r.state.IsActive()
	if err != nil {
		return fmt.Errorf("replicator: reading strategy state: %w", err)
	}
	if !wasActive {
		if err := r.state.SetMasterInitialMargin(masterPreTradeEquity); err != nil {
			return fmt.Errorf("replicator: recording master initial margin: %w", err)
		}
	}

	masterInitialMargin, err := r.state.GetMasterInitialMargin()
	if err != nil {
		return fmt.Errorf("replicator: reading master initial margin: %w", err)
	}
	if masterInitialMargin == nil {
		masterInitialMargin = &masterPreTradeEquity
	}

	children, err := r.dir.Children()
	if err != nil {
		return fmt.Errorf("replicator: enumerating children: %w", err)
	}

	var wg sync.WaitGroup
	for _, child := range children {
		child := child
		wg.Add(1)
		if err := r.pool.Submit(workers.TaskFunc(func() error {
			defer wg.Done()
			if err := r.entryForChild(child, aggregated, wasActive, *masterInitialMargin); err != nil {
				r.logger.Error("entry fan-out failed for child", zap.String("child_id", child.AccountID), zap.Error(err))
			}
			return nil
		})); err != nil {
			wg.Done()
			r.logger.Error("failed to submit entry task for child", zap.String("child_id", child.AccountID), zap.Error(err))
		}
	}
	wg.Wait()

	if !wasActive {
		if err := r.state.Activate(); err != nil {
			return fmt.Errorf("replicator: activating strategy: %w", err)
		}
	}

	return nil
}

func (r *Replicator) entryForChild(child types.Account, aggregated []aggregatedOrder, cycleActive bool, masterInitialMargin decimal.Decimal) error {
	childEquity, err := r.childEquity(child)
	if err != nil {
		r.logger.Error("failed to resolve child equity, skipping child", zap.String("child_id", child.AccountID), zap.Error(err))
		return err
	}

	if child.MaxCapitalUsage.IsPositive() {
		childEquity = utils.MinDecimal(childEquity, child.MaxCapitalUsage)
	}

	ratio, err := r.resolveRatio(child.AccountID, cycleActive, childEquity, masterInitialMargin)
	if err != nil {
		return err
	}

	for _, agg := range aggregated {
		lot := lotSize(agg.key.TradingSymbol)
		childQty := scaleQuantity(agg.qty, lot, ratio)
		if childQty == 0 {
			continue
		}

		req := types.PlaceOrderRequest{
			TradingSymbol:   agg.key.TradingSymbol,
			Exchange:        agg.key.Exchange,
			TransactionType: agg.key.TransactionType,
			Quantity:        childQty,
			OrderType:       "MARKET",
			Product:         agg.key.Product,
			Variety:         "regular",
		}
		r.placeAndLog(child, req, agg.key.InstrumentToken, types.LogEntryEntry)
	}

	return nil
}

// ExecuteExit mirrors a master exit into every child account, closing out
// exitRatio of each child's open position in the affected instruments. An
// empty orders list with exitRatio >= 0.99 means close-all.
func (r *Replicator) ExecuteExit(masterID string, exitRatio float64, orders []types.MasterOrder) error {
	children, err := r.dir.Children()
	if err != nil {
		return fmt.Errorf("replicator: enumerating children: %w", err)
	}

	cycleStart, err := r.state.CycleStartedAt()
	if err != nil {
		return fmt.Errorf("replicator: reading cycle start: %w", err)
	}

	var wg sync.WaitGroup
	for _, child := range children {
		child := child
		wg.Add(1)
		if err := r.pool.Submit(workers.TaskFunc(func() error {
			defer wg.Done()
			if err := r.exitForChild(child, exitRatio, orders, cycleStart); err != nil {
				r.logger.Error("exit fan-out failed for child", zap.String("child_id", child.AccountID), zap.Error(err))
			}
			return nil
		})); err != nil {
			wg.Done()
			r.logger.Error("failed to submit exit task for child", zap.String("child_id", child.AccountID), zap.Error(err))
		}
	}
	wg.Wait()

	return nil
}

func (r *Replicator) exitForChild(child types.Account, exitRatio float64, orders []types.MasterOrder, cycleStart time.Time) error {
	positions, err := r.childOpenPositions(child, cycleStart)
	if err != nil {
		r.logger.Error("failed to build open-position map, skipping child", zap.String("child_id", child.AccountID), zap.Error(err))
		return err
	}

	targets := exitTargets(orders, exitRatio, positions)

	for _, target := range targets {
		q, ok := positions[target.key]
		if !ok || q == 0 {
			continue
		}

		exitQty := exitQuantity(q, exitRatio, lotSize(target.key.TradingSymbol))
		if exitQty == 0 {
			continue
		}

		req := types.PlaceOrderRequest{
			TradingSymbol:   target.key.TradingSymbol,
			Exchange:        target.key.Exchange,
			TransactionType: target.transactionType,
			Quantity:        exitQty,
			OrderType:       "MARKET",
			Product:         target.key.Product,
			Variety:         "regular",
		}
		r.placeAndLog(child, req, target.key.InstrumentToken, types.LogEntryExit)

		positions[target.key] = reduceOpenQty(q, exitQty)
	}

	return nil
}

func (r *Replicator) placeAndLog(child types.Account, req types.PlaceOrderRequest, instrumentToken int64, kind types.LogEntryKind) {
	entry := types.OrderLogEntry{
		ChildID:         child.AccountID,
		InstrumentToken: instrumentToken,
		TradingSymbol:   req.TradingSymbol,
		Exchange:        req.Exchange,
		Product:         req.Product,
		TransactionType: req.TransactionType,
		Quantity:        req.Quantity,
		Kind:            kind,
	}

	if r.dryRun {
		entry.Status = types.LogStatusSimulated
	} else {
		orderID, err := r.broker.PlaceOrder(r.ctx, child.AccessToken, req)
		if err != nil {
			placementErr := &types.PlacementError{ChildID: child.AccountID, Err: err}
			entry.Status = types.LogStatusFailed
			entry.Error = placementErr.Error()
			r.logger.Error("child order placement failed",
				zap.String("child_id", child.AccountID),
				zap.String("symbol", req.TradingSymbol),
				zap.Error(placementErr),
			)
		} else {
			entry.Status = types.LogStatusPlaced
			entry.BrokerOrderID = orderID
		}
	}

	r.recordPlacementMetric(kind, entry.Status)

	if err := r.log.Append(entry); err != nil {
		r.logger.Error("failed to append order log entry", zap.String("child_id", child.AccountID), zap.Error(err))
	}
}

func (r *Replicator) recordPlacementMetric(kind types.LogEntryKind, status types.LogEntryStatus) {
	if r.metrics == nil {
		return
	}
	placementType := metrics.PlacementTypeEntry
	if kind == types.LogEntryExit {
		placementType = metrics.PlacementTypeExit
	}
	var placementStatus string
	switch status {
	case types.LogStatusPlaced:
		placementStatus = metrics.PlacementStatusPlaced
	case types.LogStatusSimulated:
		placementStatus = metrics.PlacementStatusSimulated
	default:
		placementStatus = metrics.PlacementStatusFailed
	}
	r.metrics.Placements.WithLabelValues(placementType, placementStatus).Inc()
}

func (r *Replicator) childEquity(child types.Account) (decimal.Decimal, error) {
	if r.dryRun {
		return child.Capital, nil
	}
	margins, err := r.broker.Margins(r.ctx, child.AccessToken)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching child margins: %w", err)
	}
	return margins.Equity(), nil
}

// resolveRatio returns the child's scaling ratio for this cycle, computing
// and freezing it on first use and reusing the frozen value thereafter.
func (r *Replicator) resolveRatio(childID string, cycleActive bool, childEquity, masterInitialMargin decimal.Decimal) (float64, error) {
	if cycleActive {
		return r.state.GetFrozenRatio(childID)
	}

	var ratio float64
	if masterInitialMargin.IsPositive() {
		ratio = childEquity.Div(masterInitialMargin).InexactFloat64()
	}
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	if err := r.state.SetFrozenRatio(childID, ratio); err != nil {
		return 0, fmt.Errorf("freezing ratio for %s: %w", childID, err)
	}
	return ratio, nil
}

// childOpenPositions builds the child's open-position map keyed by
// aggregation key with the transaction type left empty, so buys and sells
// of one instrument net into a single signed quantity. In dry-run mode it is
// reconstructed from the order log restricted to the current cycle; in
// live mode it comes straight from the broker.
func (r *Replicator) childOpenPositions(child types.Account, cycleStart time.Time) (map[types.AggregationKey]int64, error) {
	positions := make(map[types.AggregationKey]int64)

	if r.dryRun {
		entries, err := r.log.ForChildSince(child.AccountID, cycleStart)
		if err != nil {
			return nil, fmt.Errorf("reading order log: %w", err)
		}
		for _, e := range entries {
			if e.Status == types.LogStatusFailed {
				continue
			}
			key := types.AggregationKey{
				InstrumentToken: e.InstrumentToken,
				Product:         e.Product,
				Exchange:        e.Exchange,
				TradingSymbol:   e.TradingSymbol,
			}
			positions[key] += e.SignedQuantity()
		}
		return positions, nil
	}

	brokerPositions, err := r.broker.Positions(r.ctx, child.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetching child positions: %w", err)
	}
	for _, p := range brokerPositions {
		if p.Quantity == 0 {
			continue
		}
		key := types.AggregationKey{
			InstrumentToken: p.InstrumentToken,
			Product:         p.Product,
			Exchange:        p.Exchange,
			TradingSymbol:   p.TradingSymbol,
		}
		positions[key] = p.Quantity
	}
	return positions, nil
}

// exitTarget is one resolved exit, positioned and signed relative to the
// child's open position map.
type exitTarget struct {
	key             types.AggregationKey
	transactionType types.TransactionType
}

// exitTargets resolves the list of exit targets. When orders is empty and
// exitRatio is a close-all, one target is synthesised per non-zero open
// position in positions; otherwise each order yields one target, matched
// to the child's open position by instrument token so the target carries
// that position's symbol, product and exchange.
func exitTargets(orders []types.MasterOrder, exitRatio float64, positions map[types.AggregationKey]int64) []exitTarget {
	if len(orders) == 0 && exitRatio >= 0.99 {
		targets := make([]exitTarget, 0, len(positions))
		for key, qty := range positions {
			if qty == 0 {
				continue
			}
			tt := types.TransactionSell
			if qty < 0 {
				tt = types.TransactionBuy
			}
			targets = append(targets, exitTarget{key: key, transactionType: tt})
		}
		return targets
	}

	targets := make([]exitTarget, 0, len(orders))
	for _, o := range orders {
		key := types.AggregationKey{
			InstrumentToken: o.InstrumentToken,
			Product:         o.Product,
			Exchange:        o.Exchange,
			TradingSymbol:   o.TradingSymbol,
		}
		for posKey, qty := range positions {
			if posKey.InstrumentToken == o.InstrumentToken && qty != 0 {
				key = posKey
				break
			}
		}
		targets = append(targets, exitTarget{key: key, transactionType: o.TransactionType})
	}
	return targets
}

// aggregateEntries sums quantities of newly completed master orders keyed
// by the five-field aggregation key, so a single logical entry reported as
// many split fills is scaled once per child rather than floored repeatedly.
func aggregateEntries(orders []types.MasterOrder) []aggregatedOrder {
	byKey := make(map[types.AggregationKey]int64)
	order := make([]types.AggregationKey, 0)

	for _, o := range orders {
		key := types.AggregationKey{
			InstrumentToken: o.InstrumentToken,
			TransactionType: o.TransactionType,
			Product:         o.Product,
			Exchange:        o.Exchange,
			TradingSymbol:   o.TradingSymbol,
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] += o.Quantity
	}

	out := make([]aggregatedOrder, 0, len(order))
	for _, key := range order {
		out = append(out, aggregatedOrder{key: key, qty: byKey[key]})
	}
	return out
}

// scaleQuantity floors masterQty to a lot multiple, then scales by ratio,
// flooring again to a lot multiple.
func scaleQuantity(masterQty, lot int64, ratio float64) int64 {
	if lot <= 0 {
		lot = 1
	}
	lots := masterQty / lot
	scaledLots := int64(math.Floor(float64(lots) * ratio))
	return scaledLots * lot
}

// exitQuantity computes the quantity to close for one target: an exact
// sweep at exitRatio >= 0.99, otherwise a lot-rounded fraction, always
// capped at the open quantity's magnitude.
func exitQuantity(openQty int64, exitRatio float64, lot int64) int64 {
	abs := openQty
	if abs < 0 {
		abs = -abs
	}
	if abs == 0 {
		return 0
	}

	var qty int64
	if exitRatio >= 0.99 {
		qty = abs
	} else {
		if lot <= 0 {
			lot = 1
		}
		lots := int64(math.Floor(float64(abs) * exitRatio / float64(lot)))
		qty = lots * lot
	}

	if qty > abs {
		qty = abs
	}
	return qty
}

// reduceOpenQty decrements an open position by the executed exit quantity,
// preserving the original position's sign, so a second exit target
// referencing the same token in the same call does not double-count.
func reduceOpenQty(openQty, exitQty int64) int64 {
	if openQty > 0 {
		remaining := openQty - exitQty
		if remaining < 0 {
			remaining = 0
		}
		return remaining
	}
	remaining := openQty + exitQty
	if remaining > 0 {
		remaining = 0
	}
	return remaining
}
