// Package types provides the shared domain types for the replication engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountRole distinguishes the single master account from its children.
type AccountRole string

const (
	RoleMaster AccountRole = "master"
	RoleChild  AccountRole = "child"
)

// AccountStatus tracks the broker-login lifecycle of an account.
type AccountStatus string

const (
	StatusPending   AccountStatus = "pending"
	StatusConnected AccountStatus = "connected"
	StatusExpired   AccountStatus = "expired"
)

// TransactionType mirrors the broker's buy/sell convention.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// OrderStatus is the broker's lifecycle status for a master order.
type OrderStatus string

const (
	OrderStatusComplete  OrderStatus = "COMPLETE"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusOpen      OrderStatus = "OPEN"
)

// LogEntryKind distinguishes a replicated order's direction.
type LogEntryKind string

const (
	LogEntryEntry LogEntryKind = "entry"
	LogEntryExit  LogEntryKind = "exit"
)

// LogEntryStatus records the outcome of a replicated placement.
type LogEntryStatus string

const (
	LogStatusSimulated LogEntryStatus = "simulated"
	LogStatusPlaced    LogEntryStatus = "placed"
	LogStatusFailed    LogEntryStatus = "failed"
)

// Account is the persistent record for a master or child brokerage
// account. Only one Account in the directory may hold RoleMaster.
type Account struct {
	AccountID       string          `json:"accountId"`
	Role            AccountRole     `json:"role"`
	BrokerKey       string          `json:"brokerKey"`
	BrokerSecret    string          `json:"brokerSecret"`
	AccessToken     string          `json:"accessToken,omitempty"`
	Status          AccountStatus   `json:"status"`
	Capital         decimal.Decimal `json:"capital"`
	MaxCapitalUsage decimal.Decimal `json:"maxCapitalUsage"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Redacted returns a copy with credentials stripped, safe to hand to the
// admin API.
func (a Account) Redacted() Account {
	a.BrokerKey = ""
	a.BrokerSecret = ""
	a.AccessToken = ""
	return a
}

// MasterOrder is a single order reported by the broker for the master
// account, as returned from the order-book endpoint.
type MasterOrder struct {
	OrderID         string          `json:"order_id"`
	Status          OrderStatus     `json:"status"`
	TradingSymbol   string          `json:"tradingsymbol"`
	InstrumentToken int64           `json:"instrument_token"`
	Exchange        string          `json:"exchange"`
	Product         string          `json:"product"`
	TransactionType TransactionType `json:"transaction_type"`
	Quantity        int64           `json:"quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
}

// AggregationKey groups fills that represent a single logical entry.
type AggregationKey struct {
	InstrumentToken int64
	TransactionType TransactionType
	Product         string
	Exchange        string
	TradingSymbol   string
}

// Margins is the broker's nested funds response, reduced to the fields the
// engine needs to compute total equity.
type Margins struct {
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Collateral     decimal.Decimal `json:"collateral"`
	UsedDebits     decimal.Decimal `json:"used_debits"`
}

// Equity returns opening_balance + collateral - used_debits, the engine's
// total-account-size figure.
func (m Margins) Equity() decimal.Decimal {
	return m.OpeningBalance.Add(m.Collateral).Sub(m.UsedDebits)
}

// Position is a single net position reported by the broker.
type Position struct {
	InstrumentToken int64           `json:"instrument_token"`
	TradingSymbol   string          `json:"tradingsymbol"`
	Exchange        string          `json:"exchange"`
	Product         string          `json:"product"`
	Quantity        int64           `json:"quantity"`
	PnL             decimal.Decimal `json:"pnl"`
}

// PlaceOrderRequest is the input to the broker client's order placement
// call.
type PlaceOrderRequest struct {
	TradingSymbol   string
	Exchange        string
	TransactionType TransactionType
	Quantity        int64
	OrderType       string // e.g. "MARKET"
	Product         string
	Variety         string // e.g. "regular"
}

// OrderLogEntry is an append-only audit record of every order the
// replicator attempted to place on a child, and the source of truth for
// simulated positions in dry-run mode.
type OrderLogEntry struct {
	ID              string          `json:"id"`
	ChildID         string          `json:"childId"`
	InstrumentToken int64           `json:"instrumentToken"`
	TradingSymbol   string          `json:"tradingSymbol"`
	Exchange        string          `json:"exchange"`
	Product         string          `json:"product"`
	TransactionType TransactionType `json:"transactionType"`
	Quantity        int64           `json:"quantity"`
	Kind            LogEntryKind    `json:"kind"`
	Status          LogEntryStatus  `json:"status"`
	BrokerOrderID   string          `json:"brokerOrderId,omitempty"`
	Error           string          `json:"error,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// SignedQuantity returns the entry's quantity with sign applied per
// transaction type, for position-delta bookkeeping.
func (e OrderLogEntry) SignedQuantity() int64 {
	if e.TransactionType == TransactionSell {
		return -e.Quantity
	}
	return e.Quantity
}

// StrategyStateSnapshot is the durable, persisted shape of the Strategy
// State Store. FrozenRatio is empty when no cycle is active.
type StrategyStateSnapshot struct {
	Active              bool               `json:"active"`
	MasterInitialMargin *decimal.Decimal   `json:"masterInitialMargin"`
	FrozenRatio         map[string]float64 `json:"frozenRatio"`
	CycleStartedAt      *time.Time         `json:"cycleStartedAt"`
}
