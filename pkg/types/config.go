package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig configures the admin HTTP/WebSocket surface.
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	WebSocketPath string       `json:"websocketPath"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
	EnableMetrics bool         `json:"enableMetrics"`
	MetricsPath  string        `json:"metricsPath"`
}

// AccountSeed is one entry of the configured account roster, used to seed
// the Account Directory at startup when it is empty.
type AccountSeed struct {
	AccountID       string          `json:"accountId"`
	Role            AccountRole     `json:"role"`
	BrokerKey       string          `json:"brokerKey"`
	BrokerSecret    string          `json:"brokerSecret"`
	Capital         decimal.Decimal `json:"capital"`
	MaxCapitalUsage decimal.Decimal `json:"maxCapitalUsage"`
}

// ReplicationConfig configures the replication control loop.
type ReplicationConfig struct {
	PollInterval        time.Duration `json:"pollInterval"`
	MasterAccountID      string        `json:"masterAccountId"`
	DryRun              bool          `json:"dryRun"`
	EntryMarginThreshold decimal.Decimal `json:"entryMarginThreshold"`
	GraceWindow          time.Duration `json:"graceWindow"`
	BrokerCallTimeout    time.Duration `json:"brokerCallTimeout"`
	SeenOrderIDCap       int           `json:"seenOrderIdCap"`
	SeenOrderIDRetain    int           `json:"seenOrderIdRetain"`
	BrokerBaseURL        string        `json:"brokerBaseUrl"`
	BrokerRateLimitPerSec float64      `json:"brokerRateLimitPerSec"`
	DataDir              string        `json:"dataDir"`
	Accounts             []AccountSeed `json:"accounts"`
}
