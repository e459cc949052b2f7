// Package config loads the replication engine's configuration from
// environment variables, optionally layered with a YAML file, via viper.
// Defaults mirror original_source/config.py's env-with-fallback shape.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/Pranav0209/trade-replicator/pkg/types"
)

// accountFile is the YAML shape of one roster entry when an account roster
// file is supplied, decoded separately from viper's env/flat-key space so
// field names don't have to round-trip through viper's key flattening.
type accountFile struct {
	AccountID       string `yaml:"account_id" mapstructure:"account_id"`
	Role            string `yaml:"role" mapstructure:"role"`
	BrokerKey       string `yaml:"broker_key" mapstructure:"broker_key"`
	BrokerSecret    string `yaml:"broker_secret" mapstructure:"broker_secret"`
	Capital         string `yaml:"capital" mapstructure:"capital"`
	MaxCapitalUsage string `yaml:"max_capital_usage" mapstructure:"max_capital_usage"`
}

// Load reads the engine's replication and server configuration. configFile
// is an optional path to a YAML file layered on top of defaults and
// environment variables (env takes precedence, matching viper's usual
// AutomaticEnv ordering).
func Load(configFile string) (types.ReplicationConfig, types.ServerConfig, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return types.ReplicationConfig{}, types.ServerConfig{}, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	threshold, err := decimal.NewFromString(v.GetString("entry_margin_threshold"))
	if err != nil {
		return types.ReplicationConfig{}, types.ServerConfig{}, fmt.Errorf("config: entry_margin_threshold: %w", err)
	}

	accounts, err := loadAccounts(v)
	if err != nil {
		return types.ReplicationConfig{}, types.ServerConfig{}, err
	}

	repl := types.ReplicationConfig{
		PollInterval:          time.Duration(v.GetInt("poll_interval_seconds")) * time.Second,
		MasterAccountID:       v.GetString("master_account_id"),
		DryRun:                v.GetBool("dry_run"),
		EntryMarginThreshold:  threshold,
		GraceWindow:           time.Duration(v.GetInt("grace_window_seconds")) * time.Second,
		BrokerCallTimeout:     time.Duration(v.GetInt("broker_call_timeout_seconds")) * time.Second,
		SeenOrderIDCap:        v.GetInt("seen_order_id_cap"),
		SeenOrderIDRetain:     v.GetInt("seen_order_id_retain"),
		BrokerBaseURL:         v.GetString("broker_base_url"),
		BrokerRateLimitPerSec: v.GetFloat64("broker_rate_limit_per_sec"),
		DataDir:               v.GetString("data_dir"),
		Accounts:              accounts,
	}

	server := types.ServerConfig{
		Host:          v.GetString("server.host"),
		Port:          v.GetInt("server.port"),
		WebSocketPath: v.GetString("server.websocket_path"),
		ReadTimeout:   time.Duration(v.GetInt("server.read_timeout_seconds")) * time.Second,
		WriteTimeout:  time.Duration(v.GetInt("server.write_timeout_seconds")) * time.Second,
		EnableMetrics: v.GetBool("server.enable_metrics"),
		MetricsPath:   v.GetString("server.metrics_path"),
	}

	return repl, server, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval_seconds", 5)
	v.SetDefault("master_account_id", "MASTER123")
	// dry_run defaults to true: the replication engine must never place a
	// real order until an operator opts in explicitly.
	v.SetDefault("dry_run", true)
	v.SetDefault("entry_margin_threshold", "500")
	v.SetDefault("grace_window_seconds", 10)
	v.SetDefault("broker_call_timeout_seconds", 10)
	v.SetDefault("seen_order_id_cap", 2000)
	v.SetDefault("seen_order_id_retain", 1000)
	v.SetDefault("broker_base_url", "https://api.kite.trade")
	v.SetDefault("broker_rate_limit_per_sec", 3.0)
	v.SetDefault("data_dir", "./data")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.metrics_path", "/metrics")
}

// loadAccounts builds the account roster. When the config file provides an
// "accounts" list, it is used verbatim. Otherwise the roster falls back to
// original_source/config.py's single-master-plus-numbered-children
// environment-variable convention, so a bare env-only deployment still
// boots with at least a master account pre-registered.
func loadAccounts(v *viper.Viper) ([]types.AccountSeed, error) {
	if v.IsSet("accounts") {
		var raw []accountFile
		if err := v.UnmarshalKey("accounts", &raw); err != nil {
			return nil, fmt.Errorf("config: decoding accounts: %w", err)
		}
		seeds := make([]types.AccountSeed, 0, len(raw))
		for _, a := range raw {
			seed, err := toAccountSeed(a)
			if err != nil {
				return nil, err
			}
			seeds = append(seeds, seed)
		}
		return seeds, nil
	}

	var seeds []types.AccountSeed

	masterID := v.GetString("master_account_id")
	seeds = append(seeds, types.AccountSeed{
		AccountID:    masterID,
		Role:         types.RoleMaster,
		BrokerKey:    getEnvOrDefault("MASTER_API_KEY", "master_key"),
		BrokerSecret: getEnvOrDefault("MASTER_API_SECRET", "master_secret"),
	})

	for i := 1; ; i++ {
		prefix := fmt.Sprintf("CHILD_%d_", i)
		childID := os.Getenv(prefix + "USER_ID")
		if childID == "" {
			break
		}
		capital, err := decimal.NewFromString(getEnvOrDefault(prefix+"CAPITAL", "0"))
		if err != nil {
			return nil, fmt.Errorf("config: %sCAPITAL: %w", prefix, err)
		}
		maxUsage, err := decimal.NewFromString(getEnvOrDefault(prefix+"MAX_CAPITAL_USAGE", "0"))
		if err != nil {
			return nil, fmt.Errorf("config: %sMAX_CAPITAL_USAGE: %w", prefix, err)
		}
		seeds = append(seeds, types.AccountSeed{
			AccountID:       childID,
			Role:            types.RoleChild,
			BrokerKey:       os.Getenv(prefix + "API_KEY"),
			BrokerSecret:    os.Getenv(prefix + "API_SECRET"),
			Capital:         capital,
			MaxCapitalUsage: maxUsage,
		})
	}

	return seeds, nil
}

func toAccountSeed(a accountFile) (types.AccountSeed, error) {
	var capital, maxUsage decimal.Decimal
	var err error
	if a.Capital != "" {
		if capital, err = decimal.NewFromString(a.Capital); err != nil {
			return types.AccountSeed{}, fmt.Errorf("config: account %s capital: %w", a.AccountID, err)
		}
	}
	if a.MaxCapitalUsage != "" {
		if maxUsage, err = decimal.NewFromString(a.MaxCapitalUsage); err != nil {
			return types.AccountSeed{}, fmt.Errorf("config: account %s max_capital_usage: %w", a.AccountID, err)
		}
	}

	role := types.RoleChild
	if strings.EqualFold(a.Role, "master") {
		role = types.RoleMaster
	}

	return types.AccountSeed{
		AccountID:       a.AccountID,
		Role:            role,
		BrokerKey:       a.BrokerKey,
		BrokerSecret:    a.BrokerSecret,
		Capital:         capital,
		MaxCapitalUsage: maxUsage,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
