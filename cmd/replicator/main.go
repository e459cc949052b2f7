// Package main is the entry point for the replication engine: it wires the
// Account Directory, Strategy State Store, Order Log, broker client,
// replicator, orchestrator, and poller together, then serves the admin API
// until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Pranav0209/trade-replicator/internal/accountdir"
	"github.com/Pranav0209/trade-replicator/internal/api"
	"github.com/Pranav0209/trade-replicator/internal/broker"
	"github.com/Pranav0209/trade-replicator/internal/config"
	"github.com/Pranav0209/trade-replicator/internal/metrics"
	"github.com/Pranav0209/trade-replicator/internal/orchestrator"
	"github.com/Pranav0209/trade-replicator/internal/orderlog"
	"github.com/Pranav0209/trade-replicator/internal/poller"
	"github.com/Pranav0209/trade-replicator/internal/replicator"
	"github.com/Pranav0209/trade-replicator/internal/strategystate"
	"github.com/Pranav0209/trade-replicator/internal/workers"
	"github.com/Pranav0209/trade-replicator/pkg/types"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file layered on top of env defaults")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	replConfig, serverConfig, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting replication engine",
		zap.Duration("pollInterval", replConfig.PollInterval),
		zap.Bool("dryRun", replConfig.DryRun),
		zap.Int("accounts", len(replConfig.Accounts)),
	)

	dataDir := replConfig.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	dir, err := accountdir.New(logger, filepath.Join(dataDir, "accounts.json"))
	if err != nil {
		logger.Fatal("failed to open account directory", zap.Error(err))
	}
	if err := dir.SeedIfEmpty(replConfig.Accounts); err != nil {
		logger.Fatal("failed to seed account directory", zap.Error(err))
	}

	state, err := strategystate.New(logger, filepath.Join(dataDir, "strategy_state.json"))
	if err != nil {
		logger.Fatal("failed to open strategy state store", zap.Error(err))
	}

	orders, err := orderlog.New(logger, filepath.Join(dataDir, "orders.json"))
	if err != nil {
		logger.Fatal("failed to open order log", zap.Error(err))
	}

	master, found, err := dir.Master()
	if err != nil {
		logger.Fatal("failed to look up master account", zap.Error(err))
	}
	if !found {
		logger.Fatal("no master account registered in the account roster")
	}

	brokerClient := broker.NewHTTPClient(logger, broker.Config{
		BaseURL:         replConfig.BrokerBaseURL,
		APIKey:          master.BrokerKey,
		APISecret:       master.BrokerSecret,
		Timeout:         replConfig.BrokerCallTimeout,
		RateLimitPerSec: replConfig.BrokerRateLimitPerSec,
	})

	// The admin server's /metrics handler serves the default registry.
	m := metrics.New(prometheus.DefaultRegisterer)

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("replicator"))
	pool.Start()

	repl := replicator.New(logger, dir, state, orders, brokerClient, pool, m, replicator.Config{
		DryRun: replConfig.DryRun,
	})

	orch := orchestrator.New(logger, dir, state, repl, brokerClient, m)

	pollLoop := poller.New(logger, dir, orch, brokerClient, replConfig.PollInterval)

	server := api.NewServer(logger, &serverConfig, dir, state, orders, orch, brokerClient)
	go server.Hub().Run()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}
	if err := pollLoop.Start(); err != nil {
		logger.Fatal("failed to start poller", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("admin API server error", zap.Error(err))
		}
	}()

	logger.Info("replication engine started",
		zap.Int("httpPort", serverConfig.Port),
		zap.String("webSocketPath", serverConfig.WebSocketPath),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := pollLoop.Stop(); err != nil {
		logger.Error("error stopping poller", zap.Error(err))
	}
	if err := orch.Stop(); err != nil {
		logger.Error("error stopping orchestrator", zap.Error(err))
	}
	if err := pool.Stop(); err != nil {
		logger.Error("error stopping worker pool", zap.Error(err))
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping admin API server", zap.Error(err))
	}

	logger.Info("replication engine stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
