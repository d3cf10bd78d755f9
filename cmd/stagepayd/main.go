package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagepay/config"
	"stagepay/core"
	"stagepay/observability/logging"
	"stagepay/rpc"
	"stagepay/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.Setup("stagepayd", "").Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	opts := []logging.Option{}
	if cfg.LogFile != "" {
		opts = append(opts, logging.WithFile(cfg.LogFile))
	}
	logger := logging.Setup("stagepayd", cfg.Environment, opts...)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	nodeCfg, err := buildNodeConfig(cfg)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", slog.Any("error", err))
		os.Exit(1)
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "stagepay.db"))
	if err != nil {
		logger.Error("failed to open state store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	node, err := core.NewNode(store, store, nodeCfg)
	if err != nil {
		logger.Error("failed to start node", slog.Any("error", err))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: rpc.NewServer(node, cfg.RPC, logger),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddress,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("rpc listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rpc listen failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listen failed", slog.Any("error", err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
	_ = metricsSrv.Shutdown(ctx)
}

func buildNodeConfig(cfg *config.Config) (core.Config, error) {
	vault, err := config.ParseAddress(cfg.Escrow.VaultAddress)
	if err != nil {
		return core.Config{}, err
	}
	oracle, err := config.ParseAddress(cfg.Governance.OracleAddress)
	if err != nil {
		return core.Config{}, err
	}
	admins, err := cfg.AdminAddresses()
	if err != nil {
		return core.Config{}, err
	}
	return core.Config{
		VaultAddress:       vault,
		Stage1ReleaseBps:   cfg.Escrow.Stage1ReleaseBps,
		DisputeWindowSecs:  cfg.Escrow.DisputeWindowSeconds,
		Admins:             admins,
		RequiredApprovals:  cfg.Governance.RequiredApprovals,
		OracleAddress:      oracle,
		FastTrackApprovals: cfg.Governance.FastTrackApprovals,
	}, nil
}
