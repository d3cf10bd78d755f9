package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagepay/gateway/auth"
	"stagepay/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logging.Setup("oracle-gateway", "").Error("load config", "error", err)
		os.Exit(1)
	}
	opts := []logging.Option{}
	if cfg.LogFile != "" {
		opts = append(opts, logging.WithFile(cfg.LogFile))
	}
	logger := logging.Setup("oracle-gateway", cfg.Environment, opts...)

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	nonces, err := auth.NewLevelDBNoncePersistence(cfg.NonceDBPath)
	if err != nil {
		logger.Error("open nonce store", "error", err)
		os.Exit(1)
	}
	defer nonces.Close()

	authenticator := auth.NewAuthenticator(cfg.SecretMap(), cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, nil, nonces)
	if err := authenticator.HydrateNonces(context.Background(), time.Now().Add(-cfg.NonceTTL)); err != nil {
		logger.Warn("nonce hydration failed", "error", err)
	}

	node := NewRESTNodeClient(cfg.NodeURL, cfg.NodeJWTSecret, cfg.NodeIssuer, cfg.NodeAudience, cfg.OracleAddress)
	server := NewServer(authenticator, node, store, logger)

	watcher := NewEventWatcher(node, store, logger)
	watcher.pollInterval = cfg.PollInterval
	reconciler := NewReconciler(node, store, logger)
	reconciler.interval = cfg.ReconInterval

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(runCtx)
	go reconciler.Run(runCtx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddress,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("oracle gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listen failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	logger.Info("shutting down oracle gateway")
	ctx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = metricsSrv.Shutdown(ctx)
}
