package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/checker"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/config"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/handler"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/metrics"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/server"
	"github.com/UnitedTraders/haproxy-grpc-agent/pkg/logger"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"version":         version,
		"listen":          cfg.ListenAddr(),
		"metrics":         cfg.MetricsAddr(),
		"connect_timeout": cfg.Check.ConnectTimeout.String(),
		"rpc_timeout":     cfg.Check.RPCTimeout.String(),
		"response_budget": cfg.Check.ResponseBudget.String(),
	}).Info("Starting HAProxy gRPC agent")

	// Process-scoped metrics registry, injected as a passive sink.
	sink := metrics.New()

	cache := checker.NewChannelCache(cfg.Check.ConnectTimeout, log, sink)
	defer cache.Close()
	healthChecker := checker.NewHealthChecker(cache, cfg.Check.RPCTimeout, log, sink)

	agent := server.New(cfg.ListenAddr(), cfg.Check.ResponseBudget, healthChecker, log, sink)
	if err := agent.Listen(); err != nil {
		log.WithError(err).Fatalf("Failed to bind agent listener on %s", cfg.ListenAddr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- agent.Serve(ctx)
	}()

	var ops *handler.OpsServer
	if cfg.Metrics.Enabled {
		ops = handler.NewOpsServer(cfg.MetricsAddr(), cfg.Metrics.Path, sink.Handler(), version, log)
		go func() {
			if err := ops.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("Server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod)
	defer shutdownCancel()

	if err := agent.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Agent shutdown incomplete")
	}
	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Ops server shutdown incomplete")
		}
	}
	log.Info("Agent stopped")
}
