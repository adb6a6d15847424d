// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// forged is the keyforge daemon. It wires configuration, logging,
// telemetry, the optional badger-backed remote cache tier, and the
// coordinator, then serves metrics until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/keyforge/pkg/logging"
	"github.com/AleutianAI/keyforge/services/forge/adapt"
	"github.com/AleutianAI/keyforge/services/forge/batch"
	"github.com/AleutianAI/keyforge/services/forge/cache"
	"github.com/AleutianAI/keyforge/services/forge/config"
	"github.com/AleutianAI/keyforge/services/forge/coordinator"
	"github.com/AleutianAI/keyforge/services/forge/crypto"
	"github.com/AleutianAI/keyforge/services/forge/pool"
	badgerstore "github.com/AleutianAI/keyforge/services/forge/storage/badger"
	"github.com/AleutianAI/keyforge/services/forge/telemetry"
	"github.com/AleutianAI/keyforge/services/forge/transport"
)

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML/JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, closeLogs, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "forged",
	})
	if err != nil {
		logger.Warn("file logging unavailable", "error", err)
	}
	defer func() { _ = closeLogs() }()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("forged exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    os.Getenv("FORGE_ENV"),
		TraceExporter:  traceExporterFor(cfg.Telemetry),
		MetricExporter: cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	backend := crypto.NewLocalBackend()
	defer func() { _ = backend.Close() }()

	// Peer sends go through the retrying decorator; single-node
	// deployments simply have an empty peer set.
	memTransport := transport.NewMemoryTransport(transport.PeerID(cfg.Node.ID))
	peerTransport := transport.NewRetryTransport(memTransport, transport.DefaultRetryConfig(), logger)

	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if cfg.Storage.RemoteEnabled {
		store, err := badgerstore.NewStore(badgerstore.Config{
			Path:       cfg.Storage.Path,
			InMemory:   cfg.Storage.InMemory,
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		opts = append(opts, coordinator.WithRemoteStore(store))
		logger.Info("remote cache tier enabled", "path", cfg.Storage.Path)
	}

	coord, err := coordinator.New(coordinatorConfig(cfg), backend, peerTransport, opts...)
	if err != nil {
		return err
	}
	coord.Start()
	logger.Info("forged started",
		"node", cfg.Node.ID,
		"workers", cfg.Pool.Size,
		"peers", len(cfg.Node.Peers))

	metricsServer := startMetricsServer(cfg.Telemetry.MetricsAddr, coord, logger)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var errs []error
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	logger.Info("forged stopped")
	return errors.Join(errs...)
}

// traceExporterFor enables OTLP traces only when a collector endpoint
// is configured.
func traceExporterFor(t config.TelemetryConfig) string {
	if t.Endpoint != "" {
		return "otlp"
	}
	return "none"
}

func coordinatorConfig(cfg config.Config) coordinator.Config {
	return coordinator.Config{
		SelfID: transport.PeerID(cfg.Node.ID),
		Pool: pool.Config{
			Size:          cfg.Pool.Size,
			QueueCapacity: cfg.Pool.QueueCapacity,
			LoadBalanced:  cfg.Pool.LoadBalanced,
		},
		Cache: cache.Config{
			HotCapacity:       cfg.Cache.HotCapacity,
			WarmCapacity:      cfg.Cache.WarmCapacity,
			ColdCapacity:      cfg.Cache.ColdCapacity,
			DefaultTTL:        cfg.Cache.DefaultTTL,
			SweepInterval:     cfg.Cache.SweepInterval,
			RebalanceInterval: cfg.Cache.RebalanceInterval,
			HotInactivity:     cfg.Cache.HotInactivity,
		},
		Batch: batch.Config{
			BatchSize:    cfg.Batch.Size,
			BatchTimeout: cfg.Batch.Timeout,
			TaskTimeout:  cfg.Pool.TaskTimeout,
			ResultTTL:    cfg.Batch.ResultTTL,
		},
		Adapt: adapt.Config{
			SelfID:                transport.PeerID(cfg.Node.ID),
			QuorumRatio:           cfg.Consensus.QuorumRatio,
			EnergyChangeThreshold: cfg.Consensus.EnergyChangeThreshold,
			MinInterval:           cfg.Consensus.MinInterval,
			VoteTimeout:           cfg.Consensus.VoteTimeout,
			SendTimeout:           cfg.Consensus.SendTimeout,
			KeyTimeout:            cfg.Pool.TaskTimeout,
		},
		HealthInterval:      cfg.Coordinator.HealthInterval,
		LoadBalanceInterval: cfg.Coordinator.LoadBalanceInterval,
		PoolQueueHighWater:  cfg.Coordinator.QueueHighWater,
		FailoverEnabled:     cfg.Coordinator.FailoverEnabled,
		AutoScale:           cfg.Coordinator.AutoScale,
		MaxPoolSize:         cfg.Coordinator.MaxPoolSize,
	}
}

// startMetricsServer serves /metrics and /healthz. Returns nil when no
// metrics address is configured.
func startMetricsServer(addr string, coord *coordinator.Coordinator, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	if handler := telemetry.MetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := coord.Health()
		status := http.StatusOK
		if report.State == coordinator.HealthCritical {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(string(report.State) + "\n"))
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}
