// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/absmach/fluxmq-replica/config"
	"github.com/absmach/fluxmq-replica/server/health"
	"github.com/absmach/fluxmq-replica/server/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting queue replica node",
		"node_id", cfg.Node.ID,
		"replication_enabled", cfg.Replication.Enabled,
		"queues", len(cfg.Queues),
		"rotation_quantum", cfg.Ownership.RotationQuantum,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := otel.InitProvider(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Error("OpenTelemetry shutdown error", "error", err)
		}
	}()

	a, err := newApp(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize node", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Server.HealthEnabled {
		var node health.Replicator
		if a.node != nil {
			node = a.node
		}
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, a.registry, node, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	// The event endpoint must be up before subscribing so followers can
	// forward to whichever node wins the election.
	if err := a.start(ctx); err != nil {
		slog.Error("Failed to start node", "error", err)
		cancel()
		wg.Wait()
		_ = a.stop(context.Background())
		os.Exit(1)
	}

	slog.Info("Queue replica node started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if err := a.stop(stopCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}

	cancel()
	wg.Wait()
	slog.Info("Queue replica node stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
