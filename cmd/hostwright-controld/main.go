// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/config"
	"github.com/hostwright/hostwright/lib/process"
	"github.com/hostwright/hostwright/lib/queue"
	"github.com/hostwright/hostwright/lib/secret"
	"github.com/hostwright/hostwright/lib/service"
	"github.com/hostwright/hostwright/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to hostwright.yaml (overrides HOSTWRIGHT_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("hostwright-controld")
		return nil
	}

	logger := service.NewLogger()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.ValidateControl(); err != nil {
		return err
	}
	sweepInterval, err := cfg.Control.SweepIntervalDuration()
	if err != nil {
		return err
	}
	livenessWindow, err := cfg.Control.LivenessWindowDuration()
	if err != nil {
		return err
	}

	token, err := secret.ReadFromPath(cfg.Control.TokenPath)
	if err != nil {
		return err
	}
	defer token.Close()
	logger.Info("bearer token loaded",
		"fingerprint", service.TokenFingerprint(token.Bytes()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	store, err := queue.Open(queue.Config{
		Path:           cfg.Control.DatabasePath,
		Clock:          clk,
		Logger:         logger,
		LivenessWindow: livenessWindow,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		runSweeper(ctx, store, clk, sweepInterval, logger)
	}()

	handler := newAPIHandler(store, token.Bytes(), clk, logger)
	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Control.ListenAddress,
		Handler: handler,
		Logger:  logger,
	})

	logger.Info("control plane starting",
		"address", cfg.Control.ListenAddress,
		"database", cfg.Control.DatabasePath,
	)
	err = server.Serve(ctx)
	<-sweeperDone
	return err
}

// runSweeper requeues or fails jobs whose lease expired, on a fixed
// interval, until ctx is cancelled.
func runSweeper(ctx context.Context, store *queue.Store, clk clock.Clock, interval time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := store.ExpireLeases(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("lease sweep failed", "error", err)
				}
				continue
			}
			if count > 0 {
				logger.Info("expired leases swept", "count", count)
			}
		}
	}
}
