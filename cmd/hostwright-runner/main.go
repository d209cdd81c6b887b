// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Command hostwright-runner is the Hostwright runner agent. It holds
// the host credentials the control plane must never see: it leases
// jobs over outbound HTTP, decrypts sealed input with per-process
// keys, executes the operations binary under the command policy, and
// reports redacted results.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/config"
	"github.com/hostwright/hostwright/lib/process"
	"github.com/hostwright/hostwright/lib/runner"
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
		version.Print("hostwright-runner")
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
	if err := cfg.ValidateRunner(); err != nil {
		return err
	}
	heartbeatInterval, err := cfg.Runner.HeartbeatIntervalDuration()
	if err != nil {
		return err
	}
	leaseWait, err := cfg.Runner.LeaseWaitDuration()
	if err != nil {
		return err
	}

	token, err := secret.ReadFromPath(cfg.Runner.TokenPath)
	if err != nil {
		return err
	}
	defer token.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	client, err := runner.NewClient(runner.ClientConfig{
		BaseURL:   cfg.Runner.ControlURL,
		Token:     token,
		ProjectID: cfg.Runner.ProjectID,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	executor := &runner.CommandExecutor{
		ToolPath: cfg.Runner.ToolPath,
		Logger:   logger,
	}

	var submit *runner.SubmitServer
	if cfg.Runner.Submit.Enabled {
		submit, err = runner.NewSubmitServer(runner.SubmitServerConfig{
			Port:     cfg.Runner.Submit.Port,
			Executor: executor,
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := submit.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error("submit listener failed", "error", err)
			}
		}()
	}

	agent, err := runner.NewAgent(runner.AgentConfig{
		Client:            client,
		RunnerName:        cfg.Runner.Name,
		Version:           version.Short(),
		SealAlgorithms:    cfg.Runner.SealAlgorithms,
		InfraApply:        cfg.Runner.InfraApply,
		Submit:            submit,
		Executor:          executor,
		HeartbeatInterval: heartbeatInterval,
		LeaseWait:         leaseWait,
		Clock:             clk,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	logger.Info("runner starting",
		"name", cfg.Runner.Name,
		"project", cfg.Runner.ProjectID,
		"control", cfg.Runner.ControlURL,
	)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
