// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Hostwright
// components.
//
// Configuration is loaded from a single YAML file specified by:
//   - HOSTWRIGHT_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Hostwright. The control
// plane reads the Control section, the runner reads the Runner
// section; each binary validates only its own section.
type Config struct {
	Control ControlConfig `yaml:"control"`
	Runner  RunnerConfig  `yaml:"runner"`
}

// ControlConfig configures the control-plane service
// (hostwright-controld).
type ControlConfig struct {
	// ListenAddress is the TCP address the HTTP server binds.
	// Default: 127.0.0.1:8440.
	ListenAddress string `yaml:"listen_address"`

	// DatabasePath is the SQLite database file. The parent directory
	// must exist.
	DatabasePath string `yaml:"database_path"`

	// TokenPath is the file holding the bearer token runners and
	// producers authenticate with. Use "-" to read from stdin.
	// Required.
	TokenPath string `yaml:"token_path"`

	// SweepInterval is how often the lease-expiry sweeper runs.
	// Duration string, default "10s".
	SweepInterval string `yaml:"sweep_interval"`

	// LivenessWindow is how recently a runner must have heartbeated
	// to report as online. Duration string, default "90s".
	LivenessWindow string `yaml:"liveness_window"`
}

// RunnerConfig configures the runner agent (hostwright-runner).
type RunnerConfig struct {
	// ControlURL is the base URL of the control plane. Required.
	ControlURL string `yaml:"control_url"`

	// TokenPath is the file holding the bearer token. Use "-" to
	// read from stdin. Required.
	TokenPath string `yaml:"token_path"`

	// ProjectID scopes every protocol call. Required.
	ProjectID string `yaml:"project_id"`

	// Name identifies this runner within the project. Defaults to
	// the hostname.
	Name string `yaml:"name"`

	// SealAlgorithms lists the sealing algorithms to advertise.
	// Defaults to ["age-x25519-v1"].
	SealAlgorithms []string `yaml:"seal_algorithms"`

	// InfraApply advertises support for infra-apply jobs.
	InfraApply bool `yaml:"infra_apply"`

	// ToolPath is the operations binary job argv is passed to.
	// Defaults to "hostwright-ops" resolved via PATH.
	ToolPath string `yaml:"tool_path"`

	// HeartbeatInterval is the presence heartbeat cadence. Duration
	// string, default "15s".
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// LeaseWait is the long-poll window requested on lease-next.
	// Duration string, default "30s".
	LeaseWait string `yaml:"lease_wait"`

	// Submit configures the optional loopback submit endpoint.
	Submit SubmitConfig `yaml:"submit"`
}

// SubmitConfig configures the runner's loopback-only submit listener.
type SubmitConfig struct {
	// Enabled turns the listener on. Off by default: the listener is
	// a deliberate trust boundary reduction.
	Enabled bool `yaml:"enabled"`

	// Port is the loopback port. 0 lets the OS pick.
	Port int `yaml:"port"`
}

// Default returns the default configuration. These defaults ensure
// all fields have sensible zero-values; the config file is still
// required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local", "state", "hostwright")

	return &Config{
		Control: ControlConfig{
			ListenAddress:  "127.0.0.1:8440",
			DatabasePath:   filepath.Join(stateDir, "queue.db"),
			SweepInterval:  "10s",
			LivenessWindow: "90s",
		},
		Runner: RunnerConfig{
			SealAlgorithms:    []string{"age-x25519-v1"},
			ToolPath:          "hostwright-ops",
			HeartbeatInterval: "15s",
			LeaseWait:         "30s",
		},
	}
}

// Load loads configuration from the HOSTWRIGHT_CONFIG environment
// variable. There are no fallbacks: if HOSTWRIGHT_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("HOSTWRIGHT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HOSTWRIGHT_CONFIG environment variable not set; " +
			"set it to the path of your hostwright.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults. Environment variables do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.Runner.Name == "" {
		hostname, err := os.Hostname()
		if err == nil {
			cfg.Runner.Name = hostname
		}
	}
	return cfg, nil
}

// ValidateControl checks the fields the control plane requires.
func (c *Config) ValidateControl() error {
	if c.Control.TokenPath == "" {
		return fmt.Errorf("config: control.token_path is required")
	}
	if c.Control.DatabasePath == "" {
		return fmt.Errorf("config: control.database_path is required")
	}
	if _, err := c.Control.SweepIntervalDuration(); err != nil {
		return err
	}
	if _, err := c.Control.LivenessWindowDuration(); err != nil {
		return err
	}
	return nil
}

// ValidateRunner checks the fields the runner agent requires.
func (c *Config) ValidateRunner() error {
	if c.Runner.ControlURL == "" {
		return fmt.Errorf("config: runner.control_url is required")
	}
	if c.Runner.TokenPath == "" {
		return fmt.Errorf("config: runner.token_path is required")
	}
	if c.Runner.ProjectID == "" {
		return fmt.Errorf("config: runner.project_id is required")
	}
	if c.Runner.Name == "" {
		return fmt.Errorf("config: runner.name is required")
	}
	if len(c.Runner.SealAlgorithms) == 0 {
		return fmt.Errorf("config: runner.seal_algorithms must not be empty")
	}
	if _, err := c.Runner.HeartbeatIntervalDuration(); err != nil {
		return err
	}
	if _, err := c.Runner.LeaseWaitDuration(); err != nil {
		return err
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", field, value)
	}
	return d, nil
}

// SweepIntervalDuration parses the sweep interval.
func (c *ControlConfig) SweepIntervalDuration() (time.Duration, error) {
	return parseDuration("control.sweep_interval", c.SweepInterval)
}

// LivenessWindowDuration parses the liveness window.
func (c *ControlConfig) LivenessWindowDuration() (time.Duration, error) {
	return parseDuration("control.liveness_window", c.LivenessWindow)
}

// HeartbeatIntervalDuration parses the heartbeat interval.
func (c *RunnerConfig) HeartbeatIntervalDuration() (time.Duration, error) {
	return parseDuration("runner.heartbeat_interval", c.HeartbeatInterval)
}

// LeaseWaitDuration parses the lease-next wait window.
func (c *RunnerConfig) LeaseWaitDuration() (time.Duration, error) {
	return parseDuration("runner.lease_wait", c.LeaseWait)
}
