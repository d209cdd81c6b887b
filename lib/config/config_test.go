// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostwright.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
control:
  listen_address: "0.0.0.0:9000"
  database_path: /var/lib/hostwright/queue.db
  token_path: /etc/hostwright/token
runner:
  control_url: https://control.example:9000
  token_path: /etc/hostwright/token
  project_id: proj-1
  name: builder-1
  infra_apply: true
  seal_algorithms:
    - age-x25519-v1
    - x25519-hkdf-chacha20poly1305-v1
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}

	if cfg.Control.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("listen address = %q", cfg.Control.ListenAddress)
	}
	// Unspecified fields keep their defaults.
	if cfg.Control.SweepInterval != "10s" {
		t.Errorf("sweep interval = %q, want default 10s", cfg.Control.SweepInterval)
	}
	if cfg.Runner.HeartbeatInterval != "15s" {
		t.Errorf("heartbeat interval = %q, want default 15s", cfg.Runner.HeartbeatInterval)
	}
	if len(cfg.Runner.SealAlgorithms) != 2 {
		t.Errorf("seal algorithms = %v", cfg.Runner.SealAlgorithms)
	}
	if !cfg.Runner.InfraApply {
		t.Error("infra_apply not set")
	}

	if err := cfg.ValidateControl(); err != nil {
		t.Errorf("ValidateControl() error: %v", err)
	}
	if err := cfg.ValidateRunner(); err != nil {
		t.Errorf("ValidateRunner() error: %v", err)
	}

	interval, err := cfg.Runner.HeartbeatIntervalDuration()
	if err != nil {
		t.Fatalf("HeartbeatIntervalDuration() error: %v", err)
	}
	if interval != 15*time.Second {
		t.Errorf("heartbeat interval = %v", interval)
	}
}

func TestValidateControlRequiresToken(t *testing.T) {
	path := writeConfig(t, `
control:
  database_path: /var/lib/hostwright/queue.db
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if err := cfg.ValidateControl(); err == nil {
		t.Error("ValidateControl() accepted missing token_path")
	}
}

func TestValidateRunnerRequiredFields(t *testing.T) {
	path := writeConfig(t, `
runner:
  control_url: https://control.example:9000
  token_path: /etc/hostwright/token
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if err := cfg.ValidateRunner(); err == nil {
		t.Error("ValidateRunner() accepted missing project_id")
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
control:
  token_path: /etc/hostwright/token
  sweep_interval: banana
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if err := cfg.ValidateControl(); err == nil {
		t.Error("ValidateControl() accepted unparseable duration")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("HOSTWRIGHT_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Error("Load() succeeded without HOSTWRIGHT_CONFIG")
	}

	path := writeConfig(t, "control:\n  token_path: /tmp/token\n")
	t.Setenv("HOSTWRIGHT_CONFIG", path)
	if _, err := Load(); err != nil {
		t.Errorf("Load() error: %v", err)
	}
}
