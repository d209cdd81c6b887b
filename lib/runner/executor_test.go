// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hostwright/hostwright/lib/redact"
	"github.com/hostwright/hostwright/lib/sealed"
)

// writeTool writes an executable shell script standing in for the
// operations binary.
func writeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostwright-ops")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing tool script: %v", err)
	}
	return path
}

func newExecutor(toolPath string) *CommandExecutor {
	return &CommandExecutor{
		ToolPath: toolPath,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	tool := writeTool(t, `echo '{"deployed":true}'`)
	result, err := newExecutor(tool).Execute(context.Background(), deployJob(), nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if strings.TrimSpace(string(result.Output)) != `{"deployed":true}` {
		t.Errorf("output = %q", result.Output)
	}
}

func TestExecuteNonZeroExitRedactsStderr(t *testing.T) {
	tool := writeTool(t, `echo "push failed: token=abc123supersecret" >&2; exit 3`)
	result, err := newExecutor(tool).Execute(context.Background(), deployJob(), nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if strings.Contains(result.Stderr, "abc123supersecret") {
		t.Errorf("stderr leaked the secret: %q", result.Stderr)
	}
	if !strings.Contains(result.Stderr, redact.Sentinel) {
		t.Errorf("stderr not redacted: %q", result.Stderr)
	}
}

func TestExecuteSecretsFileLifecycle(t *testing.T) {
	sidecar := filepath.Join(t.TempDir(), "secrets-path")
	t.Setenv("SIDECAR_FILE", sidecar)

	tool := writeTool(t, `cat "$HOSTWRIGHT_SECRETS_FILE"
echo "$HOSTWRIGHT_SECRETS_FILE" > "$SIDECAR_FILE"`)

	job := deployJob()
	secrets := sealed.Bundle{"db_password": "hunter2"}
	result, err := newExecutor(tool).Execute(context.Background(), job, secrets)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr %q", result.ExitCode, result.Stderr)
	}

	// The child saw the decrypted bundle.
	if !strings.Contains(string(result.Output), "hunter2") {
		t.Errorf("child did not see the bundle: %q", result.Output)
	}

	// The temp file is gone once Execute returns.
	recorded, err := os.ReadFile(sidecar)
	if err != nil {
		t.Fatalf("reading sidecar: %v", err)
	}
	secretPath := strings.TrimSpace(string(recorded))
	if secretPath == "" {
		t.Fatal("child saw no secrets file path")
	}
	if _, err := os.Stat(secretPath); !os.IsNotExist(err) {
		t.Errorf("secrets file still present at %s", secretPath)
	}
}

func TestExecuteCapsOutput(t *testing.T) {
	// secrets-write caps results at 16 KiB; the tool emits far more.
	tool := writeTool(t, `head -c 65536 /dev/zero | tr '\0' 'a'`)
	job := deployJob()
	job.Kind = "secrets-write"
	job.Payload.Kind = "secrets-write"
	job.Payload.Argv = []string{"secrets", "write", "--host", "alpha", "--json"}

	result, err := newExecutor(tool).Execute(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(result.Output) != 16*1024 {
		t.Errorf("output length = %d, want %d", len(result.Output), 16*1024)
	}
}

func TestExecuteMissingTool(t *testing.T) {
	executor := newExecutor(filepath.Join(t.TempDir(), "does-not-exist"))
	if _, err := executor.Execute(context.Background(), deployJob(), nil); err == nil {
		t.Fatal("expected error for missing tool binary")
	}
}
