// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hostwright/hostwright/lib/policy"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/redact"
	"github.com/hostwright/hostwright/lib/sealed"
)

// secretsFileEnv names the environment variable carrying the path of
// the temp secrets file to the child command.
const secretsFileEnv = "HOSTWRIGHT_SECRETS_FILE"

// stderrCaptureBytes caps how much stderr is retained for the error
// message of a failed command.
const stderrCaptureBytes = 8 * 1024

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	// Output is the captured stdout, already capped at the job's
	// result byte limit. Empty when the job's result mode is "none".
	Output []byte

	// ExitCode is the command's exit code. 0 on success.
	ExitCode int

	// Stderr is the captured (capped) stderr, redacted.
	Stderr string
}

// Executor runs a job's command. The agent uses CommandExecutor in
// production; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, job *protocol.Job, secrets sealed.Bundle) (*ExecResult, error)
}

// CommandExecutor executes job argv by invoking the operations binary
// as a child process.
type CommandExecutor struct {
	// ToolPath is the operations binary. Required.
	ToolPath string

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Execute runs the operations binary with the job's argv. When the
// job carries a decrypted secret bundle, the bundle is written to a
// 0600 temp file whose path reaches the child via HOSTWRIGHT_SECRETS_FILE;
// the file is removed before Execute returns.
//
// A non-zero exit is not an error: it is reported in the ExecResult so
// the agent can complete the job as failed. Execute returns an error
// only when the command could not be run at all.
func (e *CommandExecutor) Execute(ctx context.Context, job *protocol.Job, secrets sealed.Bundle) (*ExecResult, error) {
	spec, err := policy.ResultSpec(job.Kind)
	if err != nil {
		return nil, err
	}

	var secretDir string
	env := os.Environ()
	if len(secrets) > 0 {
		secretDir, err = os.MkdirTemp("", "hostwright-secrets-")
		if err != nil {
			return nil, fmt.Errorf("creating secrets dir: %w", err)
		}
		defer os.RemoveAll(secretDir)

		secretPath := filepath.Join(secretDir, "bundle.json")
		encoded, err := json.Marshal(secrets)
		if err != nil {
			return nil, fmt.Errorf("encoding secret bundle: %w", err)
		}
		if err := os.WriteFile(secretPath, encoded, 0o600); err != nil {
			return nil, fmt.Errorf("writing secret bundle: %w", err)
		}
		env = append(env, secretsFileEnv+"="+secretPath)
	}

	e.Logger.Info("executing job command",
		"job_id", job.ID,
		"kind", job.Kind,
		"argv", redact.Argv(job.Payload.Argv, secretDir),
	)

	stdout := &cappedBuffer{max: spec.MaxBytes}
	stderr := &cappedBuffer{max: stderrCaptureBytes}

	cmd := exec.CommandContext(ctx, e.ToolPath, job.Payload.Argv...)
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	result := &ExecResult{Stderr: redactString(stderr.String())}
	if spec.Mode != policy.ResultNone {
		result.Output = stdout.Bytes()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("running %s: %w", e.ToolPath, runErr)
	}
	return result, nil
}

func redactString(s string) string {
	masked, _ := redact.Redact(s)
	return masked
}

// cappedBuffer collects writes up to max bytes and silently discards
// the rest. The writer never sees an error: a chatty command keeps
// running, only its captured output is bounded.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }
