// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner implements the Hostwright runner agent: the
// protocol client, the job execution loop, and the optional loopback
// submit endpoint.
//
// The agent is the only component that ever sees sealed input in
// plaintext. Sealing keypairs are generated fresh at process start
// and held in locked memory; they are never written to disk and never
// leave the process.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/policy"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/redact"
	"github.com/hostwright/hostwright/lib/sealed"
)

// Default agent timing. The presence heartbeat is fixed-cadence
// regardless of job activity so the control plane's liveness window
// (90s) tolerates two missed beats.
const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultLeaseTTL          = 60 * time.Second
	defaultLeaseWait         = 30 * time.Second

	// idleRetryDelay spaces out lease attempts after a protocol
	// error, on top of the client's own transient retry.
	idleRetryDelay = 5 * time.Second
)

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Client is the control-plane protocol client. Required.
	Client *Client

	// RunnerName identifies this runner within the project. Required.
	RunnerName string

	// Version is advertised on presence heartbeats.
	Version string

	// SealAlgorithms are the sealing algorithms to generate keypairs
	// for and advertise. Required (at least one).
	SealAlgorithms []string

	// InfraApply advertises support for infra-apply jobs.
	InfraApply bool

	// Submit, when non-nil, is the loopback submit endpoint whose
	// port and nonce are advertised in capabilities.
	Submit *SubmitServer

	// Executor runs job commands. Required.
	Executor Executor

	// HeartbeatInterval, LeaseTTL, and LeaseWait override the
	// defaults when non-zero.
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
	LeaseWait         time.Duration

	// Clock drives all agent timers. Required.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Agent is the runner agent loop: presence heartbeat, long-poll job
// lease, sealed-input decryption, command execution, and completion
// reporting.
type Agent struct {
	client   *Client
	name     string
	version  string
	executor Executor
	submit   *SubmitServer
	clock    clock.Clock
	logger   *slog.Logger

	heartbeatInterval time.Duration
	leaseTTL          time.Duration
	leaseWait         time.Duration

	// keypairs indexes the per-process sealing keypairs by key ID.
	keypairs     map[string]*sealed.Keypair
	capabilities *protocol.Capabilities

	runnerID string
}

// NewAgent creates an agent and generates its per-process sealing
// keypairs. Call Close to release the keypairs' locked memory.
func NewAgent(config AgentConfig) (*Agent, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("runner: Client is required")
	}
	if config.RunnerName == "" {
		return nil, fmt.Errorf("runner: RunnerName is required")
	}
	if len(config.SealAlgorithms) == 0 {
		return nil, fmt.Errorf("runner: at least one seal algorithm is required")
	}
	if config.Executor == nil {
		return nil, fmt.Errorf("runner: Executor is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("runner: Clock is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("runner: Logger is required")
	}

	agent := &Agent{
		client:            config.Client,
		name:              config.RunnerName,
		version:           config.Version,
		executor:          config.Executor,
		submit:            config.Submit,
		clock:             config.Clock,
		logger:            config.Logger,
		heartbeatInterval: config.HeartbeatInterval,
		leaseTTL:          config.LeaseTTL,
		leaseWait:         config.LeaseWait,
		keypairs:          make(map[string]*sealed.Keypair),
	}
	if agent.heartbeatInterval == 0 {
		agent.heartbeatInterval = defaultHeartbeatInterval
	}
	if agent.leaseTTL == 0 {
		agent.leaseTTL = defaultLeaseTTL
	}
	if agent.leaseWait == 0 {
		agent.leaseWait = defaultLeaseWait
	}

	capabilities := &protocol.Capabilities{InfraApply: config.InfraApply}
	for _, algorithm := range config.SealAlgorithms {
		keypair, err := sealed.GenerateKeypair(algorithm)
		if err != nil {
			agent.Close()
			return nil, fmt.Errorf("generating %s keypair: %w", algorithm, err)
		}
		agent.keypairs[keypair.KeyID] = keypair
		capabilities.SealKeys = append(capabilities.SealKeys, protocol.SealKey{
			Algorithm: keypair.Algorithm,
			PublicKey: keypair.PublicKey,
			KeyID:     keypair.KeyID,
		})
	}
	if config.Submit != nil {
		capabilities.Submit = config.Submit.Endpoint()
	}
	agent.capabilities = capabilities
	return agent, nil
}

// Close releases the agent's sealing keypairs. Sealed jobs targeting
// this process can no longer be decrypted afterward.
func (a *Agent) Close() {
	for _, keypair := range a.keypairs {
		keypair.Close()
	}
	a.keypairs = map[string]*sealed.Keypair{}
}

// Capabilities returns the capability set the agent advertises.
func (a *Agent) Capabilities() *protocol.Capabilities {
	return a.capabilities
}

// Run executes the agent loop until ctx is cancelled. The initial
// presence heartbeat must succeed (it registers the runner and
// returns its stable ID); after that, heartbeat failures are logged
// and retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	runnerID, err := a.client.Heartbeat(ctx, a.name, a.version, a.capabilities)
	if err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	a.runnerID = runnerID
	a.logger.Info("runner registered",
		"runner_id", runnerID,
		"name", a.name,
		"seal_keys", len(a.capabilities.SealKeys),
	)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		a.heartbeatLoop(ctx)
	}()

	for ctx.Err() == nil {
		job, err := a.client.LeaseNext(ctx, a.runnerID, a.leaseTTL, a.leaseWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Error("lease-next failed", "error", err)
			select {
			case <-a.clock.After(idleRetryDelay):
			case <-ctx.Done():
			}
			continue
		}
		if job == nil {
			// Wait window elapsed with nothing queued.
			continue
		}
		a.handleJob(ctx, job)
	}

	<-heartbeatDone
	return ctx.Err()
}

// heartbeatLoop sends presence heartbeats on a fixed cadence,
// independent of job activity.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := a.clock.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.client.Heartbeat(ctx, a.name, a.version, a.capabilities); err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("presence heartbeat failed", "error", err)
				}
			}
		}
	}
}

// handleJob runs one leased job to completion: policy re-check,
// sealed-input decryption, execution under a lease-renewal goroutine,
// and outcome reporting.
func (a *Agent) handleJob(ctx context.Context, job *protocol.Job) {
	logger := a.logger.With("job_id", job.ID, "run_id", job.RunID, "kind", job.Kind)
	logger.Info("job leased", "argv", redact.Argv(job.Payload.Argv, ""))

	// The control plane already validated the argv at enqueue; the
	// runner validates again so a compromised control plane cannot
	// push arbitrary commands.
	if err := policy.Validate(job.Kind, job.Payload.Argv); err != nil {
		logger.Error("job rejected by policy", "error", err)
		a.completeJob(ctx, job, nil, fmt.Sprintf("policy violation: %v", err))
		return
	}

	secrets, err := a.decryptSealedInput(job)
	if err != nil {
		logger.Error("sealed input unusable", "error", err)
		a.completeJob(ctx, job, nil, err.Error())
		return
	}

	a.appendEvent(ctx, job.RunID, protocol.LevelInfo, "job started", map[string]any{
		"jobId":   job.ID,
		"runner":  a.name,
		"attempt": job.Attempts + 1,
	})

	// The renewal goroutine shares only the job ID and lease ID with
	// execution. Lease loss cancels jobCtx.
	jobCtx, cancelJob := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		a.renewLease(jobCtx, cancelJob, job.ID, job.LeaseID)
	}()

	result, execErr := a.executor.Execute(jobCtx, job, secrets)

	cancelJob()
	<-renewDone

	switch {
	case execErr != nil && jobCtx.Err() != nil && ctx.Err() == nil:
		// Lease lost mid-execution: another attempt may already be
		// running elsewhere. The outcome is dropped.
		logger.Warn("lease lost during execution, discarding outcome")
		return
	case execErr != nil:
		logger.Error("command could not run", "error", execErr)
		a.completeJob(ctx, job, nil, execErr.Error())
	case result.ExitCode != 0:
		message := fmt.Sprintf("command exited %d: %s", result.ExitCode, result.Stderr)
		logger.Warn("command failed", "exit_code", result.ExitCode)
		a.completeJob(ctx, job, nil, message)
	default:
		a.completeJob(ctx, job, result.Output, "")
		a.syncFleet(ctx, result.Output)
	}
}

// fleetReport is the optional fleet summary a tool embeds in its JSON
// output under the "fleet" key after applying changes.
type fleetReport struct {
	Fleet *struct {
		Hosts    []protocol.HostMetadata    `json:"hosts"`
		Gateways []protocol.GatewayMetadata `json:"gateways"`
	} `json:"fleet"`
}

// syncFleet uploads the fleet summary from a successful command's
// output, when present. Best-effort: the job already completed.
func (a *Agent) syncFleet(ctx context.Context, output []byte) {
	var report fleetReport
	if err := json.Unmarshal(output, &report); err != nil || report.Fleet == nil {
		return
	}
	if err := a.client.SyncMetadata(ctx, report.Fleet.Hosts, report.Fleet.Gateways); err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("fleet metadata sync failed", "error", err)
		}
	}
}

// decryptSealedInput decrypts the job's sealed ciphertext with the
// matching per-process keypair. Returns a nil bundle for jobs without
// sealed input.
func (a *Agent) decryptSealedInput(job *protocol.Job) (sealed.Bundle, error) {
	if job.SealedCiphertext == "" {
		return nil, nil
	}
	keypair, ok := a.keypairs[job.SealedKeyID]
	if !ok {
		// A restart discards keypairs; sealed jobs created against
		// the previous process cannot be decrypted.
		return nil, fmt.Errorf("sealed input key %s not held by this process", job.SealedKeyID)
	}
	plaintext, err := sealed.Decrypt(keypair, job.SealedCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed input: %w", err)
	}
	defer plaintext.Close()
	bundle, err := sealed.DecodeBundle(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed input: %w", err)
	}
	return bundle, nil
}

// renewLease extends the job lease on a ticker until the job context
// ends. A stale-lease or canceled response cancels the job context.
func (a *Agent) renewLease(ctx context.Context, cancelJob context.CancelFunc, jobID, leaseID string) {
	interval := a.leaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := a.client.HeartbeatJob(ctx, jobID, leaseID, a.leaseTTL)
			if err != nil {
				var apiErr *protocol.APIError
				if errors.As(err, &apiErr) && !apiErr.Retryable() {
					a.logger.Warn("job lease lost", "job_id", jobID, "error", err)
					cancelJob()
					return
				}
				// Transient: the lease may still be valid; keep
				// renewing.
				if ctx.Err() == nil {
					a.logger.Warn("lease renewal failed", "job_id", jobID, "error", err)
				}
				continue
			}
			if status == protocol.JobCanceled || status.Terminal() {
				a.logger.Info("job canceled during execution", "job_id", jobID)
				cancelJob()
				return
			}
		}
	}
}

// completeJob reports the job outcome. output non-nil with an empty
// errorMessage means success; otherwise the job failed with that
// message.
func (a *Agent) completeJob(ctx context.Context, job *protocol.Job, output []byte, errorMessage string) {
	request := protocol.CompleteRequest{
		JobID:   job.ID,
		LeaseID: job.LeaseID,
	}
	if errorMessage == "" {
		request.Status = protocol.JobSucceeded
	} else {
		request.Status = protocol.JobFailed
		masked, _ := redact.Redact(errorMessage)
		request.ErrorMessage = masked
	}

	if len(output) > 0 {
		payload := json.RawMessage(output)
		if !json.Valid(output) {
			// Policy requires --json output, but a misbehaving tool
			// must not make the completion unreportable.
			encoded, err := json.Marshal(string(output))
			if err == nil {
				payload = encoded
			} else {
				payload = nil
			}
		}
		switch job.ResultMode {
		case string(policy.ResultJSONLarge):
			request.CommandResultLargeJSON = payload
		case string(policy.ResultJSONSmall):
			request.CommandResultJSON = payload
		}
	}

	if err := a.client.Complete(ctx, request); err != nil {
		a.logger.Error("completion failed", "job_id", job.ID, "error", err)
		return
	}
	a.appendEvent(ctx, job.RunID, completionLevel(request.Status), "job "+string(request.Status), map[string]any{
		"jobId": job.ID,
	})
}

func completionLevel(status protocol.JobStatus) protocol.EventLevel {
	if status == protocol.JobSucceeded {
		return protocol.LevelInfo
	}
	return protocol.LevelError
}

// appendEvent is best-effort: event log failures never affect job
// outcomes.
func (a *Agent) appendEvent(ctx context.Context, runID string, level protocol.EventLevel, message string, meta map[string]any) {
	event := protocol.Event{
		TS:      a.clock.Now(),
		Level:   level,
		Message: message,
		Meta:    meta,
	}
	if err := a.client.AppendEvents(ctx, runID, []protocol.Event{event}); err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("event append failed", "run_id", runID, "error", err)
		}
	}
}
