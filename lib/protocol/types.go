// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON wire types shared by the control
// plane, the runner agent, and the operator CLI: run/job statuses, the
// job payload union, runner capabilities, run events, and the
// request/response bodies of every endpoint. The package has no
// behavior beyond validation helpers; both sides marshal these types
// with encoding/json.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a run. Terminal statuses are
// never left once entered.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job. A job in sealed_pending
// is waiting for its sealed input to be finalized and cannot be
// leased.
type JobStatus string

const (
	JobSealedPending JobStatus = "sealed_pending"
	JobQueued        JobStatus = "queued"
	JobLeased        JobStatus = "leased"
	JobRunning       JobStatus = "running"
	JobSucceeded     JobStatus = "succeeded"
	JobFailed        JobStatus = "failed"
	JobCanceled      JobStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	}
	return false
}

// EventLevel is the severity of a run event.
type EventLevel string

const (
	LevelDebug EventLevel = "debug"
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Run is a user-visible unit of work. Status is derived from the
// underlying job by the control plane; runners never write it
// directly.
type Run struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	Kind         string    `json:"kind"`
	Title        string    `json:"title"`
	Status       RunStatus `json:"status"`
	Host         string    `json:"host,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Job is the leasable unit of execution. Lease fields are only
// populated on the wire when the job is handed to the runner that
// holds the lease.
type Job struct {
	ID           string    `json:"id"`
	RunID        string    `json:"runId"`
	ProjectID    string    `json:"projectId"`
	Kind         string    `json:"kind"`
	Status       JobStatus `json:"status"`
	TargetRunner string    `json:"targetRunner,omitempty"`

	LeaseID        string    `json:"leaseId,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"maxAttempts"`

	Payload Payload `json:"payload"`

	SealedCiphertext string `json:"sealedCiphertext,omitempty"`
	SealedAlgorithm  string `json:"sealedAlgorithm,omitempty"`
	SealedKeyID      string `json:"sealedKeyId,omitempty"`

	ResultMode     string `json:"resultMode"`
	MaxResultBytes int    `json:"maxResultBytes"`

	ErrorMessage string          `json:"errorMessage,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Payload is the job's execution metadata: the literal argument
// vector plus one kind-specific variant. Exactly one variant pointer
// is set, and it must agree with Kind.
type Payload struct {
	Kind string   `json:"kind"`
	Argv []string `json:"argv"`

	ProjectInit     *ProjectInitPayload     `json:"projectInit,omitempty"`
	Bootstrap       *BootstrapPayload       `json:"bootstrap,omitempty"`
	Deploy          *DeployPayload          `json:"deploy,omitempty"`
	SecretsWrite    *SecretsWritePayload    `json:"secretsWrite,omitempty"`
	InfraApply      *InfraApplyPayload      `json:"infraApply,omitempty"`
	GatewayDiagnose *GatewayDiagnosePayload `json:"gatewayDiagnose,omitempty"`
}

// ProjectInitPayload initializes a project working directory on the
// runner host.
type ProjectInitPayload struct {
	Dir  string `json:"dir"`
	Host string `json:"host"`
}

// BootstrapPayload provisions a host from scratch.
type BootstrapPayload struct {
	Host string `json:"host"`
	Mode string `json:"mode,omitempty"`
}

// DeployPayload pushes the current configuration to a host.
type DeployPayload struct {
	Host string `json:"host"`
	Note string `json:"note,omitempty"`
}

// SecretsWritePayload writes sealed secret values into a host's
// secret scope. The values themselves travel as sealed input, never
// in the payload.
type SecretsWritePayload struct {
	Host  string `json:"host"`
	Scope string `json:"scope"`
}

// InfraApplyPayload applies infrastructure-level changes (DNS,
// gateway wiring) for a host.
type InfraApplyPayload struct {
	Host string `json:"host"`
	Note string `json:"note,omitempty"`
}

// GatewayDiagnosePayload runs connectivity diagnostics against a
// gateway.
type GatewayDiagnosePayload struct {
	Gateway string `json:"gateway"`
}

// Validate checks that exactly one variant is set and that it matches
// Kind, and that an argument vector is present.
func (p *Payload) Validate() error {
	if len(p.Argv) == 0 {
		return fmt.Errorf("protocol: payload has no argv")
	}
	variants := map[string]bool{
		"project-init":     p.ProjectInit != nil,
		"bootstrap":        p.Bootstrap != nil,
		"deploy":           p.Deploy != nil,
		"secrets-write":    p.SecretsWrite != nil,
		"infra-apply":      p.InfraApply != nil,
		"gateway-diagnose": p.GatewayDiagnose != nil,
	}
	matched, known := variants[p.Kind]
	if !known {
		return fmt.Errorf("protocol: unknown payload kind %q", p.Kind)
	}
	if !matched {
		return fmt.Errorf("protocol: payload kind %q has no matching variant", p.Kind)
	}
	count := 0
	for _, set := range variants {
		if set {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("protocol: payload has %d variants set, want exactly 1", count)
	}
	return nil
}

// SealKey is one sealing keypair a runner advertises: the algorithm,
// the public half, and the derived key ID. The private half never
// leaves the runner process.
type SealKey struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	KeyID     string `json:"keyId"`
}

// SubmitEndpoint describes a runner's optional loopback submit
// listener: a local caller holding the nonce may push a plaintext
// payload directly to the runner, bypassing the control plane.
type SubmitEndpoint struct {
	Port  int    `json:"port"`
	Nonce string `json:"nonce"`
}

// Capabilities is the capability set a runner advertises on every
// presence heartbeat.
type Capabilities struct {
	SealKeys   []SealKey       `json:"sealKeys,omitempty"`
	InfraApply bool            `json:"infraApply,omitempty"`
	Submit     *SubmitEndpoint `json:"submit,omitempty"`
}

// SealKeyFor returns the advertised key for an algorithm, or nil.
func (c *Capabilities) SealKeyFor(algorithm string) *SealKey {
	if c == nil {
		return nil
	}
	for i := range c.SealKeys {
		if c.SealKeys[i].Algorithm == algorithm {
			return &c.SealKeys[i]
		}
	}
	return nil
}

// Event is one run log entry. Messages are redacted and size-capped
// by the control plane before storage; Redacted records whether the
// redaction pass changed the message, so consumers can audit that
// something was masked without seeing it.
type Event struct {
	TS       time.Time      `json:"ts"`
	Level    EventLevel     `json:"level"`
	Message  string         `json:"message"`
	Meta     map[string]any `json:"meta,omitempty"`
	Redacted bool           `json:"redacted,omitempty"`
}

// Runner is the fleet view of one agent. Status is presence-based:
// online iff the last heartbeat is within the liveness window.
type Runner struct {
	ProjectID    string        `json:"projectId"`
	Name         string        `json:"name"`
	RunnerID     string        `json:"runnerId"`
	Version      string        `json:"version,omitempty"`
	LastSeenAt   time.Time     `json:"lastSeenAt"`
	Status       string        `json:"status"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// HeartbeatRequest announces runner presence. POST /runner/heartbeat.
type HeartbeatRequest struct {
	ProjectID    string        `json:"projectId"`
	RunnerName   string        `json:"runnerName"`
	Version      string        `json:"version,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// HeartbeatResponse carries the stable runner ID assigned by the
// control plane.
type HeartbeatResponse struct {
	OK       bool   `json:"ok"`
	RunnerID string `json:"runnerId"`
}

// LeaseNextRequest asks for the oldest eligible queued job. A wait
// window makes the call long-poll server-side before returning an
// empty response. POST /runner/jobs/lease-next.
type LeaseNextRequest struct {
	ProjectID      string `json:"projectId"`
	RunnerID       string `json:"runnerId"`
	LeaseTTLMillis int64  `json:"leaseTtlMs,omitempty"`
	WaitMillis     int64  `json:"waitMs,omitempty"`
	WaitPollMillis int64  `json:"waitPollMs,omitempty"`
}

// LeaseNextResponse returns the leased job, or a nil Job when nothing
// was eligible within the wait window.
type LeaseNextResponse struct {
	Job         *Job  `json:"job"`
	WaitApplied int64 `json:"waitApplied,omitempty"`
}

// JobHeartbeatRequest renews a lease. POST /runner/jobs/heartbeat.
type JobHeartbeatRequest struct {
	ProjectID      string `json:"projectId"`
	JobID          string `json:"jobId"`
	LeaseID        string `json:"leaseId"`
	LeaseTTLMillis int64  `json:"leaseTtlMs,omitempty"`
}

// JobHeartbeatResponse reports the job's current status so the runner
// can observe advisory cancellation between steps.
type JobHeartbeatResponse struct {
	OK     bool      `json:"ok"`
	Status JobStatus `json:"status"`
}

// CompleteRequest reports a terminal job outcome. Small results go in
// CommandResultJSON; kinds with a json_large result spec use
// CommandResultLargeJSON instead. POST /runner/jobs/complete.
type CompleteRequest struct {
	ProjectID              string          `json:"projectId"`
	JobID                  string          `json:"jobId"`
	LeaseID                string          `json:"leaseId"`
	Status                 JobStatus       `json:"status"`
	ErrorMessage           string          `json:"errorMessage,omitempty"`
	CommandResultJSON      json.RawMessage `json:"commandResultJson,omitempty"`
	CommandResultLargeJSON json.RawMessage `json:"commandResultLargeJson,omitempty"`
}

// CompleteResponse acknowledges completion.
type CompleteResponse struct {
	OK bool `json:"ok"`
}

// AppendEventsRequest appends a batch of run events.
// POST /runner/run-events/append-batch.
type AppendEventsRequest struct {
	ProjectID string  `json:"projectId"`
	RunID     string  `json:"runId"`
	Events    []Event `json:"events"`
}

// AppendEventsResponse acknowledges the batch.
type AppendEventsResponse struct {
	OK bool `json:"ok"`
}

// HostMetadata is one host in the fleet summary a runner syncs after
// applying changes.
type HostMetadata struct {
	Name       string `json:"name"`
	Gateway    string `json:"gateway,omitempty"`
	HasSecrets bool   `json:"hasSecrets,omitempty"`
}

// GatewayMetadata is one gateway in the fleet summary.
type GatewayMetadata struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint,omitempty"`
}

// MetadataSyncRequest uploads the runner's view of the fleet: hosts,
// gateways, and which hosts have secret wiring.
// POST /runner/metadata/sync.
type MetadataSyncRequest struct {
	ProjectID string            `json:"projectId"`
	Hosts     []HostMetadata    `json:"hosts,omitempty"`
	Gateways  []GatewayMetadata `json:"gateways,omitempty"`
}

// MetadataSyncResponse acknowledges the sync.
type MetadataSyncResponse struct {
	OK bool `json:"ok"`
}

// FleetResponse is the project's last-synced fleet summary.
// GET /api/fleet.
type FleetResponse struct {
	Hosts    []HostMetadata    `json:"hosts,omitempty"`
	Gateways []GatewayMetadata `json:"gateways,omitempty"`
}

// CreateRunRequest creates a run and its job. When SealedInput is
// set, the job starts in sealed_pending and the response carries a
// reservation the caller encrypts against. POST /api/runs.
type CreateRunRequest struct {
	ProjectID    string  `json:"projectId"`
	Kind         string  `json:"kind"`
	Title        string  `json:"title"`
	Host         string  `json:"host,omitempty"`
	TargetRunner string  `json:"targetRunner,omitempty"`
	Payload      Payload `json:"payload"`
	SealedInput  bool    `json:"sealedInput,omitempty"`
	MaxAttempts  int     `json:"maxAttempts,omitempty"`
}

// SealedReservation is the public half of a sealed-input reservation:
// the caller encrypts under PublicKey and finalizes with the same
// KeyID and Algorithm before ExpiresAt. Single-use.
type SealedReservation struct {
	KeyID     string    `json:"keyId"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"publicKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateRunResponse returns the new run and job IDs, plus the sealed
// reservation when one was requested.
type CreateRunResponse struct {
	RunID       string             `json:"runId"`
	JobID       string             `json:"jobId"`
	Reservation *SealedReservation `json:"reservation,omitempty"`
}

// FinalizeSealedInputRequest attaches ciphertext to a sealed_pending
// job. Key ID and algorithm must match the reservation exactly or the
// call fails closed. POST /api/jobs/{id}/sealed-input.
type FinalizeSealedInputRequest struct {
	KeyID      string `json:"keyId"`
	Algorithm  string `json:"algorithm"`
	Ciphertext string `json:"ciphertext"`
}

// FinalizeSealedInputResponse acknowledges the finalize.
type FinalizeSealedInputResponse struct {
	OK bool `json:"ok"`
}

// RunStatusResponse is the producer view of one run.
// GET /api/runs/{id}.
type RunStatusResponse struct {
	Run Run  `json:"run"`
	Job *Job `json:"job,omitempty"`
}

// RunEventsResponse is a page of run events in display order.
// GET /api/runs/{id}/events.
type RunEventsResponse struct {
	Events []Event `json:"events"`

	// NextAfter is the cursor to pass as ?after= on the next tail
	// request. Zero when no events were returned.
	NextAfter int64 `json:"nextAfter,omitempty"`
}

// CancelRunResponse acknowledges a run cancellation.
type CancelRunResponse struct {
	OK bool `json:"ok"`
}

// RunnersResponse lists the fleet with presence-based status.
// GET /api/runners.
type RunnersResponse struct {
	Runners []Runner `json:"runners"`
}
