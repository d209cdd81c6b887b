// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/sealed"
	"github.com/hostwright/hostwright/lib/testutil"
)

// fakeControlPlane is an httptest-backed control plane that hands out
// one job and records what the agent sends back.
type fakeControlPlane struct {
	t *testing.T

	mu  sync.Mutex
	job *protocol.Job

	completed chan protocol.CompleteRequest
	events    chan protocol.AppendEventsRequest
	synced    chan protocol.MetadataSyncRequest
}

func newFakeControlPlane(t *testing.T, job *protocol.Job) (*fakeControlPlane, *httptest.Server) {
	fake := &fakeControlPlane{
		t:         t,
		job:       job,
		completed: make(chan protocol.CompleteRequest, 4),
		events:    make(chan protocol.AppendEventsRequest, 16),
		synced:    make(chan protocol.MetadataSyncRequest, 4),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runner/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{OK: true, RunnerID: "r-1"})
	})
	mux.HandleFunc("POST /runner/jobs/lease-next", func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		job := fake.job
		fake.job = nil
		fake.mu.Unlock()
		json.NewEncoder(w).Encode(protocol.LeaseNextResponse{Job: job})
	})
	mux.HandleFunc("POST /runner/jobs/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.JobHeartbeatResponse{OK: true, Status: protocol.JobRunning})
	})
	mux.HandleFunc("POST /runner/jobs/complete", func(w http.ResponseWriter, r *http.Request) {
		var request protocol.CompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			fake.t.Errorf("decoding complete request: %v", err)
		}
		fake.completed <- request
		json.NewEncoder(w).Encode(protocol.CompleteResponse{OK: true})
	})
	mux.HandleFunc("POST /runner/run-events/append-batch", func(w http.ResponseWriter, r *http.Request) {
		var request protocol.AppendEventsRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			fake.t.Errorf("decoding events request: %v", err)
		}
		fake.events <- request
		json.NewEncoder(w).Encode(protocol.AppendEventsResponse{OK: true})
	})
	mux.HandleFunc("POST /runner/metadata/sync", func(w http.ResponseWriter, r *http.Request) {
		var request protocol.MetadataSyncRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			fake.t.Errorf("decoding metadata sync request: %v", err)
		}
		fake.synced <- request
		json.NewEncoder(w).Encode(protocol.MetadataSyncResponse{OK: true})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return fake, server
}

// fakeExecutor returns a fixed result and records the secrets it was
// handed.
type fakeExecutor struct {
	mu      sync.Mutex
	secrets sealed.Bundle
	result  *ExecResult
}

func (e *fakeExecutor) Execute(ctx context.Context, job *protocol.Job, secrets sealed.Bundle) (*ExecResult, error) {
	e.mu.Lock()
	e.secrets = secrets
	e.mu.Unlock()
	return e.result, nil
}

func deployJob() *protocol.Job {
	return &protocol.Job{
		ID:        "job-1",
		RunID:     "run-1",
		ProjectID: "proj-1",
		Kind:      "deploy",
		Status:    protocol.JobLeased,
		LeaseID:   "lease-1",
		Payload: protocol.Payload{
			Kind:   "deploy",
			Argv:   []string{"deploy", "--host", "alpha", "--json"},
			Deploy: &protocol.DeployPayload{Host: "alpha"},
		},
		ResultMode:     "json_large",
		MaxResultBytes: 256 * 1024,
		MaxAttempts:    3,
	}
}

func newTestAgent(t *testing.T, baseURL string, executor Executor) *Agent {
	t.Helper()
	agent, err := NewAgent(AgentConfig{
		Client:            newTestClient(t, baseURL),
		RunnerName:        "builder-1",
		Version:           "0.1.0-test",
		SealAlgorithms:    []string{sealed.AlgorithmAge},
		Executor:          executor,
		HeartbeatInterval: 50 * time.Millisecond,
		LeaseTTL:          3 * time.Second,
		LeaseWait:         20 * time.Millisecond,
		Clock:             clock.Real(),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewAgent() error: %v", err)
	}
	t.Cleanup(agent.Close)
	return agent
}

func runAgent(t *testing.T, agent *Agent) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "agent did not stop")
	})
	return cancel
}

func TestAgentExecutesLeasedJob(t *testing.T) {
	executor := &fakeExecutor{result: &ExecResult{Output: []byte(`{"deployed":true}`)}}
	fake, server := newFakeControlPlane(t, deployJob())

	agent := newTestAgent(t, server.URL, executor)
	runAgent(t, agent)

	completed := testutil.RequireReceive(t, fake.completed, 5*time.Second, "job never completed")
	if completed.Status != protocol.JobSucceeded {
		t.Errorf("status = %q, want succeeded", completed.Status)
	}
	if completed.JobID != "job-1" || completed.LeaseID != "lease-1" {
		t.Errorf("identity = %s/%s", completed.JobID, completed.LeaseID)
	}
	if string(completed.CommandResultLargeJSON) != `{"deployed":true}` {
		t.Errorf("result = %s", completed.CommandResultLargeJSON)
	}
	if len(completed.CommandResultJSON) != 0 {
		t.Error("small result populated for a json_large job")
	}
}

func TestAgentRejectsPolicyViolation(t *testing.T) {
	job := deployJob()
	job.Payload.Argv = []string{"deploy", "--host", "alpha", "--json", "--force"}
	executor := &fakeExecutor{result: &ExecResult{}}
	fake, server := newFakeControlPlane(t, job)

	agent := newTestAgent(t, server.URL, executor)
	runAgent(t, agent)

	completed := testutil.RequireReceive(t, fake.completed, 5*time.Second, "job never completed")
	if completed.Status != protocol.JobFailed {
		t.Errorf("status = %q, want failed", completed.Status)
	}
	if !strings.Contains(completed.ErrorMessage, "policy violation") {
		t.Errorf("error message = %q", completed.ErrorMessage)
	}

	executor.mu.Lock()
	defer executor.mu.Unlock()
	if executor.secrets != nil {
		t.Error("executor ran despite policy violation")
	}
}

func TestAgentFailedCommandReportsStderr(t *testing.T) {
	executor := &fakeExecutor{result: &ExecResult{ExitCode: 2, Stderr: "connection refused"}}
	fake, server := newFakeControlPlane(t, deployJob())

	agent := newTestAgent(t, server.URL, executor)
	runAgent(t, agent)

	completed := testutil.RequireReceive(t, fake.completed, 5*time.Second, "job never completed")
	if completed.Status != protocol.JobFailed {
		t.Errorf("status = %q, want failed", completed.Status)
	}
	if !strings.Contains(completed.ErrorMessage, "exited 2") ||
		!strings.Contains(completed.ErrorMessage, "connection refused") {
		t.Errorf("error message = %q", completed.ErrorMessage)
	}
}

func TestAgentDecryptsSealedInput(t *testing.T) {
	executor := &fakeExecutor{result: &ExecResult{Output: []byte(`{"written":1}`)}}

	job := &protocol.Job{
		ID:        "job-2",
		RunID:     "run-2",
		ProjectID: "proj-1",
		Kind:      "secrets-write",
		Status:    protocol.JobLeased,
		LeaseID:   "lease-2",
		Payload: protocol.Payload{
			Kind:         "secrets-write",
			Argv:         []string{"secrets", "write", "--host", "alpha", "--json"},
			SecretsWrite: &protocol.SecretsWritePayload{Host: "alpha", Scope: "db"},
		},
		ResultMode:     "json_small",
		MaxResultBytes: 16 * 1024,
	}
	fake, server := newFakeControlPlane(t, nil)

	agent := newTestAgent(t, server.URL, executor)

	// Seal a bundle against the agent's advertised key, the way the
	// operator CLI does.
	key := agent.Capabilities().SealKeyFor(sealed.AlgorithmAge)
	if key == nil {
		t.Fatal("agent advertises no age key")
	}
	plaintext, err := sealed.EncodeBundle(sealed.Bundle{"db_password": "hunter2"})
	if err != nil {
		t.Fatalf("EncodeBundle() error: %v", err)
	}
	ciphertext, err := sealed.Encrypt(key.Algorithm, key.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	job.SealedCiphertext = ciphertext
	job.SealedAlgorithm = key.Algorithm
	job.SealedKeyID = key.KeyID

	fake.mu.Lock()
	fake.job = job
	fake.mu.Unlock()

	runAgent(t, agent)

	completed := testutil.RequireReceive(t, fake.completed, 5*time.Second, "job never completed")
	if completed.Status != protocol.JobSucceeded {
		t.Fatalf("status = %q (%s)", completed.Status, completed.ErrorMessage)
	}

	executor.mu.Lock()
	defer executor.mu.Unlock()
	if executor.secrets["db_password"] != "hunter2" {
		t.Errorf("executor secrets = %v", executor.secrets)
	}
}

func TestAgentSyncsFleetFromOutput(t *testing.T) {
	output := `{"deployed":true,"fleet":{"hosts":[{"name":"alpha","gateway":"edge","hasSecrets":true}],"gateways":[{"name":"edge","endpoint":"10.0.0.1:22"}]}}`
	executor := &fakeExecutor{result: &ExecResult{Output: []byte(output)}}
	fake, server := newFakeControlPlane(t, deployJob())

	agent := newTestAgent(t, server.URL, executor)
	runAgent(t, agent)

	synced := testutil.RequireReceive(t, fake.synced, 5*time.Second, "fleet never synced")
	if synced.ProjectID != "proj-1" {
		t.Errorf("project = %q", synced.ProjectID)
	}
	if len(synced.Hosts) != 1 || synced.Hosts[0].Name != "alpha" || !synced.Hosts[0].HasSecrets {
		t.Errorf("hosts = %+v", synced.Hosts)
	}
	if len(synced.Gateways) != 1 || synced.Gateways[0].Endpoint != "10.0.0.1:22" {
		t.Errorf("gateways = %+v", synced.Gateways)
	}
}

func TestAgentFailsSealedJobWithForeignKey(t *testing.T) {
	job := deployJob()
	job.SealedCiphertext = "irrelevant"
	job.SealedAlgorithm = sealed.AlgorithmAge
	job.SealedKeyID = "0123456789abcdef0123456789abcdef"

	executor := &fakeExecutor{result: &ExecResult{}}
	fake, server := newFakeControlPlane(t, job)

	agent := newTestAgent(t, server.URL, executor)
	runAgent(t, agent)

	completed := testutil.RequireReceive(t, fake.completed, 5*time.Second, "job never completed")
	if completed.Status != protocol.JobFailed {
		t.Errorf("status = %q, want failed", completed.Status)
	}
	if !strings.Contains(completed.ErrorMessage, "not held by this process") {
		t.Errorf("error message = %q", completed.ErrorMessage)
	}
}
