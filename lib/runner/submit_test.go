// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/testutil"
)

func startSubmitServer(t *testing.T, clk clock.Clock, executor Executor) *SubmitServer {
	t.Helper()
	server, err := NewSubmitServer(SubmitServerConfig{
		Executor: executor,
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewSubmitServer() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "submit server did not stop")
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "submit server never ready")
	return server
}

func postSubmit(t *testing.T, server *SubmitServer, request SubmitRequest) (*http.Response, SubmitResponse) {
	t.Helper()
	body, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	endpoint := server.Endpoint()
	url := fmt.Sprintf("http://127.0.0.1:%d/submit", endpoint.Port)
	response, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer response.Body.Close()
	var decoded SubmitResponse
	json.NewDecoder(response.Body).Decode(&decoded)
	return response, decoded
}

func deployPayload() protocol.Payload {
	return protocol.Payload{
		Kind:   "deploy",
		Argv:   []string{"deploy", "--host", "alpha", "--json"},
		Deploy: &protocol.DeployPayload{Host: "alpha"},
	}
}

func TestSubmitNonceIsSingleUse(t *testing.T) {
	executor := &fakeExecutor{result: &ExecResult{Output: []byte(`{"deployed":true}`)}}
	server := startSubmitServer(t, clock.Real(), executor)
	nonce := server.Endpoint().Nonce

	response, decoded := postSubmit(t, server, SubmitRequest{Nonce: nonce, Payload: deployPayload()})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", response.StatusCode)
	}
	if !decoded.OK || string(decoded.Output) != `{"deployed":true}` {
		t.Errorf("response = %+v", decoded)
	}

	// Reuse is rejected even with the correct nonce.
	response, _ = postSubmit(t, server, SubmitRequest{Nonce: nonce, Payload: deployPayload()})
	if response.StatusCode != http.StatusForbidden {
		t.Errorf("reuse status = %d, want 403", response.StatusCode)
	}
}

func TestSubmitRejectsWrongNonce(t *testing.T) {
	executor := &fakeExecutor{result: &ExecResult{}}
	server := startSubmitServer(t, clock.Real(), executor)

	response, _ := postSubmit(t, server, SubmitRequest{Nonce: "wrong", Payload: deployPayload()})
	if response.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", response.StatusCode)
	}

	// The real nonce is still usable after a failed guess.
	response, _ = postSubmit(t, server, SubmitRequest{Nonce: server.Endpoint().Nonce, Payload: deployPayload()})
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", response.StatusCode)
	}
}

func TestSubmitNonceExpires(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	executor := &fakeExecutor{result: &ExecResult{}}
	server := startSubmitServer(t, fakeClock, executor)

	fakeClock.Advance(defaultNonceTTL + time.Second)

	response, _ := postSubmit(t, server, SubmitRequest{Nonce: server.Endpoint().Nonce, Payload: deployPayload()})
	if response.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", response.StatusCode)
	}
}

func TestSubmitEnforcesPolicy(t *testing.T) {
	executor := &fakeExecutor{result: &ExecResult{}}
	server := startSubmitServer(t, clock.Real(), executor)

	payload := deployPayload()
	payload.Argv = []string{"rm", "-rf", "/"}
	response, decoded := postSubmit(t, server, SubmitRequest{Nonce: server.Endpoint().Nonce, Payload: payload})
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
	if decoded.Error == "" {
		t.Error("expected an error message")
	}
}
