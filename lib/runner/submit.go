// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hostwright/hostwright/lib/clock"
	"github.com/hostwright/hostwright/lib/policy"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/service"
)

// defaultNonceTTL bounds how long the submit nonce stays usable after
// process start.
const defaultNonceTTL = 5 * time.Minute

// SubmitRequest is a local plaintext job submission.
type SubmitRequest struct {
	Nonce   string           `json:"nonce"`
	Payload protocol.Payload `json:"payload"`
}

// SubmitResponse is the synchronous outcome of a local submission.
type SubmitResponse struct {
	OK       bool            `json:"ok"`
	ExitCode int             `json:"exitCode"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SubmitServerConfig configures a SubmitServer.
type SubmitServerConfig struct {
	// Port is the loopback port. 0 lets the OS pick.
	Port int

	// Executor runs submitted commands. Required.
	Executor Executor

	// Clock drives nonce expiry. Required.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger

	// NonceTTL overrides the default nonce lifetime when non-zero.
	NonceTTL time.Duration
}

// SubmitServer is the runner's loopback-only submission endpoint. A
// local caller holding the single-use nonce can push a plaintext
// payload directly to the runner, bypassing the control plane
// entirely. The payload still passes policy validation; the nonce is
// rejected on reuse and after expiry.
//
// The listener binds at construction so the resolved port and the
// nonce can be advertised in runner capabilities before Serve runs.
type SubmitServer struct {
	listener net.Listener
	server   *service.HTTPServer
	executor Executor
	clock    clock.Clock
	logger   *slog.Logger

	nonce   string
	expires time.Time

	mu   sync.Mutex
	used bool
}

// NewSubmitServer binds the loopback listener and generates the
// single-use nonce.
func NewSubmitServer(config SubmitServerConfig) (*SubmitServer, error) {
	if config.Executor == nil {
		return nil, fmt.Errorf("runner: Executor is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("runner: Clock is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("runner: Logger is required")
	}

	nonceTTL := config.NonceTTL
	if nonceTTL == 0 {
		nonceTTL = defaultNonceTTL
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generating submit nonce: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", config.Port))
	if err != nil {
		return nil, fmt.Errorf("binding submit listener: %w", err)
	}

	s := &SubmitServer{
		listener: listener,
		executor: config.Executor,
		clock:    config.Clock,
		logger:   config.Logger,
		nonce:    hex.EncodeToString(nonceBytes),
		expires:  config.Clock.Now().Add(nonceTTL),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", s.handleSubmit)
	s.server = service.NewHTTPServer(service.HTTPServerConfig{
		Listener: listener,
		Handler:  mux,
		Logger:   config.Logger,
	})
	return s, nil
}

// Endpoint returns the capability advertisement for this listener.
func (s *SubmitServer) Endpoint() *protocol.SubmitEndpoint {
	return &protocol.SubmitEndpoint{
		Port:  s.listener.Addr().(*net.TCPAddr).Port,
		Nonce: s.nonce,
	}
}

// Serve runs the listener until ctx is cancelled.
func (s *SubmitServer) Serve(ctx context.Context) error {
	return s.server.Serve(ctx)
}

// Ready returns a channel that is closed once the server is accepting
// connections.
func (s *SubmitServer) Ready() <-chan struct{} {
	return s.server.Ready()
}

// consumeNonce validates and burns the nonce. Fail-closed: any
// mismatch, reuse, or expiry rejects without distinguishing which.
func (s *SubmitServer) consumeNonce(supplied string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return false
	}
	if s.clock.Now().After(s.expires) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.nonce)) != 1 {
		return false
	}
	s.used = true
	return true
}

func (s *SubmitServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var request SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "malformed submission", http.StatusBadRequest)
		return
	}

	if !s.consumeNonce(request.Nonce) {
		s.logger.Warn("submit nonce rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid nonce", http.StatusForbidden)
		return
	}

	if err := request.Payload.Validate(); err != nil {
		writeSubmitError(w, fmt.Sprintf("invalid payload: %v", err))
		return
	}
	if err := policy.Validate(request.Payload.Kind, request.Payload.Argv); err != nil {
		writeSubmitError(w, fmt.Sprintf("policy violation: %v", err))
		return
	}

	spec, err := policy.ResultSpec(request.Payload.Kind)
	if err != nil {
		writeSubmitError(w, err.Error())
		return
	}

	// Local submissions carry no sealed input: the caller is on the
	// same host and can pass secrets to the tool directly.
	job := &protocol.Job{
		ID:             "local-" + request.Nonce[:8],
		Kind:           request.Payload.Kind,
		Payload:        request.Payload,
		ResultMode:     string(spec.Mode),
		MaxResultBytes: spec.MaxBytes,
	}
	result, err := s.executor.Execute(r.Context(), job, nil)
	if err != nil {
		writeSubmitError(w, err.Error())
		return
	}

	response := SubmitResponse{
		OK:       result.ExitCode == 0,
		ExitCode: result.ExitCode,
	}
	if result.ExitCode != 0 {
		response.Error = result.Stderr
	}
	if len(result.Output) > 0 && json.Valid(result.Output) {
		response.Output = result.Output
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func writeSubmitError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(SubmitResponse{Error: message})
}
