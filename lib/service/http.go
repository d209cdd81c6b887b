// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// HTTPServer serves HTTP on a TCP listener. The control plane and the
// runner's loopback submit endpoint both use it. The server manages
// listener lifecycle and graceful shutdown; the caller provides the
// http.Handler (routing, auth, payload processing).
type HTTPServer struct {
	address  string
	listener net.Listener
	handler  http.Handler
	logger   *slog.Logger

	// shutdownTimeout is the maximum time to wait for active
	// requests to complete after the context is cancelled.
	shutdownTimeout time.Duration

	// ready is closed after the listener is bound and the server
	// is accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, available after the
	// server starts accepting connections (after ready is closed).
	addr net.Addr
}

// HTTPServerConfig configures an HTTPServer.
type HTTPServerConfig struct {
	// Address is the TCP listen address (e.g., ":8080",
	// "127.0.0.1:9000"). Required unless Listener is set.
	Address string

	// Listener, when non-nil, is used instead of binding Address.
	// For callers that need the resolved port before Serve runs.
	Listener net.Listener

	// Handler is the HTTP handler for incoming requests. Required.
	Handler http.Handler

	// ShutdownTimeout is the maximum time to wait for in-flight
	// requests to complete during graceful shutdown. Defaults to
	// 10 seconds if zero.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewHTTPServer creates a server that will listen on the configured
// TCP address. Call Serve to start accepting connections.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	if config.Address == "" && config.Listener == nil {
		panic("service.HTTPServer: Address or Listener is required")
	}
	if config.Handler == nil {
		panic("service.HTTPServer: Handler is required")
	}
	if config.Logger == nil {
		panic("service.HTTPServer: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPServer{
		address:         config.Address,
		listener:        config.Listener,
		handler:         config.Handler,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the server is bound
// and accepting connections.
func (s *HTTPServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed. Useful when the configured address uses port 0 (OS-
// assigned port) — the resolved address contains the actual port.
func (s *HTTPServer) Addr() net.Addr {
	return s.addr
}

// Serve starts accepting HTTP connections. Blocks until ctx is
// cancelled, then performs graceful shutdown: stops accepting new
// connections and waits up to ShutdownTimeout for active requests
// to complete.
func (s *HTTPServer) Serve(ctx context.Context) error {
	// Bind the listener early so we can extract the resolved
	// address and signal readiness before entering the serve loop.
	listener := s.listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", s.address)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.address, err)
		}
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Timeouts protect against slow clients holding connections
		// open. WriteTimeout must cover the lease-next long-poll
		// window plus handler overhead.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	// Serve in a goroutine so we can wait for the context.
	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	// Wait for context cancellation or serve error.
	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		if err != nil {
			return err
		}
		return nil
	}

	// Graceful shutdown: stop accepting new connections, wait for
	// in-flight requests to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// --- Bearer token verification ---

// ErrBadToken is returned by VerifyBearerToken for any missing or
// mismatched credential. The message deliberately does not say which.
var ErrBadToken = errors.New("invalid bearer token")

// VerifyBearerToken checks an Authorization header against the
// expected token using a constant-time compare. The header must be
// exactly "Bearer <token>".
func VerifyBearerToken(authorization string, expected []byte) error {
	if len(expected) == 0 {
		return errors.New("bearer token: no expected token configured")
	}
	supplied, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || supplied == "" {
		return ErrBadToken
	}
	if subtle.ConstantTimeCompare([]byte(supplied), expected) != 1 {
		return ErrBadToken
	}
	return nil
}

// TokenFingerprint returns a short BLAKE3 fingerprint of a token,
// safe to log for correlating requests without exposing the
// credential.
func TokenFingerprint(token []byte) string {
	sum := blake3.Sum256(token)
	return hex.EncodeToString(sum[:6])
}
