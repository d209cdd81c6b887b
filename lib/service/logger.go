// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the shared pieces of Hostwright's service
// binaries: the standard structured logger and an HTTP server with
// lifecycle management and bearer-token verification.
package service

import (
	"log/slog"
	"os"
)

// NewLogger creates the standard Hostwright service logger: a JSON
// handler writing to stderr at Info level. It is installed as the
// default slog logger so that third-party code using slog.Info etc.
// gets the same output format.
func NewLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}
