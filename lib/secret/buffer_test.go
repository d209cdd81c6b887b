// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("super-secret-token")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "super-secret-token" {
		t.Errorf("String() = %q, want super-secret-token", got)
	}

	for i, b := range source {
		if b != 0 {
			t.Fatalf("source[%d] = %d, want 0 (caller copy must be zeroed)", i, b)
		}
	}
}

func TestCloseIdempotentAndGuarded(t *testing.T) {
	buffer, err := NewFromBytes([]byte("short-lived"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestNewFromReader(t *testing.T) {
	buffer, err := NewFromReader(bytes.NewReader([]byte("0123456789abcdef")), 16)
	if err != nil {
		t.Fatalf("NewFromReader() error: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 16 {
		t.Errorf("Len() = %d, want 16", buffer.Len())
	}
	if got := buffer.String(); got != "0123456789abcdef" {
		t.Errorf("String() = %q, want 0123456789abcdef", got)
	}
}

func TestNewFromReaderShortRead(t *testing.T) {
	if _, err := NewFromReader(bytes.NewReader([]byte("abc")), 16); err == nil {
		t.Error("NewFromReader() with short source succeeded, want error")
	}
}

func TestReadFromPathTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  hw1_runner_token\n"), 0600); err != nil {
		t.Fatalf("writing token file: %v", err)
	}

	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath() error: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "hw1_runner_token" {
		t.Errorf("String() = %q, want hw1_runner_token", got)
	}
}

func TestReadFromPathEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("   \n"), 0600); err != nil {
		t.Fatalf("writing token file: %v", err)
	}

	if _, err := ReadFromPath(path); err == nil {
		t.Error("ReadFromPath() on whitespace-only file succeeded, want error")
	}
}
