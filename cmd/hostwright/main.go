// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Command hostwright is the operator CLI for the Hostwright control
// plane.
package main

import (
	"fmt"
	"os"

	"github.com/hostwright/hostwright/cmd/hostwright/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
