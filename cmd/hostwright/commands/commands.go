// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the hostwright CLI command tree.
package commands

import (
	"github.com/hostwright/hostwright/cmd/hostwright/cli"
	"github.com/hostwright/hostwright/lib/version"
)

// Root returns the top-level hostwright command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "hostwright",
		Summary: "Operate remote hosts through the Hostwright control plane",
		Description: `
hostwright enqueues operations runs (deploys, bootstraps, secret
writes) on the control plane, tails their event logs, and inspects the
runner fleet. Secrets are sealed client-side against the target
runner's key: the control plane only ever stores ciphertext.`,
		Subcommands: []*cli.Command{
			runCommand(),
			eventsCommand(),
			runnersCommand(),
			fleetCommand(),
			sealCommand(),
			cancelCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			version.Print("hostwright")
			return nil
		},
	}
}
