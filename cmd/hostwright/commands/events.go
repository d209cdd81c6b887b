// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/hostwright/hostwright/cmd/hostwright/cli"
)

func eventsCommand() *cli.Command {
	session := &sessionFlags{}
	var follow bool

	return &cli.Command{
		Name:    "events",
		Summary: "Show the event log of a run",
		Usage:   "hostwright events [flags] RUN_ID",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("events", pflag.ContinueOnError)
			session.register(flagSet)
			flagSet.BoolVar(&follow, "follow", false, "keep tailing until the run finishes")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one run ID required")
			}
			client, cleanup, err := session.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			if follow {
				return followRun(ctx, client, args[0])
			}
			page, err := client.RunEvents(ctx, args[0], 0)
			if err != nil {
				return err
			}
			for _, event := range page.Events {
				printEvent(event)
			}
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	session := &sessionFlags{}

	return &cli.Command{
		Name:    "cancel",
		Summary: "Request cancellation of a run",
		Usage:   "hostwright cancel [flags] RUN_ID",
		Description: `
Cancellation is advisory: a job that is already executing finishes its
current command, but its completion is no longer accepted and the run
is marked canceled.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("cancel", pflag.ContinueOnError)
			session.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one run ID required")
			}
			client, cleanup, err := session.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := client.CancelRun(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("run %s canceled\n", args[0])
			return nil
		},
	}
}
