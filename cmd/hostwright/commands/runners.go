// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/hostwright/hostwright/cmd/hostwright/cli"
)

func runnersCommand() *cli.Command {
	session := &sessionFlags{}

	return &cli.Command{
		Name:    "runners",
		Summary: "List the project's runners and their liveness",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("runners", pflag.ContinueOnError)
			session.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			client, cleanup, err := session.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			runners, err := client.Runners(context.Background())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tVERSION\tLAST SEEN\tSEAL KEYS\tINFRA APPLY")
			for _, r := range runners {
				var algorithms []string
				infraApply := false
				if r.Capabilities != nil {
					for _, key := range r.Capabilities.SealKeys {
						algorithms = append(algorithms, key.Algorithm)
					}
					infraApply = r.Capabilities.InfraApply
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\n",
					r.Name,
					r.Status,
					r.Version,
					r.LastSeenAt.Local().Format("2006-01-02 15:04:05"),
					strings.Join(algorithms, ","),
					infraApply,
				)
			}
			return tw.Flush()
		},
	}
}

func fleetCommand() *cli.Command {
	session := &sessionFlags{}

	return &cli.Command{
		Name:    "fleet",
		Summary: "Show the project's last-synced fleet summary",
		Description: `
Prints the host and gateway summary the runner uploaded after its most
recent successful mutating run.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("fleet", pflag.ContinueOnError)
			session.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			client, cleanup, err := session.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			fleet, err := client.Fleet(context.Background())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HOST\tGATEWAY\tSECRETS")
			for _, host := range fleet.Hosts {
				fmt.Fprintf(tw, "%s\t%s\t%v\n", host.Name, host.Gateway, host.HasSecrets)
			}
			for _, gateway := range fleet.Gateways {
				fmt.Fprintf(tw, "%s\t(gateway %s)\t\n", gateway.Name, gateway.Endpoint)
			}
			return tw.Flush()
		},
	}
}
