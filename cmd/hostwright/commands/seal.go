// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hostwright/hostwright/cmd/hostwright/cli"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/sealed"
)

func sealCommand() *cli.Command {
	session := &sessionFlags{}
	payload := &payloadFlags{}
	var secretNames []string
	var follow bool

	return &cli.Command{
		Name:    "seal",
		Summary: "Create a run with sealed secret input",
		Usage:   "hostwright seal --kind KIND --target-runner RUNNER --secret NAME [flags] -- ARGV...",
		Description: `
Creates a sealed-input run: the control plane reserves the target
runner's sealing key, each named secret value is prompted without
echo, and the bundle is encrypted locally before upload. The control
plane only ever stores ciphertext it cannot read.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("seal", pflag.ContinueOnError)
			session.register(flagSet)
			payload.register(flagSet)
			flagSet.StringArrayVar(&secretNames, "secret", nil, "secret name to prompt for (repeatable)")
			flagSet.BoolVar(&follow, "follow", false, "tail run events until the run finishes")
			return flagSet
		},
		Run: func(args []string) error {
			if payload.targetRunner == "" {
				return fmt.Errorf("--target-runner is required for sealed input")
			}
			if len(secretNames) == 0 {
				return fmt.Errorf("at least one --secret name is required")
			}
			request, err := payload.buildRequest(args)
			if err != nil {
				return err
			}
			request.SealedInput = true

			// Collect secret values before creating the run so an
			// aborted prompt leaves nothing behind on the control
			// plane.
			bundle := sealed.Bundle{}
			for _, name := range secretNames {
				value, err := promptSecret(name)
				if err != nil {
					return err
				}
				bundle[name] = value
			}

			client, cleanup, err := session.newClient()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			created, err := client.CreateRun(ctx, request)
			if err != nil {
				return err
			}
			if created.Reservation == nil {
				return fmt.Errorf("control plane returned no sealing reservation")
			}

			plaintext, err := sealed.EncodeBundle(bundle)
			if err != nil {
				return err
			}
			ciphertext, err := sealed.Encrypt(created.Reservation.Algorithm, created.Reservation.PublicKey, plaintext)
			if err != nil {
				return err
			}
			err = client.FinalizeSealedInput(ctx, created.JobID, protocol.FinalizeSealedInputRequest{
				KeyID:      created.Reservation.KeyID,
				Algorithm:  created.Reservation.Algorithm,
				Ciphertext: ciphertext,
			})
			if err != nil {
				return err
			}
			fmt.Printf("run %s created with sealed input for %s (job %s)\n",
				created.RunID, payload.targetRunner, created.JobID)

			if follow {
				return followRun(ctx, client, created.RunID)
			}
			return nil
		},
	}
}

// promptSecret reads one secret value from the terminal without echo.
func promptSecret(name string) (string, error) {
	fmt.Fprintf(os.Stderr, "value for %s: ", name)
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", name, err)
	}
	if len(value) == 0 {
		return "", fmt.Errorf("secret %s is empty", name)
	}
	return string(value), nil
}
