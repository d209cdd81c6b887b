// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/hostwright/hostwright/cmd/hostwright/cli"
	"github.com/hostwright/hostwright/lib/policy"
	"github.com/hostwright/hostwright/lib/protocol"
	"github.com/hostwright/hostwright/lib/runner"
)

// followPollInterval spaces out status and event polls while tailing
// a run.
const followPollInterval = time.Second

// payloadFlags collect the kind-specific payload fields.
type payloadFlags struct {
	kind         string
	title        string
	host         string
	targetRunner string
	maxAttempts  int

	dir     string
	mode    string
	note    string
	scope   string
	gateway string
}

func (f *payloadFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.kind, "kind", "", fmt.Sprintf("job kind %v", policy.Kinds()))
	flagSet.StringVar(&f.title, "title", "", "run title shown in listings")
	flagSet.StringVar(&f.host, "host", "", "target host")
	flagSet.StringVar(&f.targetRunner, "target-runner", "", "pin the job to one runner")
	flagSet.IntVar(&f.maxAttempts, "max-attempts", 0, "lease attempts before the job fails (default 3)")
	flagSet.StringVar(&f.dir, "dir", "", "project directory (project-init)")
	flagSet.StringVar(&f.mode, "mode", "", "bootstrap mode (bootstrap)")
	flagSet.StringVar(&f.note, "note", "", "operator note (deploy, infra-apply)")
	flagSet.StringVar(&f.scope, "scope", "", "secret scope (secrets-write)")
	flagSet.StringVar(&f.gateway, "gateway", "", "gateway name (gateway-diagnose)")
}

// buildRequest assembles a CreateRunRequest from the flags and the
// argv that followed "--" on the command line.
func (f *payloadFlags) buildRequest(argv []string) (protocol.CreateRunRequest, error) {
	if f.kind == "" {
		return protocol.CreateRunRequest{}, fmt.Errorf("--kind is required")
	}
	if len(argv) == 0 {
		return protocol.CreateRunRequest{}, fmt.Errorf("command argv required after --")
	}

	payload := protocol.Payload{Kind: f.kind, Argv: argv}
	switch f.kind {
	case policy.KindProjectInit:
		payload.ProjectInit = &protocol.ProjectInitPayload{Dir: f.dir, Host: f.host}
	case policy.KindBootstrap:
		payload.Bootstrap = &protocol.BootstrapPayload{Host: f.host, Mode: f.mode}
	case policy.KindDeploy:
		payload.Deploy = &protocol.DeployPayload{Host: f.host, Note: f.note}
	case policy.KindSecretsWrite:
		payload.SecretsWrite = &protocol.SecretsWritePayload{Host: f.host, Scope: f.scope}
	case policy.KindInfraApply:
		payload.InfraApply = &protocol.InfraApplyPayload{Host: f.host, Note: f.note}
	case policy.KindGatewayDiagnose:
		payload.GatewayDiagnose = &protocol.GatewayDiagnosePayload{Gateway: f.gateway}
	default:
		return protocol.CreateRunRequest{}, fmt.Errorf("unknown kind %q (known: %v)", f.kind, policy.Kinds())
	}
	if err := payload.Validate(); err != nil {
		return protocol.CreateRunRequest{}, err
	}

	title := f.title
	if title == "" {
		title = f.kind
		if f.host != "" {
			title += " " + f.host
		}
	}
	return protocol.CreateRunRequest{
		Kind:         f.kind,
		Title:        title,
		Host:         f.host,
		TargetRunner: f.targetRunner,
		Payload:      payload,
		MaxAttempts:  f.maxAttempts,
	}, nil
}

func runCommand() *cli.Command {
	session := &sessionFlags{}
	payload := &payloadFlags{}
	var follow bool

	return &cli.Command{
		Name:    "run",
		Summary: "Create a run and enqueue its job",
		Usage:   "hostwright run --kind KIND [flags] -- ARGV...",
		Description: `
Creates a run on the control plane. The argv after "--" is the exact
command the runner will execute; it must satisfy the command policy
for the kind. Use "hostwright seal" instead when the job needs secret
input.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			session.register(flagSet)
			payload.register(flagSet)
			flagSet.BoolVar(&follow, "follow", false, "tail run events until the run finishes")
			return flagSet
		},
		Run: func(args []string) error {
			request, err := payload.buildRequest(args)
			if err != nil {
				return err
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
			fmt.Printf("run %s created (job %s)\n", created.RunID, created.JobID)

			if follow {
				return followRun(ctx, client, created.RunID)
			}
			return nil
		},
	}
}

// followRun tails a run's events until it reaches a terminal status.
// Returns an error when the run failed so the process exits non-zero.
func followRun(ctx context.Context, client *runner.Client, runID string) error {
	var cursor int64
	for {
		page, err := client.RunEvents(ctx, runID, cursor)
		if err != nil {
			return err
		}
		for _, event := range page.Events {
			printEvent(event)
		}
		if page.NextAfter > cursor {
			cursor = page.NextAfter
		}

		status, err := client.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if status.Run.Status.Terminal() {
			// Drain events that landed between the two calls.
			if page, err := client.RunEvents(ctx, runID, cursor); err == nil {
				for _, event := range page.Events {
					printEvent(event)
				}
			}
			fmt.Printf("run %s %s\n", runID, status.Run.Status)
			if status.Run.Status == protocol.RunFailed {
				return fmt.Errorf("%s", status.Run.ErrorMessage)
			}
			return nil
		}
		time.Sleep(followPollInterval)
	}
}

func printEvent(event protocol.Event) {
	fmt.Fprintf(os.Stdout, "%s  %-5s  %s\n",
		event.TS.Local().Format("15:04:05"),
		event.Level,
		event.Message,
	)
}
