// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/hostwright/hostwright/lib/config"
	"github.com/hostwright/hostwright/lib/runner"
	"github.com/hostwright/hostwright/lib/secret"
)

// sessionFlags are the connection flags shared by every command that
// talks to the control plane. Values from the config file (via
// --config or HOSTWRIGHT_CONFIG) are used for anything not given on
// the command line.
type sessionFlags struct {
	configPath string
	controlURL string
	tokenPath  string
	project    string
}

func (f *sessionFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "path to hostwright.yaml")
	flagSet.StringVar(&f.controlURL, "control-url", "", "control plane base URL")
	flagSet.StringVar(&f.tokenPath, "token-path", "", "bearer token file")
	flagSet.StringVar(&f.project, "project", "", "project ID")
}

// newClient resolves the connection settings and builds the protocol
// client. The token stays in locked memory for the client's lifetime;
// the caller owns the returned cleanup.
func (f *sessionFlags) newClient() (*runner.Client, func(), error) {
	controlURL := f.controlURL
	tokenPath := f.tokenPath
	project := f.project

	if controlURL == "" || tokenPath == "" || project == "" {
		cfg, err := f.loadConfig()
		if err != nil {
			return nil, nil, err
		}
		if controlURL == "" {
			controlURL = cfg.Runner.ControlURL
		}
		if tokenPath == "" {
			tokenPath = cfg.Runner.TokenPath
		}
		if project == "" {
			project = cfg.Runner.ProjectID
		}
	}
	if controlURL == "" {
		return nil, nil, fmt.Errorf("control plane URL required (--control-url or config)")
	}
	if tokenPath == "" {
		return nil, nil, fmt.Errorf("bearer token path required (--token-path or config)")
	}
	if project == "" {
		return nil, nil, fmt.Errorf("project ID required (--project or config)")
	}

	token, err := secret.ReadFromPath(tokenPath)
	if err != nil {
		return nil, nil, err
	}
	client, err := runner.NewClient(runner.ClientConfig{
		BaseURL:   controlURL,
		Token:     token,
		ProjectID: project,
	})
	if err != nil {
		token.Close()
		return nil, nil, err
	}
	return client, func() { token.Close() }, nil
}

func (f *sessionFlags) loadConfig() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}
	if os.Getenv("HOSTWRIGHT_CONFIG") != "" {
		return config.Load()
	}
	return nil, fmt.Errorf("no configuration: pass --config, set HOSTWRIGHT_CONFIG, or give --control-url/--token-path/--project")
}
