// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"testing"
)

func TestValidateAccepted(t *testing.T) {
	tests := []struct {
		name string
		kind string
		argv []string
	}{
		{
			name: "project init minimal",
			kind: KindProjectInit,
			argv: []string{"project", "init", "--dir", ".", "--host", "alpha"},
		},
		{
			name: "project init with json",
			kind: KindProjectInit,
			argv: []string{"project", "init", "--dir", ".", "--host", "alpha", "--json"},
		},
		{
			name: "bootstrap with inline mode",
			kind: KindBootstrap,
			argv: []string{"bootstrap", "--host", "alpha", "--mode=nixos-anywhere", "--json"},
		},
		{
			name: "deploy dry run",
			kind: KindDeploy,
			argv: []string{"deploy", "--host", "beta", "--json", "--dry-run"},
		},
		{
			name: "secrets write",
			kind: KindSecretsWrite,
			argv: []string{"secrets", "write", "--host", "alpha", "--file", "prod.env", "--json"},
		},
		{
			name: "infra apply",
			kind: KindInfraApply,
			argv: []string{"infra", "apply", "--json", "--auto-approve"},
		},
		{
			name: "gateway diagnose",
			kind: KindGatewayDiagnose,
			argv: []string{"gateway", "diagnose", "--gateway", "edge-1", "--json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.kind, tt.argv); err != nil {
				t.Errorf("Validate(%q, %v) = %v, want nil", tt.kind, tt.argv, err)
			}
		})
	}
}

func TestValidateRejected(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		argv    []string
		wantErr error
	}{
		{
			name:    "unknown flag",
			kind:    KindProjectInit,
			argv:    []string{"project", "init", "--dir", ".", "--host", "alpha", "--nope", "x"},
			wantErr: ErrUnknownFlag,
		},
		{
			name:    "duplicate flag",
			kind:    KindProjectInit,
			argv:    []string{"project", "init", "--dir", ".", "--host", "alpha", "--host", "beta"},
			wantErr: ErrDuplicateFlag,
		},
		{
			name:    "duplicate across inline and separate form",
			kind:    KindBootstrap,
			argv:    []string{"bootstrap", "--host", "alpha", "--host=beta", "--json"},
			wantErr: ErrDuplicateFlag,
		},
		{
			name:    "raw double dash",
			kind:    KindDeploy,
			argv:    []string{"deploy", "--host", "alpha", "--json", "--"},
			wantErr: ErrForbiddenToken,
		},
		{
			name:    "missing required json",
			kind:    KindBootstrap,
			argv:    []string{"bootstrap", "--host", "alpha", "--mode=nixos-anywhere"},
			wantErr: ErrMissingRequiredFlag,
		},
		{
			name:    "missing required host",
			kind:    KindDeploy,
			argv:    []string{"deploy", "--json"},
			wantErr: ErrMissingRequiredFlag,
		},
		{
			name:    "boolean flag with value",
			kind:    KindDeploy,
			argv:    []string{"deploy", "--host", "alpha", "--json=true"},
			wantErr: ErrFlagTakesNoValue,
		},
		{
			name:    "value flag without value at end",
			kind:    KindDeploy,
			argv:    []string{"deploy", "--json", "--host"},
			wantErr: ErrFlagNeedsValue,
		},
		{
			name:    "value flag followed by another flag",
			kind:    KindDeploy,
			argv:    []string{"deploy", "--host", "--json"},
			wantErr: ErrFlagNeedsValue,
		},
		{
			name:    "empty inline value",
			kind:    KindBootstrap,
			argv:    []string{"bootstrap", "--host=", "--json"},
			wantErr: ErrFlagNeedsValue,
		},
		{
			name:    "wrong command words",
			kind:    KindProjectInit,
			argv:    []string{"project", "destroy", "--dir", ".", "--host", "alpha"},
			wantErr: ErrCommandMismatch,
		},
		{
			name:    "stray positional argument",
			kind:    KindDeploy,
			argv:    []string{"deploy", "--host", "alpha", "--json", "extra"},
			wantErr: ErrUnexpectedArgument,
		},
		{
			name:    "unknown kind",
			kind:    "reimage-planet",
			argv:    []string{"reimage-planet"},
			wantErr: ErrUnknownKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.kind, tt.argv)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate(%q, %v) = %v, want errors.Is(%v)", tt.kind, tt.argv, err, tt.wantErr)
			}
		})
	}
}

func TestResultSpecPure(t *testing.T) {
	for _, kind := range Kinds() {
		first, err := ResultSpec(kind)
		if err != nil {
			t.Fatalf("ResultSpec(%q) error: %v", kind, err)
		}
		second, err := ResultSpec(kind)
		if err != nil {
			t.Fatalf("ResultSpec(%q) second call error: %v", kind, err)
		}
		if first != second {
			t.Errorf("ResultSpec(%q) not stable: %+v != %+v", kind, first, second)
		}
		if first.MaxBytes <= 0 {
			t.Errorf("ResultSpec(%q).MaxBytes = %d, want positive", kind, first.MaxBytes)
		}
	}

	if _, err := ResultSpec("nope"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ResultSpec(nope) = %v, want ErrUnknownKind", err)
	}
}
